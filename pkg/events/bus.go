package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	EventRequestAllowed     Type = "request:allowed"
	EventRequestBlocked     Type = "request:blocked"
	EventCacheHit           Type = "cache:hit"
	EventCacheMiss          Type = "cache:miss"
	EventLedgerEntry        Type = "ledger:entry"
	EventContextTrimmed     Type = "context:trimmed"
	EventRouterDowngraded   Type = "router:downgraded"
	EventRouterHoldback     Type = "router:holdback"
	EventBreakerWarning     Type = "breaker:warning"
	EventBreakerTripped     Type = "breaker:tripped"
	EventUserBudgetWarning  Type = "userBudget:warning"
	EventUserBudgetExceeded Type = "userBudget:exceeded"
)

// Event is a single observability event published on the bus.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Common fields.
	Module string `json:"module,omitempty"`
	Reason string `json:"reason,omitempty"`
	Model  string `json:"model,omitempty"`
	UserID string `json:"user_id,omitempty"`

	// Spend fields (breaker / user budget / guard).
	Window      string  `json:"window,omitempty"`
	Limit       float64 `json:"limit,omitempty"`
	Projected   float64 `json:"projected,omitempty"`
	PercentUsed float64 `json:"percent_used,omitempty"`
	CostUSD     float64 `json:"cost_usd,omitempty"`
	SavedUSD    float64 `json:"saved_usd,omitempty"`

	// Cache fields.
	CacheType  string  `json:"cache_type,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`

	// Routing / trimming fields.
	OriginalModel string `json:"original_model,omitempty"`
	Complexity    int    `json:"complexity,omitempty"`
	TrimmedTokens int    `json:"trimmed_tokens,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Done is closed when the subscriber is unsubscribed.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Bus is an in-memory pub/sub bus for shield observability events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[*Subscriber]struct{})}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends an event to all subscribers without blocking. A nil bus is
// valid and drops everything, so components can publish unconditionally.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Drop event if subscriber is slow (back-pressure).
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
