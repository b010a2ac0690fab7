// Package breaker enforces absolute spend caps over rolling time windows.
// Unlike a failure-counting circuit breaker, this one trips on projected
// dollars: current spend in the window plus the estimated cost of the
// pending call.
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/llmshield/pkg/events"
	"github.com/amerfu/llmshield/pkg/pricing"
	"github.com/amerfu/llmshield/pkg/storage"
)

const (
	maxRecords      = 50000
	recordRetention = 30 * 24 * time.Hour

	// warningThreshold is the fraction of a limit at which OnWarning fires.
	warningThreshold = 0.8

	// percentUsedSentinel replaces the infinite percentage of a zero limit.
	percentUsedSentinel = 999
)

// Action decides what a tripped limit does to the request.
type Action string

const (
	ActionStop     Action = "stop"
	ActionThrottle Action = "throttle"
	ActionWarn     Action = "warn"
)

// Window names a rolling spend window.
type Window string

const (
	WindowSession Window = "session"
	WindowHour    Window = "hour"
	WindowDay     Window = "day"
	WindowMonth   Window = "month"
)

var windowOrder = []Window{WindowSession, WindowHour, WindowDay, WindowMonth}

// Limits configures the dollar cap per window. A nil field means the window
// is unlimited; an explicit zero means the limit is zero dollars and blocks
// everything. The distinction is load-bearing.
type Limits struct {
	PerSession *float64 `json:"per_session,omitempty"`
	PerHour    *float64 `json:"per_hour,omitempty"`
	PerDay     *float64 `json:"per_day,omitempty"`
	PerMonth   *float64 `json:"per_month,omitempty"`
}

func (l Limits) forWindow(w Window) *float64 {
	switch w {
	case WindowSession:
		return l.PerSession
	case WindowHour:
		return l.PerHour
	case WindowDay:
		return l.PerDay
	case WindowMonth:
		return l.PerMonth
	}
	return nil
}

// SpendRecord is one completed call's cost, kept inside the rolling window.
type SpendRecord struct {
	Timestamp int64   `json:"timestamp"`
	Cost      float64 `json:"cost"`
	Model     string  `json:"model,omitempty"`
}

// Event describes a warning or trip on one window.
type Event struct {
	Window      Window  `json:"window"`
	Limit       float64 `json:"limit"`
	Projected   float64 `json:"projected"`
	PercentUsed float64 `json:"percent_used"`
}

// CheckResult is the admission decision for a pending call.
type CheckResult struct {
	Allowed     bool    `json:"allowed"`
	Reason      string  `json:"reason,omitempty"`
	Window      Window  `json:"window,omitempty"`
	PercentUsed float64 `json:"percent_used,omitempty"`
}

// TrippedLimit is a window whose current spend meets or exceeds its limit.
type TrippedLimit struct {
	Window      Window  `json:"window"`
	Limit       float64 `json:"limit"`
	Spend       float64 `json:"spend"`
	PercentUsed float64 `json:"percent_used"`
}

// Status is a point-in-time snapshot of the breaker.
type Status struct {
	SessionSpend  float64              `json:"session_spend"`
	HourSpend     float64              `json:"hour_spend"`
	DaySpend      float64              `json:"day_spend"`
	MonthSpend    float64              `json:"month_spend"`
	Remaining     map[Window]*float64  `json:"remaining"`
	TrippedLimits []TrippedLimit       `json:"tripped_limits"`
	Tripped       bool                 `json:"tripped"`
	TotalRequests int64                `json:"total_requests"`
	TotalBlocked  int64                `json:"total_blocked"`
	SessionStart  int64                `json:"session_start"`
}

// Config configures a CostBreaker.
type Config struct {
	Limits     Limits
	Action     Action
	Pricing    pricing.Table
	Persist    bool
	StorageKey string
	Storage    storage.Adapter
	Clock      func() time.Time
	Logger     *zap.Logger
	Bus        *events.Bus
	OnWarning  func(Event)
	OnTripped  func(Event)
	OnReset    func(Window)
}

// persistedState is the JSON layout written to storage. SessionStart is
// saved for inspection but never restored: every process start is a new
// session.
type persistedState struct {
	Records      []SpendRecord `json:"records"`
	SessionStart int64         `json:"sessionStart"`
	TotalBlocked int64         `json:"totalBlocked"`
}

// CostBreaker tracks spend records and blocks calls whose projected spend
// exceeds a configured window limit.
type CostBreaker struct {
	mu            sync.Mutex
	records       []SpendRecord
	sessionStart  int64
	totalRequests int64
	totalBlocked  int64
	warned        map[Window]bool

	cfg    Config
	logger *zap.Logger
}

// New creates a breaker and, when persistence is enabled, restores the spend
// records and blocked counter from storage.
func New(cfg Config) *CostBreaker {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Action == "" {
		cfg.Action = ActionStop
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.StorageKey == "" {
		cfg.StorageKey = "default"
	}
	b := &CostBreaker{
		sessionStart: cfg.Clock().UnixMilli(),
		warned:       make(map[Window]bool),
		cfg:          cfg,
		logger:       cfg.Logger,
	}
	b.restore()
	return b
}

// Check computes the projected spend per configured window and decides
// whether the pending call may proceed. It never returns an error: storage
// and callback failures are swallowed.
func (b *CostBreaker) Check(modelID string, estInputTokens, estOutputTokens int) CheckResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	now := b.cfg.Clock()
	estCost := b.cfg.Pricing.Cost(modelID, estInputTokens, estOutputTokens, 0)

	for _, w := range windowOrder {
		limit := b.cfg.Limits.forWindow(w)
		if limit == nil {
			continue
		}
		projected := b.spendSince(b.windowStart(w, now)) + estCost
		pct := percentUsed(projected, *limit)

		switch {
		case *limit > 0 && projected >= warningThreshold*(*limit) && projected < *limit:
			if !b.warned[w] {
				b.warned[w] = true
				b.fireWarning(Event{Window: w, Limit: *limit, Projected: projected, PercentUsed: pct})
			}
		case *limit > 0 && projected < warningThreshold*(*limit):
			// Spend dropped back under the threshold; allow the warning to
			// re-fire later.
			delete(b.warned, w)
		}

		if projected >= *limit {
			b.fireTripped(Event{Window: w, Limit: *limit, Projected: projected, PercentUsed: pct})
			switch b.cfg.Action {
			case ActionStop:
				b.totalBlocked++
				b.save()
				return CheckResult{
					Allowed:     false,
					Reason:      fmt.Sprintf("Spend limit reached for %s window ($%.2f)", w, *limit),
					Window:      w,
					PercentUsed: pct,
				}
			case ActionThrottle:
				return CheckResult{
					Allowed:     true,
					Reason:      fmt.Sprintf("Throttled: %s spend limit reached", w),
					Window:      w,
					PercentUsed: pct,
				}
			case ActionWarn:
				// Caller proceeds with no reason attached.
				return CheckResult{Allowed: true, Window: w, PercentUsed: pct}
			}
		}
	}
	return CheckResult{Allowed: true}
}

// RecordSpend appends a completed call's actual cost.
func (b *CostBreaker) RecordSpend(cost float64, model string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, SpendRecord{
		Timestamp: b.cfg.Clock().UnixMilli(),
		Cost:      cost,
		Model:     model,
	})
	b.prune()
	b.save()
}

// Status snapshots the current window spends and tripped limits without
// mutating any state.
func (b *CostBreaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Clock()
	st := Status{
		SessionSpend:  b.spendSince(b.windowStart(WindowSession, now)),
		HourSpend:     b.spendSince(b.windowStart(WindowHour, now)),
		DaySpend:      b.spendSince(b.windowStart(WindowDay, now)),
		MonthSpend:    b.spendSince(b.windowStart(WindowMonth, now)),
		Remaining:     make(map[Window]*float64, len(windowOrder)),
		TotalRequests: b.totalRequests,
		TotalBlocked:  b.totalBlocked,
		SessionStart:  b.sessionStart,
	}
	spends := map[Window]float64{
		WindowSession: st.SessionSpend,
		WindowHour:    st.HourSpend,
		WindowDay:     st.DaySpend,
		WindowMonth:   st.MonthSpend,
	}
	for _, w := range windowOrder {
		limit := b.cfg.Limits.forWindow(w)
		if limit == nil {
			st.Remaining[w] = nil
			continue
		}
		rem := *limit - spends[w]
		if rem < 0 {
			rem = 0
		}
		remCopy := rem
		st.Remaining[w] = &remCopy
		if spends[w] >= *limit {
			st.TrippedLimits = append(st.TrippedLimits, TrippedLimit{
				Window:      w,
				Limit:       *limit,
				Spend:       spends[w],
				PercentUsed: percentUsed(spends[w], *limit),
			})
		}
	}
	st.Tripped = b.cfg.Action == ActionStop && len(st.TrippedLimits) > 0
	return st
}

// Reset drops all spend records and counters and starts a fresh session.
func (b *CostBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = nil
	b.totalRequests = 0
	b.totalBlocked = 0
	b.warned = make(map[Window]bool)
	b.sessionStart = b.cfg.Clock().UnixMilli()
	b.save()
	b.fireReset(WindowSession)
}

func (b *CostBreaker) windowStart(w Window, now time.Time) int64 {
	switch w {
	case WindowSession:
		return b.sessionStart
	case WindowHour:
		return now.Add(-time.Hour).UnixMilli()
	case WindowDay:
		return now.Add(-24 * time.Hour).UnixMilli()
	case WindowMonth:
		return now.Add(-recordRetention).UnixMilli()
	}
	return 0
}

func (b *CostBreaker) spendSince(start int64) float64 {
	var total float64
	for _, r := range b.records {
		if r.Timestamp >= start {
			total += r.Cost
		}
	}
	return total
}

func (b *CostBreaker) prune() {
	cutoff := b.cfg.Clock().Add(-recordRetention).UnixMilli()
	kept := b.records[:0]
	for _, r := range b.records {
		if r.Timestamp >= cutoff {
			kept = append(kept, r)
		}
	}
	b.records = kept
	if len(b.records) > maxRecords {
		b.records = b.records[len(b.records)-maxRecords:]
	}
}

func percentUsed(projected, limit float64) float64 {
	if limit == 0 {
		return percentUsedSentinel
	}
	return projected / limit * 100
}

func (b *CostBreaker) fireWarning(e Event) {
	b.cfg.Bus.Publish(events.Event{
		Type:        events.EventBreakerWarning,
		Module:      "breaker",
		Window:      string(e.Window),
		Limit:       e.Limit,
		Projected:   e.Projected,
		PercentUsed: e.PercentUsed,
	})
	if b.cfg.OnWarning == nil {
		return
	}
	defer b.recoverCallback("onWarning")
	b.cfg.OnWarning(e)
}

func (b *CostBreaker) fireTripped(e Event) {
	b.cfg.Bus.Publish(events.Event{
		Type:        events.EventBreakerTripped,
		Module:      "breaker",
		Window:      string(e.Window),
		Limit:       e.Limit,
		Projected:   e.Projected,
		PercentUsed: e.PercentUsed,
	})
	if b.cfg.OnTripped == nil {
		return
	}
	defer b.recoverCallback("onTripped")
	b.cfg.OnTripped(e)
}

func (b *CostBreaker) fireReset(w Window) {
	if b.cfg.OnReset == nil {
		return
	}
	defer b.recoverCallback("onReset")
	b.cfg.OnReset(w)
}

func (b *CostBreaker) recoverCallback(name string) {
	if rec := recover(); rec != nil {
		b.logger.Debug("Breaker callback panicked",
			zap.String("callback", name),
			zap.Any("panic", rec))
	}
}

func (b *CostBreaker) storageKey() string {
	return "breaker:" + b.cfg.StorageKey
}

// save serializes records and the blocked counter. Must be called with the
// mutex held. Storage failures are swallowed.
func (b *CostBreaker) save() {
	if !b.cfg.Persist || b.cfg.Storage == nil {
		return
	}
	state := persistedState{
		Records:      b.records,
		SessionStart: b.sessionStart,
		TotalBlocked: b.totalBlocked,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := b.cfg.Storage.Set(context.Background(), b.storageKey(), data); err != nil {
		b.logger.Debug("Failed to persist breaker state", zap.Error(err))
	}
}

func (b *CostBreaker) restore() {
	if !b.cfg.Persist || b.cfg.Storage == nil {
		return
	}
	data, err := b.cfg.Storage.Get(context.Background(), b.storageKey())
	if err != nil || data == nil {
		return
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		b.logger.Debug("Failed to decode persisted breaker state", zap.Error(err))
		return
	}
	b.records = state.Records
	b.totalBlocked = state.TotalBlocked
	b.prune()
}
