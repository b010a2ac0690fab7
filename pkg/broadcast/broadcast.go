// Package broadcast carries ledger entries between sibling shield processes.
// The channel is optional: a nil Channel disables cross-process sync and all
// ledger invariants still hold within the local process.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
)

// MessageTypeNewEntry announces a ledger entry recorded by a sibling.
const MessageTypeNewEntry = "NEW_ENTRY"

// Message is the wire format exchanged between processes.
type Message struct {
	Type  string          `json:"type"`
	Entry json.RawMessage `json:"entry,omitempty"`
}

// Channel publishes messages to sibling processes and delivers theirs.
// OnMessage handlers must not block; handler panics are the handler's
// problem and are isolated by callers.
type Channel interface {
	Publish(ctx context.Context, msg Message) error
	OnMessage(handler func(Message))
	Close() error
}

// Loopback is an in-process Channel that delivers every published message
// back to local handlers. Used in tests and single-process deployments that
// still want the merge path exercised.
type Loopback struct {
	mu       sync.RWMutex
	handlers []func(Message)
	closed   bool
}

// NewLoopback creates a loopback channel.
func NewLoopback() *Loopback {
	return &Loopback{}
}

func (l *Loopback) Publish(_ context.Context, msg Message) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil
	}
	for _, h := range l.handlers {
		h(msg)
	}
	return nil
}

func (l *Loopback) OnMessage(handler func(Message)) {
	l.mu.Lock()
	l.handlers = append(l.handlers, handler)
	l.mu.Unlock()
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.handlers = nil
	l.mu.Unlock()
	return nil
}
