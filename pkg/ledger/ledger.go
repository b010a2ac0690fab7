// Package ledger records every completed call with per-module savings
// attribution. Entries can be persisted, broadcast to sibling processes and
// merged back, and exported as JSON or CSV.
package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amerfu/llmshield/pkg/broadcast"
	"github.com/amerfu/llmshield/pkg/events"
	"github.com/amerfu/llmshield/pkg/pricing"
	"github.com/amerfu/llmshield/pkg/storage"
)

const maxEntries = 10000

// Savings is the per-module decomposition of a call's saved dollars.
type Savings struct {
	Guard      float64 `json:"guard"`
	Cache      float64 `json:"cache"`
	Context    float64 `json:"context"`
	Router     float64 `json:"router"`
	Prefix     float64 `json:"prefix"`
	Compressor float64 `json:"compressor,omitempty"`
	Delta      float64 `json:"delta,omitempty"`
}

// Total sums all attribution fields.
func (s Savings) Total() float64 {
	return s.Guard + s.Cache + s.Context + s.Router + s.Prefix + s.Compressor + s.Delta
}

// Entry is one recorded call.
type Entry struct {
	ID                string  `json:"id"`
	Timestamp         int64   `json:"timestamp"`
	Model             string  `json:"model"`
	InputTokens       int     `json:"inputTokens"`
	OutputTokens      int     `json:"outputTokens"`
	CachedTokens      int     `json:"cachedTokens"`
	ActualCost        float64 `json:"actualCost"`
	CostWithoutShield float64 `json:"costWithoutShield"`
	TotalSaved        float64 `json:"totalSaved"`
	Savings           Savings `json:"savings"`
	Feature           string  `json:"feature,omitempty"`
	LatencyMs         int64   `json:"latencyMs,omitempty"`
	CacheHit          bool    `json:"cacheHit"`
	Blocked           bool    `json:"blocked,omitempty"`
}

// RecordInput is the caller-supplied view of a completed call.
type RecordInput struct {
	Model               string
	InputTokens         int
	OutputTokens        int
	CachedTokens        int
	Savings             Savings
	Feature             string
	LatencyMs           int64
	CacheHit            bool
	OriginalModel       string
	OriginalInputTokens int
}

// ModelAgg aggregates per-model usage in a summary.
type ModelAgg struct {
	Calls  int     `json:"calls"`
	Cost   float64 `json:"cost"`
	Tokens int     `json:"tokens"`
}

// FeatureAgg aggregates per-feature usage in a summary.
type FeatureAgg struct {
	Calls int     `json:"calls"`
	Cost  float64 `json:"cost"`
	Saved float64 `json:"saved"`
}

// Summary aggregates the ledger.
type Summary struct {
	TotalCalls        int                   `json:"totalCalls"`
	TotalSpent        float64               `json:"totalSpent"`
	TotalSaved        float64               `json:"totalSaved"`
	ModuleSavings     Savings               `json:"moduleSavings"`
	ByModel           map[string]ModelAgg   `json:"byModel"`
	ByFeature         map[string]FeatureAgg `json:"byFeature"`
	CacheHits         int                   `json:"cacheHits"`
	CallsBlocked      int                   `json:"callsBlocked"`
	CacheHitRate      float64               `json:"cacheHitRate"`
	SavingsRate       float64               `json:"savingsRate"`
	AvgCostPerCall    float64               `json:"avgCostPerCall"`
	AvgSavingsPerCall float64               `json:"avgSavingsPerCall"`
	Entries           []Entry               `json:"entries"`
}

// Config configures a Ledger.
type Config struct {
	Pricing   pricing.Table
	Persist   bool
	KeyPrefix string
	Storage   storage.Adapter
	Broadcast broadcast.Channel
	Clock     func() time.Time
	Logger    *zap.Logger
	Bus       *events.Bus
}

// Ledger is the append-only cost record store.
type Ledger struct {
	mu        sync.Mutex
	entries   []Entry
	listeners []func(Entry)

	persistWG sync.WaitGroup

	cfg    Config
	logger *zap.Logger
}

// New creates a ledger and, when a broadcast channel is configured, wires
// the merge path for sibling-process entries.
func New(cfg Config) *Ledger {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "llmshield:"
	}
	l := &Ledger{cfg: cfg, logger: cfg.Logger}
	if cfg.Broadcast != nil {
		cfg.Broadcast.OnMessage(l.onBroadcast)
	}
	return l
}

// AddListener registers a local observer. Listener panics are isolated.
func (l *Ledger) AddListener(fn func(Entry)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Record computes costs for a completed call and appends the entry.
// CostWithoutShield is priced against the original model and input size
// when the pipeline rewrote them.
func (l *Ledger) Record(in RecordInput) Entry {
	actual := l.cfg.Pricing.Cost(in.Model, in.InputTokens, in.OutputTokens, in.CachedTokens)

	baselineModel := in.OriginalModel
	if baselineModel == "" {
		baselineModel = in.Model
	}
	baselineInput := in.OriginalInputTokens
	if baselineInput == 0 {
		baselineInput = in.InputTokens
	}
	without := l.cfg.Pricing.Cost(baselineModel, baselineInput, in.OutputTokens, 0)

	e := Entry{
		ID:                uuid.NewString(),
		Timestamp:         l.cfg.Clock().UnixMilli(),
		Model:             in.Model,
		InputTokens:       in.InputTokens,
		OutputTokens:      in.OutputTokens,
		CachedTokens:      in.CachedTokens,
		ActualCost:        actual,
		CostWithoutShield: without,
		TotalSaved:        without - actual,
		Savings:           in.Savings,
		Feature:           in.Feature,
		LatencyMs:         in.LatencyMs,
		CacheHit:          in.CacheHit,
	}
	l.append(e, true)
	return e
}

// RecordBlocked synthesizes a zero-cost entry whose guard savings equal what
// the blocked call would have cost.
func (l *Ledger) RecordBlocked(model string, estInputTokens, estOutputTokens int, feature string) Entry {
	wouldHaveCost := l.cfg.Pricing.Cost(model, estInputTokens, estOutputTokens, 0)
	e := Entry{
		ID:                uuid.NewString(),
		Timestamp:         l.cfg.Clock().UnixMilli(),
		Model:             model,
		CostWithoutShield: wouldHaveCost,
		TotalSaved:        wouldHaveCost,
		Savings:           Savings{Guard: wouldHaveCost},
		Feature:           feature,
		Blocked:           true,
	}
	l.append(e, true)
	return e
}

// RecordCacheHit synthesizes a zero-cost entry whose cache savings equal
// what the avoided call would have cost.
func (l *Ledger) RecordCacheHit(model string, inputTokens, outputTokens int, feature string) Entry {
	wouldHaveCost := l.cfg.Pricing.Cost(model, inputTokens, outputTokens, 0)
	e := Entry{
		ID:                uuid.NewString(),
		Timestamp:         l.cfg.Clock().UnixMilli(),
		Model:             model,
		CostWithoutShield: wouldHaveCost,
		TotalSaved:        wouldHaveCost,
		Savings:           Savings{Cache: wouldHaveCost},
		Feature:           feature,
		CacheHit:          true,
	}
	l.append(e, true)
	return e
}

// Entries returns a copy of the entry list.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Summary aggregates the current entries.
func (l *Ledger) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Summary{
		ByModel:   make(map[string]ModelAgg),
		ByFeature: make(map[string]FeatureAgg),
		Entries:   make([]Entry, len(l.entries)),
	}
	copy(s.Entries, l.entries)

	for _, e := range l.entries {
		s.TotalCalls++
		s.TotalSpent += e.ActualCost
		s.TotalSaved += e.TotalSaved
		s.ModuleSavings.Guard += e.Savings.Guard
		s.ModuleSavings.Cache += e.Savings.Cache
		s.ModuleSavings.Context += e.Savings.Context
		s.ModuleSavings.Router += e.Savings.Router
		s.ModuleSavings.Prefix += e.Savings.Prefix
		s.ModuleSavings.Compressor += e.Savings.Compressor
		s.ModuleSavings.Delta += e.Savings.Delta

		if e.CacheHit {
			s.CacheHits++
		}
		if e.InputTokens == 0 && e.Savings.Guard > 0 {
			s.CallsBlocked++
		}

		agg := s.ByModel[e.Model]
		agg.Calls++
		agg.Cost += e.ActualCost
		agg.Tokens += e.InputTokens + e.OutputTokens
		s.ByModel[e.Model] = agg

		feature := e.Feature
		if feature == "" {
			feature = "_untagged"
		}
		fa := s.ByFeature[feature]
		fa.Calls++
		fa.Cost += e.ActualCost
		fa.Saved += e.TotalSaved
		s.ByFeature[feature] = fa
	}

	if s.TotalCalls > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(s.TotalCalls)
		s.AvgCostPerCall = s.TotalSpent / float64(s.TotalCalls)
		s.AvgSavingsPerCall = s.TotalSaved / float64(s.TotalCalls)
	}
	if s.TotalSpent+s.TotalSaved > 0 {
		s.SavingsRate = s.TotalSaved / (s.TotalSpent + s.TotalSaved)
	}
	return s
}

// Hydrate loads persisted entries, skipping IDs already present, and sorts
// by timestamp. Listeners are notified once when anything loaded.
func (l *Ledger) Hydrate(ctx context.Context) (int, error) {
	if l.cfg.Storage == nil {
		return 0, nil
	}
	keys, err := l.cfg.Storage.Keys(ctx, l.cfg.KeyPrefix+"ledger:")
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	present := make(map[string]struct{}, len(l.entries))
	for _, e := range l.entries {
		present[e.ID] = struct{}{}
	}
	loaded := 0
	var last Entry
	for _, k := range keys {
		data, err := l.cfg.Storage.Get(ctx, k)
		if err != nil || data == nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			l.logger.Debug("Dropping undecodable ledger entry", zap.String("key", k), zap.Error(err))
			continue
		}
		if _, ok := present[e.ID]; ok {
			continue
		}
		present[e.ID] = struct{}{}
		l.entries = append(l.entries, e)
		last = e
		loaded++
	}
	if loaded > 0 {
		sort.SliceStable(l.entries, func(i, j int) bool {
			return l.entries[i].Timestamp < l.entries[j].Timestamp
		})
		l.capLocked()
	}
	listeners := l.snapshotListeners()
	l.mu.Unlock()

	if loaded > 0 {
		l.notify(listeners, last)
	}
	return loaded, nil
}

// Flush blocks until pending asynchronous persists have completed.
func (l *Ledger) Flush() {
	l.persistWG.Wait()
}

// Clear drops the in-memory entries and the persisted copies.
func (l *Ledger) Clear(ctx context.Context) error {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()

	if l.cfg.Storage == nil {
		return nil
	}
	keys, err := l.cfg.Storage.Keys(ctx, l.cfg.KeyPrefix+"ledger:")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := l.cfg.Storage.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) append(e Entry, publish bool) {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.capLocked()
	listeners := l.snapshotListeners()
	l.mu.Unlock()

	l.cfg.Bus.Publish(events.Event{
		Type:     events.EventLedgerEntry,
		Module:   "ledger",
		Model:    e.Model,
		CostUSD:  e.ActualCost,
		SavedUSD: e.TotalSaved,
	})
	l.notify(listeners, e)

	if publish && l.cfg.Broadcast != nil {
		raw, err := json.Marshal(e)
		if err == nil {
			if err := l.cfg.Broadcast.Publish(context.Background(), broadcast.Message{
				Type:  broadcast.MessageTypeNewEntry,
				Entry: raw,
			}); err != nil {
				l.logger.Debug("Failed to broadcast ledger entry", zap.Error(err))
			}
		}
	}

	if l.cfg.Persist && l.cfg.Storage != nil {
		l.persistWG.Add(1)
		go func() {
			defer l.persistWG.Done()
			data, err := json.Marshal(e)
			if err != nil {
				return
			}
			key := l.cfg.KeyPrefix + "ledger:" + e.ID
			if err := l.cfg.Storage.Set(context.Background(), key, data); err != nil {
				l.logger.Debug("Failed to persist ledger entry", zap.Error(err))
			}
		}()
	}
}

// capLocked FIFO-prunes to the most recent maxEntries.
func (l *Ledger) capLocked() {
	if len(l.entries) > maxEntries {
		l.entries = l.entries[len(l.entries)-maxEntries:]
	}
}

// onBroadcast merges a sibling process's entry unless its ID is already
// present, then restores timestamp order.
func (l *Ledger) onBroadcast(msg broadcast.Message) {
	if msg.Type != broadcast.MessageTypeNewEntry || len(msg.Entry) == 0 {
		return
	}
	var e Entry
	if err := json.Unmarshal(msg.Entry, &e); err != nil {
		l.logger.Debug("Dropping malformed broadcast entry", zap.Error(err))
		return
	}

	l.mu.Lock()
	for _, existing := range l.entries {
		if existing.ID == e.ID {
			l.mu.Unlock()
			return
		}
	}
	l.entries = append(l.entries, e)
	sort.SliceStable(l.entries, func(i, j int) bool {
		return l.entries[i].Timestamp < l.entries[j].Timestamp
	})
	l.capLocked()
	listeners := l.snapshotListeners()
	l.mu.Unlock()

	l.notify(listeners, e)
}

func (l *Ledger) snapshotListeners() []func(Entry) {
	out := make([]func(Entry), len(l.listeners))
	copy(out, l.listeners)
	return out
}

func (l *Ledger) notify(listeners []func(Entry), e Entry) {
	for _, fn := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					l.logger.Debug("Ledger listener panicked", zap.Any("panic", rec))
				}
			}()
			fn(e)
		}()
	}
}
