// Package guard performs per-request admission: input sanity, debounce, rate
// limiting, an hourly cost gate and two flavors of duplicate suppression.
// Time-window dedup blocks repeats of recently completed requests; in-flight
// dedup blocks concurrent duplicates. Both may be enabled at once.
package guard

import (
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/amerfu/llmshield/pkg/cache"
	"github.com/amerfu/llmshield/pkg/events"
	"github.com/amerfu/llmshield/pkg/pricing"
)

const (
	maxTimestamps    = 200
	maxCostLog       = 500
	maxRecentPrompts = 1000
	maxInflight      = 50
	inflightMaxAge   = 5 * time.Minute
)

// Config configures a Guard. Zero values mean the corresponding check is
// disabled, except MinInputChars which defaults to 2.
type Config struct {
	MinInputChars        int
	MaxInputTokens       int
	DedupWindow          time.Duration
	Debounce             time.Duration
	MaxRequestsPerMinute int
	MaxCostPerHour       float64
	InflightDedup        bool

	// EstOutputTokens is the assumed completion size for cost estimates.
	EstOutputTokens int

	Pricing     pricing.Table
	CountTokens pricing.TokenCounter
	Clock       func() time.Time
	Logger      *zap.Logger
	Bus         *events.Bus
	OnBlocked   func(reason string)
}

// Result is the admission decision for one request.
type Result struct {
	Allowed            bool    `json:"allowed"`
	Reason             string  `json:"reason,omitempty"`
	BlockedCount       int64   `json:"blocked_count"`
	EstimatedCost      float64 `json:"estimated_cost"`
	CurrentHourlySpend float64 `json:"current_hourly_spend"`
}

// Stats is a read-only snapshot of guard counters.
type Stats struct {
	BlockedCount       int64   `json:"blocked_count"`
	AllowedCount       int64   `json:"allowed_count"`
	TotalSaved         float64 `json:"total_saved"`
	CurrentHourlySpend float64 `json:"current_hourly_spend"`
	RequestsLastMinute int     `json:"requests_last_minute"`
	InflightCount      int     `json:"inflight_count"`
	RecentPromptCount  int     `json:"recent_prompt_count"`
}

// Handle cancels an in-flight request. The guard cancels the older handle
// when the same prompt is registered again or the entry ages out.
type Handle struct {
	once sync.Once
	done chan struct{}
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Cancel marks the request cancelled. Safe to call multiple times.
func (h *Handle) Cancel() {
	h.once.Do(func() { close(h.done) })
}

// Cancelled reports whether Cancel has been called.
func (h *Handle) Cancelled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Done exposes the cancellation channel for select loops.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

type costEntry struct {
	at   int64
	cost float64
}

type inflightEntry struct {
	handle  *Handle
	started int64
}

// Guard owns the admission state for one pipeline.
type Guard struct {
	mu            sync.Mutex
	lastAllowedAt int64
	timestamps    []int64
	costLog       []costEntry
	recent        map[string]int64
	inflight      map[string]*inflightEntry
	blockedCount  int64
	allowedCount  int64
	totalSaved    float64

	cfg    Config
	logger *zap.Logger
}

// New creates a guard.
func New(cfg Config) *Guard {
	if cfg.MinInputChars == 0 {
		cfg.MinInputChars = 2
	}
	if cfg.EstOutputTokens == 0 {
		cfg.EstOutputTokens = 500
	}
	if cfg.CountTokens == nil {
		cfg.CountTokens = pricing.EstimateTokens
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Guard{
		recent:   make(map[string]int64),
		inflight: make(map[string]*inflightEntry),
		cfg:      cfg,
		logger:   cfg.Logger,
	}
}

// Check runs the admission checks in order; the first failure blocks.
// On allow it records the timestamp and the normalized prompt.
func (g *Guard) Check(prompt, modelID string) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.cfg.Clock().UnixMilli()
	estIn := g.cfg.CountTokens(prompt)
	estCost := g.cfg.Pricing.Cost(modelID, estIn, g.cfg.EstOutputTokens, 0)
	hourly := g.hourlySpendLocked(now)

	if utf8.RuneCountInString(prompt) < g.cfg.MinInputChars {
		return g.blockLocked(fmt.Sprintf("Input too short (minimum %d characters)", g.cfg.MinInputChars), estCost, hourly)
	}
	if g.cfg.MaxInputTokens > 0 && estIn > g.cfg.MaxInputTokens {
		return g.blockLocked(fmt.Sprintf("Input too large (%d tokens, maximum %d)", estIn, g.cfg.MaxInputTokens), estCost, hourly)
	}

	normalized := cache.Normalize(prompt)

	if g.cfg.DedupWindow > 0 {
		g.purgeRecentLocked(now)
		if seenAt, ok := g.recent[normalized]; ok && now-seenAt < g.cfg.DedupWindow.Milliseconds() {
			return g.blockLocked("Duplicate request within dedup window", estCost, hourly)
		}
	}

	if g.cfg.Debounce > 0 && g.lastAllowedAt > 0 && now-g.lastAllowedAt < g.cfg.Debounce.Milliseconds() {
		return g.blockLocked("Debounced: requests arriving too fast", estCost, hourly)
	}

	if g.cfg.MaxRequestsPerMinute > 0 {
		g.purgeTimestampsLocked(now)
		if len(g.timestamps) >= g.cfg.MaxRequestsPerMinute {
			return g.blockLocked(fmt.Sprintf("Rate limited: %d requests per minute reached", g.cfg.MaxRequestsPerMinute), estCost, hourly)
		}
	}

	if g.cfg.MaxCostPerHour > 0 && hourly+estCost > g.cfg.MaxCostPerHour {
		return g.blockLocked(fmt.Sprintf("Hourly cost limit reached ($%.2f)", g.cfg.MaxCostPerHour), estCost, hourly)
	}

	if g.cfg.InflightDedup {
		if _, ok := g.inflight[normalized]; ok {
			return g.blockLocked("Identical request already in flight", estCost, hourly)
		}
	}

	g.lastAllowedAt = now
	g.allowedCount++
	g.timestamps = append(g.timestamps, now)
	if len(g.timestamps) > maxTimestamps {
		g.timestamps = g.timestamps[len(g.timestamps)-maxTimestamps:]
	}
	if g.cfg.DedupWindow > 0 {
		if len(g.recent) >= maxRecentPrompts {
			g.recent = make(map[string]int64)
		}
		g.recent[normalized] = now
	}

	g.cfg.Bus.Publish(events.Event{
		Type:    events.EventRequestAllowed,
		Module:  "guard",
		Model:   modelID,
		CostUSD: estCost,
	})
	return Result{Allowed: true, BlockedCount: g.blockedCount, EstimatedCost: estCost, CurrentHourlySpend: hourly}
}

// StartRequest registers an in-flight record for the prompt and returns its
// cancellation handle. An existing record for the same normalized prompt is
// evicted and its handle cancelled.
func (g *Guard) StartRequest(prompt string) *Handle {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.cfg.Clock().UnixMilli()
	normalized := cache.Normalize(prompt)
	if old, ok := g.inflight[normalized]; ok {
		old.handle.Cancel()
	}
	h := newHandle()
	g.inflight[normalized] = &inflightEntry{handle: h, started: now}
	g.evictInflightLocked(now)
	return h
}

// CompleteRequest unregisters the in-flight record and appends the actual
// cost to the hourly cost log.
func (g *Guard) CompleteRequest(prompt string, actualInTokens, actualOutTokens int, model string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	normalized := cache.Normalize(prompt)
	delete(g.inflight, normalized)

	cost := g.cfg.Pricing.Cost(model, actualInTokens, actualOutTokens, 0)
	g.costLog = append(g.costLog, costEntry{at: g.cfg.Clock().UnixMilli(), cost: cost})
	if len(g.costLog) > maxCostLog {
		g.costLog = g.costLog[len(g.costLog)-maxCostLog:]
	}
}

// CancelRequest unregisters the in-flight record and cancels its handle
// without appending to the cost log. Used when the provider call failed.
func (g *Guard) CancelRequest(prompt string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	normalized := cache.Normalize(prompt)
	if e, ok := g.inflight[normalized]; ok {
		e.handle.Cancel()
		delete(g.inflight, normalized)
	}
}

// GetStats computes counters without mutating any internal state, so it is
// safe for dry-run inspection.
func (g *Guard) GetStats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.cfg.Clock().UnixMilli()
	minuteAgo := now - time.Minute.Milliseconds()
	lastMinute := 0
	for _, ts := range g.timestamps {
		if ts >= minuteAgo {
			lastMinute++
		}
	}
	return Stats{
		BlockedCount:       g.blockedCount,
		AllowedCount:       g.allowedCount,
		TotalSaved:         g.totalSaved,
		CurrentHourlySpend: g.hourlySpendLocked(now),
		RequestsLastMinute: lastMinute,
		InflightCount:      len(g.inflight),
		RecentPromptCount:  len(g.recent),
	}
}

// GetSnapshot is an alias for GetStats kept for dry-run callers.
func (g *Guard) GetSnapshot() Stats {
	return g.GetStats()
}

// hourlySpendLocked sums the last hour of the cost log without filtering it
// in place. Read-only on purpose.
func (g *Guard) hourlySpendLocked(now int64) float64 {
	hourAgo := now - time.Hour.Milliseconds()
	var total float64
	for _, e := range g.costLog {
		if e.at >= hourAgo {
			total += e.cost
		}
	}
	return total
}

func (g *Guard) blockLocked(reason string, estCost, hourly float64) Result {
	g.blockedCount++
	g.totalSaved += estCost
	g.cfg.Bus.Publish(events.Event{
		Type:     events.EventRequestBlocked,
		Module:   "guard",
		Reason:   reason,
		SavedUSD: estCost,
	})
	if g.cfg.OnBlocked != nil {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					g.logger.Debug("OnBlocked callback panicked", zap.Any("panic", rec))
				}
			}()
			g.cfg.OnBlocked(reason)
		}()
	}
	return Result{Allowed: false, Reason: reason, BlockedCount: g.blockedCount, EstimatedCost: estCost, CurrentHourlySpend: hourly}
}

func (g *Guard) purgeRecentLocked(now int64) {
	windowMs := g.cfg.DedupWindow.Milliseconds()
	for k, seenAt := range g.recent {
		if now-seenAt >= windowMs {
			delete(g.recent, k)
		}
	}
}

func (g *Guard) purgeTimestampsLocked(now int64) {
	minuteAgo := now - time.Minute.Milliseconds()
	kept := g.timestamps[:0]
	for _, ts := range g.timestamps {
		if ts >= minuteAgo {
			kept = append(kept, ts)
		}
	}
	g.timestamps = kept
}

// evictInflightLocked cancels and drops entries older than five minutes once
// the map grows past the cap.
func (g *Guard) evictInflightLocked(now int64) {
	if len(g.inflight) <= maxInflight {
		return
	}
	cutoff := now - inflightMaxAge.Milliseconds()
	for k, e := range g.inflight {
		if e.started < cutoff {
			e.handle.Cancel()
			delete(g.inflight, k)
		}
	}
}
