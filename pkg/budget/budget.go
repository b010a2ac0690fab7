// Package budget enforces per-user rolling spend caps. It runs after the
// global circuit breaker and adds an in-flight reservation so that
// concurrent requests from the same user cannot all squeeze under the limit
// before any of them settles.
package budget

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/llmshield/pkg/events"
	"github.com/amerfu/llmshield/pkg/pipeline"
	"github.com/amerfu/llmshield/pkg/pricing"
)

const (
	maxRecords       = 50000
	maxInflightUsers = 5000
	maxWarningKeys   = 500
	recordRetention  = 30 * 24 * time.Hour
	warningThreshold = 0.8
)

// Window names a per-user rolling spend window.
type Window string

const (
	WindowDaily   Window = "daily"
	WindowMonthly Window = "monthly"
)

// Limits is one user's spend caps. Zero (or missing) means no limit for that
// window, unlike the breaker where zero blocks everything.
type Limits struct {
	Daily   float64 `json:"daily"`
	Monthly float64 `json:"monthly"`
	Tier    string  `json:"tier,omitempty"`
}

// SpendRecord is one settled call attributed to a user.
type SpendRecord struct {
	Timestamp int64   `json:"timestamp"`
	Cost      float64 `json:"cost"`
	Model     string  `json:"model,omitempty"`
	UserID    string  `json:"user_id"`
}

// Event describes a budget warning or rejection for one user window.
type Event struct {
	UserID      string  `json:"user_id"`
	Window      Window  `json:"window"`
	Limit       float64 `json:"limit"`
	Projected   float64 `json:"projected"`
	PercentUsed float64 `json:"percent_used"`
}

// CheckResult is the per-user admission decision.
type CheckResult struct {
	Allowed      bool    `json:"allowed"`
	IsOverBudget bool    `json:"is_over_budget"`
	Reason       string  `json:"reason,omitempty"`
	Window       Window  `json:"window,omitempty"`
	Spend        float64 `json:"spend"`
	Inflight     float64 `json:"inflight"`
	Limit        float64 `json:"limit,omitempty"`
}

// Config configures a Manager.
type Config struct {
	// UserLimits maps user IDs to their specific limits; DefaultLimits is
	// used for everyone else. A zero-value DefaultLimits means unlimited.
	UserLimits    map[string]Limits
	DefaultLimits Limits

	// TierModels optionally forces users of a tier onto a specific model.
	TierModels map[string]string

	Pricing pricing.Table
	Clock   func() time.Time
	Logger  *zap.Logger
	Bus     *events.Bus

	OnBudgetExceeded func(userID string, e Event)
	OnBudgetWarning  func(userID string, e Event)
}

// Manager owns the per-user spend records, in-flight reservations and
// warning bookkeeping. All mutating operations take one mutex so that
// check-and-reserve is atomic across concurrent requests for the same user.
type Manager struct {
	mu            sync.Mutex
	records       []SpendRecord
	inflight      map[string]float64
	inflightOrder []string
	warned        map[string]int64 // "userID:window" -> fired at (ms)

	cfg    Config
	logger *zap.Logger
}

// NewManager creates a budget manager.
func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		inflight: make(map[string]float64),
		warned:   make(map[string]int64),
		cfg:      cfg,
		logger:   cfg.Logger,
	}
}

// LimitsFor resolves a user's limits: user-specific map, then defaults,
// then unlimited.
func (m *Manager) LimitsFor(userID string) Limits {
	if l, ok := m.cfg.UserLimits[userID]; ok {
		return l
	}
	return m.cfg.DefaultLimits
}

// CheckAndReserve atomically validates the user's projected spend and, when
// allowed, reserves the estimate in the in-flight map. The projection sees
// settled spend plus all open reservations.
func (m *Manager) CheckAndReserve(userID string, estCost float64) CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	limits := m.LimitsFor(userID)
	now := m.cfg.Clock()
	inflight := m.inflight[userID]

	checks := []struct {
		window Window
		limit  float64
		start  int64
	}{
		{WindowDaily, limits.Daily, now.Add(-24 * time.Hour).UnixMilli()},
		{WindowMonthly, limits.Monthly, now.Add(-recordRetention).UnixMilli()},
	}

	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		spend := m.spendSince(userID, c.start)
		projected := spend + inflight + estCost
		pct := projected / c.limit * 100
		ev := Event{UserID: userID, Window: c.window, Limit: c.limit, Projected: projected, PercentUsed: pct}

		if projected >= c.limit {
			m.fireExceeded(userID, ev)
			return CheckResult{
				Allowed:      false,
				IsOverBudget: true,
				Reason:       fmt.Sprintf("User %s budget exceeded (%s limit $%.2f)", userID, c.window, c.limit),
				Window:       c.window,
				Spend:        spend,
				Inflight:     inflight,
				Limit:        c.limit,
			}
		}
		if projected >= warningThreshold*c.limit {
			m.maybeWarn(userID, ev, now)
		}
	}

	m.reserveLocked(userID, estCost)
	return CheckResult{Allowed: true, Inflight: inflight + estCost}
}

// RecordSpend settles a request: the actual cost replaces the reservation.
func (m *Manager) RecordSpend(userID string, actualCost, reservedEstimate float64, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(userID, reservedEstimate)
	m.records = append(m.records, SpendRecord{
		Timestamp: m.cfg.Clock().UnixMilli(),
		Cost:      actualCost,
		Model:     model,
		UserID:    userID,
	})
	m.prune()
}

// ReleaseInflight drops a reservation without recording spend. The pipeline
// must call this when a later stage fails after the reservation was taken.
func (m *Manager) ReleaseInflight(userID string, reservedEstimate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(userID, reservedEstimate)
}

// Inflight returns the currently reserved estimate for a user.
func (m *Manager) Inflight(userID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight[userID]
}

// Spend returns the user's settled spend inside the window.
func (m *Manager) Spend(userID string, w Window) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.cfg.Clock()
	start := now.Add(-24 * time.Hour).UnixMilli()
	if w == WindowMonthly {
		start = now.Add(-recordRetention).UnixMilli()
	}
	return m.spendSince(userID, start)
}

// ApplyTier rewrites the context model when the user's tier is pinned to a
// specific model. Complexity routing later in the pipeline yields to this.
func (m *Manager) ApplyTier(pc *pipeline.Context, userID string) {
	limits := m.LimitsFor(userID)
	if limits.Tier == "" || len(m.cfg.TierModels) == 0 {
		return
	}
	model, ok := m.cfg.TierModels[limits.Tier]
	if !ok || model == "" || model == pc.ModelID {
		return
	}
	if pc.Meta.OriginalModel == "" {
		pc.Meta.OriginalModel = pc.ModelID
	}
	pc.ModelID = model
	pc.Meta.TierRouted = true
	m.logger.Debug("Tier-routed request",
		zap.String("user_id", userID),
		zap.String("tier", limits.Tier),
		zap.String("model", model))
}

func (m *Manager) reserveLocked(userID string, estCost float64) {
	if _, ok := m.inflight[userID]; !ok {
		if len(m.inflight) >= maxInflightUsers {
			// FIFO eviction of the oldest user's reservation.
			oldest := m.inflightOrder[0]
			m.inflightOrder = m.inflightOrder[1:]
			delete(m.inflight, oldest)
		}
		m.inflightOrder = append(m.inflightOrder, userID)
	}
	m.inflight[userID] += estCost
}

func (m *Manager) releaseLocked(userID string, amount float64) {
	remaining := m.inflight[userID] - amount
	if remaining <= 1e-12 {
		delete(m.inflight, userID)
		for i, id := range m.inflightOrder {
			if id == userID {
				m.inflightOrder = append(m.inflightOrder[:i], m.inflightOrder[i+1:]...)
				break
			}
		}
		return
	}
	m.inflight[userID] = remaining
}

func (m *Manager) spendSince(userID string, start int64) float64 {
	var total float64
	for _, r := range m.records {
		if r.UserID == userID && r.Timestamp >= start {
			total += r.Cost
		}
	}
	return total
}

func (m *Manager) prune() {
	cutoff := m.cfg.Clock().Add(-recordRetention).UnixMilli()
	kept := m.records[:0]
	for _, r := range m.records {
		if r.Timestamp >= cutoff {
			kept = append(kept, r)
		}
	}
	m.records = kept
	if len(m.records) > maxRecords {
		m.records = m.records[len(m.records)-maxRecords:]
	}
}

// maybeWarn fires the warning once per user+window; the key is pruned after
// 30 days so long-lived processes can warn again.
func (m *Manager) maybeWarn(userID string, ev Event, now time.Time) {
	key := userID + ":" + string(ev.Window)
	if _, ok := m.warned[key]; ok {
		return
	}
	m.pruneWarnings(now)
	m.warned[key] = now.UnixMilli()
	m.cfg.Bus.Publish(events.Event{
		Type:        events.EventUserBudgetWarning,
		Module:      "userBudget",
		UserID:      userID,
		Window:      string(ev.Window),
		Limit:       ev.Limit,
		Projected:   ev.Projected,
		PercentUsed: ev.PercentUsed,
	})
	if m.cfg.OnBudgetWarning != nil {
		func() {
			defer m.recoverCallback("onBudgetWarning")
			m.cfg.OnBudgetWarning(userID, ev)
		}()
	}
}

// pruneWarnings caps the warning map at maxWarningKeys: expired entries go
// first, then the oldest.
func (m *Manager) pruneWarnings(now time.Time) {
	if len(m.warned) < maxWarningKeys {
		return
	}
	cutoff := now.Add(-recordRetention).UnixMilli()
	for k, firedAt := range m.warned {
		if firedAt < cutoff {
			delete(m.warned, k)
		}
	}
	for len(m.warned) >= maxWarningKeys {
		var oldestKey string
		var oldestAt int64
		for k, firedAt := range m.warned {
			if oldestKey == "" || firedAt < oldestAt {
				oldestKey = k
				oldestAt = firedAt
			}
		}
		delete(m.warned, oldestKey)
	}
}

func (m *Manager) fireExceeded(userID string, ev Event) {
	m.cfg.Bus.Publish(events.Event{
		Type:        events.EventUserBudgetExceeded,
		Module:      "userBudget",
		UserID:      userID,
		Window:      string(ev.Window),
		Limit:       ev.Limit,
		Projected:   ev.Projected,
		PercentUsed: ev.PercentUsed,
	})
	if m.cfg.OnBudgetExceeded != nil {
		func() {
			defer m.recoverCallback("onBudgetExceeded")
			m.cfg.OnBudgetExceeded(userID, ev)
		}()
	}
}

func (m *Manager) recoverCallback(name string) {
	if rec := recover(); rec != nil {
		m.logger.Debug("Budget callback panicked",
			zap.String("callback", name),
			zap.Any("panic", rec))
	}
}
