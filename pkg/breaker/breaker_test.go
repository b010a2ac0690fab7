package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerfu/llmshield/pkg/pricing"
	"github.com/amerfu/llmshield/pkg/storage"
)

func f(v float64) *float64 { return &v }

func newTestBreaker(cfg Config) (*CostBreaker, *time.Time) {
	now := time.Now()
	cfg.Clock = func() time.Time { return now }
	if cfg.Pricing == nil {
		cfg.Pricing = pricing.DefaultTable()
	}
	return New(cfg), &now
}

func TestBreakerAllowsUnderLimit(t *testing.T) {
	b, _ := newTestBreaker(Config{
		Limits: Limits{PerDay: f(10)},
	})
	res := b.Check("gpt-4o-mini", 1000, 500)
	assert.True(t, res.Allowed)
	assert.Empty(t, res.Reason)
}

func TestBreakerNilLimitMeansUnlimited(t *testing.T) {
	b, _ := newTestBreaker(Config{})
	b.RecordSpend(1e6, "gpt-4o")
	res := b.Check("gpt-4o", 1_000_000, 100_000)
	assert.True(t, res.Allowed)
}

func TestBreakerZeroLimitBlocksEverything(t *testing.T) {
	b, _ := newTestBreaker(Config{
		Limits: Limits{PerDay: f(0)},
		Action: ActionStop,
	})
	res := b.Check("gpt-4o-mini", 10, 10)
	require.False(t, res.Allowed)
	assert.Equal(t, WindowDay, res.Window)
	assert.Equal(t, float64(999), res.PercentUsed,
		"a zero limit reports the sentinel instead of a division by zero")
}

func TestBreakerStopTrips(t *testing.T) {
	var tripped []Event
	b, _ := newTestBreaker(Config{
		Limits:    Limits{PerHour: f(1)},
		Action:    ActionStop,
		OnTripped: func(e Event) { tripped = append(tripped, e) },
	})
	b.RecordSpend(0.99, "gpt-4o")

	res := b.Check("gpt-4o", 10_000, 1000)
	require.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "hour")
	require.Len(t, tripped, 1)
	assert.Equal(t, WindowHour, tripped[0].Window)

	st := b.Status()
	assert.Equal(t, int64(1), st.TotalBlocked)
	assert.Equal(t, int64(1), st.TotalRequests)
}

func TestBreakerThrottleAllowsWithReason(t *testing.T) {
	b, _ := newTestBreaker(Config{
		Limits: Limits{PerHour: f(0.5)},
		Action: ActionThrottle,
	})
	b.RecordSpend(0.6, "gpt-4o")

	res := b.Check("gpt-4o", 100, 100)
	assert.True(t, res.Allowed)
	assert.Contains(t, res.Reason, "Throttled")
}

func TestBreakerWarnAllowsSilently(t *testing.T) {
	b, _ := newTestBreaker(Config{
		Limits: Limits{PerHour: f(0.5)},
		Action: ActionWarn,
	})
	b.RecordSpend(0.6, "gpt-4o")

	res := b.Check("gpt-4o", 100, 100)
	assert.True(t, res.Allowed)
	assert.Empty(t, res.Reason)
	assert.Equal(t, WindowHour, res.Window)
}

func TestBreakerWarningFiresOnceAndRearms(t *testing.T) {
	var warnings int
	b, now := newTestBreaker(Config{
		Limits:    Limits{PerHour: f(10)},
		Action:    ActionStop,
		OnWarning: func(Event) { warnings++ },
	})

	// 8.5 of 10 projected: over the 80% threshold, under the limit.
	b.RecordSpend(8.4, "gpt-4o")
	b.Check("gpt-4o-mini", 100, 100)
	b.Check("gpt-4o-mini", 100, 100)
	assert.Equal(t, 1, warnings, "warning fires once while spend stays high")

	// The hourly window rolls past the spend; projection drops below 80%
	// and the warning re-arms.
	*now = now.Add(2 * time.Hour)
	b.Check("gpt-4o-mini", 100, 100)
	assert.Equal(t, 1, warnings)

	b.RecordSpend(8.4, "gpt-4o")
	b.Check("gpt-4o-mini", 100, 100)
	assert.Equal(t, 2, warnings)
}

func TestBreakerStatusReadOnly(t *testing.T) {
	b, _ := newTestBreaker(Config{
		Limits: Limits{PerHour: f(1), PerDay: f(100)},
		Action: ActionStop,
	})
	b.RecordSpend(2, "gpt-4o")

	st := b.Status()
	assert.Equal(t, 2.0, st.HourSpend)
	assert.Equal(t, 2.0, st.DaySpend)

	require.NotNil(t, st.Remaining[WindowHour])
	assert.Equal(t, 0.0, *st.Remaining[WindowHour], "remaining never goes negative")
	require.NotNil(t, st.Remaining[WindowDay])
	assert.Equal(t, 98.0, *st.Remaining[WindowDay])
	assert.Nil(t, st.Remaining[WindowMonth], "unconfigured windows report nil")

	require.Len(t, st.TrippedLimits, 1)
	assert.Equal(t, WindowHour, st.TrippedLimits[0].Window)
	assert.True(t, st.Tripped)

	// Status must not mutate counters.
	assert.Equal(t, int64(0), st.TotalRequests)
	st2 := b.Status()
	assert.Equal(t, st.HourSpend, st2.HourSpend)
}

func TestBreakerTrippedOnlyForStopAction(t *testing.T) {
	b, _ := newTestBreaker(Config{
		Limits: Limits{PerHour: f(1)},
		Action: ActionWarn,
	})
	b.RecordSpend(2, "gpt-4o")

	st := b.Status()
	require.Len(t, st.TrippedLimits, 1)
	assert.False(t, st.Tripped, "warn action reports limits but never trips")
}

func TestBreakerPersistRestore(t *testing.T) {
	store := storage.NewMemoryAdapter()
	now := time.Now()
	clock := func() time.Time { return now }

	b1 := New(Config{
		Limits:  Limits{PerHour: f(10)},
		Pricing: pricing.DefaultTable(),
		Persist: true,
		Storage: store,
		Clock:   clock,
	})
	b1.RecordSpend(3.25, "gpt-4o")
	b1.RecordSpend(1.75, "gpt-4o-mini")

	b2 := New(Config{
		Limits:  Limits{PerHour: f(10)},
		Pricing: pricing.DefaultTable(),
		Persist: true,
		Storage: store,
		Clock:   clock,
	})
	st := b2.Status()
	assert.InDelta(t, 5.0, st.HourSpend, 1e-9, "spend records survive a restart")
}

func TestBreakerSessionNotRestored(t *testing.T) {
	store := storage.NewMemoryAdapter()
	now := time.Now()

	b1 := New(Config{
		Pricing: pricing.DefaultTable(),
		Persist: true,
		Storage: store,
		Clock:   func() time.Time { return now },
	})
	b1.RecordSpend(1, "gpt-4o")
	first := b1.Status().SessionStart

	later := now.Add(time.Hour)
	b2 := New(Config{
		Pricing: pricing.DefaultTable(),
		Persist: true,
		Storage: store,
		Clock:   func() time.Time { return later },
	})
	assert.Greater(t, b2.Status().SessionStart, first,
		"every process start begins a fresh session")
}

func TestBreakerReset(t *testing.T) {
	b, _ := newTestBreaker(Config{
		Limits: Limits{PerHour: f(1)},
		Action: ActionStop,
	})
	b.RecordSpend(5, "gpt-4o")
	require.False(t, b.Check("gpt-4o", 100, 100).Allowed)

	b.Reset()
	st := b.Status()
	assert.Equal(t, 0.0, st.HourSpend)
	assert.Equal(t, int64(0), st.TotalBlocked)
	assert.True(t, b.Check("gpt-4o", 100, 100).Allowed)
}

func TestBreakerResetCallback(t *testing.T) {
	var resets []Window
	b, _ := newTestBreaker(Config{
		Limits:  Limits{PerHour: f(1)},
		Action:  ActionStop,
		OnReset: func(w Window) { resets = append(resets, w) },
	})
	b.RecordSpend(5, "gpt-4o")

	b.Reset()
	require.Len(t, resets, 1)
	assert.Equal(t, WindowSession, resets[0])

	t.Run("panic isolated", func(t *testing.T) {
		b, _ := newTestBreaker(Config{
			Limits:  Limits{PerHour: f(1)},
			OnReset: func(Window) { panic("listener bug") },
		})
		assert.NotPanics(t, b.Reset)
	})
}

func TestBreakerCallbackPanicIsolated(t *testing.T) {
	b, _ := newTestBreaker(Config{
		Limits:    Limits{PerHour: f(0)},
		Action:    ActionStop,
		OnTripped: func(Event) { panic("listener bug") },
	})
	assert.NotPanics(t, func() {
		res := b.Check("gpt-4o", 10, 10)
		assert.False(t, res.Allowed)
	})
}
