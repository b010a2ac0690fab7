// Package metrics exposes Prometheus counters fed from the shield event bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/amerfu/llmshield/pkg/events"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmshield_requests_total",
			Help: "Total requests by admission outcome",
		},
		[]string{"outcome"}, // allowed, blocked
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmshield_cache_lookups_total",
			Help: "Semantic cache lookups by result",
		},
		[]string{"result"}, // hit, miss
	)

	savedUSDTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmshield_saved_usd_total",
			Help: "Estimated dollars saved by shield feature",
		},
		[]string{"module"},
	)

	spendUSDTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmshield_spend_usd_total",
			Help: "Actual dollars recorded on the cost ledger",
		},
	)

	breakerTrips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmshield_breaker_trips_total",
			Help: "Circuit breaker trip events",
		},
	)

	budgetExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmshield_user_budget_exceeded_total",
			Help: "Per-user budget rejections",
		},
		[]string{"window"},
	)

	routerDowngrades = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmshield_router_downgrades_total",
			Help: "Requests routed to a cheaper model",
		},
		[]string{"model"},
	)

	trimmedTokens = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmshield_trimmed_tokens_total",
			Help: "Conversation tokens evicted by the context trimmer",
		},
	)
)

// Collector drains a bus subscription into the Prometheus registry.
type Collector struct {
	bus *events.Bus
	sub *events.Subscriber
}

// NewCollector subscribes to the bus and starts the drain goroutine.
func NewCollector(bus *events.Bus) *Collector {
	c := &Collector{bus: bus, sub: bus.Subscribe(256)}
	go c.run()
	return c
}

func (c *Collector) run() {
	for {
		select {
		case e := <-c.sub.C:
			c.record(e)
		case <-c.sub.Done():
			return
		}
	}
}

func (c *Collector) record(e events.Event) {
	switch e.Type {
	case events.EventRequestAllowed:
		requestsTotal.WithLabelValues("allowed").Inc()
	case events.EventRequestBlocked:
		requestsTotal.WithLabelValues("blocked").Inc()
		savedUSDTotal.WithLabelValues(e.Module).Add(e.SavedUSD)
	case events.EventCacheHit:
		cacheLookupsTotal.WithLabelValues("hit").Inc()
		savedUSDTotal.WithLabelValues("cache").Add(e.SavedUSD)
	case events.EventCacheMiss:
		cacheLookupsTotal.WithLabelValues("miss").Inc()
	case events.EventLedgerEntry:
		spendUSDTotal.Add(e.CostUSD)
	case events.EventBreakerTripped:
		breakerTrips.Inc()
	case events.EventUserBudgetExceeded:
		budgetExceeded.WithLabelValues(e.Window).Inc()
	case events.EventRouterDowngraded:
		routerDowngrades.WithLabelValues(e.Model).Inc()
		savedUSDTotal.WithLabelValues("router").Add(e.SavedUSD)
	case events.EventContextTrimmed:
		trimmedTokens.Add(float64(e.TrimmedTokens))
	}
}

// Close unsubscribes from the bus, ending the drain goroutine.
func (c *Collector) Close() {
	c.bus.Unsubscribe(c.sub)
}
