// Package router downgrades requests to the cheapest model whose capability
// tier covers the prompt's complexity score.
package router

import (
	"math/rand"
	"sort"

	"go.uber.org/zap"

	"github.com/amerfu/llmshield/pkg/events"
	"github.com/amerfu/llmshield/pkg/pipeline"
	"github.com/amerfu/llmshield/pkg/pricing"
)

// Tier pairs a model with the highest complexity score it should handle.
type Tier struct {
	ModelID       string `json:"model_id"`
	MaxComplexity int    `json:"max_complexity"`
}

// Config configures a ModelRouter.
type Config struct {
	// Tiers, sorted by ascending MaxComplexity at construction.
	Tiers   []Tier
	Pricing pricing.Table

	// HoldbackFraction (0..1) is the probability a request skips routing
	// for A/B measurement.
	HoldbackFraction float64

	// EstOutputTokens sizes the savings estimate. Defaults to 500.
	EstOutputTokens int

	// Rand overrides the holdback coin flip in tests.
	Rand   func() float64
	Logger *zap.Logger
	Bus    *events.Bus
}

// ModelRouter picks the cheapest adequate model for each request.
type ModelRouter struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a router.
func New(cfg Config) *ModelRouter {
	sort.SliceStable(cfg.Tiers, func(i, j int) bool {
		return cfg.Tiers[i].MaxComplexity < cfg.Tiers[j].MaxComplexity
	})
	if cfg.EstOutputTokens == 0 {
		cfg.EstOutputTokens = 500
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &ModelRouter{cfg: cfg, logger: cfg.Logger}
}

// Route analyzes the last user turn and, when a cheaper adequate model
// exists, rewrites the context model. Skipped when the context is aborted,
// no tiers are configured, tier-based budget routing already decided the
// model, or there is no user text to score.
func (r *ModelRouter) Route(pc *pipeline.Context) {
	if pc.Aborted || len(r.cfg.Tiers) == 0 || pc.Meta.TierRouted {
		return
	}
	text := pc.LastUser()
	if text == "" {
		return
	}

	if r.cfg.HoldbackFraction > 0 && r.cfg.Rand() < r.cfg.HoldbackFraction {
		pc.Meta.ABTestHoldout = true
		r.cfg.Bus.Publish(events.Event{
			Type:   events.EventRouterHoldback,
			Module: "router",
			Model:  pc.ModelID,
		})
		return
	}

	analysis := AnalyzeComplexity(text)
	pc.Meta.Complexity = analysis.Score

	chosen, ok := r.pick(analysis.Score)
	if !ok || chosen == pc.ModelID {
		return
	}

	estIn := pricing.EstimateTokens(text)
	before := r.cfg.Pricing.Cost(pc.ModelID, estIn, r.cfg.EstOutputTokens, 0)
	after := r.cfg.Pricing.Cost(chosen, estIn, r.cfg.EstOutputTokens, 0)
	saved := before - after
	if saved < 0 {
		saved = 0
	}

	if pc.Meta.OriginalModel == "" {
		pc.Meta.OriginalModel = pc.ModelID
	}
	original := pc.ModelID
	pc.ModelID = chosen
	pc.Meta.RouterSaved += saved

	r.logger.Debug("Routed request to cheaper model",
		zap.String("from", original),
		zap.String("to", chosen),
		zap.Int("complexity", analysis.Score))
	r.cfg.Bus.Publish(events.Event{
		Type:          events.EventRouterDowngraded,
		Module:        "router",
		Model:         chosen,
		OriginalModel: original,
		Complexity:    analysis.Score,
		SavedUSD:      saved,
	})
}

// pick returns the cheapest model among tiers whose ceiling covers the
// score, by per-token rates.
func (r *ModelRouter) pick(score int) (string, bool) {
	var chosen string
	var chosenRate float64
	for _, t := range r.cfg.Tiers {
		if t.MaxComplexity < score {
			continue
		}
		p, _ := r.cfg.Pricing.Lookup(t.ModelID)
		rate := p.InputPerMillion + p.OutputPerMillion
		if chosen == "" || rate < chosenRate {
			chosen, chosenRate = t.ModelID, rate
		}
	}
	return chosen, chosen != ""
}
