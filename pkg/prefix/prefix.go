// Package prefix reorders stable content (system prompts, tool schemas) to
// the front of the message list so provider-side prompt caches can reuse it
// across requests.
package prefix

import (
	"strings"

	"go.uber.org/zap"

	"github.com/amerfu/llmshield/pkg/events"
	"github.com/amerfu/llmshield/pkg/pipeline"
	"github.com/amerfu/llmshield/pkg/pricing"
)

// Provider selects the prompt-cache discount rules.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
)

// anthropicMinPrefixTokens is the eligibility floor for Anthropic prompt
// caching.
const anthropicMinPrefixTokens = 1024

// Analysis describes the reordering outcome.
type Analysis struct {
	PrefixTokens             int     `json:"prefix_tokens"`
	VolatileTokens           int     `json:"volatile_tokens"`
	EstimatedPrefixSavings   float64 `json:"estimated_prefix_savings"`
	PrefixEligibleForCaching bool    `json:"prefix_eligible_for_caching"`
	ContextWindowExceeded    bool    `json:"context_window_exceeded"`
	OverflowTokens           int     `json:"overflow_tokens"`
	Messages                 []pipeline.Message `json:"-"`
}

// Config configures an Optimizer.
type Config struct {
	Provider       Provider
	Pricing        pricing.Table
	CountTokens    pricing.TokenCounter
	ReservedOutput int
	Logger         *zap.Logger
	Bus            *events.Bus
}

// Optimizer splits messages into a stable prefix and a volatile suffix.
type Optimizer struct {
	cfg    Config
	logger *zap.Logger
}

// New creates an optimizer.
func New(cfg Config) *Optimizer {
	if cfg.CountTokens == nil {
		cfg.CountTokens = pricing.EstimateTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Optimizer{cfg: cfg, logger: cfg.Logger}
}

// discount returns the provider's cached-prefix rate discount.
func (o *Optimizer) discount() float64 {
	switch o.cfg.Provider {
	case ProviderGoogle:
		return 0.75
	case ProviderAnthropic:
		return 0.90
	default:
		return 0.50
	}
}

// stable reports whether a message belongs in the reusable prefix: system
// messages always, tool messages only when they carry an immutable tool
// schema rather than a per-exchange result.
func stable(m pipeline.Message) bool {
	if m.Role == pipeline.RoleSystem {
		return true
	}
	if m.Role == pipeline.RoleTool {
		return strings.Contains(m.Content, `"parameters"`) ||
			strings.Contains(m.Content, `"input_schema"`)
	}
	return false
}

// Analyze splits the messages and computes the savings estimate without
// touching the context.
func (o *Optimizer) Analyze(messages []pipeline.Message, model string) Analysis {
	var prefix, suffix []pipeline.Message
	var prefixTokens, volatileTokens int
	for _, m := range messages {
		n := o.cfg.CountTokens(m.Content)
		if stable(m) {
			prefix = append(prefix, m)
			prefixTokens += n
		} else {
			suffix = append(suffix, m)
			volatileTokens += n
		}
	}

	a := Analysis{
		PrefixTokens:   prefixTokens,
		VolatileTokens: volatileTokens,
		Messages:       append(prefix, suffix...),
	}

	a.PrefixEligibleForCaching = prefixTokens > 0
	if o.cfg.Provider == ProviderAnthropic && prefixTokens < anthropicMinPrefixTokens {
		a.PrefixEligibleForCaching = false
	}

	price, _ := o.cfg.Pricing.Lookup(model)
	if a.PrefixEligibleForCaching {
		a.EstimatedPrefixSavings = float64(prefixTokens) / 1e6 * price.InputPerMillion * o.discount()
	}

	window := o.cfg.Pricing.ContextWindow(model, 0)
	if window > 0 {
		used := prefixTokens + volatileTokens + o.cfg.ReservedOutput
		if used > window {
			a.ContextWindowExceeded = true
			a.OverflowTokens = used - window
		}
	}
	return a
}

// Optimize reorders the context messages when doing so saves money. Skipped
// when the context is aborted or the model has no pricing entry.
func (o *Optimizer) Optimize(pc *pipeline.Context) Analysis {
	if pc.Aborted {
		return Analysis{}
	}
	if _, known := o.cfg.Pricing.Lookup(pc.ModelID); !known {
		return Analysis{}
	}
	a := o.Analyze(pc.Messages, pc.ModelID)
	if a.EstimatedPrefixSavings > 0 {
		pc.Messages = a.Messages
		pc.Meta.PrefixSaved += a.EstimatedPrefixSavings
		o.logger.Debug("Reordered stable prefix",
			zap.Int("prefix_tokens", a.PrefixTokens),
			zap.Float64("estimated_savings", a.EstimatedPrefixSavings))
	}
	return a
}
