package pricing

// ModelPrice holds per-million-token rates for a single model.
type ModelPrice struct {
	InputPerMillion       float64 `json:"input_per_million"`
	OutputPerMillion      float64 `json:"output_per_million"`
	CachedInputPerMillion float64 `json:"cached_input_per_million,omitempty"`
	ContextWindow         int     `json:"context_window,omitempty"`
}

// Table maps a model ID to its pricing.
type Table map[string]ModelPrice

// Fallback is applied to models missing from the table. Costs for unknown
// models must never come out as zero, otherwise savings accounting silently
// under-reports.
var Fallback = ModelPrice{
	InputPerMillion:  0.15,
	OutputPerMillion: 0.60,
	ContextWindow:    128000,
}

// DefaultTable returns pricing for the commonly routed models. Callers with
// their own rate sheets should build a Table directly.
func DefaultTable() Table {
	return Table{
		"gpt-4o":                 {InputPerMillion: 2.50, OutputPerMillion: 10.00, CachedInputPerMillion: 1.25, ContextWindow: 128000},
		"gpt-4o-mini":            {InputPerMillion: 0.15, OutputPerMillion: 0.60, CachedInputPerMillion: 0.075, ContextWindow: 128000},
		"gpt-4.1":                {InputPerMillion: 2.00, OutputPerMillion: 8.00, CachedInputPerMillion: 0.50, ContextWindow: 1047576},
		"gpt-4.1-mini":           {InputPerMillion: 0.40, OutputPerMillion: 1.60, CachedInputPerMillion: 0.10, ContextWindow: 1047576},
		"o3-mini":                {InputPerMillion: 1.10, OutputPerMillion: 4.40, CachedInputPerMillion: 0.55, ContextWindow: 200000},
		"claude-3-5-haiku":       {InputPerMillion: 0.80, OutputPerMillion: 4.00, CachedInputPerMillion: 0.08, ContextWindow: 200000},
		"claude-3-5-sonnet":      {InputPerMillion: 3.00, OutputPerMillion: 15.00, CachedInputPerMillion: 0.30, ContextWindow: 200000},
		"claude-3-7-sonnet":      {InputPerMillion: 3.00, OutputPerMillion: 15.00, CachedInputPerMillion: 0.30, ContextWindow: 200000},
		"gemini-2.0-flash":       {InputPerMillion: 0.10, OutputPerMillion: 0.40, CachedInputPerMillion: 0.025, ContextWindow: 1048576},
		"gemini-1.5-pro":         {InputPerMillion: 1.25, OutputPerMillion: 5.00, CachedInputPerMillion: 0.3125, ContextWindow: 2097152},
		"deepseek-chat":          {InputPerMillion: 0.27, OutputPerMillion: 1.10, CachedInputPerMillion: 0.07, ContextWindow: 65536},
		"mistral-small":          {InputPerMillion: 0.10, OutputPerMillion: 0.30, ContextWindow: 32000},
	}
}

// Lookup returns the price entry for a model, falling back when unknown.
// The second return reports whether the model was found in the table.
func (t Table) Lookup(model string) (ModelPrice, bool) {
	if t != nil {
		if p, ok := t[model]; ok {
			return p, true
		}
	}
	return Fallback, false
}

// Cost computes the dollar cost of a call. Cached input tokens are billed at
// the cached rate when one is configured, otherwise at half the input rate.
func (t Table) Cost(model string, inputTokens, outputTokens, cachedTokens int) float64 {
	p, _ := t.Lookup(model)
	if cachedTokens > inputTokens {
		cachedTokens = inputTokens
	}
	if cachedTokens < 0 {
		cachedTokens = 0
	}
	cachedRate := p.CachedInputPerMillion
	if cachedRate == 0 {
		cachedRate = p.InputPerMillion * 0.5
	}
	cost := float64(inputTokens-cachedTokens) / 1e6 * p.InputPerMillion
	cost += float64(cachedTokens) / 1e6 * cachedRate
	cost += float64(outputTokens) / 1e6 * p.OutputPerMillion
	return cost
}

// ContextWindow returns the model's context window, or def when unknown.
func (t Table) ContextWindow(model string, def int) int {
	p, ok := t.Lookup(model)
	if !ok || p.ContextWindow == 0 {
		return def
	}
	return p.ContextWindow
}

// TokenCounter counts tokens in a piece of text. Implementations must be
// deterministic and safe for concurrent use.
type TokenCounter func(text string) int

// EstimateTokens is the default TokenCounter: roughly 4 characters per token
// for English text. Good enough for admission estimates; callers wanting
// exact counts inject a BPE tokenizer.
func EstimateTokens(text string) int {
	return len(text) / 4
}
