// Package trim fits a conversation into a token budget by dropping the
// oldest droppable messages. Leading system messages and the final user
// message are pinned and never evicted.
package trim

import (
	"go.uber.org/zap"

	"github.com/amerfu/llmshield/pkg/events"
	"github.com/amerfu/llmshield/pkg/pipeline"
	"github.com/amerfu/llmshield/pkg/pricing"
)

// Result reports what the trimmer did.
type Result struct {
	Messages      []pipeline.Message
	TotalTokens   int // token count before trimming
	TrimmedTokens int // tokens evicted
}

// Trimmer drops old turns to stay under the model's input budget.
type Trimmer struct {
	countTokens pricing.TokenCounter
	logger      *zap.Logger
	bus         *events.Bus
}

// New creates a trimmer. A nil counter falls back to the heuristic
// estimator.
func New(countTokens pricing.TokenCounter, logger *zap.Logger, bus *events.Bus) *Trimmer {
	if countTokens == nil {
		countTokens = pricing.EstimateTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trimmer{countTokens: countTokens, logger: logger, bus: bus}
}

// Fit returns a message list whose token count plus the reserved output
// budget and tool overhead fits maxInputTokens. Messages are dropped oldest
// first, skipping the leading system block and the final user message.
func (t *Trimmer) Fit(messages []pipeline.Message, maxInputTokens, reserveForOutput, toolTokenOverhead int) Result {
	counts := make([]int, len(messages))
	total := 0
	for i, m := range messages {
		counts[i] = t.countTokens(m.Content)
		total += counts[i]
	}
	budget := maxInputTokens - reserveForOutput - toolTokenOverhead
	if total <= budget || len(messages) == 0 {
		return Result{Messages: messages, TotalTokens: total}
	}

	// The leading run of system messages is pinned.
	firstDroppable := 0
	for firstDroppable < len(messages) && messages[firstDroppable].Role == pipeline.RoleSystem {
		firstDroppable++
	}
	lastUser := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == pipeline.RoleUser {
			lastUser = i
			break
		}
	}

	remaining := total
	dropped := make([]bool, len(messages))
	for i := firstDroppable; i < len(messages) && remaining > budget; i++ {
		if i == lastUser {
			continue
		}
		dropped[i] = true
		remaining -= counts[i]
	}

	kept := make([]pipeline.Message, 0, len(messages))
	trimmed := 0
	for i, m := range messages {
		if dropped[i] {
			trimmed += counts[i]
			continue
		}
		kept = append(kept, m)
	}
	if trimmed > 0 {
		t.logger.Debug("Trimmed conversation",
			zap.Int("trimmed_tokens", trimmed),
			zap.Int("kept_messages", len(kept)))
		t.bus.Publish(events.Event{
			Type:          events.EventContextTrimmed,
			Module:        "context",
			TrimmedTokens: trimmed,
		})
	}
	return Result{Messages: kept, TotalTokens: total, TrimmedTokens: trimmed}
}
