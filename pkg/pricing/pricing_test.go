package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupFallback(t *testing.T) {
	tbl := DefaultTable()

	p, found := tbl.Lookup("gpt-4o")
	assert.True(t, found)
	assert.Equal(t, 2.50, p.InputPerMillion)

	p, found = tbl.Lookup("mystery-model")
	assert.False(t, found)
	assert.Equal(t, Fallback, p)

	t.Run("nil table falls back", func(t *testing.T) {
		var nilTable Table
		p, found := nilTable.Lookup("gpt-4o")
		assert.False(t, found)
		assert.Equal(t, Fallback, p)
	})
}

func TestCost(t *testing.T) {
	tbl := DefaultTable()

	t.Run("known model", func(t *testing.T) {
		// 1000 in at $2.50/M + 500 out at $10/M.
		assert.InDelta(t, 0.0075, tbl.Cost("gpt-4o", 1000, 500, 0), 1e-12)
	})

	t.Run("unknown model is never free", func(t *testing.T) {
		cost := tbl.Cost("mystery-model", 1_000_000, 0, 0)
		assert.InDelta(t, 0.15, cost, 1e-9)
	})

	t.Run("cached tokens billed at cached rate", func(t *testing.T) {
		full := tbl.Cost("gpt-4o", 10_000, 0, 0)
		discounted := tbl.Cost("gpt-4o", 10_000, 0, 8_000)
		assert.Less(t, discounted, full)
		// 2000 at 2.50/M + 8000 at 1.25/M.
		assert.InDelta(t, 0.015, discounted, 1e-12)
	})

	t.Run("missing cached rate defaults to half input", func(t *testing.T) {
		tbl := Table{"m": {InputPerMillion: 2, OutputPerMillion: 4}}
		assert.InDelta(t, 0.001, tbl.Cost("m", 1000, 0, 1000), 1e-12)
	})

	t.Run("cached tokens clamped to input", func(t *testing.T) {
		a := tbl.Cost("gpt-4o", 1000, 0, 5000)
		b := tbl.Cost("gpt-4o", 1000, 0, 1000)
		assert.Equal(t, b, a)
	})
}

func TestContextWindow(t *testing.T) {
	tbl := DefaultTable()
	assert.Equal(t, 128000, tbl.ContextWindow("gpt-4o", 8192))
	assert.Equal(t, 8192, tbl.ContextWindow("mystery-model", 8192))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 2, EstimateTokens("12345678"))
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 0, EstimateTokens("abc"))
}
