package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerfu/llmshield/pkg/broadcast"
	"github.com/amerfu/llmshield/pkg/pricing"
	"github.com/amerfu/llmshield/pkg/storage"
)

func newTestLedger(cfg Config) (*Ledger, *time.Time) {
	now := time.Now()
	cfg.Clock = func() time.Time { return now }
	if cfg.Pricing == nil {
		cfg.Pricing = pricing.DefaultTable()
	}
	return New(cfg), &now
}

func TestLedgerRecordUnknownModelUsesFallback(t *testing.T) {
	l, _ := newTestLedger(Config{})
	e := l.Record(RecordInput{
		Model:       "mystery-model",
		InputTokens: 1_000_000,
	})
	assert.InDelta(t, 0.15, e.ActualCost, 1e-9,
		"unknown models are billed at the fallback rate, never zero")
}

func TestLedgerTotalSavedInvariant(t *testing.T) {
	l, _ := newTestLedger(Config{})
	e := l.Record(RecordInput{
		Model:               "gpt-4o-mini",
		InputTokens:         1000,
		OutputTokens:        500,
		OriginalModel:       "gpt-4o",
		OriginalInputTokens: 4000,
	})
	assert.InDelta(t, e.CostWithoutShield-e.ActualCost, e.TotalSaved, 1e-12)
	assert.Greater(t, e.TotalSaved, 0.0)
}

func TestLedgerBaselineDefaultsToActual(t *testing.T) {
	l, _ := newTestLedger(Config{})
	e := l.Record(RecordInput{
		Model:        "gpt-4o-mini",
		InputTokens:  1000,
		OutputTokens: 500,
	})
	assert.InDelta(t, e.ActualCost, e.CostWithoutShield, 1e-12)
	assert.InDelta(t, 0.0, e.TotalSaved, 1e-12)
}

func TestLedgerCachedTokensDiscount(t *testing.T) {
	l, _ := newTestLedger(Config{})
	e := l.Record(RecordInput{
		Model:        "gpt-4o",
		InputTokens:  10_000,
		OutputTokens: 0,
		CachedTokens: 8_000,
	})
	// The baseline bills every input token at the full rate, so cached
	// tokens surface as savings.
	assert.Greater(t, e.TotalSaved, 0.0)
	assert.Less(t, e.ActualCost, e.CostWithoutShield)
}

func TestLedgerRecordBlocked(t *testing.T) {
	l, _ := newTestLedger(Config{})
	e := l.RecordBlocked("gpt-4o", 2000, 500, "chat")

	assert.True(t, e.Blocked)
	assert.Equal(t, 0.0, e.ActualCost)
	assert.Greater(t, e.Savings.Guard, 0.0)
	assert.Equal(t, e.Savings.Guard, e.TotalSaved)
	assert.InDelta(t, e.CostWithoutShield-e.ActualCost, e.TotalSaved, 1e-9)

	s := l.Summary()
	assert.Equal(t, 1, s.CallsBlocked)
}

func TestLedgerRecordCacheHit(t *testing.T) {
	l, _ := newTestLedger(Config{})
	e := l.RecordCacheHit("gpt-4o-mini", 1000, 500, "chat")

	assert.True(t, e.CacheHit)
	assert.Equal(t, 0.0, e.ActualCost)
	assert.Greater(t, e.Savings.Cache, 0.0)
	assert.InDelta(t, e.CostWithoutShield-e.ActualCost, e.TotalSaved, 1e-9)

	s := l.Summary()
	assert.Equal(t, 1, s.CacheHits)
	assert.Equal(t, 0, s.CallsBlocked)
}

func TestLedgerSummary(t *testing.T) {
	l, _ := newTestLedger(Config{})
	l.Record(RecordInput{Model: "gpt-4o", InputTokens: 1000, OutputTokens: 100, Feature: "chat"})
	l.Record(RecordInput{Model: "gpt-4o-mini", InputTokens: 1000, OutputTokens: 100, Feature: "chat"})
	l.RecordCacheHit("gpt-4o-mini", 1000, 100, "search")

	s := l.Summary()
	assert.Equal(t, 3, s.TotalCalls)
	assert.Equal(t, 1, s.CacheHits)
	assert.InDelta(t, 1.0/3.0, s.CacheHitRate, 1e-9)
	assert.Equal(t, 2, s.ByModel["gpt-4o-mini"].Calls)
	assert.Equal(t, 1, s.ByModel["gpt-4o"].Calls)
	assert.Equal(t, 2, s.ByFeature["chat"].Calls)
	assert.Equal(t, 1, s.ByFeature["search"].Calls)
	assert.Greater(t, s.SavingsRate, 0.0)
	assert.InDelta(t, s.TotalSpent/3, s.AvgCostPerCall, 1e-12)

	t.Run("untagged entries bucket separately", func(t *testing.T) {
		l.Record(RecordInput{Model: "gpt-4o", InputTokens: 10, OutputTokens: 10})
		s := l.Summary()
		assert.Equal(t, 1, s.ByFeature["_untagged"].Calls)
	})
}

func TestLedgerFIFOCap(t *testing.T) {
	l, _ := newTestLedger(Config{})
	for i := 0; i < maxEntries+25; i++ {
		l.Record(RecordInput{Model: "gpt-4o-mini", InputTokens: 1, OutputTokens: 1})
	}
	assert.Len(t, l.Entries(), maxEntries)
}

func TestLedgerListeners(t *testing.T) {
	l, _ := newTestLedger(Config{})
	var seen []Entry
	l.AddListener(func(e Entry) { seen = append(seen, e) })
	l.AddListener(func(Entry) { panic("listener bug") })

	assert.NotPanics(t, func() {
		l.Record(RecordInput{Model: "gpt-4o", InputTokens: 10, OutputTokens: 10})
	})
	require.Len(t, seen, 1)
}

func TestLedgerPersistAndHydrate(t *testing.T) {
	store := storage.NewMemoryAdapter()
	ctx := context.Background()

	l1, _ := newTestLedger(Config{Persist: true, Storage: store})
	l1.Record(RecordInput{Model: "gpt-4o", InputTokens: 100, OutputTokens: 50})
	l1.Record(RecordInput{Model: "gpt-4o-mini", InputTokens: 100, OutputTokens: 50})
	l1.Flush()

	l2, _ := newTestLedger(Config{Persist: true, Storage: store})
	loaded, err := l2.Hydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)
	assert.Len(t, l2.Entries(), 2)

	t.Run("hydrate is idempotent", func(t *testing.T) {
		loaded, err := l2.Hydrate(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, loaded)
		assert.Len(t, l2.Entries(), 2)
	})
}

func TestLedgerClear(t *testing.T) {
	store := storage.NewMemoryAdapter()
	ctx := context.Background()

	l, _ := newTestLedger(Config{Persist: true, Storage: store})
	l.Record(RecordInput{Model: "gpt-4o", InputTokens: 100, OutputTokens: 50})
	l.Flush()
	require.Greater(t, store.Len(), 0)

	require.NoError(t, l.Clear(ctx))
	assert.Empty(t, l.Entries())
	assert.Equal(t, 0, store.Len())
}

func TestLedgerBroadcastMerge(t *testing.T) {
	ch := broadcast.NewLoopback()

	a, _ := newTestLedger(Config{Broadcast: ch})
	b, _ := newTestLedger(Config{Broadcast: ch})

	e := a.Record(RecordInput{Model: "gpt-4o", InputTokens: 100, OutputTokens: 50})

	// The loopback delivered the entry to both ledgers; the author deduped
	// its own copy by ID.
	require.Len(t, a.Entries(), 1)
	got := b.Entries()
	require.Len(t, got, 1)
	assert.Equal(t, e.ID, got[0].ID)
	assert.Equal(t, e.ActualCost, got[0].ActualCost)
}

func TestLedgerBroadcastOrdering(t *testing.T) {
	l, now := newTestLedger(Config{})

	late := Entry{ID: "late", Timestamp: now.UnixMilli() + 1000}
	early := Entry{ID: "early", Timestamp: now.UnixMilli() - 1000}
	for _, e := range []Entry{late, early} {
		raw, err := json.Marshal(e)
		require.NoError(t, err)
		l.onBroadcast(broadcast.Message{Type: broadcast.MessageTypeNewEntry, Entry: raw})
	}

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "early", entries[0].ID)
	assert.Equal(t, "late", entries[1].ID)

	t.Run("duplicate ID is dropped", func(t *testing.T) {
		raw, _ := json.Marshal(late)
		l.onBroadcast(broadcast.Message{Type: broadcast.MessageTypeNewEntry, Entry: raw})
		assert.Len(t, l.Entries(), 2)
	})
}

func TestLedgerExportCSV(t *testing.T) {
	l, _ := newTestLedger(Config{})
	l.Record(RecordInput{
		Model:        "gpt-4o",
		InputTokens:  1000,
		OutputTokens: 500,
		Feature:      `search, "quoted"`,
	})

	csv := l.ExportCSV()
	lines := splitLines(csv)
	require.Len(t, lines, 2)
	assert.Equal(t, csvHeader, lines[0])
	assert.Contains(t, lines[1], `"search, ""quoted"""`,
		"fields with commas and quotes get RFC 4180 quoting")
	assert.Contains(t, lines[1], "0.007500") // 1000*2.5/1M + 500*10/1M
}

func TestLedgerExportJSON(t *testing.T) {
	l, _ := newTestLedger(Config{})
	l.Record(RecordInput{Model: "gpt-4o-mini", InputTokens: 1000, OutputTokens: 500})

	data, err := l.ExportJSON()
	require.NoError(t, err)

	var out Export
	require.NoError(t, json.Unmarshal(data, &out))
	assert.NotEmpty(t, out.ExportedAt)
	assert.Equal(t, 1, out.Summary.TotalCalls)
	require.Len(t, out.Entries, 1)
	assert.Equal(t, "gpt-4o-mini", out.Entries[0].Model)
}

func TestLedgerExportEmptyCSV(t *testing.T) {
	l, _ := newTestLedger(Config{})
	csv := l.ExportCSV()
	assert.Equal(t, csvHeader+"\n", csv)
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			// Respect quoted newlines: cheap scan counting quotes so far.
			if quotesBalanced(s[start : i+1]) {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func quotesBalanced(s string) bool {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			n++
		}
	}
	return n%2 == 0
}

func TestLedgerSummaryEntriesAreCopies(t *testing.T) {
	l, _ := newTestLedger(Config{})
	l.Record(RecordInput{Model: "gpt-4o", InputTokens: 10, OutputTokens: 10})

	s := l.Summary()
	s.Entries[0].Model = "tampered"
	assert.Equal(t, "gpt-4o", l.Entries()[0].Model)
}

func TestLedgerManyModels(t *testing.T) {
	l, _ := newTestLedger(Config{})
	for i := 0; i < 5; i++ {
		l.Record(RecordInput{Model: fmt.Sprintf("model-%d", i), InputTokens: 10, OutputTokens: 10})
	}
	assert.Len(t, l.Summary().ByModel, 5)
}
