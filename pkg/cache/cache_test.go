package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerfu/llmshield/pkg/storage"
)

func newTestCache(t *testing.T, cfg Config) (*ResponseCache, *time.Time) {
	t.Helper()
	now := time.Now()
	cfg.Clock = func() time.Time { return now }
	return New(cfg), &now
}

func TestCacheExactHit(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()

	c.Store(ctx, "What is the capital of France?", "Paris.", "gpt-4o-mini", 12, 3)

	res := c.Lookup(ctx, "what is the capital of FRANCE", "gpt-4o-mini")
	require.True(t, res.Hit)
	assert.Equal(t, "exact", res.Type)
	assert.Equal(t, 1.0, res.Similarity)
	assert.Equal(t, "Paris.", res.Entry.Response)

	t.Run("different model misses", func(t *testing.T) {
		res := c.Lookup(ctx, "What is the capital of France?", "gpt-4o")
		assert.False(t, res.Hit)
	})
}

func TestCacheFuzzyHit(t *testing.T) {
	c, _ := newTestCache(t, Config{SimilarityThreshold: 0.8})
	ctx := context.Background()

	c.Store(ctx, "what is the capital of france", "Paris.", "gpt-4o-mini", 12, 3)

	res := c.Lookup(ctx, "whats the capital of france", "gpt-4o-mini")
	require.True(t, res.Hit)
	assert.Equal(t, "fuzzy", res.Type)
	assert.GreaterOrEqual(t, res.Similarity, 0.8)

	t.Run("unrelated prompt misses", func(t *testing.T) {
		res := c.Lookup(ctx, "write a sorting algorithm in go", "gpt-4o-mini")
		assert.False(t, res.Hit)
	})
}

func TestCacheFuzzyDisabledByDefault(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()

	c.Store(ctx, "what is the capital of france", "Paris.", "gpt-4o-mini", 12, 3)
	res := c.Lookup(ctx, "whats the capital of france", "gpt-4o-mini")
	assert.False(t, res.Hit)
}

func TestCacheCopyOnRead(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()

	c.Store(ctx, "question", "original answer", "gpt-4o-mini", 5, 5)

	first := c.Lookup(ctx, "question", "gpt-4o-mini")
	require.True(t, first.Hit)
	first.Entry.Response = "tampered"

	second := c.Lookup(ctx, "question", "gpt-4o-mini")
	require.True(t, second.Hit)
	assert.Equal(t, "original answer", second.Entry.Response)
	assert.Equal(t, 2, second.Entry.AccessCount)
}

func TestCachePeekDoesNotMutate(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()

	c.Store(ctx, "question", "answer", "gpt-4o-mini", 5, 5)

	res := c.Peek(ctx, "question", "gpt-4o-mini")
	require.True(t, res.Hit)
	assert.Equal(t, 0, res.Entry.AccessCount)

	stats := c.Stats()
	assert.Equal(t, int64(0), stats.TotalLookups)
	assert.Equal(t, int64(0), stats.TotalHits)
}

func TestCacheEviction(t *testing.T) {
	c, now := newTestCache(t, Config{MaxEntries: 2})
	ctx := context.Background()

	c.Store(ctx, "first question", "a", "m", 1, 1)
	*now = now.Add(time.Second)
	c.Store(ctx, "second question", "b", "m", 1, 1)
	*now = now.Add(time.Second)
	c.Store(ctx, "third question", "c", "m", 1, 1)

	assert.Equal(t, 2, c.Stats().Entries)

	// The oldest entry by last access went first.
	assert.False(t, c.Lookup(ctx, "first question", "m").Hit)
	assert.True(t, c.Lookup(ctx, "second question", "m").Hit)
	assert.True(t, c.Lookup(ctx, "third question", "m").Hit)
}

func TestCacheTTLByContentType(t *testing.T) {
	c, now := newTestCache(t, Config{})
	ctx := context.Background()

	c.Store(ctx, "what is the weather today", "Sunny.", "m", 5, 2)
	c.Store(ctx, "what is the capital of france", "Paris.", "m", 5, 2)

	*now = now.Add(6 * time.Minute)
	assert.False(t, c.Lookup(ctx, "what is the weather today", "m").Hit,
		"time-sensitive entries expire after five minutes")
	assert.True(t, c.Lookup(ctx, "what is the capital of france", "m").Hit)

	*now = now.Add(6 * 24 * time.Hour)
	assert.True(t, c.Lookup(ctx, "what is the capital of france", "m").Hit,
		"factual entries live seven days")

	*now = now.Add(2 * 24 * time.Hour)
	assert.False(t, c.Lookup(ctx, "what is the capital of france", "m").Hit)
}

func TestCacheStats(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()

	c.Store(ctx, "question", "answer", "m", 10, 20)
	c.Lookup(ctx, "question", "m")
	c.Lookup(ctx, "question", "m")
	c.Lookup(ctx, "unknown", "m")

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(3), stats.TotalLookups)
	assert.Equal(t, int64(2), stats.TotalHits)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
	assert.Equal(t, 60, stats.TotalSavedTokens) // (10+20) * 2 accesses
}

func TestCachePersistenceAndHydrate(t *testing.T) {
	store := storage.NewMemoryAdapter()
	ctx := context.Background()

	c1, _ := newTestCache(t, Config{Storage: store})
	c1.Store(ctx, "what is the capital of france", "Paris.", "m", 5, 2)
	c1.Flush()
	require.Greater(t, store.Len(), 0)

	c2, _ := newTestCache(t, Config{Storage: store})
	loaded, err := c2.Hydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	res := c2.Lookup(ctx, "what is the capital of france", "m")
	require.True(t, res.Hit)
	assert.Equal(t, "Paris.", res.Entry.Response)

	t.Run("second hydrate loads nothing", func(t *testing.T) {
		loaded, err := c2.Hydrate(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, loaded)
	})
}

func TestCachePersistedExactHitWarmsMemory(t *testing.T) {
	store := storage.NewMemoryAdapter()
	ctx := context.Background()

	c1, _ := newTestCache(t, Config{Storage: store})
	c1.Store(ctx, "question", "answer", "m", 5, 2)
	c1.Flush()

	// Fresh cache, empty memory: the exact lookup falls through to storage.
	c2, _ := newTestCache(t, Config{Storage: store})
	res := c2.Lookup(ctx, "question", "m")
	require.True(t, res.Hit)
	assert.Equal(t, "exact", res.Type)
	assert.Equal(t, 1, c2.Stats().Entries)
}

func TestCacheClear(t *testing.T) {
	store := storage.NewMemoryAdapter()
	ctx := context.Background()

	c, _ := newTestCache(t, Config{Storage: store})
	c.Store(ctx, "question", "answer", "m", 5, 2)
	c.Flush()

	c.Clear(ctx)
	assert.Equal(t, 0, c.Stats().Entries)
	assert.Equal(t, 0, store.Len())
	assert.False(t, c.Lookup(ctx, "question", "m").Hit)
}

func TestCacheHolographicIndex(t *testing.T) {
	c, _ := newTestCache(t, Config{
		SimilarityThreshold: 0.8,
		EncodingStrategy:    "holographic",
	})
	ctx := context.Background()

	c.Store(ctx, "capital of france", "Paris.", "m", 5, 2)

	// Same tokens, different order: the index nominates the stored prompt
	// and the similarity check confirms it.
	res := c.Lookup(ctx, "france capital of", "m")
	require.True(t, res.Hit)
	assert.Equal(t, "fuzzy", res.Type)
}

func TestCacheHolographicIndexVerifiesEntry(t *testing.T) {
	c, _ := newTestCache(t, Config{
		SimilarityThreshold: 0.8,
		EncodingStrategy:    "holographic",
	})
	ctx := context.Background()

	c.Store(ctx, "capital of france", "Paris.", "m", 5, 2)

	// Swap the entry under the nominated key for one holding a different
	// normalized prompt, as a hash collision would. The key match alone
	// would serve it; the normalized-key verification must not.
	key := Key("capital of france", "m")
	e, ok := c.entries[key]
	require.True(t, ok)
	e.NormalizedKey = "entirely unrelated payload"
	e.Prompt = "entirely unrelated payload"

	res := c.Lookup(ctx, "france capital of", "m")
	assert.False(t, res.Hit)
}

func TestCacheWithMiniredis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	store := storage.NewRedisAdapter(client, nil)
	ctx := context.Background()

	c1, _ := newTestCache(t, Config{Storage: store})
	c1.Store(ctx, "what is the capital of france", "Paris.", "m", 5, 2)
	c1.Flush()

	c2, _ := newTestCache(t, Config{Storage: store})
	loaded, err := c2.Hydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)
	assert.True(t, c2.Lookup(ctx, "what is the capital of france", "m").Hit)
}
