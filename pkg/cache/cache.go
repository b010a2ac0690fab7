// Package cache stores provider responses keyed by (normalized prompt,
// model) and serves them back on exact or similar prompts. The exact key is
// a djb2 hash, so every read re-verifies the stored normalized prompt;
// fuzzy lookup uses the Dice bigram coefficient with an optional semantic
// index shortcut.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/llmshield/pkg/events"
	"github.com/amerfu/llmshield/pkg/storage"
)

// Entry is one cached response.
type Entry struct {
	Key           string      `json:"key"`
	NormalizedKey string      `json:"normalizedKey"`
	Prompt        string      `json:"prompt"`
	Response      string      `json:"response"`
	Model         string      `json:"model"`
	InputTokens   int         `json:"inputTokens"`
	OutputTokens  int         `json:"outputTokens"`
	CreatedAt     int64       `json:"createdAt"`
	AccessCount   int         `json:"accessCount"`
	LastAccessed  int64       `json:"lastAccessed"`
	ContentType   ContentType `json:"contentType"`
}

// Result is a lookup outcome.
type Result struct {
	Hit        bool
	Entry      *Entry
	Type       string // "exact" or "fuzzy"
	Similarity float64
}

// Stats summarizes cache effectiveness.
type Stats struct {
	Entries          int     `json:"entries"`
	TotalSavedTokens int     `json:"total_saved_tokens"`
	TotalHits        int64   `json:"total_hits"`
	TotalLookups     int64   `json:"total_lookups"`
	HitRate          float64 `json:"hit_rate"`
}

// Config configures a ResponseCache.
type Config struct {
	MaxEntries          int
	SimilarityThreshold float64 // 1 disables fuzzy lookup
	TTLs                TTLs
	EncodingStrategy    string // "holographic" enables the semantic index
	KeyPrefix           string
	Storage             storage.Adapter
	Clock               func() time.Time
	Logger              *zap.Logger
	Bus                 *events.Bus
	OnStorageError      func(err error)
}

// ResponseCache is the in-memory cache with optional persistence.
type ResponseCache struct {
	mu      sync.Mutex
	entries map[string]*Entry

	totalHits    int64
	totalLookups int64

	index     *semanticIndex
	persistWG sync.WaitGroup

	cfg    Config
	logger *zap.Logger
}

// New creates a cache. MaxEntries defaults to 1000 and the similarity
// threshold to 1 (exact-only).
func New(cfg Config) *ResponseCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 1
	}
	if cfg.TTLs == (TTLs{}) {
		cfg.TTLs = DefaultTTLs()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "llmshield:"
	}
	c := &ResponseCache{
		entries: make(map[string]*Entry),
		cfg:     cfg,
		logger:  cfg.Logger,
	}
	if cfg.EncodingStrategy == "holographic" {
		c.index = newSemanticIndex()
	}
	return c
}

// Lookup finds a live entry for the prompt/model pair. A hit returns a copy
// with bumped access stats; the copy is written back so the stored entry is
// never mutated in place.
func (c *ResponseCache) Lookup(ctx context.Context, prompt, model string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalLookups++

	res := c.lookupLocked(ctx, prompt, model, true)
	if res.Hit {
		c.totalHits++
		c.cfg.Bus.Publish(events.Event{
			Type:       events.EventCacheHit,
			Module:     "cache",
			Model:      model,
			CacheType:  res.Type,
			Similarity: res.Similarity,
		})
	} else {
		c.cfg.Bus.Publish(events.Event{
			Type:   events.EventCacheMiss,
			Module: "cache",
			Model:  model,
		})
	}
	return res
}

// Peek performs a lookup without touching counters or access stats.
// Used by dry-run mode.
func (c *ResponseCache) Peek(ctx context.Context, prompt, model string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(ctx, prompt, model, false)
}

func (c *ResponseCache) lookupLocked(ctx context.Context, prompt, model string, mutate bool) Result {
	normalized := Normalize(prompt)
	key := KeyFromNormalized(normalized, model)
	now := c.cfg.Clock().UnixMilli()

	// 1. Exact memory hit. The normalized-key comparison guards against
	// djb2 collisions.
	if e, ok := c.entries[key]; ok && c.live(e, now) && e.NormalizedKey == normalized {
		return c.hit(e, "exact", 1, now, mutate)
	}

	// 2. Exact hit from persistent storage warms the memory cache.
	if e := c.loadPersisted(ctx, key); e != nil && c.live(e, now) && e.NormalizedKey == normalized {
		if mutate {
			c.insertLocked(e)
		}
		return c.hit(e, "exact", 1, now, mutate)
	}

	// 3. Fuzzy scan, when enabled.
	if c.cfg.SimilarityThreshold < 1 {
		if res := c.fuzzyLocked(prompt, normalized, model, now, mutate); res.Hit {
			return res
		}
	}
	return Result{}
}

func (c *ResponseCache) fuzzyLocked(prompt, normalized, model string, now int64, mutate bool) Result {
	// Semantic index shortcut: at most one candidate, verified like any
	// other entry.
	if c.index != nil {
		if candidate, ok := c.index.Candidate(prompt); ok {
			normCandidate := Normalize(candidate)
			key := KeyFromNormalized(normCandidate, model)
			if e, ok := c.entries[key]; ok && c.live(e, now) && e.Model == model && e.NormalizedKey == normCandidate {
				sim := Similarity(normalized, e.Prompt)
				if sim >= c.cfg.SimilarityThreshold {
					return c.hit(e, "fuzzy", sim, now, mutate)
				}
			}
		}
	}

	var best *Entry
	var bestSim float64
	for _, e := range c.entries {
		if e.Model != model || !c.live(e, now) {
			continue
		}
		sim := Similarity(normalized, e.NormalizedKey)
		if sim >= c.cfg.SimilarityThreshold && sim > bestSim {
			best, bestSim = e, sim
		}
	}
	if best == nil {
		return Result{}
	}
	return c.hit(best, "fuzzy", bestSim, now, mutate)
}

// hit returns a copy of the entry. When mutate is set the copy carries the
// bumped access stats and replaces the stored entry; Peek skips the
// write-back entirely.
func (c *ResponseCache) hit(e *Entry, hitType string, sim float64, now int64, mutate bool) Result {
	cp := *e
	if mutate {
		cp.AccessCount++
		cp.LastAccessed = now
		c.entries[cp.Key] = &cp
	}
	out := cp
	return Result{Hit: true, Entry: &out, Type: hitType, Similarity: sim}
}

// Store inserts or replaces the entry for the prompt/model pair and kicks
// off an asynchronous persist. Storage failures are reported through
// OnStorageError and otherwise swallowed.
func (c *ResponseCache) Store(ctx context.Context, prompt, response, model string, inputTokens, outputTokens int) {
	normalized := Normalize(prompt)
	now := c.cfg.Clock().UnixMilli()
	e := &Entry{
		Key:           KeyFromNormalized(normalized, model),
		NormalizedKey: normalized,
		Prompt:        prompt,
		Response:      response,
		Model:         model,
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		CreatedAt:     now,
		LastAccessed:  now,
		ContentType:   Classify(normalized),
	}

	c.mu.Lock()
	c.insertLocked(e)
	c.mu.Unlock()

	c.persistWG.Add(1)
	go func() {
		defer c.persistWG.Done()
		c.persist(e)
	}()
}

// insertLocked adds the entry and evicts the least recently accessed entry
// when the map would exceed MaxEntries.
func (c *ResponseCache) insertLocked(e *Entry) {
	c.entries[e.Key] = e
	if c.index != nil {
		c.index.Add(e.Prompt)
	}
	for len(c.entries) > c.cfg.MaxEntries {
		var victim *Entry
		for _, cand := range c.entries {
			if victim == nil || cand.LastAccessed < victim.LastAccessed {
				victim = cand
			}
		}
		delete(c.entries, victim.Key)
		if c.index != nil {
			c.index.Remove(victim.Prompt)
		}
	}
}

// Clear drops all entries, counters, the semantic index and the persisted
// copies.
func (c *ResponseCache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.totalHits = 0
	c.totalLookups = 0
	if c.index != nil {
		c.index.Clear()
	}
	c.mu.Unlock()

	if c.cfg.Storage == nil {
		return
	}
	keys, err := c.cfg.Storage.Keys(ctx, c.cfg.KeyPrefix+"cache:")
	if err != nil {
		c.storageError(err)
		return
	}
	for _, k := range keys {
		if err := c.cfg.Storage.Delete(ctx, k); err != nil {
			c.storageError(err)
		}
	}
}

// Hydrate warms the memory cache from storage. Entries past their TTL are
// deleted from storage; survivors populate the memory map and semantic
// index. A second call with no new writes loads nothing.
func (c *ResponseCache) Hydrate(ctx context.Context) (int, error) {
	if c.cfg.Storage == nil {
		return 0, nil
	}
	keys, err := c.cfg.Storage.Keys(ctx, c.cfg.KeyPrefix+"cache:")
	if err != nil {
		return 0, err
	}
	now := c.cfg.Clock().UnixMilli()
	loaded := 0
	for _, storageKey := range keys {
		data, err := c.cfg.Storage.Get(ctx, storageKey)
		if err != nil || data == nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			c.logger.Debug("Dropping undecodable cache entry", zap.String("key", storageKey), zap.Error(err))
			continue
		}
		if !c.live(&e, now) {
			if err := c.cfg.Storage.Delete(ctx, storageKey); err != nil {
				c.storageError(err)
			}
			continue
		}
		c.mu.Lock()
		_, exists := c.entries[e.Key]
		if !exists {
			c.insertLocked(&e)
			loaded++
		}
		c.mu.Unlock()
	}
	return loaded, nil
}

// Stats returns cache effectiveness counters.
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Entries:      len(c.entries),
		TotalHits:    c.totalHits,
		TotalLookups: c.totalLookups,
	}
	for _, e := range c.entries {
		s.TotalSavedTokens += (e.InputTokens + e.OutputTokens) * e.AccessCount
	}
	if s.TotalLookups > 0 {
		s.HitRate = float64(s.TotalHits) / float64(s.TotalLookups)
	}
	return s
}

// Flush blocks until pending asynchronous persists have completed.
func (c *ResponseCache) Flush() {
	c.persistWG.Wait()
}

func (c *ResponseCache) live(e *Entry, now int64) bool {
	ttl := c.cfg.TTLs.For(e.ContentType)
	return now-e.CreatedAt < ttl.Milliseconds()
}

func (c *ResponseCache) storageKeyFor(key string) string {
	return c.cfg.KeyPrefix + "cache:" + key
}

func (c *ResponseCache) loadPersisted(ctx context.Context, key string) *Entry {
	if c.cfg.Storage == nil {
		return nil
	}
	data, err := c.cfg.Storage.Get(ctx, c.storageKeyFor(key))
	if err != nil {
		c.storageError(err)
		return nil
	}
	if data == nil {
		return nil
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil
	}
	return &e
}

func (c *ResponseCache) persist(e *Entry) {
	if c.cfg.Storage == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := c.cfg.Storage.Set(context.Background(), c.storageKeyFor(e.Key), data); err != nil {
		c.storageError(err)
	}
}

func (c *ResponseCache) storageError(err error) {
	c.logger.Debug("Cache storage operation failed", zap.Error(err))
	if c.cfg.OnStorageError == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Debug("OnStorageError callback panicked", zap.Any("panic", rec))
		}
	}()
	c.cfg.OnStorageError(err)
}
