package cache

import (
	"sort"
	"strings"
	"sync"
)

// semanticIndex is an auxiliary lookup used when the holographic encoding
// strategy is enabled. It maps a word-order-insensitive signature of the
// normalized prompt to the original prompt, so "capital of France" and
// "France capital of" resolve to the same candidate. The index only ever
// nominates a candidate; the cache re-verifies TTL, model and prompt before
// serving it.
type semanticIndex struct {
	mu      sync.RWMutex
	byToken map[uint64]string
}

func newSemanticIndex() *semanticIndex {
	return &semanticIndex{byToken: make(map[uint64]string)}
}

// signature hashes the sorted unique tokens of a normalized prompt.
func signature(normalized string) uint64 {
	fields := strings.Fields(normalized)
	seen := make(map[string]struct{}, len(fields))
	tokens := fields[:0]
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, f)
	}
	sort.Strings(tokens)
	var h uint64 = 1469598103934665603 // FNV-1a
	for _, t := range tokens {
		for i := 0; i < len(t); i++ {
			h ^= uint64(t[i])
			h *= 1099511628211
		}
		h ^= ' '
		h *= 1099511628211
	}
	return h
}

// Add indexes a stored prompt.
func (si *semanticIndex) Add(prompt string) {
	sig := signature(Normalize(prompt))
	si.mu.Lock()
	si.byToken[sig] = prompt
	si.mu.Unlock()
}

// Candidate returns at most one stored prompt matching the query signature.
func (si *semanticIndex) Candidate(query string) (string, bool) {
	sig := signature(Normalize(query))
	si.mu.RLock()
	p, ok := si.byToken[sig]
	si.mu.RUnlock()
	return p, ok
}

// Remove drops a prompt from the index.
func (si *semanticIndex) Remove(prompt string) {
	sig := signature(Normalize(prompt))
	si.mu.Lock()
	if si.byToken[sig] == prompt {
		delete(si.byToken, sig)
	}
	si.mu.Unlock()
}

// Clear empties the index.
func (si *semanticIndex) Clear() {
	si.mu.Lock()
	si.byToken = make(map[uint64]string)
	si.mu.Unlock()
}
