package cache

import (
	"strconv"
	"strings"
	"unicode"
)

// Normalize lowercases the text, strips punctuation and collapses whitespace
// runs to a single space. Two prompts with equal normalizations are treated
// as the same question.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			b.WriteRune(r)
			lastSpace = false
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// djb2 is a fast non-cryptographic 32-bit hash. It is deliberately weak:
// every read re-verifies the stored normalized key, so a collision can never
// serve the wrong response.
func djb2(s string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(s); i++ {
		h = h<<5 + h + uint32(s[i])
	}
	return h
}

// Key derives the exact-lookup key for a prompt/model pair.
func Key(prompt, model string) string {
	return KeyFromNormalized(Normalize(prompt), model)
}

// KeyFromNormalized derives the key from an already-normalized prompt.
func KeyFromNormalized(normalized, model string) string {
	h := djb2(normalized + "|model:" + model)
	return "ts_" + strconv.FormatUint(uint64(h), 36)
}

// bigrams returns the set of character bigrams of s.
func bigrams(s string) map[string]int {
	set := make(map[string]int, len(s))
	runes := []rune(s)
	for i := 0; i+1 < len(runes); i++ {
		set[string(runes[i:i+2])]++
	}
	return set
}

// Similarity is the Dice coefficient over character bigrams of the
// normalized inputs: 2*|A∩B| / (|A|+|B|). Identical normalized strings score
// 1; when either side is empty the score is 1 only if both are.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == nb {
		return 1
	}
	if len(na) == 0 || len(nb) == 0 {
		return 0
	}
	ba, bb := bigrams(na), bigrams(nb)
	var sizeA, sizeB, overlap int
	for _, n := range ba {
		sizeA += n
	}
	for _, n := range bb {
		sizeB += n
	}
	if sizeA+sizeB == 0 {
		return 0
	}
	for g, n := range ba {
		if m, ok := bb[g]; ok {
			if m < n {
				overlap += m
			} else {
				overlap += n
			}
		}
	}
	return 2 * float64(overlap) / float64(sizeA+sizeB)
}
