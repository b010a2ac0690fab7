package cache

import (
	"regexp"
	"time"
)

// ContentType buckets a prompt by how quickly its answer goes stale.
type ContentType string

const (
	ContentFactual       ContentType = "factual"
	ContentGeneral       ContentType = "general"
	ContentTimeSensitive ContentType = "time-sensitive"
)

// TTLs maps content types to their cache lifetimes.
type TTLs struct {
	Factual       time.Duration
	General       time.Duration
	TimeSensitive time.Duration
}

// DefaultTTLs returns the stock lifetimes: facts rarely change, general
// answers last a day, anything time-bound expires in minutes.
func DefaultTTLs() TTLs {
	return TTLs{
		Factual:       7 * 24 * time.Hour,
		General:       24 * time.Hour,
		TimeSensitive: 5 * time.Minute,
	}
}

// For returns the TTL for a content type.
func (t TTLs) For(ct ContentType) time.Duration {
	switch ct {
	case ContentFactual:
		return t.Factual
	case ContentTimeSensitive:
		return t.TimeSensitive
	default:
		return t.General
	}
}

var (
	timeSensitiveRe = regexp.MustCompile(`\b(today|tonight|tomorrow|yesterday|now|currently|current|latest|recent|news|weather|price|prices|stock|stocks|score|scores|schedule|live)\b`)
	factualRe       = regexp.MustCompile(`^(what is|what are|who is|who was|when did|when was|where is|how many|how far|how old|define|definition of)\b|\b(capital of|formula for|boiling point|speed of light|atomic number)\b`)
)

// Classify assigns a content type from regex patterns over the normalized
// prompt. Time-sensitive wins over factual: "what is the weather today" must
// not be cached for a week.
func Classify(normalized string) ContentType {
	if timeSensitiveRe.MatchString(normalized) {
		return ContentTimeSensitive
	}
	if factualRe.MatchString(normalized) {
		return ContentFactual
	}
	return ContentGeneral
}
