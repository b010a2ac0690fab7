package router

import (
	"regexp"
	"strings"
)

// Analysis is the complexity verdict for a prompt.
type Analysis struct {
	Score           int    `json:"score"` // 0..100
	Tier            string `json:"tier"`
	RecommendedTier string `json:"recommended_tier"`
}

const (
	TierSimple   = "simple"
	TierModerate = "moderate"
	TierComplex  = "complex"
)

var (
	codeSignalRe    = regexp.MustCompile("```|\\bfunc \\b|\\bdef \\b|\\bclass \\b|\\bSELECT \\b|[{};]=?|</?[a-z]+>")
	jsonSignalRe    = regexp.MustCompile(`[\[{]\s*"`)
	multiPartRe     = regexp.MustCompile(`(?m)^\s*(\d+[.)]|[-*])\s`)
	analyticalRe    = regexp.MustCompile(`\b(analyze|analyse|compare|contrast|evaluate|design|architect|optimize|optimise|refactor|prove|derive|debug|diagnose|implement|trade-?offs?|step by step)\b`)
	simpleGreetRe   = regexp.MustCompile(`^\s*(hi|hello|hey|thanks|thank you|ok|okay|yes|no)\b[\s!.?]*$`)
	conjunctionRe   = regexp.MustCompile(`\b(and then|after that|also|additionally|as well as)\b`)
)

// AnalyzeComplexity scores a prompt from surface features: length, question
// structure, code and JSON signals, multi-part requests and analytical
// verbs. The mapping is pure and deterministic.
func AnalyzeComplexity(text string) Analysis {
	lower := strings.ToLower(text)
	score := 0

	if simpleGreetRe.MatchString(lower) {
		return withTiers(2)
	}

	// Length contributes up to 30 points.
	switch n := len(text); {
	case n > 2000:
		score += 30
	case n > 800:
		score += 22
	case n > 300:
		score += 14
	case n > 100:
		score += 8
	case n > 30:
		score += 4
	}

	// Question structure.
	questions := strings.Count(text, "?")
	if questions > 0 {
		score += 5
	}
	if questions > 2 {
		score += 8
	}

	// Code and structured-data signals.
	if codeSignalRe.MatchString(text) {
		score += 20
	}
	if jsonSignalRe.MatchString(text) {
		score += 8
	}

	// Multi-part requests.
	if parts := len(multiPartRe.FindAllString(text, -1)); parts >= 2 {
		score += 10
		if parts >= 5 {
			score += 5
		}
	}
	if conjunctionRe.MatchString(lower) {
		score += 6
	}
	if strings.Count(text, ";") >= 2 {
		score += 4
	}

	// Analytical verbs.
	if verbs := len(analyticalRe.FindAllString(lower, -1)); verbs > 0 {
		score += 12
		if verbs > 2 {
			score += 6
		}
	}

	if score > 100 {
		score = 100
	}
	return withTiers(score)
}

func withTiers(score int) Analysis {
	tier := TierComplex
	switch {
	case score <= 30:
		tier = TierSimple
	case score <= 70:
		tier = TierModerate
	}
	return Analysis{Score: score, Tier: tier, RecommendedTier: tier}
}
