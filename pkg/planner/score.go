package planner

import (
	"regexp"
	"strings"
)

//nolint:gochecknoglobals // static keyword tables
var (
	multiGoalPattern = regexp.MustCompile(`(?i)\b(and also|as well as|then|after that|additionally|afterwards)\b|;|\n\s*([-*•]|\d+[.)])\s+`)

	computeKeywords = []string{
		"calculate", "compute", "optimize", "optimise", "optimal", "estimate", "solve",
		"sum", "average", "analyze", "analyse", "simulate", "forecast", "derive",
	}
	verifyKeywords = []string{
		"verify", "validate", "check", "test", "confirm", "prove", "audit", "cross-check", "review",
	}
	externalKeywords = []string{
		"file", "url", "http", "https", "search", "fetch", "download", "api", "database",
		"website", "web", "browse", "lookup", "look up",
	}
)

// Score rates a request's complexity from 0 to 5, one point each for length, multi-goal
// phrasing, computation, verification and external-resource keywords.
func Score(request string) int {
	score := 0
	if len(request) > LongRequestChars {
		score++
	}
	if multiGoalPattern.MatchString(request) {
		score++
	}

	words := tokenize(request)
	lower := strings.ToLower(request)
	for _, keywords := range [][]string{computeKeywords, verifyKeywords, externalKeywords} {
		if matchesAny(lower, words, keywords) {
			score++
		}
	}
	return score
}

// HasComplexityKeywords reports whether the request names any computation, verification or
// external-resource keyword.
func HasComplexityKeywords(request string) bool {
	words := tokenize(request)
	lower := strings.ToLower(request)
	return matchesAny(lower, words, computeKeywords) ||
		matchesAny(lower, words, verifyKeywords) ||
		matchesAny(lower, words, externalKeywords)
}

func tokenize(s string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-')
	}) {
		words[w] = true
		// Simple plural and verb forms: "files", "checked", "validated", "verified".
		for _, suffix := range []string{"s", "es", "d", "ed", "ing"} {
			if stem, ok := strings.CutSuffix(w, suffix); ok && len(stem) > 2 {
				words[stem] = true
			}
		}
		if stem, ok := strings.CutSuffix(w, "ied"); ok && len(stem) > 2 {
			words[stem+"y"] = true
		}
	}
	return words
}

func matchesAny(lower string, words map[string]bool, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(k, " ") {
			if strings.Contains(lower, k) {
				return true
			}
			continue
		}
		if words[k] {
			return true
		}
	}
	return false
}
