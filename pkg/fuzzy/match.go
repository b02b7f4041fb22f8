// Package fuzzy provides name normalization and best-match scoring for
// catalog lookups where user input rarely matches display names exactly.
package fuzzy

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	punctRegex      = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
)

// Normalize collapses a display name for comparison: NFKD decomposition with
// combining marks stripped, punctuation removed, lowercased, and whitespace
// squeezed out.
func Normalize(name string) string {
	name = norm.NFKD.String(name)

	var b strings.Builder
	for _, r := range name {
		if !unicode.IsMark(r) {
			b.WriteRune(r)
		}
	}
	name = b.String()

	name = punctRegex.ReplaceAllString(name, " ")
	name = whitespaceRegex.ReplaceAllString(name, "")
	return strings.ToLower(name)
}

// Score rates a normalized candidate against a normalized query: 3 for an
// exact match, 2 when the candidate starts with the query, 1 for containment
// either way, 0 otherwise.
func Score(query, candidate string) int {
	switch {
	case candidate == query:
		return 3
	case strings.HasPrefix(candidate, query):
		return 2
	case strings.Contains(candidate, query) || strings.Contains(query, candidate):
		return 1
	default:
		return 0
	}
}

// BestMatch returns the index of the highest-scoring name, or false when
// nothing scores above zero.
func BestMatch(query string, names []string) (int, bool) {
	q := Normalize(query)
	if q == "" {
		return 0, false
	}

	best := -1
	bestScore := 0
	for i, name := range names {
		if score := Score(q, Normalize(name)); score > bestScore {
			best = i
			bestScore = score
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}
