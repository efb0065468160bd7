package resolver

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

const (
	// SimilarityFloor is the lowest score Rank keeps.
	SimilarityFloor = 0.2
	// MaxSuggestions caps the number of approximate candidates.
	MaxSuggestions = 5

	subsequenceBoost = 0.25
)

// Similarity scores a against b in [0, 1]: one minus the Levenshtein
// distance normalised by the longer string, raised when a reads as an
// in-order subsequence of b ("obsrv" in "/observations").
func Similarity(a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	score := 1 - float64(fuzzy.LevenshteinDistance(a, b))/float64(longest)
	if a != "" && fuzzy.MatchNormalizedFold(a, b) {
		score += subsequenceBoost
	}
	return min(score, 1)
}

// Rank returns up to limit candidates scoring at least floor against input,
// best first. Ties keep the candidates' original order.
func Rank(input string, candidates []string, floor float64, limit int) []string {
	type scored struct {
		value string
		score float64
	}
	var hits []scored
	for _, c := range candidates {
		if s := Similarity(input, c); s >= floor {
			hits = append(hits, scored{c, s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	var out []string
	for i := 0; i < len(hits) && (limit <= 0 || i < limit); i++ {
		out = append(out, hits[i].value)
	}
	return out
}
