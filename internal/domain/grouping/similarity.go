package grouping

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

const (
	scoreExact    = 1.0
	scoreContains = 0.8
)

// Scorer computes pairwise name similarity in [0,1] and memoizes results by
// unordered pair. One Scorer belongs to one generation run; it is not safe for
// concurrent use and must not be reused across runs.
type Scorer struct {
	cache map[pairKey]float64
	hits  int
}

type pairKey struct {
	a, b string
}

func newPairKey(a, b string) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{a: a, b: b}
}

// NewScorer creates a scorer with an empty cache
func NewScorer() *Scorer {
	return &Scorer{cache: make(map[pairKey]float64)}
}

// Similarity returns the memoized similarity of a and b
func (s *Scorer) Similarity(a, b string) float64 {
	key := newPairKey(a, b)
	if score, ok := s.cache[key]; ok {
		s.hits++
		return score
	}
	score := Similarity(key.a, key.b)
	s.cache[key] = score
	return score
}

// CacheSize returns the number of memoized pairs
func (s *Scorer) CacheSize() int {
	return len(s.cache)
}

// CacheHits returns how many lookups were served from the cache
func (s *Scorer) CacheHits() int {
	return s.hits
}

// Similarity scores two product names. The first matching rule wins:
// case-insensitive equality, containment, shared-token ratio, edit distance.
func Similarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))

	if a == "" && b == "" {
		return 0
	}
	if a == b {
		return scoreExact
	}
	if a != "" && b != "" && (strings.Contains(a, b) || strings.Contains(b, a)) {
		return scoreContains
	}

	if shared, maxTokens := sharedTokens(a, b); shared > 0 {
		return float64(shared) / float64(maxTokens)
	}

	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if maxLen == 0 {
		return 0
	}
	distance := levenshtein.ComputeDistance(a, b)
	return 1 - float64(distance)/float64(maxLen)
}

// sharedTokens counts distinct whitespace tokens present in both strings and
// returns the larger distinct-token count of the two.
func sharedTokens(a, b string) (shared, maxTokens int) {
	tokensA := tokenSet(a)
	tokensB := tokenSet(b)

	for tok := range tokensA {
		if _, ok := tokensB[tok]; ok {
			shared++
		}
	}
	return shared, max(len(tokensA), len(tokensB))
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}
