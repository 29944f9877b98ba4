package grouping

import (
	"context"
	"runtime"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// DefaultMaxCandidates bounds the quadratic comparison cost of one run
	DefaultMaxCandidates = 100
	// DefaultThreshold is the minimum similarity to join a cluster
	DefaultThreshold = 0.6

	confidenceHigh = 0.9
	confidenceLow  = 0.7
)

var suggestionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("grocery-tracker/suggestions"))

// GeneratorConfig tunes suggestion generation
type GeneratorConfig struct {
	MaxCandidates int
	Threshold     float64
}

// Generator clusters ungrouped product names into merge suggestions. It holds
// no state between runs.
type Generator struct {
	cfg        GeneratorConfig
	normalizer *Normalizer
}

// NewGenerator creates a generator. Zero config values fall back to the defaults.
// When normalizer is non-nil names are compared on their cleaned keys.
func NewGenerator(cfg GeneratorConfig, normalizer *Normalizer) *Generator {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultMaxCandidates
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	return &Generator{cfg: cfg, normalizer: normalizer}
}

// Generate clusters unmapped names and drops clusters in the ignored set
func (g *Generator) Generate(unmapped []string, ignored IgnoredSet) []Suggestion {
	out, _ := g.GenerateContext(context.Background(), unmapped, ignored, nil)
	return out
}

// GenerateContext is Generate with cancellation between seeds. index, when set,
// fills in the purchase categories of each suggestion.
func (g *Generator) GenerateContext(ctx context.Context, unmapped []string, ignored IgnoredSet, index *PurchaseIndex) ([]Suggestion, error) {
	candidates := g.candidates(unmapped)
	keys := make([]string, len(candidates))
	for i, name := range candidates {
		keys[i] = name
		if g.normalizer != nil {
			keys[i] = g.normalizer.Clean(name)
		}
	}

	scorer := NewScorer()
	claimed := make([]bool, len(candidates))
	var out []Suggestion

	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if claimed[i] {
			continue
		}
		claimed[i] = true
		members := []string{candidates[i]}

		for j := i + 1; j < len(candidates); j++ {
			if claimed[j] {
				continue
			}
			if scorer.Similarity(keys[i], keys[j]) >= g.cfg.Threshold {
				claimed[j] = true
				members = append(members, candidates[j])
			}
		}

		if len(members) < 2 || ignored.Contains(members) {
			continue
		}
		out = append(out, newSuggestion(members, index))

		runtime.Gosched()
	}
	return out, nil
}

// candidates keeps the first MaxCandidates distinct non-blank names in caller order
func (g *Generator) candidates(unmapped []string) []string {
	seen := make(map[string]struct{}, len(unmapped))
	out := make([]string, 0, min(len(unmapped), g.cfg.MaxCandidates))
	for _, name := range unmapped {
		if len(out) == g.cfg.MaxCandidates {
			break
		}
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func newSuggestion(members []string, index *PurchaseIndex) Suggestion {
	confidence := confidenceLow
	if len(members) > 2 {
		confidence = confidenceHigh
	}
	s := Suggestion{
		ID:         uuid.NewSHA1(suggestionNamespace, []byte(SetKey(members))),
		Members:    members,
		TargetName: shortest(members),
		Confidence: confidence,
	}
	if index != nil {
		s.Categories = index.CategoriesOf(members)
	}
	return s
}

// shortest returns the member with the fewest runes; the first one wins ties
func shortest(members []string) string {
	best := members[0]
	bestLen := utf8.RuneCountInString(best)
	for _, m := range members[1:] {
		if n := utf8.RuneCountInString(m); n < bestLen {
			best, bestLen = m, n
		}
	}
	return best
}
