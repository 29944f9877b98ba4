package grouping

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/cloudflare/ahocorasick"
	"golang.org/x/text/unicode/norm"
)

// RuleLookup finds the effective rule for an exact original name.
// *View implements it.
type RuleLookup interface {
	Lookup(originalName string) (EffectiveRule, bool)
}

// NormalizedName is the comparison key for a raw product name
type NormalizedName struct {
	Key      string
	Category *string
	// FromRule is set when an exact mapping rule produced the key
	FromRule bool
}

// packSizePattern matches a trailing pack-size token such as "1l", "500g" or "1,5kg"
var packSizePattern = regexp.MustCompile(`\s+\d+(?:[.,]\d+)?(?:kg|hg|g|ml|cl|dl|l|st|pack|p)$`)

// unitTokens maps ambiguous single-letter unit tokens to their spelled-out form
var unitTokens = map[string]string{
	"l": "liter",
	"g": "gram",
}

// defaultCompoundVariants maps spacing variants to one canonical spelling.
// Canonical forms must not contain any variant.
var defaultCompoundVariants = map[string]string{
	"coca cola":      "coca-cola",
	"cocacola":       "coca-cola",
	"fil mjölk":      "filmjölk",
	"fil-mjölk":      "filmjölk",
	"mellan mjölk":   "mellanmjölk",
	"lätt mjölk":     "lättmjölk",
	"standard mjölk": "standardmjölk",
	"kaffe grädde":   "kaffegrädde",
	"vispgrädde":     "visp-grädde",
	"visp grädde":    "visp-grädde",
	"knäcke bröd":    "knäckebröd",
	"to mat":         "tomat",
	"havre dryck":    "havredryck",
	"ice tea":        "iced tea",
}

// Normalizer turns raw product names into comparison keys.
// It is safe for concurrent use once built.
type Normalizer struct {
	mu        sync.RWMutex
	variants  []string
	canonical []string
	matcher   *ahocorasick.Matcher
}

// NewNormalizer creates a normalizer with the built-in compound variants
func NewNormalizer() *Normalizer {
	n := &Normalizer{}
	n.Build(defaultCompoundVariants)
	return n
}

// Build (re)compiles the compound-variant matcher. Variants are matched on
// whole tokens only.
func (n *Normalizer) Build(variants map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.variants = n.variants[:0]
	n.canonical = n.canonical[:0]
	keys := make([]string, 0, len(variants))
	for variant := range variants {
		keys = append(keys, variant)
	}
	sort.Strings(keys)

	for _, key := range keys {
		variant := strings.ToLower(strings.TrimSpace(key))
		canonical := strings.ToLower(strings.TrimSpace(variants[key]))
		if variant == "" || variant == canonical {
			continue
		}
		n.variants = append(n.variants, variant)
		n.canonical = append(n.canonical, canonical)
	}

	if len(n.variants) == 0 {
		n.matcher = nil
		return
	}
	n.matcher = ahocorasick.NewStringMatcher(n.variants)
}

// Normalize returns the comparison key for raw. An exact effective rule with a
// non-empty mapped name wins, and its key is Clean(mapped name) so rule-mapped
// and unmapped spellings compare on the same footing. lookup may be nil.
func (n *Normalizer) Normalize(raw string, lookup RuleLookup) NormalizedName {
	if lookup != nil {
		if eff, ok := lookup.Lookup(raw); ok && !eff.Rule.Detached() {
			return NormalizedName{
				Key:      n.Clean(eff.Rule.MappedName),
				Category: eff.Category,
				FromRule: true,
			}
		}
	}
	return NormalizedName{Key: n.Clean(raw)}
}

// Clean applies the algorithmic normalization only. It is total and idempotent.
func (n *Normalizer) Clean(raw string) string {
	s := norm.NFC.String(strings.ToLower(raw))
	s = collapseWhitespace(s)
	s = stripPackSize(s)
	s = normalizeUnits(s)
	s = n.collapseCompounds(s)
	s = collapseWhitespace(s)
	return strings.TrimSpace(s)
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func stripPackSize(s string) string {
	for {
		stripped := packSizePattern.ReplaceAllString(s, "")
		if stripped == s {
			return s
		}
		s = stripped
	}
}

func normalizeUnits(s string) string {
	tokens := strings.Fields(s)
	for i, tok := range tokens {
		if unit, ok := unitTokens[tok]; ok {
			tokens[i] = unit
		}
	}
	return strings.Join(tokens, " ")
}

func (n *Normalizer) collapseCompounds(s string) string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.matcher == nil || s == "" {
		return s
	}

	// Replace until stable: adjacent occurrences share a padding space and are
	// only picked up on the next round.
	for range len(s) {
		hits := n.matcher.Match([]byte(s))
		if len(hits) == 0 {
			return s
		}
		padded := " " + s + " "
		for _, idx := range hits {
			padded = strings.ReplaceAll(padded, " "+n.variants[idx]+" ", " "+n.canonical[idx]+" ")
		}
		next := strings.TrimSpace(padded)
		if next == s {
			return s
		}
		s = next
	}
	return s
}
