package grouping

import (
	"fmt"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/simple"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/lithammer/fuzzysearch/fuzzy"
)

const defaultSearchLimit = 10

// groupDocument is the indexed form of a derived group
type groupDocument struct {
	Name     string `json:"name"`
	Members  string `json:"members"`
	Category string `json:"category"`
	Scope    string `json:"scope"`
}

// GroupHit is one search result
type GroupHit struct {
	Name        string  `json:"name"`
	Score       float64 `json:"score"`
	MemberCount int     `json:"member_count"`
	Category    *string `json:"category,omitempty"`
}

func buildGroupMapping() mapping.IndexMapping {
	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = simple.Name

	keywordFieldMapping := bleve.NewTextFieldMapping()
	keywordFieldMapping.Analyzer = keyword.Name

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("name", textFieldMapping)
	docMapping.AddFieldMappingsAt("members", textFieldMapping)
	docMapping.AddFieldMappingsAt("category", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("scope", keywordFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = simple.Name
	return indexMapping
}

// SearchGroups finds groups of a view by name or member spelling, tolerating
// one typo per term. The index lives only for the duration of the call.
func SearchGroups(view *View, q string, limit int) ([]GroupHit, error) {
	q = strings.TrimSpace(q)
	if q == "" || len(view.Groups) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	index, err := bleve.NewMemOnly(buildGroupMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create group index: %w", err)
	}
	defer index.Close()

	batch := index.NewBatch()
	for _, g := range view.Groups {
		members := make([]string, 0, len(g.Members))
		for _, m := range g.Members {
			members = append(members, m.Rule.OriginalName)
		}
		scope := ScopePersonal.String()
		if g.HasGlobal {
			scope = ScopeGlobal.String()
		}
		doc := groupDocument{
			Name:     g.Name,
			Members:  strings.Join(members, " "),
			Category: derefStr(g.Category),
			Scope:    scope,
		}
		if err := batch.Index(g.Name, doc); err != nil {
			return nil, fmt.Errorf("failed to index group %q: %w", g.Name, err)
		}
	}
	if err := index.Batch(batch); err != nil {
		return nil, fmt.Errorf("failed to execute batch index: %w", err)
	}

	nameMatch := bleve.NewMatchQuery(q)
	nameMatch.SetField("name")
	nameMatch.SetFuzziness(1)
	nameMatch.SetBoost(2)

	memberMatch := bleve.NewMatchQuery(q)
	memberMatch.SetField("members")
	memberMatch.SetFuzziness(1)

	prefix := bleve.NewPrefixQuery(strings.ToLower(q))
	prefix.SetField("name")

	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(nameMatch, memberMatch, prefix))
	req.Size = limit

	res, err := index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("group search failed: %w", err)
	}

	hits := make([]GroupHit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		g, ok := view.Group(hit.ID)
		if !ok {
			continue
		}
		hits = append(hits, GroupHit{
			Name:        g.Name,
			Score:       hit.Score,
			MemberCount: g.MemberCount(),
			Category:    g.Category,
		})
	}
	return hits, nil
}

// FilterWorklist keeps the items whose name fuzzily contains q, closest first.
// An empty query returns the worklist unchanged.
func FilterWorklist(items []WorklistItem, q string) []WorklistItem {
	q = strings.TrimSpace(q)
	if q == "" {
		return items
	}

	names := make([]string, len(items))
	for i, item := range items {
		names[i] = item.OriginalName
	}

	ranks := fuzzy.RankFindNormalizedFold(q, names)
	sort.Stable(ranks)

	out := make([]WorklistItem, 0, len(ranks))
	for _, r := range ranks {
		out = append(out, items[r.OriginalIndex])
	}
	return out
}
