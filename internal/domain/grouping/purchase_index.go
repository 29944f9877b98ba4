package grouping

import (
	"time"

	"github.com/shopspring/decimal"
)

// PurchaseStats aggregates every purchase of one original name
type PurchaseStats struct {
	Count      int
	SpendMinor int64
	Quantity   decimal.Decimal
	// Categories are the distinct parser categories in first-seen order
	Categories    []string
	LastPurchased time.Time
}

// PurchaseIndex maps original names to their purchase history. It is built once
// per view refresh so group stats cost O(members) lookups.
type PurchaseIndex struct {
	stats map[string]*PurchaseStats
	names []string
}

// NewPurchaseIndex aggregates raw products in a single pass
func NewPurchaseIndex(products []RawProduct) *PurchaseIndex {
	idx := &PurchaseIndex{stats: make(map[string]*PurchaseStats)}

	for _, p := range products {
		if p.OriginalName == "" {
			continue
		}
		st, ok := idx.stats[p.OriginalName]
		if !ok {
			st = &PurchaseStats{}
			idx.stats[p.OriginalName] = st
			idx.names = append(idx.names, p.OriginalName)
		}
		st.Count++
		st.SpendMinor += p.LinePriceMinor
		st.Quantity = st.Quantity.Add(p.Quantity)
		if p.PurchasedAt.After(st.LastPurchased) {
			st.LastPurchased = p.PurchasedAt
		}
		if p.Category != nil && *p.Category != "" {
			st.Categories = appendDistinct(st.Categories, *p.Category)
		}
	}
	return idx
}

// Stats returns the aggregate for an original name; the zero value when never purchased
func (idx *PurchaseIndex) Stats(originalName string) PurchaseStats {
	if idx == nil {
		return PurchaseStats{}
	}
	if st, ok := idx.stats[originalName]; ok {
		return *st
	}
	return PurchaseStats{}
}

// Names returns every purchased original name in first-seen order
func (idx *PurchaseIndex) Names() []string {
	if idx == nil {
		return nil
	}
	return idx.names
}

// Len returns the number of distinct purchased names
func (idx *PurchaseIndex) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.names)
}

// CategoriesOf returns the distinct purchase categories across several names
func (idx *PurchaseIndex) CategoriesOf(names []string) []string {
	var out []string
	for _, name := range names {
		for _, c := range idx.Stats(name).Categories {
			out = appendDistinct(out, c)
		}
	}
	return out
}

func appendDistinct(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
