package grouping

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("grocery-tracker/grouping")

// MergeRules builds the effective rule set for one account. Global rows are
// inserted first and personal rows overwrite them by original name, so a
// personal row always hides the whole global row. Overrides only apply to
// global rows that remain visible. The result is ordered by original name.
func MergeRules(personal, global []MappingRule, overrides []CategoryOverride) []EffectiveRule {
	byGlobalID := make(map[uuid.UUID]CategoryOverride, len(overrides))
	for _, o := range overrides {
		byGlobalID[o.GlobalMappingID] = o
	}

	effective := make(map[string]EffectiveRule, len(global)+len(personal))
	for _, g := range global {
		eff := EffectiveRule{Rule: g, Category: cloneStr(g.Category)}
		if o, ok := byGlobalID[g.ID]; ok {
			id := o.ID
			eff.Category = strPtr(o.Category)
			eff.OverrideActive = true
			eff.OverrideID = &id
		}
		effective[g.OriginalName] = eff
	}

	for _, p := range personal {
		eff := EffectiveRule{Rule: p, Category: cloneStr(p.Category)}
		if shadowed, ok := effective[p.OriginalName]; ok && shadowed.Rule.Scope.IsGlobal() {
			g := shadowed.Rule
			eff.Shadows = &g
		}
		effective[p.OriginalName] = eff
	}

	out := make([]EffectiveRule, 0, len(effective))
	for _, eff := range effective {
		out = append(out, eff)
	}
	slices.SortFunc(out, func(a, b EffectiveRule) int {
		return strings.Compare(a.Rule.OriginalName, b.Rule.OriginalName)
	})
	return out
}

// BuildView derives groups and the worklist from an effective rule set
func BuildView(ownerID uuid.UUID, rules []EffectiveRule, index *PurchaseIndex) *View {
	v := &View{
		OwnerID: ownerID,
		Rules:   rules,
		byName:  make(map[string]int, len(rules)),
		byGroup: make(map[string]int),
		index:   index,
	}

	for i, eff := range rules {
		v.byName[eff.Rule.OriginalName] = i
		if eff.Rule.Detached() {
			continue
		}
		gi, ok := v.byGroup[eff.Rule.MappedName]
		if !ok {
			gi = len(v.Groups)
			v.byGroup[eff.Rule.MappedName] = gi
			v.Groups = append(v.Groups, Group{Name: eff.Rule.MappedName})
		}
		v.Groups[gi].Members = append(v.Groups[gi].Members, eff)
	}

	for i := range v.Groups {
		summarizeGroup(&v.Groups[i], index)
	}
	slices.SortFunc(v.Groups, func(a, b Group) int {
		return strings.Compare(a.Name, b.Name)
	})
	for i, g := range v.Groups {
		v.byGroup[g.Name] = i
	}

	v.Worklist = buildWorklist(v, index)
	return v
}

func summarizeGroup(g *Group, index *PurchaseIndex) {
	names := make([]string, 0, len(g.Members))
	agreed := true
	for _, m := range g.Members {
		names = append(names, m.Rule.OriginalName)

		st := index.Stats(m.Rule.OriginalName)
		g.PurchaseCount += st.Count
		g.SpendMinor += st.SpendMinor

		if m.Rule.Scope.IsGlobal() {
			g.HasGlobal = true
		} else {
			g.HasPersonal = true
		}

		if m.Category == nil || *m.Category == "" {
			agreed = false
			continue
		}
		g.Categories = appendDistinct(g.Categories, *m.Category)
	}

	if agreed && len(g.Categories) == 1 {
		g.Category = strPtr(g.Categories[0])
	}

	if observed := index.CategoriesOf(names); len(observed) == 1 {
		g.CommonPurchaseCategory = strPtr(observed[0])
		g.CategoryDrift = g.Category == nil || *g.Category != observed[0]
	}
}

// buildWorklist lists purchased names with no group plus detached rules,
// most purchased first
func buildWorklist(v *View, index *PurchaseIndex) []WorklistItem {
	var items []WorklistItem
	seen := make(map[string]struct{})

	add := func(name string) {
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}

		item := WorklistItem{OriginalName: name, State: StateUnmapped}
		if eff, ok := v.Lookup(name); ok {
			if !eff.State().Ungrouped() {
				return
			}
			e := eff
			item.State = eff.State()
			item.Rule = &e
		}
		st := index.Stats(name)
		item.PurchaseCount = st.Count
		item.SpendMinor = st.SpendMinor
		item.Categories = st.Categories
		items = append(items, item)
	}

	for _, name := range index.Names() {
		add(name)
	}
	for _, eff := range v.Rules {
		if eff.Rule.Detached() {
			add(eff.Rule.OriginalName)
		}
	}

	slices.SortStableFunc(items, func(a, b WorklistItem) int {
		if a.PurchaseCount != b.PurchaseCount {
			return b.PurchaseCount - a.PurchaseCount
		}
		return strings.Compare(a.OriginalName, b.OriginalName)
	})
	return items
}

// Resolver loads both mapping tables and the purchase history and derives
// one account's view
type Resolver struct {
	store     Store
	purchases PurchaseSource
	logger    *slog.Logger
}

// NewResolver creates a resolver
func NewResolver(store Store, purchases PurchaseSource, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, purchases: purchases, logger: logger}
}

// Resolve recomputes the view for an account. Nothing is cached between calls.
func (r *Resolver) Resolve(ctx context.Context, ownerID uuid.UUID) (*View, error) {
	ctx, span := tracer.Start(ctx, "grouping.Resolve")
	defer span.End()

	var (
		personal  []MappingRule
		global    []MappingRule
		overrides []CategoryOverride
		products  []RawProduct
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		personal, err = r.store.ListPersonalRules(gctx, ownerID)
		return err
	})
	g.Go(func() error {
		var err error
		global, err = r.store.ListGlobalRules(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		overrides, err = r.store.ListCategoryOverrides(gctx, ownerID)
		return err
	})
	g.Go(func() error {
		if r.purchases == nil {
			return nil
		}
		var err error
		products, err = r.purchases.ListPurchases(gctx, ownerID)
		if err != nil {
			return fmt.Errorf("failed to load purchase history: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	view := BuildView(ownerID, MergeRules(personal, global, overrides), NewPurchaseIndex(products))

	span.SetAttributes(
		attribute.Int("rules", len(view.Rules)),
		attribute.Int("groups", len(view.Groups)),
		attribute.Int("worklist", len(view.Worklist)),
	)
	r.logger.Debug("resolved product view",
		slog.String("owner_id", ownerID.String()),
		slog.Int("personal_rules", len(personal)),
		slog.Int("global_rules", len(global)),
		slog.Int("groups", len(view.Groups)),
		slog.Int("worklist", len(view.Worklist)),
	)
	return view, nil
}
