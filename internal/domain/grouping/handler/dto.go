package handler

import (
	"github.com/google/uuid"

	"github.com/FACorreiaa/grocery-tracker/internal/domain/grouping"
	"github.com/FACorreiaa/grocery-tracker/pkg/money"
)

type ruleResponse struct {
	ID             uuid.UUID  `json:"id"`
	OriginalName   string     `json:"original_name"`
	MappedName     string     `json:"mapped_name"`
	Category       *string    `json:"category,omitempty"`
	Scope          string     `json:"scope"`
	State          string     `json:"state"`
	AutoGenerated  bool       `json:"auto_generated"`
	OverrideActive bool       `json:"override_active"`
	ShadowsID      *uuid.UUID `json:"shadows_id,omitempty"`
}

type groupResponse struct {
	Name                   string         `json:"name"`
	Members                []ruleResponse `json:"members"`
	PurchaseCount          int            `json:"purchase_count"`
	Spend                  *money.Money   `json:"spend"`
	Categories             []string       `json:"categories,omitempty"`
	Category               *string        `json:"category,omitempty"`
	CommonPurchaseCategory *string        `json:"common_purchase_category,omitempty"`
	CategoryDrift          bool           `json:"category_drift"`
	Shared                 bool           `json:"shared"`
	FullyShared            bool           `json:"fully_shared"`
}

type worklistResponse struct {
	OriginalName  string       `json:"original_name"`
	State         string       `json:"state"`
	RuleID        *uuid.UUID   `json:"rule_id,omitempty"`
	PurchaseCount int          `json:"purchase_count"`
	Spend         *money.Money `json:"spend"`
	Categories    []string     `json:"categories,omitempty"`
}

type viewResponse struct {
	Rules    []ruleResponse     `json:"rules"`
	Groups   []groupResponse    `json:"groups"`
	Worklist []worklistResponse `json:"worklist"`
}

type scopeOutcomeResponse struct {
	Attempted    bool   `json:"attempted"`
	RowsAffected int64  `json:"rows_affected"`
	Error        string `json:"error,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
}

type mutationResponse struct {
	Op       string               `json:"op"`
	Personal scopeOutcomeResponse `json:"personal"`
	Global   scopeOutcomeResponse `json:"global"`
}

func toRule(e grouping.EffectiveRule) ruleResponse {
	r := ruleResponse{
		ID:             e.Rule.ID,
		OriginalName:   e.Rule.OriginalName,
		MappedName:     e.Rule.MappedName,
		Category:       e.Category,
		Scope:          e.Rule.Scope.Kind.String(),
		State:          e.State().String(),
		AutoGenerated:  e.Rule.AutoGenerated,
		OverrideActive: e.OverrideActive,
	}
	if e.Shadows != nil {
		id := e.Shadows.ID
		r.ShadowsID = &id
	}
	return r
}

func toRules(rules []grouping.EffectiveRule) []ruleResponse {
	out := make([]ruleResponse, 0, len(rules))
	for _, e := range rules {
		out = append(out, toRule(e))
	}
	return out
}

func toGroup(g grouping.Group, currency string) groupResponse {
	return groupResponse{
		Name:                   g.Name,
		Members:                toRules(g.Members),
		PurchaseCount:          g.PurchaseCount,
		Spend:                  money.New(g.SpendMinor, currency),
		Categories:             g.Categories,
		Category:               g.Category,
		CommonPurchaseCategory: g.CommonPurchaseCategory,
		CategoryDrift:          g.CategoryDrift,
		Shared:                 g.HasGlobal,
		FullyShared:            g.FullyGlobal(),
	}
}

func toWorklist(items []grouping.WorklistItem, currency string) []worklistResponse {
	out := make([]worklistResponse, 0, len(items))
	for _, item := range items {
		w := worklistResponse{
			OriginalName:  item.OriginalName,
			State:         item.State.String(),
			PurchaseCount: item.PurchaseCount,
			Spend:         money.New(item.SpendMinor, currency),
			Categories:    item.Categories,
		}
		if item.Rule != nil {
			id := item.Rule.Rule.ID
			w.RuleID = &id
		}
		out = append(out, w)
	}
	return out
}

func toView(v *grouping.View, currency string) viewResponse {
	groups := make([]groupResponse, 0, len(v.Groups))
	for _, g := range v.Groups {
		groups = append(groups, toGroup(g, currency))
	}
	return viewResponse{
		Rules:    toRules(v.Rules),
		Groups:   groups,
		Worklist: toWorklist(v.Worklist, currency),
	}
}

func toScopeOutcome(o grouping.ScopeOutcome) scopeOutcomeResponse {
	r := scopeOutcomeResponse{Attempted: o.Attempted, RowsAffected: o.RowsAffected}
	if o.Err != nil {
		r.Error = o.Err.Error()
		r.Retryable = grouping.IsTransient(o.Err)
	}
	return r
}

func toMutation(m grouping.MutationResult) mutationResponse {
	return mutationResponse{
		Op:       m.Op,
		Personal: toScopeOutcome(m.Personal),
		Global:   toScopeOutcome(m.Global),
	}
}
