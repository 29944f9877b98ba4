// Package grouping resolves raw receipt product names into canonical product groups.
//
// Mapping rules live in two tables: personal rules owned by one account and global
// rules shared by every account. A personal rule fully shadows a global rule with the
// same original name. Groups are never stored; they are derived per account from the
// effective rule set every time a View is resolved.
package grouping

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ScopeKind distinguishes the two mapping tables
type ScopeKind int

const (
	ScopePersonal ScopeKind = iota + 1
	ScopeGlobal
)

func (k ScopeKind) String() string {
	switch k {
	case ScopePersonal:
		return "personal"
	case ScopeGlobal:
		return "global"
	default:
		return "unknown"
	}
}

// Scope is the owner of a mapping rule. It is fixed when the rule is constructed
// or scanned and never re-derived from the row id.
type Scope struct {
	Kind    ScopeKind
	OwnerID uuid.UUID // uuid.Nil for global rules
}

// Personal returns the scope of rules owned by one account
func Personal(ownerID uuid.UUID) Scope {
	return Scope{Kind: ScopePersonal, OwnerID: ownerID}
}

// Global returns the shared scope
func Global() Scope {
	return Scope{Kind: ScopeGlobal}
}

func (s Scope) IsPersonal() bool { return s.Kind == ScopePersonal }
func (s Scope) IsGlobal() bool   { return s.Kind == ScopeGlobal }

// MappingRule states that a raw product name belongs to a group.
// An empty MappedName means the product was explicitly detached.
type MappingRule struct {
	ID            uuid.UUID `json:"id"`
	Scope         Scope     `json:"-"`
	OriginalName  string    `json:"original_name"`
	MappedName    string    `json:"mapped_name"`
	Category      *string   `json:"category,omitempty"`
	AutoGenerated bool      `json:"auto_generated"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Detached reports whether the rule is an explicit "not in any group" marker
func (r MappingRule) Detached() bool {
	return r.MappedName == ""
}

// CategoryOverride is one account's local category for a global rule
type CategoryOverride struct {
	ID              uuid.UUID `json:"id"`
	OwnerID         uuid.UUID `json:"owner_id"`
	GlobalMappingID uuid.UUID `json:"global_mapping_id"`
	Category        string    `json:"category"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// IgnoredSuggestion is a rejected suggestion. Members are stored canonicalized.
type IgnoredSuggestion struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// RawProduct is one purchased line item as delivered by the receipt parser
type RawProduct struct {
	OriginalName   string
	ReceiptID      uuid.UUID
	LinePriceMinor int64 // line total in minor units
	Quantity       decimal.Decimal
	PurchasedAt    time.Time
	StoreName      string
	Category       *string // category proposed by the parser, if any
}

// ProductState is the per-account state of one original name
type ProductState int

const (
	// StateUnmapped: no rule exists in either table
	StateUnmapped ProductState = iota
	// StateDetached: a personal row with an empty mapped name
	StateDetached
	// StatePersonalGroup: a personal row places the product in a group
	StatePersonalGroup
	// StateShadowedGlobalGroup: a personal row overrides a global row's group
	StateShadowedGlobalGroup
	// StateGlobalGroup: only a global row applies
	StateGlobalGroup
)

func (s ProductState) String() string {
	switch s {
	case StateUnmapped:
		return "unmapped"
	case StateDetached:
		return "detached"
	case StatePersonalGroup:
		return "personal_group"
	case StateShadowedGlobalGroup:
		return "shadowed_global_group"
	case StateGlobalGroup:
		return "global_group"
	default:
		return "unknown"
	}
}

// Ungrouped reports whether the state belongs on the worklist
func (s ProductState) Ungrouped() bool {
	return s == StateUnmapped || s == StateDetached
}

// EffectiveRule is the single rule that applies to an original name for one account
type EffectiveRule struct {
	Rule MappingRule
	// Shadows is set when a personal rule hides a global rule with the same original name
	Shadows *MappingRule
	// Category is the resolved category: override, else stored category
	Category       *string
	OverrideActive bool
	OverrideID     *uuid.UUID
}

// State derives the product state from the effective rule
func (e EffectiveRule) State() ProductState {
	switch {
	case e.Rule.Detached():
		return StateDetached
	case e.Rule.Scope.IsGlobal():
		return StateGlobalGroup
	case e.Shadows != nil:
		return StateShadowedGlobalGroup
	default:
		return StatePersonalGroup
	}
}

// Group is the derived set of effective rules sharing one mapped name
type Group struct {
	Name          string
	Members       []EffectiveRule
	PurchaseCount int
	SpendMinor    int64
	// Categories holds the distinct member categories in first-seen order
	Categories []string
	// Category is set only when every member agrees on one category
	Category *string
	// CommonPurchaseCategory is set when member purchase history implies exactly one category
	CommonPurchaseCategory *string
	CategoryDrift          bool
	HasGlobal              bool
	HasPersonal            bool
}

// MemberCount returns the number of rules in the group
func (g Group) MemberCount() int {
	return len(g.Members)
}

// FullyGlobal reports whether every member is a global rule
func (g Group) FullyGlobal() bool {
	return g.HasGlobal && !g.HasPersonal
}

// HasCategoryConflict reports whether members disagree on their category
func (g Group) HasCategoryConflict() bool {
	return len(g.Categories) > 1
}

// WorklistItem is an ungrouped product as shown to the user
type WorklistItem struct {
	OriginalName  string
	State         ProductState
	Rule          *EffectiveRule // nil when StateUnmapped
	PurchaseCount int
	SpendMinor    int64
	Categories    []string
}

// View is the per-account derived state consumed by the presentation layer
type View struct {
	OwnerID  uuid.UUID
	Rules    []EffectiveRule
	Groups   []Group
	Worklist []WorklistItem

	byName  map[string]int
	byGroup map[string]int
	index   *PurchaseIndex
}

// Lookup returns the effective rule for an original name
func (v *View) Lookup(originalName string) (EffectiveRule, bool) {
	if v == nil || v.byName == nil {
		return EffectiveRule{}, false
	}
	idx, ok := v.byName[originalName]
	if !ok {
		return EffectiveRule{}, false
	}
	return v.Rules[idx], true
}

// Group returns the derived group with the given mapped name
func (v *View) Group(name string) (Group, bool) {
	if v == nil || v.byGroup == nil {
		return Group{}, false
	}
	idx, ok := v.byGroup[name]
	if !ok {
		return Group{}, false
	}
	return v.Groups[idx], true
}

// UnmappedNames returns the worklist names in worklist order
func (v *View) UnmappedNames() []string {
	names := make([]string, 0, len(v.Worklist))
	for _, item := range v.Worklist {
		names = append(names, item.OriginalName)
	}
	return names
}

// PurchaseIndex exposes the purchase history index built for this view
func (v *View) PurchaseIndex() *PurchaseIndex {
	return v.index
}

// Suggestion proposes merging several unmapped products into one group
type Suggestion struct {
	ID         uuid.UUID `json:"id"`
	Members    []string  `json:"members"`
	TargetName string    `json:"target_name"`
	Confidence float64   `json:"confidence"`
	// Categories observed in the members' purchase history
	Categories []string `json:"categories,omitempty"`
}

// NeedsCategoryChoice reports whether accepting requires an explicit category
func (s Suggestion) NeedsCategoryChoice() bool {
	return len(s.Categories) > 1
}

func strPtr(s string) *string {
	return &s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
