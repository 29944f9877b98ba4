package grouping

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by the memory driver and in tests.
// It enforces the same uniqueness constraints as the SQL schema.
type MemoryStore struct {
	mu        sync.Mutex
	personal  map[uuid.UUID]map[string]MappingRule
	global    map[string]MappingRule
	overrides map[uuid.UUID]map[uuid.UUID]CategoryOverride
	ignored   map[uuid.UUID]map[string]IgnoredSuggestion
	now       func() time.Time

	// GlobalReadOnly rejects every global write with a PermissionError,
	// mirroring a database role without UPDATE on global_mappings.
	GlobalReadOnly bool
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		personal:  make(map[uuid.UUID]map[string]MappingRule),
		global:    make(map[string]MappingRule),
		overrides: make(map[uuid.UUID]map[uuid.UUID]CategoryOverride),
		ignored:   make(map[uuid.UUID]map[string]IgnoredSuggestion),
		now:       time.Now,
	}
}

func (m *MemoryStore) ListPersonalRules(_ context.Context, ownerID uuid.UUID) ([]MappingRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rules := make([]MappingRule, 0, len(m.personal[ownerID]))
	for _, r := range m.personal[ownerID] {
		rules = append(rules, cloneRule(r))
	}
	sortRules(rules)
	return rules, nil
}

func (m *MemoryStore) ListGlobalRules(_ context.Context) ([]MappingRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rules := make([]MappingRule, 0, len(m.global))
	for _, r := range m.global {
		rules = append(rules, cloneRule(r))
	}
	sortRules(rules)
	return rules, nil
}

func (m *MemoryStore) ListCategoryOverrides(_ context.Context, ownerID uuid.UUID) ([]CategoryOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]CategoryOverride, 0, len(m.overrides[ownerID]))
	for _, o := range m.overrides[ownerID] {
		out = append(out, o)
	}
	slices.SortFunc(out, func(a, b CategoryOverride) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ListIgnoredSuggestions(_ context.Context, ownerID uuid.UUID) ([]IgnoredSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]IgnoredSuggestion, 0, len(m.ignored[ownerID]))
	for _, ig := range m.ignored[ownerID] {
		ig.Members = slices.Clone(ig.Members)
		out = append(out, ig)
	}
	slices.SortFunc(out, func(a, b IgnoredSuggestion) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) InsertPersonalRule(_ context.Context, rule MappingRule) (MappingRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner := rule.Scope.OwnerID
	if _, exists := m.personal[owner][rule.OriginalName]; exists {
		return MappingRule{}, &ConflictError{Key: rule.OriginalName}
	}
	return m.putPersonal(rule), nil
}

func (m *MemoryStore) UpsertPersonalRule(_ context.Context, rule MappingRule) (MappingRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner := rule.Scope.OwnerID
	if existing, exists := m.personal[owner][rule.OriginalName]; exists {
		existing.MappedName = rule.MappedName
		existing.Category = cloneStr(rule.Category)
		existing.AutoGenerated = rule.AutoGenerated
		existing.UpdatedAt = m.now()
		m.personal[owner][rule.OriginalName] = existing
		return cloneRule(existing), nil
	}
	return m.putPersonal(rule), nil
}

func (m *MemoryStore) putPersonal(rule MappingRule) MappingRule {
	owner := rule.Scope.OwnerID
	now := m.now()
	rule.ID = uuid.New()
	rule.Scope = Personal(owner)
	rule.Category = cloneStr(rule.Category)
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if m.personal[owner] == nil {
		m.personal[owner] = make(map[string]MappingRule)
	}
	m.personal[owner][rule.OriginalName] = rule
	return cloneRule(rule)
}

func (m *MemoryStore) InsertGlobalRule(_ context.Context, rule MappingRule) (MappingRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GlobalReadOnly {
		return MappingRule{}, &PermissionError{Op: "insert global rule"}
	}
	if _, exists := m.global[rule.OriginalName]; exists {
		return MappingRule{}, &ConflictError{Key: rule.OriginalName}
	}
	now := m.now()
	rule.ID = uuid.New()
	rule.Scope = Global()
	rule.Category = cloneStr(rule.Category)
	rule.CreatedAt = now
	rule.UpdatedAt = now
	m.global[rule.OriginalName] = rule
	return cloneRule(rule), nil
}

func (m *MemoryStore) RenamePersonalGroup(_ context.Context, ownerID uuid.UUID, from, to string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for name, r := range m.personal[ownerID] {
		if r.MappedName != from {
			continue
		}
		r.MappedName = to
		r.UpdatedAt = m.now()
		m.personal[ownerID][name] = r
		n++
	}
	return n, nil
}

func (m *MemoryStore) RenameGlobalGroup(_ context.Context, from, to string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GlobalReadOnly {
		return 0, &PermissionError{Op: "rename global group"}
	}
	var n int64
	for name, r := range m.global {
		if r.MappedName != from {
			continue
		}
		r.MappedName = to
		r.UpdatedAt = m.now()
		m.global[name] = r
		n++
	}
	return n, nil
}

func (m *MemoryStore) SetPersonalCategory(_ context.Context, ownerID uuid.UUID, ruleIDs []uuid.UUID, category *string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for name, r := range m.personal[ownerID] {
		if !slices.Contains(ruleIDs, r.ID) {
			continue
		}
		r.Category = cloneStr(category)
		r.UpdatedAt = m.now()
		m.personal[ownerID][name] = r
		n++
	}
	return n, nil
}

func (m *MemoryStore) SetGlobalCategory(_ context.Context, ruleIDs []uuid.UUID, category *string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GlobalReadOnly {
		return 0, &PermissionError{Op: "set global category"}
	}
	var n int64
	for name, r := range m.global {
		if !slices.Contains(ruleIDs, r.ID) {
			continue
		}
		r.Category = cloneStr(category)
		r.UpdatedAt = m.now()
		m.global[name] = r
		n++
	}
	return n, nil
}

func (m *MemoryStore) DetachPersonalRule(_ context.Context, ownerID, ruleID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, r := range m.personal[ownerID] {
		if r.ID == ruleID {
			r.MappedName = ""
			r.UpdatedAt = m.now()
			m.personal[ownerID][name] = r
			return nil
		}
	}
	return fmt.Errorf("personal rule %s: %w", ruleID, ErrNotFound)
}

func (m *MemoryStore) DeletePersonalRule(_ context.Context, ownerID, ruleID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, r := range m.personal[ownerID] {
		if r.ID == ruleID {
			delete(m.personal[ownerID], name)
			return nil
		}
	}
	return fmt.Errorf("personal rule %s: %w", ruleID, ErrNotFound)
}

func (m *MemoryStore) DeleteRedundantShadows(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for owner, rules := range m.personal {
		for name, r := range rules {
			g, ok := m.global[name]
			if !ok || !r.AutoGenerated || r.MappedName != g.MappedName || derefStr(r.Category) != derefStr(g.Category) || (r.Category == nil) != (g.Category == nil) {
				continue
			}
			if _, overridden := m.overrides[owner][g.ID]; overridden {
				continue
			}
			delete(rules, name)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) UpsertCategoryOverride(_ context.Context, override CategoryOverride) (CategoryOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasGlobalID(override.GlobalMappingID) {
		return CategoryOverride{}, fmt.Errorf("global rule %s: %w", override.GlobalMappingID, ErrNotFound)
	}
	if m.overrides[override.OwnerID] == nil {
		m.overrides[override.OwnerID] = make(map[uuid.UUID]CategoryOverride)
	}

	now := m.now()
	if existing, ok := m.overrides[override.OwnerID][override.GlobalMappingID]; ok {
		existing.Category = override.Category
		existing.UpdatedAt = now
		m.overrides[override.OwnerID][override.GlobalMappingID] = existing
		return existing, nil
	}
	override.ID = uuid.New()
	override.CreatedAt = now
	override.UpdatedAt = now
	m.overrides[override.OwnerID][override.GlobalMappingID] = override
	return override, nil
}

func (m *MemoryStore) DeleteCategoryOverride(_ context.Context, ownerID, globalMappingID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.overrides[ownerID][globalMappingID]; !ok {
		return fmt.Errorf("category override for %s: %w", globalMappingID, ErrNotFound)
	}
	delete(m.overrides[ownerID], globalMappingID)
	return nil
}

func (m *MemoryStore) InsertIgnoredSuggestion(_ context.Context, ignored IgnoredSuggestion) (IgnoredSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := SetKey(ignored.Members)
	if _, exists := m.ignored[ignored.OwnerID][key]; exists {
		return IgnoredSuggestion{}, &ConflictError{Key: key}
	}
	if m.ignored[ignored.OwnerID] == nil {
		m.ignored[ignored.OwnerID] = make(map[string]IgnoredSuggestion)
	}
	ignored.ID = uuid.New()
	ignored.Members = Canonicalize(ignored.Members)
	ignored.CreatedAt = m.now()
	m.ignored[ignored.OwnerID][key] = ignored
	return ignored, nil
}

func (m *MemoryStore) DeleteIgnoredSuggestion(_ context.Context, ownerID uuid.UUID, members []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := SetKey(members)
	if _, ok := m.ignored[ownerID][key]; !ok {
		return fmt.Errorf("ignored suggestion: %w", ErrNotFound)
	}
	delete(m.ignored[ownerID], key)
	return nil
}

func (m *MemoryStore) hasGlobalID(id uuid.UUID) bool {
	for _, r := range m.global {
		if r.ID == id {
			return true
		}
	}
	return false
}

func cloneRule(r MappingRule) MappingRule {
	r.Category = cloneStr(r.Category)
	return r
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func sortRules(rules []MappingRule) {
	slices.SortFunc(rules, func(a, b MappingRule) int {
		return strings.Compare(a.OriginalName, b.OriginalName)
	})
}
