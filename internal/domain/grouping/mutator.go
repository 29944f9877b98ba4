package grouping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Actor is the account issuing a mutation. CanEditGlobal marks accounts
// allowed to write shared rows.
type Actor struct {
	OwnerID       uuid.UUID
	CanEditGlobal bool
}

// ScopeOutcome reports the statement issued against one mapping table
type ScopeOutcome struct {
	Attempted    bool
	RowsAffected int64
	Err          error
}

// OK reports whether the statement ran and succeeded
func (o ScopeOutcome) OK() bool {
	return o.Attempted && o.Err == nil
}

// MutationResult is the per-scope outcome of one group operation. The two
// halves are independent: nothing is rolled back when one of them fails.
type MutationResult struct {
	Op       string
	Personal ScopeOutcome
	Global   ScopeOutcome
}

// Partial reports whether one scope was written and the other failed
func (r MutationResult) Partial() bool {
	failed := r.Personal.Err != nil || r.Global.Err != nil
	return failed && (r.Personal.OK() || r.Global.OK())
}

// Err joins the per-scope errors, nil when every attempted statement succeeded
func (r MutationResult) Err() error {
	return errors.Join(r.Personal.Err, r.Global.Err)
}

// ViewResolver derives an account's current view
type ViewResolver interface {
	Resolve(ctx context.Context, ownerID uuid.UUID) (*View, error)
}

// AcceptRequest accepts one suggestion, possibly with an edited name
type AcceptRequest struct {
	Members  []string `json:"members"`
	Name     string   `json:"name"`
	Category *string  `json:"category,omitempty"`
}

// Mutator executes group operations as independent row statements
type Mutator struct {
	store           Store
	views           ViewResolver
	ledger          *IgnoreLedger
	metrics         *Metrics
	logger          *slog.Logger
	bulkConcurrency int
}

// NewMutator creates a mutator
func NewMutator(store Store, views ViewResolver, ledger *IgnoreLedger, metrics *Metrics, logger *slog.Logger, bulkConcurrency int) *Mutator {
	return &Mutator{
		store:           store,
		views:           views,
		ledger:          ledger,
		metrics:         metrics,
		logger:          logger,
		bulkConcurrency: bulkConcurrency,
	}
}

type acceptItem struct {
	member   string
	name     string
	category *string
	detached bool
}

// AcceptSuggestion writes one personal rule per member. Members already
// grouped by a concurrent request count as skipped.
func (m *Mutator) AcceptSuggestion(ctx context.Context, ownerID uuid.UUID, req AcceptRequest) (BulkResult, error) {
	ctx, span := tracer.Start(ctx, "grouping.AcceptSuggestion")
	defer span.End()

	view, err := m.views.Resolve(ctx, ownerID)
	if err != nil {
		return BulkResult{}, err
	}
	items, err := planAccept(view, req)
	if err != nil {
		return BulkResult{}, err
	}

	result := m.writeAccepted(ctx, ownerID, items)
	span.SetAttributes(attribute.Int("succeeded", result.Succeeded), attribute.Int("failed", len(result.Failed)))
	m.logger.Info("suggestion accepted",
		slog.String("owner_id", ownerID.String()),
		slog.String("group", items[0].name),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", len(result.Failed)),
	)
	return result, nil
}

// AcceptSuggestions applies several accepted suggestions against one view.
// A request that fails validation is reported per member and does not stop the others.
func (m *Mutator) AcceptSuggestions(ctx context.Context, ownerID uuid.UUID, reqs []AcceptRequest) (BulkResult, error) {
	ctx, span := tracer.Start(ctx, "grouping.AcceptSuggestions")
	defer span.End()

	view, err := m.views.Resolve(ctx, ownerID)
	if err != nil {
		return BulkResult{}, err
	}

	var (
		result BulkResult
		items  []acceptItem
	)
	for _, req := range reqs {
		planned, err := planAccept(view, req)
		if err != nil {
			for _, member := range req.Members {
				result.fail(member, err)
			}
			continue
		}
		items = append(items, planned...)
	}

	result.Merge(m.writeAccepted(ctx, ownerID, items))
	m.logger.Info("suggestions accepted",
		slog.String("owner_id", ownerID.String()),
		slog.Int("suggestions", len(reqs)),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", len(result.Failed)),
	)
	return result, nil
}

// planAccept validates a request and resolves the category for its members:
// the explicit choice, else the one category their purchases agree on, else none.
func planAccept(view *View, req AcceptRequest) ([]acceptItem, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, validationErr("name", "group name is required")
	}

	members := distinctNonBlank(req.Members)
	if len(members) == 0 {
		return nil, validationErr("members", "at least one product is required")
	}

	var category *string
	switch {
	case req.Category != nil && strings.TrimSpace(*req.Category) != "":
		category = strPtr(strings.TrimSpace(*req.Category))
	default:
		observed := view.PurchaseIndex().CategoriesOf(members)
		if len(observed) > 1 {
			return nil, validationErr("category", fmt.Sprintf("products disagree on category (%s); choose one", strings.Join(observed, ", ")))
		}
		if len(observed) == 1 {
			category = strPtr(observed[0])
		}
	}

	items := make([]acceptItem, 0, len(members))
	for _, member := range members {
		eff, ok := view.Lookup(member)
		items = append(items, acceptItem{
			member:   member,
			name:     name,
			category: category,
			detached: ok && eff.Rule.Scope.IsPersonal() && eff.Rule.Detached(),
		})
	}
	return items, nil
}

func (m *Mutator) writeAccepted(ctx context.Context, ownerID uuid.UUID, items []acceptItem) BulkResult {
	return runBulk(ctx, m.bulkConcurrency, items,
		func(it acceptItem) string { return it.member },
		func(ctx context.Context, it acceptItem) (bool, error) {
			rule := MappingRule{
				Scope:         Personal(ownerID),
				OriginalName:  it.member,
				MappedName:    it.name,
				Category:      it.category,
				AutoGenerated: true,
			}
			if it.detached {
				_, err := m.store.UpsertPersonalRule(ctx, rule)
				m.metrics.mutation("accept", ScopePersonal, err)
				return false, err
			}
			_, err := m.store.InsertPersonalRule(ctx, rule)
			m.metrics.mutation("accept", ScopePersonal, err)
			if IsConflict(err) {
				return true, nil
			}
			return false, err
		},
	)
}

// RejectSuggestion remembers a member set so it is not suggested again
func (m *Mutator) RejectSuggestion(ctx context.Context, ownerID uuid.UUID, members []string) error {
	if err := m.ledger.Reject(ctx, ownerID, members); err != nil {
		return err
	}
	m.logger.Info("suggestion rejected",
		slog.String("owner_id", ownerID.String()),
		slog.Int("members", len(members)),
	)
	return nil
}

// RenameGroup renames a group. The personal and the global statement succeed
// or fail independently.
func (m *Mutator) RenameGroup(ctx context.Context, actor Actor, oldName, newName string) (MutationResult, error) {
	ctx, span := tracer.Start(ctx, "grouping.RenameGroup")
	defer span.End()

	result := MutationResult{Op: "rename"}
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return result, validationErr("name", "new group name is required")
	}
	if newName == oldName {
		return result, validationErr("name", "new group name must differ from the current one")
	}

	group, err := m.group(ctx, actor.OwnerID, oldName)
	if err != nil {
		return result, err
	}

	if group.HasPersonal {
		n, err := m.store.RenamePersonalGroup(ctx, actor.OwnerID, oldName, newName)
		result.Personal = ScopeOutcome{Attempted: true, RowsAffected: n, Err: err}
		m.metrics.mutation(result.Op, ScopePersonal, err)
	}

	if group.HasGlobal {
		result.Global = m.writeGlobal(ctx, actor, result.Op, func(ctx context.Context) (int64, error) {
			return m.store.RenameGlobalGroup(ctx, oldName, newName)
		}, slog.String("from", oldName), slog.String("to", newName))
	}

	m.logResult(actor, result, slog.String("from", oldName), slog.String("to", newName))
	return result, nil
}

// MergeGroups moves every personal member of each source group into target.
// Sources with any global member are rejected before anything is written.
func (m *Mutator) MergeGroups(ctx context.Context, actor Actor, sources []string, target string) (MutationResult, error) {
	ctx, span := tracer.Start(ctx, "grouping.MergeGroups")
	defer span.End()

	result := MutationResult{Op: "merge"}
	target = strings.TrimSpace(target)
	if target == "" {
		return result, validationErr("target", "target group name is required")
	}

	var names []string
	for _, src := range distinctNonBlank(sources) {
		if src != target {
			names = append(names, src)
		}
	}
	if len(names) == 0 {
		return result, validationErr("sources", "at least one source group other than the target is required")
	}

	view, err := m.views.Resolve(ctx, actor.OwnerID)
	if err != nil {
		return result, err
	}
	for _, src := range names {
		group, ok := view.Group(src)
		if !ok {
			return result, fmt.Errorf("group %q: %w", src, ErrNotFound)
		}
		if group.HasGlobal {
			return result, validationErr("sources", fmt.Sprintf("group %q contains shared products and cannot be merged", src))
		}
	}

	result.Personal.Attempted = true
	var errs []error
	for _, src := range names {
		n, err := m.store.RenamePersonalGroup(ctx, actor.OwnerID, src, target)
		m.metrics.mutation(result.Op, ScopePersonal, err)
		result.Personal.RowsAffected += n
		if err != nil {
			errs = append(errs, fmt.Errorf("merge %q: %w", src, err))
		}
	}
	result.Personal.Err = errors.Join(errs...)

	m.logResult(actor, result, slog.Any("sources", names), slog.String("target", target))
	return result, nil
}

// StandardizeCategory sets one category on every member of a group, with one
// statement per scope
func (m *Mutator) StandardizeCategory(ctx context.Context, actor Actor, groupName, category string) (MutationResult, error) {
	ctx, span := tracer.Start(ctx, "grouping.StandardizeCategory")
	defer span.End()

	result := MutationResult{Op: "standardize_category"}
	category = strings.TrimSpace(category)
	if category == "" {
		return result, validationErr("category", "category is required")
	}

	group, err := m.group(ctx, actor.OwnerID, groupName)
	if err != nil {
		return result, err
	}

	var personalIDs, globalIDs []uuid.UUID
	for _, member := range group.Members {
		if member.Rule.Scope.IsGlobal() {
			globalIDs = append(globalIDs, member.Rule.ID)
		} else {
			personalIDs = append(personalIDs, member.Rule.ID)
		}
	}

	if len(personalIDs) > 0 {
		n, err := m.store.SetPersonalCategory(ctx, actor.OwnerID, personalIDs, &category)
		result.Personal = ScopeOutcome{Attempted: true, RowsAffected: n, Err: err}
		m.metrics.mutation(result.Op, ScopePersonal, err)
	}
	if len(globalIDs) > 0 {
		result.Global = m.writeGlobal(ctx, actor, result.Op, func(ctx context.Context) (int64, error) {
			return m.store.SetGlobalCategory(ctx, globalIDs, &category)
		}, slog.String("group", groupName), slog.String("category", category))
	}

	m.logResult(actor, result, slog.String("group", groupName), slog.String("category", category))
	return result, nil
}

// RemoveFromGroup detaches a product from its group. A global rule is never
// modified; the product is shadowed by an empty personal rule instead.
func (m *Mutator) RemoveFromGroup(ctx context.Context, ownerID uuid.UUID, originalName string) (MutationResult, error) {
	ctx, span := tracer.Start(ctx, "grouping.RemoveFromGroup")
	defer span.End()

	result := MutationResult{Op: "remove"}
	view, err := m.views.Resolve(ctx, ownerID)
	if err != nil {
		return result, err
	}
	eff, ok := view.Lookup(originalName)
	if !ok || eff.Rule.Detached() {
		return result, validationErr("original_name", fmt.Sprintf("%q is not in a group", originalName))
	}

	result.Personal.Attempted = true
	if eff.Rule.Scope.IsPersonal() {
		err = m.store.DetachPersonalRule(ctx, ownerID, eff.Rule.ID)
		if err == nil {
			result.Personal.RowsAffected = 1
		}
	} else {
		_, err = m.store.InsertPersonalRule(ctx, MappingRule{
			Scope:        Personal(ownerID),
			OriginalName: originalName,
		})
		switch {
		case err == nil:
			result.Personal.RowsAffected = 1
		case IsConflict(err):
			err = nil
		}
	}
	result.Personal.Err = err
	m.metrics.mutation(result.Op, ScopePersonal, err)

	m.logResult(Actor{OwnerID: ownerID}, result,
		slog.String("original_name", originalName),
		slog.String("source_scope", eff.Rule.Scope.Kind.String()),
	)
	return result, nil
}

// AssignToGroup places a product in an existing group. Unmapped products get a
// new personal rule; any existing rule is updated in place on (owner, original_name).
func (m *Mutator) AssignToGroup(ctx context.Context, ownerID uuid.UUID, originalName, groupName string) (MutationResult, error) {
	ctx, span := tracer.Start(ctx, "grouping.AssignToGroup")
	defer span.End()

	result := MutationResult{Op: "assign"}
	if strings.TrimSpace(originalName) == "" {
		return result, validationErr("original_name", "product name is required")
	}
	groupName = strings.TrimSpace(groupName)
	if groupName == "" {
		return result, validationErr("group", "group name is required")
	}

	view, err := m.views.Resolve(ctx, ownerID)
	if err != nil {
		return result, err
	}
	group, ok := view.Group(groupName)
	if !ok {
		return result, fmt.Errorf("group %q: %w", groupName, ErrNotFound)
	}

	rule := MappingRule{
		Scope:        Personal(ownerID),
		OriginalName: originalName,
		MappedName:   groupName,
		Category:     cloneStr(group.Category),
	}

	result.Personal.Attempted = true
	if _, exists := view.Lookup(originalName); exists {
		_, err = m.store.UpsertPersonalRule(ctx, rule)
	} else {
		_, err = m.store.InsertPersonalRule(ctx, rule)
		if IsConflict(err) {
			err = nil
		}
	}
	if err == nil {
		result.Personal.RowsAffected = 1
	}
	result.Personal.Err = err
	m.metrics.mutation(result.Op, ScopePersonal, err)

	m.logResult(Actor{OwnerID: ownerID}, result,
		slog.String("original_name", originalName),
		slog.String("group", groupName),
	)
	return result, nil
}

// SetCategoryOverride gives a global rule a local category for one account
func (m *Mutator) SetCategoryOverride(ctx context.Context, ownerID, globalRuleID uuid.UUID, category string) (CategoryOverride, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return CategoryOverride{}, validationErr("category", "category is required")
	}

	override, err := m.store.UpsertCategoryOverride(ctx, CategoryOverride{
		OwnerID:         ownerID,
		GlobalMappingID: globalRuleID,
		Category:        category,
	})
	m.metrics.mutation("override", ScopePersonal, err)
	if err != nil {
		return CategoryOverride{}, err
	}

	m.logger.Info("category override set",
		slog.String("owner_id", ownerID.String()),
		slog.String("global_rule_id", globalRuleID.String()),
		slog.String("category", category),
	)
	return override, nil
}

// RevertCategoryOverride restores the shared category of a global rule
func (m *Mutator) RevertCategoryOverride(ctx context.Context, ownerID, globalRuleID uuid.UUID) error {
	err := m.store.DeleteCategoryOverride(ctx, ownerID, globalRuleID)
	m.metrics.mutation("revert_override", ScopePersonal, err)
	return err
}

// ForgetRules deletes personal rules; each delete is an independent request
func (m *Mutator) ForgetRules(ctx context.Context, ownerID uuid.UUID, ruleIDs []uuid.UUID) BulkResult {
	result := runBulk(ctx, m.bulkConcurrency, ruleIDs,
		uuid.UUID.String,
		func(ctx context.Context, id uuid.UUID) (bool, error) {
			err := m.store.DeletePersonalRule(ctx, ownerID, id)
			m.metrics.mutation("forget", ScopePersonal, err)
			if errors.Is(err, ErrNotFound) {
				return true, nil
			}
			return false, err
		},
	)
	m.logger.Info("personal rules deleted",
		slog.String("owner_id", ownerID.String()),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", len(result.Failed)),
	)
	return result
}

// writeGlobal issues a shared-table statement for privileged actors and reports
// a permission failure for everyone else without touching the store
func (m *Mutator) writeGlobal(ctx context.Context, actor Actor, op string, write func(context.Context) (int64, error), attrs ...any) ScopeOutcome {
	if !actor.CanEditGlobal {
		err := &PermissionError{Op: op + " global rules"}
		m.metrics.mutation(op, ScopeGlobal, err)
		return ScopeOutcome{Attempted: true, Err: err}
	}

	n, err := write(ctx)
	m.metrics.mutation(op, ScopeGlobal, err)

	args := append([]any{
		slog.String("op", op),
		slog.String("owner_id", actor.OwnerID.String()),
		slog.Bool("shared", true),
		slog.Int64("rows", n),
	}, attrs...)
	if err != nil {
		args = append(args, slog.Any("error", err))
	}
	m.logger.Warn("shared mapping rules modified", args...)
	return ScopeOutcome{Attempted: true, RowsAffected: n, Err: err}
}

func (m *Mutator) group(ctx context.Context, ownerID uuid.UUID, name string) (Group, error) {
	view, err := m.views.Resolve(ctx, ownerID)
	if err != nil {
		return Group{}, err
	}
	group, ok := view.Group(name)
	if !ok {
		return Group{}, fmt.Errorf("group %q: %w", name, ErrNotFound)
	}
	return group, nil
}

func (m *Mutator) logResult(actor Actor, result MutationResult, attrs ...any) {
	args := append([]any{
		slog.String("op", result.Op),
		slog.String("owner_id", actor.OwnerID.String()),
		slog.Int64("personal_rows", result.Personal.RowsAffected),
		slog.Int64("global_rows", result.Global.RowsAffected),
	}, attrs...)

	if err := result.Err(); err != nil {
		args = append(args, slog.Bool("partial", result.Partial()), slog.Any("error", err))
		m.logger.Error("group mutation failed", args...)
		return
	}
	m.logger.Info("group mutation applied", args...)
}

func distinctNonBlank(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
