package grouping

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// Config tunes the grouping service
type Config struct {
	MaxCandidates     int
	Threshold         float64
	RunnerConcurrency int
	BulkConcurrency   int
}

// Service wires the resolver, suggestion runner, mutator and ignore ledger
// behind one API for the transport layer
type Service struct {
	store      Store
	resolver   *Resolver
	normalizer *Normalizer
	runner     *SuggestionRunner
	ledger     *IgnoreLedger
	mutator    *Mutator
	logger     *slog.Logger
	bulkLimit  int
}

// NewService creates a grouping service. metrics may be nil.
func NewService(store Store, purchases PurchaseSource, cfg Config, metrics *Metrics, logger *slog.Logger) *Service {
	normalizer := NewNormalizer()
	resolver := NewResolver(store, purchases, logger)
	ledger := NewIgnoreLedger(store, logger)
	gen := NewGenerator(GeneratorConfig{MaxCandidates: cfg.MaxCandidates, Threshold: cfg.Threshold}, normalizer)

	return &Service{
		store:      store,
		resolver:   resolver,
		normalizer: normalizer,
		runner:     NewSuggestionRunner(gen, cfg.RunnerConcurrency, metrics, logger),
		ledger:     ledger,
		mutator:    NewMutator(store, resolver, ledger, metrics, logger, cfg.BulkConcurrency),
		logger:     logger,
		bulkLimit:  cfg.BulkConcurrency,
	}
}

// View returns the current effective rules, groups and worklist
func (s *Service) View(ctx context.Context, ownerID uuid.UUID) (*View, error) {
	return s.resolver.Resolve(ctx, ownerID)
}

// Worklist returns the ungrouped products, optionally filtered by a fuzzy query
func (s *Service) Worklist(ctx context.Context, ownerID uuid.UUID, q string) ([]WorklistItem, error) {
	view, err := s.resolver.Resolve(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return FilterWorklist(view.Worklist, q), nil
}

// SearchGroups finds existing groups to assign a product to
func (s *Service) SearchGroups(ctx context.Context, ownerID uuid.UUID, q string, limit int) ([]GroupHit, error) {
	view, err := s.resolver.Resolve(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return SearchGroups(view, q, limit)
}

// Normalize returns the comparison key of a raw name for an account
func (s *Service) Normalize(ctx context.Context, ownerID uuid.UUID, raw string) (NormalizedName, error) {
	view, err := s.resolver.Resolve(ctx, ownerID)
	if err != nil {
		return NormalizedName{}, err
	}
	return s.normalizer.Normalize(raw, view), nil
}

// Suggestions recomputes merge suggestions from the current worklist and
// ignore ledger. ErrSuperseded means a newer request for the account won.
func (s *Service) Suggestions(ctx context.Context, ownerID uuid.UUID) ([]Suggestion, error) {
	return s.runner.RunWith(ctx, ownerID, func(ctx context.Context) (SuggestionInput, error) {
		view, err := s.resolver.Resolve(ctx, ownerID)
		if err != nil {
			return SuggestionInput{}, err
		}
		ignored, err := s.ledger.Load(ctx, ownerID)
		if err != nil {
			return SuggestionInput{}, err
		}
		return SuggestionInput{
			Unmapped: view.UnmappedNames(),
			Ignored:  ignored,
			Index:    view.PurchaseIndex(),
		}, nil
	})
}

func (s *Service) AcceptSuggestion(ctx context.Context, ownerID uuid.UUID, req AcceptRequest) (BulkResult, error) {
	return s.mutator.AcceptSuggestion(ctx, ownerID, req)
}

func (s *Service) AcceptSuggestions(ctx context.Context, ownerID uuid.UUID, reqs []AcceptRequest) (BulkResult, error) {
	if len(reqs) == 0 {
		return BulkResult{}, validationErr("suggestions", "at least one suggestion is required")
	}
	return s.mutator.AcceptSuggestions(ctx, ownerID, reqs)
}

func (s *Service) RejectSuggestion(ctx context.Context, ownerID uuid.UUID, members []string) error {
	return s.mutator.RejectSuggestion(ctx, ownerID, members)
}

// IgnoredSuggestions lists the rejected member sets of an account
func (s *Service) IgnoredSuggestions(ctx context.Context, ownerID uuid.UUID) ([]IgnoredSuggestion, error) {
	return s.ledger.List(ctx, ownerID)
}

// RestoreSuggestion forgets a rejection
func (s *Service) RestoreSuggestion(ctx context.Context, ownerID uuid.UUID, members []string) error {
	return s.ledger.Restore(ctx, ownerID, members)
}

func (s *Service) RenameGroup(ctx context.Context, actor Actor, oldName, newName string) (MutationResult, error) {
	return s.mutator.RenameGroup(ctx, actor, oldName, newName)
}

func (s *Service) MergeGroups(ctx context.Context, actor Actor, sources []string, target string) (MutationResult, error) {
	return s.mutator.MergeGroups(ctx, actor, sources, target)
}

func (s *Service) StandardizeCategory(ctx context.Context, actor Actor, group, category string) (MutationResult, error) {
	return s.mutator.StandardizeCategory(ctx, actor, group, category)
}

func (s *Service) RemoveFromGroup(ctx context.Context, ownerID uuid.UUID, originalName string) (MutationResult, error) {
	return s.mutator.RemoveFromGroup(ctx, ownerID, originalName)
}

func (s *Service) AssignToGroup(ctx context.Context, ownerID uuid.UUID, originalName, group string) (MutationResult, error) {
	return s.mutator.AssignToGroup(ctx, ownerID, originalName, group)
}

func (s *Service) SetCategoryOverride(ctx context.Context, ownerID, globalRuleID uuid.UUID, category string) (CategoryOverride, error) {
	return s.mutator.SetCategoryOverride(ctx, ownerID, globalRuleID, category)
}

func (s *Service) RevertCategoryOverride(ctx context.Context, ownerID, globalRuleID uuid.UUID) error {
	return s.mutator.RevertCategoryOverride(ctx, ownerID, globalRuleID)
}

func (s *Service) ForgetRules(ctx context.Context, ownerID uuid.UUID, ruleIDs []uuid.UUID) BulkResult {
	return s.mutator.ForgetRules(ctx, ownerID, ruleIDs)
}

// ImportGlobalRules seeds the shared table. Rows whose original name already
// exists are skipped.
func (s *Service) ImportGlobalRules(ctx context.Context, actor Actor, rules []MappingRule) (BulkResult, error) {
	if !actor.CanEditGlobal {
		return BulkResult{}, &PermissionError{Op: "import global rules"}
	}

	result := runBulk(ctx, s.bulkLimit, rules,
		func(r MappingRule) string { return r.OriginalName },
		func(ctx context.Context, r MappingRule) (bool, error) {
			if strings.TrimSpace(r.OriginalName) == "" {
				return false, validationErr("original_name", "original name is required")
			}
			_, err := s.store.InsertGlobalRule(ctx, r)
			if IsConflict(err) {
				return true, nil
			}
			if err != nil {
				return false, fmt.Errorf("failed to import %q: %w", r.OriginalName, err)
			}
			return false, nil
		},
	)

	s.logger.Warn("global rules imported",
		slog.Bool("shared", true),
		slog.String("owner_id", actor.OwnerID.String()),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", len(result.Failed)),
	)
	return result, nil
}

// CleanupRedundantShadows deletes auto-generated personal rules that repeat
// the global rule they shadow
func (s *Service) CleanupRedundantShadows(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteRedundantShadows(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to delete redundant shadows: %w", err)
	}
	s.logger.Info("redundant personal rules removed", slog.Int64("rows", n))
	return n, nil
}
