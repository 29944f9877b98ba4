package grouping

import (
	"context"

	"github.com/google/uuid"
)

// Store is the row-level persistence the grouping domain needs. Every method is
// one statement; nothing here is atomic across statements.
type Store interface {
	ListPersonalRules(ctx context.Context, ownerID uuid.UUID) ([]MappingRule, error)
	ListGlobalRules(ctx context.Context) ([]MappingRule, error)
	ListCategoryOverrides(ctx context.Context, ownerID uuid.UUID) ([]CategoryOverride, error)
	ListIgnoredSuggestions(ctx context.Context, ownerID uuid.UUID) ([]IgnoredSuggestion, error)

	// InsertPersonalRule fails with a ConflictError when (owner, original_name) exists
	InsertPersonalRule(ctx context.Context, rule MappingRule) (MappingRule, error)
	// UpsertPersonalRule inserts or updates on (owner, original_name)
	UpsertPersonalRule(ctx context.Context, rule MappingRule) (MappingRule, error)
	InsertGlobalRule(ctx context.Context, rule MappingRule) (MappingRule, error)

	RenamePersonalGroup(ctx context.Context, ownerID uuid.UUID, from, to string) (int64, error)
	RenameGlobalGroup(ctx context.Context, from, to string) (int64, error)
	SetPersonalCategory(ctx context.Context, ownerID uuid.UUID, ruleIDs []uuid.UUID, category *string) (int64, error)
	SetGlobalCategory(ctx context.Context, ruleIDs []uuid.UUID, category *string) (int64, error)
	DetachPersonalRule(ctx context.Context, ownerID, ruleID uuid.UUID) error
	DeletePersonalRule(ctx context.Context, ownerID, ruleID uuid.UUID) error
	// DeleteRedundantShadows removes auto-generated personal rules identical to
	// the global rule they shadow, where no category override is involved
	DeleteRedundantShadows(ctx context.Context) (int64, error)

	UpsertCategoryOverride(ctx context.Context, override CategoryOverride) (CategoryOverride, error)
	DeleteCategoryOverride(ctx context.Context, ownerID, globalMappingID uuid.UUID) error

	// InsertIgnoredSuggestion expects canonical members and fails with a ConflictError on duplicates
	InsertIgnoredSuggestion(ctx context.Context, ignored IgnoredSuggestion) (IgnoredSuggestion, error)
	DeleteIgnoredSuggestion(ctx context.Context, ownerID uuid.UUID, members []string) error
}

// PurchaseSource provides an account's purchase history. The receipt ingestion
// pipeline owns the data; this side only reads it.
type PurchaseSource interface {
	ListPurchases(ctx context.Context, ownerID uuid.UUID) ([]RawProduct, error)
}
