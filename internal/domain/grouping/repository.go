package grouping

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of *pgxpool.Pool used by the repository
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository is the PostgreSQL implementation of Store
type Repository struct {
	db DBTX
}

// NewRepository creates a new grouping repository
func NewRepository(db DBTX) *Repository {
	return &Repository{db: db}
}

const (
	personalColumns = `id, owner_id, original_name, mapped_name, category, auto_generated, created_at, updated_at`
	globalColumns   = `id, original_name, mapped_name, category, auto_generated, created_at, updated_at`
)

// ListPersonalRules fetches every personal rule of an account
func (r *Repository) ListPersonalRules(ctx context.Context, ownerID uuid.UUID) ([]MappingRule, error) {
	query := `
		SELECT ` + personalColumns + `
		FROM personal_mappings
		WHERE owner_id = $1
		ORDER BY original_name
	`

	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, classify("list personal rules", "", err)
	}
	defer rows.Close()

	var rules []MappingRule
	for rows.Next() {
		rule := MappingRule{Scope: Personal(ownerID)}
		var owner uuid.UUID
		if err := rows.Scan(
			&rule.ID,
			&owner,
			&rule.OriginalName,
			&rule.MappedName,
			&rule.Category,
			&rule.AutoGenerated,
			&rule.CreatedAt,
			&rule.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan personal rule: %w", err)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("list personal rules", "", err)
	}
	return rules, nil
}

// ListGlobalRules fetches every shared rule
func (r *Repository) ListGlobalRules(ctx context.Context) ([]MappingRule, error) {
	query := `
		SELECT ` + globalColumns + `
		FROM global_mappings
		ORDER BY original_name
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, classify("list global rules", "", err)
	}
	defer rows.Close()

	var rules []MappingRule
	for rows.Next() {
		rule := MappingRule{Scope: Global()}
		if err := rows.Scan(
			&rule.ID,
			&rule.OriginalName,
			&rule.MappedName,
			&rule.Category,
			&rule.AutoGenerated,
			&rule.CreatedAt,
			&rule.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan global rule: %w", err)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("list global rules", "", err)
	}
	return rules, nil
}

// ListCategoryOverrides fetches an account's local categories for global rules
func (r *Repository) ListCategoryOverrides(ctx context.Context, ownerID uuid.UUID) ([]CategoryOverride, error) {
	query := `
		SELECT id, owner_id, global_mapping_id, override_category, created_at, updated_at
		FROM category_overrides
		WHERE owner_id = $1
	`

	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, classify("list category overrides", "", err)
	}
	defer rows.Close()

	var overrides []CategoryOverride
	for rows.Next() {
		var o CategoryOverride
		if err := rows.Scan(&o.ID, &o.OwnerID, &o.GlobalMappingID, &o.Category, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan category override: %w", err)
		}
		overrides = append(overrides, o)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("list category overrides", "", err)
	}
	return overrides, nil
}

// ListIgnoredSuggestions fetches an account's rejected member sets
func (r *Repository) ListIgnoredSuggestions(ctx context.Context, ownerID uuid.UUID) ([]IgnoredSuggestion, error) {
	query := `
		SELECT id, owner_id, product_set, created_at
		FROM ignored_suggestions
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, classify("list ignored suggestions", "", err)
	}
	defer rows.Close()

	var ignored []IgnoredSuggestion
	for rows.Next() {
		var ig IgnoredSuggestion
		if err := rows.Scan(&ig.ID, &ig.OwnerID, &ig.Members, &ig.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ignored suggestion: %w", err)
		}
		ignored = append(ignored, ig)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("list ignored suggestions", "", err)
	}
	return ignored, nil
}

// InsertPersonalRule creates a personal rule
func (r *Repository) InsertPersonalRule(ctx context.Context, rule MappingRule) (MappingRule, error) {
	query := `
		INSERT INTO personal_mappings (owner_id, original_name, mapped_name, category, auto_generated)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`

	rule.Scope = Personal(rule.Scope.OwnerID)
	err := r.db.QueryRow(ctx, query,
		rule.Scope.OwnerID,
		rule.OriginalName,
		rule.MappedName,
		rule.Category,
		rule.AutoGenerated,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return MappingRule{}, classify("insert personal rule", rule.OriginalName, err)
	}
	return rule, nil
}

// UpsertPersonalRule creates or updates a personal rule on (owner, original_name)
func (r *Repository) UpsertPersonalRule(ctx context.Context, rule MappingRule) (MappingRule, error) {
	query := `
		INSERT INTO personal_mappings (owner_id, original_name, mapped_name, category, auto_generated)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_id, original_name) DO UPDATE SET
			mapped_name = EXCLUDED.mapped_name,
			category = EXCLUDED.category,
			auto_generated = EXCLUDED.auto_generated,
			updated_at = now()
		RETURNING id, created_at, updated_at
	`

	rule.Scope = Personal(rule.Scope.OwnerID)
	err := r.db.QueryRow(ctx, query,
		rule.Scope.OwnerID,
		rule.OriginalName,
		rule.MappedName,
		rule.Category,
		rule.AutoGenerated,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return MappingRule{}, classify("upsert personal rule", rule.OriginalName, err)
	}
	return rule, nil
}

// InsertGlobalRule creates a shared rule
func (r *Repository) InsertGlobalRule(ctx context.Context, rule MappingRule) (MappingRule, error) {
	query := `
		INSERT INTO global_mappings (original_name, mapped_name, category, auto_generated)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`

	rule.Scope = Global()
	err := r.db.QueryRow(ctx, query,
		rule.OriginalName,
		rule.MappedName,
		rule.Category,
		rule.AutoGenerated,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return MappingRule{}, classify("insert global rule", rule.OriginalName, err)
	}
	return rule, nil
}

// RenamePersonalGroup moves every personal rule of a group to a new mapped name
func (r *Repository) RenamePersonalGroup(ctx context.Context, ownerID uuid.UUID, from, to string) (int64, error) {
	query := `
		UPDATE personal_mappings
		SET mapped_name = $3, updated_at = now()
		WHERE owner_id = $1 AND mapped_name = $2
	`

	result, err := r.db.Exec(ctx, query, ownerID, from, to)
	if err != nil {
		return 0, classify("rename personal group", from, err)
	}
	return result.RowsAffected(), nil
}

// RenameGlobalGroup moves every shared rule of a group to a new mapped name
func (r *Repository) RenameGlobalGroup(ctx context.Context, from, to string) (int64, error) {
	query := `
		UPDATE global_mappings
		SET mapped_name = $2, updated_at = now()
		WHERE mapped_name = $1
	`

	result, err := r.db.Exec(ctx, query, from, to)
	if err != nil {
		return 0, classify("rename global group", from, err)
	}
	return result.RowsAffected(), nil
}

// SetPersonalCategory updates the category of the given personal rules
func (r *Repository) SetPersonalCategory(ctx context.Context, ownerID uuid.UUID, ruleIDs []uuid.UUID, category *string) (int64, error) {
	query := `
		UPDATE personal_mappings
		SET category = $3, updated_at = now()
		WHERE owner_id = $1 AND id = ANY($2::uuid[])
	`

	result, err := r.db.Exec(ctx, query, ownerID, uuidStrings(ruleIDs), category)
	if err != nil {
		return 0, classify("set personal category", "", err)
	}
	return result.RowsAffected(), nil
}

// SetGlobalCategory updates the category of the given shared rules
func (r *Repository) SetGlobalCategory(ctx context.Context, ruleIDs []uuid.UUID, category *string) (int64, error) {
	query := `
		UPDATE global_mappings
		SET category = $2, updated_at = now()
		WHERE id = ANY($1::uuid[])
	`

	result, err := r.db.Exec(ctx, query, uuidStrings(ruleIDs), category)
	if err != nil {
		return 0, classify("set global category", "", err)
	}
	return result.RowsAffected(), nil
}

// DetachPersonalRule keeps the row but clears its mapped name
func (r *Repository) DetachPersonalRule(ctx context.Context, ownerID, ruleID uuid.UUID) error {
	query := `
		UPDATE personal_mappings
		SET mapped_name = '', updated_at = now()
		WHERE id = $1 AND owner_id = $2
	`

	result, err := r.db.Exec(ctx, query, ruleID, ownerID)
	if err != nil {
		return classify("detach personal rule", ruleID.String(), err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("personal rule %s: %w", ruleID, ErrNotFound)
	}
	return nil
}

// DeletePersonalRule removes a personal rule
func (r *Repository) DeletePersonalRule(ctx context.Context, ownerID, ruleID uuid.UUID) error {
	query := `DELETE FROM personal_mappings WHERE id = $1 AND owner_id = $2`

	result, err := r.db.Exec(ctx, query, ruleID, ownerID)
	if err != nil {
		return classify("delete personal rule", ruleID.String(), err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("personal rule %s: %w", ruleID, ErrNotFound)
	}
	return nil
}

// DeleteRedundantShadows removes auto-generated personal rules that repeat the global rule
func (r *Repository) DeleteRedundantShadows(ctx context.Context) (int64, error) {
	query := `
		DELETE FROM personal_mappings p
		USING global_mappings g
		WHERE p.original_name = g.original_name
		  AND p.auto_generated
		  AND p.mapped_name = g.mapped_name
		  AND p.category IS NOT DISTINCT FROM g.category
		  AND NOT EXISTS (
			SELECT 1 FROM category_overrides o
			WHERE o.owner_id = p.owner_id AND o.global_mapping_id = g.id
		  )
	`

	result, err := r.db.Exec(ctx, query)
	if err != nil {
		return 0, classify("delete redundant shadows", "", err)
	}
	return result.RowsAffected(), nil
}

// UpsertCategoryOverride sets an account's local category for a global rule
func (r *Repository) UpsertCategoryOverride(ctx context.Context, override CategoryOverride) (CategoryOverride, error) {
	query := `
		INSERT INTO category_overrides (owner_id, global_mapping_id, override_category)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, global_mapping_id) DO UPDATE SET
			override_category = EXCLUDED.override_category,
			updated_at = now()
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		override.OwnerID,
		override.GlobalMappingID,
		override.Category,
	).Scan(&override.ID, &override.CreatedAt, &override.UpdatedAt)
	if err != nil {
		return CategoryOverride{}, classify("upsert category override", override.GlobalMappingID.String(), err)
	}
	return override, nil
}

// DeleteCategoryOverride reverts a global rule to its shared category
func (r *Repository) DeleteCategoryOverride(ctx context.Context, ownerID, globalMappingID uuid.UUID) error {
	query := `DELETE FROM category_overrides WHERE owner_id = $1 AND global_mapping_id = $2`

	result, err := r.db.Exec(ctx, query, ownerID, globalMappingID)
	if err != nil {
		return classify("delete category override", globalMappingID.String(), err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("category override for %s: %w", globalMappingID, ErrNotFound)
	}
	return nil
}

// InsertIgnoredSuggestion persists a rejected member set
func (r *Repository) InsertIgnoredSuggestion(ctx context.Context, ignored IgnoredSuggestion) (IgnoredSuggestion, error) {
	query := `
		INSERT INTO ignored_suggestions (owner_id, product_set)
		VALUES ($1, $2)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query, ignored.OwnerID, ignored.Members).Scan(&ignored.ID, &ignored.CreatedAt)
	if err != nil {
		return IgnoredSuggestion{}, classify("insert ignored suggestion", SetKey(ignored.Members), err)
	}
	return ignored, nil
}

// DeleteIgnoredSuggestion forgets a rejected member set
func (r *Repository) DeleteIgnoredSuggestion(ctx context.Context, ownerID uuid.UUID, members []string) error {
	query := `DELETE FROM ignored_suggestions WHERE owner_id = $1 AND product_set = $2`

	result, err := r.db.Exec(ctx, query, ownerID, members)
	if err != nil {
		return classify("delete ignored suggestion", "", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("ignored suggestion: %w", ErrNotFound)
	}
	return nil
}

// classify maps driver errors onto the domain error kinds
func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return &ConflictError{Key: key, Err: err}
		case pgErr.Code == "42501":
			return &PermissionError{Op: op, Err: err}
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "53300", pgErr.Code == "57P01":
			return &TransientError{Op: op, Err: err}
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08":
			return &TransientError{Op: op, Err: err}
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) || errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Op: op, Err: err}
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return &TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
