package grouping

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// memberSeparator joins canonical members into a set key. It cannot appear in
// product names scraped from receipts.
const memberSeparator = "\x1f"

// Canonicalize sorts and de-duplicates a member set so that membership
// comparison is order-independent. Blank members are dropped.
func Canonicalize(members []string) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if strings.TrimSpace(m) == "" {
			continue
		}
		out = append(out, m)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// SetKey returns the lookup key of a member set
func SetKey(members []string) string {
	return strings.Join(Canonicalize(members), memberSeparator)
}

// IgnoredSet answers "was this exact member set rejected"
type IgnoredSet map[string]struct{}

// NewIgnoredSet builds the set from persisted rejections
func NewIgnoredSet(ignored []IgnoredSuggestion) IgnoredSet {
	set := make(IgnoredSet, len(ignored))
	for _, ig := range ignored {
		set[SetKey(ig.Members)] = struct{}{}
	}
	return set
}

// Contains reports whether members, in any order, were rejected
func (s IgnoredSet) Contains(members []string) bool {
	if len(s) == 0 {
		return false
	}
	_, ok := s[SetKey(members)]
	return ok
}

// IgnoreLedger persists rejected suggestions
type IgnoreLedger struct {
	store  Store
	logger *slog.Logger
}

// NewIgnoreLedger creates a ledger over the given store
func NewIgnoreLedger(store Store, logger *slog.Logger) *IgnoreLedger {
	return &IgnoreLedger{store: store, logger: logger}
}

// Reject records a rejected member set. Rejecting the same set twice is a no-op.
func (l *IgnoreLedger) Reject(ctx context.Context, ownerID uuid.UUID, members []string) error {
	canonical := Canonicalize(members)
	if len(canonical) < 2 {
		return validationErr("members", "a suggestion needs at least two distinct products")
	}

	_, err := l.store.InsertIgnoredSuggestion(ctx, IgnoredSuggestion{
		OwnerID: ownerID,
		Members: canonical,
	})
	if IsConflict(err) {
		l.logger.Debug("suggestion already ignored",
			slog.String("owner_id", ownerID.String()),
			slog.Int("members", len(canonical)),
		)
		return nil
	}
	return err
}

// Load returns the ignored set for an account
func (l *IgnoreLedger) Load(ctx context.Context, ownerID uuid.UUID) (IgnoredSet, error) {
	ignored, err := l.store.ListIgnoredSuggestions(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return NewIgnoredSet(ignored), nil
}

// List returns the persisted rejections for an account
func (l *IgnoreLedger) List(ctx context.Context, ownerID uuid.UUID) ([]IgnoredSuggestion, error) {
	return l.store.ListIgnoredSuggestions(ctx, ownerID)
}

// Restore deletes a rejection so the member set may be suggested again
func (l *IgnoreLedger) Restore(ctx context.Context, ownerID uuid.UUID, members []string) error {
	canonical := Canonicalize(members)
	if len(canonical) == 0 {
		return validationErr("members", "members are required")
	}
	return l.store.DeleteIgnoredSuggestion(ctx, ownerID, canonical)
}
