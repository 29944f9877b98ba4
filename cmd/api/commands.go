package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/FACorreiaa/grocery-tracker/internal/domain/grouping"
	"github.com/FACorreiaa/grocery-tracker/internal/domain/grouping/export"
	"github.com/FACorreiaa/grocery-tracker/pkg/interceptors"
)

// SeedGlobalRules loads shared rules from a CSV file with original_name,
// mapped_name and an optional category column. Existing names are skipped.
func SeedGlobalRules(ctx context.Context, d *Dependencies, path string) (grouping.BulkResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return grouping.BulkResult{}, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	rules, err := export.ParseSeedCSV(f)
	if err != nil {
		return grouping.BulkResult{}, err
	}

	admin := grouping.Actor{OwnerID: uuid.Nil, CanEditGlobal: true}
	result, err := d.GroupingService.ImportGlobalRules(ctx, admin, rules)
	if err != nil {
		return result, err
	}

	d.Logger.Info("global rules seeded",
		slog.String("file", path),
		slog.Int("rows", len(rules)),
		slog.Int("inserted", result.Succeeded),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", len(result.Failed)),
	)
	for _, failure := range result.Failed {
		d.Logger.Warn("seed row rejected", slog.String("item", failure.Item), slog.String("error", failure.Error))
	}
	return result, nil
}

// IssueToken mints an access token for local development and scripting
func IssueToken(tokens *interceptors.TokenManager, rawUserID string, admin bool) (string, error) {
	userID, err := uuid.Parse(rawUserID)
	if err != nil {
		return "", fmt.Errorf("invalid user id %q: %w", rawUserID, err)
	}
	role := ""
	if admin {
		role = interceptors.RoleAdmin
	}
	return tokens.Issue(userID, role)
}
