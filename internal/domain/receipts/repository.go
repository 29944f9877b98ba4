// Package receipts reads parsed receipt lines as purchase history for product grouping.
package receipts

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/grocery-tracker/internal/domain/grouping"
)

var tracer = otel.Tracer("grocery-tracker/receipts")

// Querier is the read subset of *pgxpool.Pool
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository reads the receipts tables. It never writes.
type Repository struct {
	db Querier
}

// NewRepository creates a new receipts repository
func NewRepository(db Querier) *Repository {
	return &Repository{db: db}
}

// ListPurchases returns every receipt line of an account, oldest first
func (r *Repository) ListPurchases(ctx context.Context, ownerID uuid.UUID) ([]grouping.RawProduct, error) {
	ctx, span := tracer.Start(ctx, "receipts.ListPurchases",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.system", "postgresql")),
	)
	defer span.End()

	query := `
		SELECT ri.name, r.id, ri.line_total_minor, ri.quantity::text, r.purchased_at, r.store_name, ri.category
		FROM receipt_items ri
		JOIN receipts r ON r.id = ri.receipt_id
		WHERE r.owner_id = $1
		ORDER BY r.purchased_at, r.id, ri.position
	`

	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipt items: %w", err)
	}
	defer rows.Close()

	var products []grouping.RawProduct
	for rows.Next() {
		var (
			p        grouping.RawProduct
			quantity string
		)
		if err := rows.Scan(
			&p.OriginalName,
			&p.ReceiptID,
			&p.LinePriceMinor,
			&quantity,
			&p.PurchasedAt,
			&p.StoreName,
			&p.Category,
		); err != nil {
			return nil, fmt.Errorf("failed to scan receipt item: %w", err)
		}
		q, err := decimal.NewFromString(quantity)
		if err != nil {
			return nil, fmt.Errorf("invalid quantity %q for %q: %w", quantity, p.OriginalName, err)
		}
		p.Quantity = q
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read receipt items: %w", err)
	}
	span.SetAttributes(attribute.Int("rows", len(products)))
	return products, nil
}
