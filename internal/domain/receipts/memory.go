package receipts

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/grocery-tracker/internal/domain/grouping"
)

// LineRow is one receipt line of a purchases CSV file. purchased_at is RFC 3339,
// an empty quantity means 1 and an empty receipt_id gives the line its own receipt.
type LineRow struct {
	OwnerID        string `csv:"owner_id"`
	ReceiptID      string `csv:"receipt_id"`
	Name           string `csv:"name"`
	LineTotalMinor int64  `csv:"line_total_minor"`
	Quantity       string `csv:"quantity"`
	PurchasedAt    string `csv:"purchased_at"`
	StoreName      string `csv:"store_name"`
	Category       string `csv:"category"`
}

// MemorySource is an in-process purchase history for the memory store driver
type MemorySource struct {
	mu    sync.RWMutex
	lines map[uuid.UUID][]grouping.RawProduct
}

func NewMemorySource() *MemorySource {
	return &MemorySource{lines: make(map[uuid.UUID][]grouping.RawProduct)}
}

// Add appends purchases for an account
func (s *MemorySource) Add(ownerID uuid.UUID, products ...grouping.RawProduct) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[ownerID] = append(s.lines[ownerID], products...)
}

// LoadCSV adds every line of r and returns how many were read. Nothing is
// added when any line is invalid.
func (s *MemorySource) LoadCSV(r io.Reader) (int, error) {
	var rows []LineRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return 0, fmt.Errorf("failed to parse purchases CSV: %w", err)
	}

	parsed := make(map[uuid.UUID][]grouping.RawProduct)
	for i, row := range rows {
		owner, p, err := row.toProduct()
		if err != nil {
			return 0, fmt.Errorf("line %d: %w", i+2, err)
		}
		parsed[owner] = append(parsed[owner], p)
	}

	for owner, products := range parsed {
		s.Add(owner, products...)
	}
	return len(rows), nil
}

func (row LineRow) toProduct() (uuid.UUID, grouping.RawProduct, error) {
	owner, err := uuid.Parse(strings.TrimSpace(row.OwnerID))
	if err != nil {
		return uuid.Nil, grouping.RawProduct{}, fmt.Errorf("invalid owner_id %q: %w", row.OwnerID, err)
	}
	name := strings.TrimSpace(row.Name)
	if name == "" {
		return uuid.Nil, grouping.RawProduct{}, fmt.Errorf("name is required")
	}

	p := grouping.RawProduct{
		OriginalName:   name,
		ReceiptID:      uuid.New(),
		LinePriceMinor: row.LineTotalMinor,
		Quantity:       decimal.NewFromInt(1),
		StoreName:      strings.TrimSpace(row.StoreName),
	}
	if id := strings.TrimSpace(row.ReceiptID); id != "" {
		if p.ReceiptID, err = uuid.Parse(id); err != nil {
			return uuid.Nil, grouping.RawProduct{}, fmt.Errorf("invalid receipt_id %q: %w", id, err)
		}
	}
	if q := strings.TrimSpace(row.Quantity); q != "" {
		if p.Quantity, err = decimal.NewFromString(strings.ReplaceAll(q, ",", ".")); err != nil {
			return uuid.Nil, grouping.RawProduct{}, fmt.Errorf("invalid quantity %q: %w", q, err)
		}
	}
	if p.PurchasedAt, err = time.Parse(time.RFC3339, strings.TrimSpace(row.PurchasedAt)); err != nil {
		return uuid.Nil, grouping.RawProduct{}, fmt.Errorf("invalid purchased_at %q: %w", row.PurchasedAt, err)
	}
	if c := strings.TrimSpace(row.Category); c != "" {
		p.Category = &c
	}
	return owner, p, nil
}

func (s *MemorySource) ListPurchases(_ context.Context, ownerID uuid.UUID) ([]grouping.RawProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]grouping.RawProduct, len(s.lines[ownerID]))
	copy(out, s.lines[ownerID])
	return out, nil
}
