package grouping

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	testOwner = uuid.MustParse("7f1c5a0e-3b2d-4c8e-9a41-2d6f0b9e8c11")
	otherUser = uuid.MustParse("0b3e9d27-6a15-4f0c-8e2b-91c4d7a6f350")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePurchases is an in-memory PurchaseSource
type fakePurchases struct {
	mu       sync.Mutex
	products map[uuid.UUID][]RawProduct
}

func newFakePurchases() *fakePurchases {
	return &fakePurchases{products: make(map[uuid.UUID][]RawProduct)}
}

func (f *fakePurchases) add(owner uuid.UUID, name string, priceMinor int64, category string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := RawProduct{
		OriginalName:   name,
		ReceiptID:      uuid.New(),
		LinePriceMinor: priceMinor,
		Quantity:       decimal.NewFromInt(1),
		PurchasedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		StoreName:      "ICA Kvantum",
	}
	if category != "" {
		p.Category = &category
	}
	f.products[owner] = append(f.products[owner], p)
}

func (f *fakePurchases) ListPurchases(_ context.Context, owner uuid.UUID) ([]RawProduct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RawProduct(nil), f.products[owner]...), nil
}

type fixture struct {
	store     *MemoryStore
	purchases *fakePurchases
	resolver  *Resolver
	mutator   *Mutator
	service   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := NewMemoryStore()
	purchases := newFakePurchases()
	logger := testLogger()
	resolver := NewResolver(store, purchases, logger)

	return &fixture{
		store:     store,
		purchases: purchases,
		resolver:  resolver,
		mutator:   NewMutator(store, resolver, NewIgnoreLedger(store, logger), nil, logger, 4),
		service:   NewService(store, purchases, Config{}, nil, logger),
	}
}

func (f *fixture) view(t *testing.T, owner uuid.UUID) *View {
	t.Helper()
	v, err := f.resolver.Resolve(context.Background(), owner)
	require.NoError(t, err)
	return v
}

func (f *fixture) global(t *testing.T, original, mapped, category string) MappingRule {
	t.Helper()
	rule := MappingRule{OriginalName: original, MappedName: mapped}
	if category != "" {
		rule.Category = &category
	}
	r, err := f.store.InsertGlobalRule(context.Background(), rule)
	require.NoError(t, err)
	return r
}

func (f *fixture) personal(t *testing.T, owner uuid.UUID, original, mapped, category string) MappingRule {
	t.Helper()
	rule := MappingRule{Scope: Personal(owner), OriginalName: original, MappedName: mapped}
	if category != "" {
		rule.Category = &category
	}
	r, err := f.store.InsertPersonalRule(context.Background(), rule)
	require.NoError(t, err)
	return r
}

func worklistNames(v *View) []string {
	return v.UnmappedNames()
}
