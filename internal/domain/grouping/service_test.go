package grouping

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_ImportGlobalRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.global(t, "ARLA MJÖLK", "Mjölk", "")

	_, err := f.service.ImportGlobalRules(ctx, Actor{OwnerID: testOwner}, []MappingRule{{OriginalName: "x", MappedName: "y"}})
	assert.True(t, IsPermission(err))

	admin := Actor{OwnerID: testOwner, CanEditGlobal: true}
	result, err := f.service.ImportGlobalRules(ctx, admin, []MappingRule{
		{OriginalName: "ARLA MJÖLK", MappedName: "Mjölk"},
		{OriginalName: "Bregott Normalsaltat", MappedName: "Bregott"},
		{OriginalName: "  ", MappedName: "Blank"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Skipped)
	require.Len(t, result.Failed, 1)
	assert.True(t, errors.Is(result.Failed[0].Err(), ErrValidation))
	assert.True(t, result.Partial())

	globals, err := f.store.ListGlobalRules(ctx)
	require.NoError(t, err)
	assert.Len(t, globals, 2)
}

func TestService_CleanupRedundantShadows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.global(t, "Zoégas Skånerost", "Kaffe", "")

	_, err := f.store.InsertPersonalRule(ctx, MappingRule{
		Scope: Personal(testOwner), OriginalName: "Zoégas Skånerost", MappedName: "Kaffe", AutoGenerated: true,
	})
	require.NoError(t, err)

	n, err := f.service.CleanupRedundantShadows(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// the shared rule still applies
	rule, ok := f.view(t, testOwner).Lookup("Zoégas Skånerost")
	require.True(t, ok)
	assert.True(t, rule.Rule.Scope.IsGlobal())

	n, err = f.service.CleanupRedundantShadows(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestService_IgnoreLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.service.RejectSuggestion(ctx, testOwner, []string{"Kaffe", "Kaffe", " "})
	assert.True(t, errors.Is(err, ErrValidation), "one distinct member is not a suggestion")

	// 1. Rejecting the same set in another order is a no-op
	require.NoError(t, f.service.RejectSuggestion(ctx, testOwner, []string{"Kaffe brygg", "Kaffe"}))
	require.NoError(t, f.service.RejectSuggestion(ctx, testOwner, []string{"Kaffe", "Kaffe brygg"}))

	ignored, err := f.service.IgnoredSuggestions(ctx, testOwner)
	require.NoError(t, err)
	require.Len(t, ignored, 1)
	assert.Equal(t, []string{"Kaffe", "Kaffe brygg"}, ignored[0].Members)

	others, err := f.service.IgnoredSuggestions(ctx, otherUser)
	require.NoError(t, err)
	assert.Empty(t, others)

	// 2. Restoring forgets the rejection once
	require.NoError(t, f.service.RestoreSuggestion(ctx, testOwner, []string{"Kaffe brygg", "Kaffe"}))
	err = f.service.RestoreSuggestion(ctx, testOwner, []string{"Kaffe brygg", "Kaffe"})
	assert.True(t, errors.Is(err, ErrNotFound))

	err = f.service.RestoreSuggestion(ctx, testOwner, nil)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestIgnoredSet_Contains(t *testing.T) {
	set := NewIgnoredSet([]IgnoredSuggestion{{Members: []string{"b", "a", "c"}}})

	assert.True(t, set.Contains([]string{"c", "b", "a"}))
	assert.True(t, set.Contains([]string{"a", "b", "c", "a"}))
	assert.False(t, set.Contains([]string{"a", "b"}))
	assert.False(t, IgnoredSet(nil).Contains([]string{"a", "b"}))
}

func TestService_AcceptSuggestionsRequiresItems(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.AcceptSuggestions(context.Background(), testOwner, nil)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestRunBulk_IsolatesFailures(t *testing.T) {
	boom := errors.New("boom")
	items := []string{"d", "skip", "b", "fail-z", "fail-a"}

	result := runBulk(context.Background(), 2, items,
		func(s string) string { return s },
		func(_ context.Context, s string) (bool, error) {
			switch {
			case s == "skip":
				return true, nil
			case len(s) > 5 && s[:5] == "fail-":
				return false, boom
			}
			return false, nil
		},
	)

	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Skipped)
	require.Len(t, result.Failed, 2)
	assert.Equal(t, "fail-a", result.Failed[0].Item)
	assert.Equal(t, "fail-z", result.Failed[1].Item)
	assert.Equal(t, "boom", result.Failed[0].Error)
}

// parkedIgnoreStore blocks the first ignored-set read after it has read the rows
type parkedIgnoreStore struct {
	*MemoryStore
	held    atomic.Bool
	parked  chan struct{}
	release chan struct{}
}

func (s *parkedIgnoreStore) ListIgnoredSuggestions(ctx context.Context, ownerID uuid.UUID) ([]IgnoredSuggestion, error) {
	ignored, err := s.MemoryStore.ListIgnoredSuggestions(ctx, ownerID)
	if s.held.CompareAndSwap(false, true) {
		close(s.parked)
		<-s.release
	}
	return ignored, err
}

func TestService_SuggestionsNeverReturnRunWithOutdatedIgnoreSet(t *testing.T) {
	store := &parkedIgnoreStore{
		MemoryStore: NewMemoryStore(),
		parked:      make(chan struct{}),
		release:     make(chan struct{}),
	}
	purchases := newFakePurchases()
	purchases.add(testOwner, "Filmjölk", 1690, "")
	purchases.add(testOwner, "filmjölk", 1690, "")
	svc := NewService(store, purchases, Config{}, nil, testLogger())
	ctx := context.Background()

	type outcome struct {
		suggestions []Suggestion
		err         error
	}

	// 1. The first request reads an empty ignore set and stalls
	older := make(chan outcome, 1)
	go func() {
		s, err := svc.Suggestions(ctx, testOwner)
		older <- outcome{s, err}
	}()
	select {
	case <-store.parked:
	case <-time.After(time.Second):
		t.Fatal("first request never read the ignore set")
	}

	// 2. The cluster is rejected and a newer request sees the rejection
	require.NoError(t, svc.RejectSuggestion(ctx, testOwner, []string{"Filmjölk", "filmjölk"}))
	fresh, err := svc.Suggestions(ctx, testOwner)
	require.NoError(t, err)
	assert.Empty(t, fresh)

	// 3. The stalled request resumes with its outdated ignore set
	close(store.release)
	stale := <-older
	assert.ErrorIs(t, stale.err, ErrSuperseded)
	assert.Empty(t, stale.suggestions)
}
