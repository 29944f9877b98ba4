package grouping

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptSuggestion_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.purchases.add(testOwner, "ICA Mjölk 3%", 1450, "")
	f.purchases.add(testOwner, "Mjölk 3%", 1590, "")

	suggestions, err := f.service.Suggestions(ctx, testOwner)
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	s := suggestions[0]
	assert.Equal(t, "Mjölk 3%", s.TargetName)
	assert.Equal(t, 0.7, s.Confidence)

	category := "mejeri"
	result, err := f.mutator.AcceptSuggestion(ctx, testOwner, AcceptRequest{
		Members:  s.Members,
		Name:     s.TargetName,
		Category: &category,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Succeeded)
	assert.Empty(t, result.Failed)

	rules, err := f.store.ListPersonalRules(ctx, testOwner)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	for _, r := range rules {
		assert.Equal(t, "Mjölk 3%", r.MappedName)
		require.NotNil(t, r.Category)
		assert.Equal(t, "mejeri", *r.Category)
		assert.True(t, r.Scope.IsPersonal())
	}

	view := f.view(t, testOwner)
	assert.Empty(t, view.Worklist)
	group, ok := view.Group("Mjölk 3%")
	require.True(t, ok)
	assert.Equal(t, 2, group.MemberCount())
	assert.Equal(t, "mejeri", *group.Category)

	again, err := f.service.Suggestions(ctx, testOwner)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestAcceptSuggestion_Category(t *testing.T) {
	tests := []struct {
		name         string
		purchases    map[string]string
		explicit     *string
		wantCategory *string
		wantErr      bool
	}{
		{
			name:         "shared purchase category",
			purchases:    map[string]string{"Ost mild": "mejeri", "Ost mild skivad": "mejeri"},
			wantCategory: strPtr("mejeri"),
		},
		{
			name:      "disagreement without choice",
			purchases: map[string]string{"Ost mild": "mejeri", "Ost mild skivad": "chark"},
			wantErr:   true,
		},
		{
			name:         "explicit choice settles disagreement",
			purchases:    map[string]string{"Ost mild": "mejeri", "Ost mild skivad": "chark"},
			explicit:     strPtr("ost"),
			wantCategory: strPtr("ost"),
		},
		{
			name:      "no category anywhere",
			purchases: map[string]string{"Ost mild": "", "Ost mild skivad": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			for name, category := range tt.purchases {
				f.purchases.add(testOwner, name, 4500, category)
			}

			_, err := f.mutator.AcceptSuggestion(ctx, testOwner, AcceptRequest{
				Members:  []string{"Ost mild", "Ost mild skivad"},
				Name:     "Ost mild",
				Category: tt.explicit,
			})
			if tt.wantErr {
				var vErr *ValidationError
				require.ErrorAs(t, err, &vErr)
				assert.Equal(t, "category", vErr.Field)

				rules, _ := f.store.ListPersonalRules(ctx, testOwner)
				assert.Empty(t, rules, "nothing written")
				return
			}
			require.NoError(t, err)

			rules, err := f.store.ListPersonalRules(ctx, testOwner)
			require.NoError(t, err)
			require.Len(t, rules, 2)
			for _, r := range rules {
				assert.Equal(t, tt.wantCategory, r.Category)
			}
		})
	}
}

func TestAcceptSuggestion_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.mutator.AcceptSuggestion(context.Background(), testOwner, AcceptRequest{Members: []string{"a", "b"}, Name: "  "})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.mutator.AcceptSuggestion(context.Background(), testOwner, AcceptRequest{Members: []string{" "}, Name: "x"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAcceptSuggestion_DetachedMemberIsUpdatedInPlace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.personal(t, testOwner, "Filmjölk", "", "")

	result, err := f.mutator.AcceptSuggestion(ctx, testOwner, AcceptRequest{
		Members: []string{"Filmjölk", "filmjölk"},
		Name:    "Filmjölk",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Succeeded)

	rules, err := f.store.ListPersonalRules(ctx, testOwner)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	for _, r := range rules {
		assert.Equal(t, "Filmjölk", r.MappedName)
	}
}

// racingStore reports a uniqueness conflict for one name, as if a concurrent
// request inserted it first
type racingStore struct {
	*MemoryStore
	conflictOn string
}

func (s *racingStore) InsertPersonalRule(ctx context.Context, rule MappingRule) (MappingRule, error) {
	if rule.OriginalName == s.conflictOn {
		return MappingRule{}, &ConflictError{Key: rule.OriginalName}
	}
	return s.MemoryStore.InsertPersonalRule(ctx, rule)
}

func TestAcceptSuggestion_ConflictIsAlreadyHandled(t *testing.T) {
	store := &racingStore{MemoryStore: NewMemoryStore(), conflictOn: "Kaffe bryggmalet"}
	resolver := NewResolver(store, newFakePurchases(), testLogger())
	m := NewMutator(store, resolver, NewIgnoreLedger(store, testLogger()), nil, testLogger(), 2)

	result, err := m.AcceptSuggestion(context.Background(), testOwner, AcceptRequest{
		Members: []string{"Kaffe", "Kaffe bryggmalet"},
		Name:    "Kaffe",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, result.Failed)
}

func TestAcceptSuggestions_Bulk(t *testing.T) {
	f := newFixture(t)
	f.purchases.add(testOwner, "Ost mild", 4500, "mejeri")
	f.purchases.add(testOwner, "Ost mild skivad", 4500, "chark")

	result, err := f.service.AcceptSuggestions(context.Background(), testOwner, []AcceptRequest{
		{Members: []string{"Mjölk", "mjölk"}, Name: "Mjölk"},
		{Members: []string{"Ost mild", "Ost mild skivad"}, Name: "Ost"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Succeeded)
	require.Len(t, result.Failed, 2, "invalid request is reported per member")
	assert.Equal(t, "Ost mild", result.Failed[0].Item)
	assert.ErrorIs(t, result.Failed[0].Err(), ErrValidation)
	assert.False(t, result.Failed[0].Retryable)
	assert.True(t, result.Partial())
}

func TestRejectSuggestion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.purchases.add(testOwner, "Filmjölk", 1890, "")
	f.purchases.add(testOwner, "filmjölk", 1890, "")

	require.NoError(t, f.service.RejectSuggestion(ctx, testOwner, []string{"Filmjölk", "filmjölk"}))
	require.NoError(t, f.service.RejectSuggestion(ctx, testOwner, []string{"filmjölk", "Filmjölk"}), "duplicate is a no-op")

	ignored, err := f.service.IgnoredSuggestions(ctx, testOwner)
	require.NoError(t, err)
	require.Len(t, ignored, 1)
	assert.Equal(t, []string{"Filmjölk", "filmjölk"}, ignored[0].Members)

	suggestions, err := f.service.Suggestions(ctx, testOwner)
	require.NoError(t, err)
	assert.Empty(t, suggestions)

	other := newFixture(t)
	other.purchases.add(testOwner, "Filmjölk", 1890, "")
	other.purchases.add(testOwner, "Mjölk", 1590, "")
	require.NoError(t, other.service.RejectSuggestion(ctx, testOwner, []string{"Filmjölk", "filmjölk"}))
	unaffected, err := other.service.Suggestions(ctx, testOwner)
	require.NoError(t, err)
	assert.Len(t, unaffected, 1)

	require.NoError(t, f.service.RestoreSuggestion(ctx, testOwner, []string{"filmjölk", "Filmjölk"}))
	restored, err := f.service.Suggestions(ctx, testOwner)
	require.NoError(t, err)
	assert.Len(t, restored, 1)

	assert.ErrorIs(t, f.service.RejectSuggestion(ctx, testOwner, []string{"Filmjölk"}), ErrValidation)
}

// countingStore counts every write
type countingStore struct {
	*MemoryStore
	writes atomic.Int32
}

func (s *countingStore) RenamePersonalGroup(ctx context.Context, owner uuid.UUID, from, to string) (int64, error) {
	s.writes.Add(1)
	return s.MemoryStore.RenamePersonalGroup(ctx, owner, from, to)
}

func (s *countingStore) RenameGlobalGroup(ctx context.Context, from, to string) (int64, error) {
	s.writes.Add(1)
	return s.MemoryStore.RenameGlobalGroup(ctx, from, to)
}

func TestMergeGroups(t *testing.T) {
	setup := func(t *testing.T) (*countingStore, *Mutator, *Resolver) {
		store := &countingStore{MemoryStore: NewMemoryStore()}
		resolver := NewResolver(store, newFakePurchases(), testLogger())
		m := NewMutator(store, resolver, NewIgnoreLedger(store, testLogger()), nil, testLogger(), 2)

		ctx := context.Background()
		_, err := store.InsertPersonalRule(ctx, MappingRule{Scope: Personal(testOwner), OriginalName: "Mellanmjölk", MappedName: "Mjölk"})
		require.NoError(t, err)
		_, err = store.InsertPersonalRule(ctx, MappingRule{Scope: Personal(testOwner), OriginalName: "Lättmjölk", MappedName: "Lätt"})
		require.NoError(t, err)
		_, err = store.InsertPersonalRule(ctx, MappingRule{Scope: Personal(testOwner), OriginalName: "Standardmjölk", MappedName: "Standard"})
		require.NoError(t, err)
		_, err = store.InsertGlobalRule(ctx, MappingRule{OriginalName: "ARLA STANDARD", MappedName: "Standard"})
		require.NoError(t, err)
		return store, m, resolver
	}

	t.Run("personal sources move to target", func(t *testing.T) {
		store, m, resolver := setup(t)
		result, err := m.MergeGroups(context.Background(), Actor{OwnerID: testOwner}, []string{"Lätt", "Mjölk"}, "Mjölk")
		require.NoError(t, err)
		assert.NoError(t, result.Err())
		assert.Equal(t, int64(1), result.Personal.RowsAffected)
		assert.False(t, result.Global.Attempted)
		assert.Equal(t, int32(1), store.writes.Load(), "target is not its own source")

		view, err := resolver.Resolve(context.Background(), testOwner)
		require.NoError(t, err)
		milk, _ := view.Group("Mjölk")
		assert.Equal(t, 2, milk.MemberCount())
		_, ok := view.Group("Lätt")
		assert.False(t, ok)
	})

	t.Run("source with a global member fails before any write", func(t *testing.T) {
		store, m, resolver := setup(t)
		_, err := m.MergeGroups(context.Background(), Actor{OwnerID: testOwner, CanEditGlobal: true}, []string{"Lätt", "Standard"}, "Mjölk")

		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "sources", vErr.Field)
		assert.Zero(t, store.writes.Load())

		view, err := resolver.Resolve(context.Background(), testOwner)
		require.NoError(t, err)
		milk, _ := view.Group("Mjölk")
		assert.Equal(t, 1, milk.MemberCount())
		_, ok := view.Group("Lätt")
		assert.True(t, ok)
	})

	t.Run("unknown source", func(t *testing.T) {
		_, m, _ := setup(t)
		_, err := m.MergeGroups(context.Background(), Actor{OwnerID: testOwner}, []string{"Grädde"}, "Mjölk")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("validation", func(t *testing.T) {
		_, m, _ := setup(t)
		_, err := m.MergeGroups(context.Background(), Actor{OwnerID: testOwner}, []string{"Mjölk"}, "Mjölk")
		assert.ErrorIs(t, err, ErrValidation)
		_, err = m.MergeGroups(context.Background(), Actor{OwnerID: testOwner}, []string{"Lätt"}, " ")
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestRenameGroup(t *testing.T) {
	seed := func(t *testing.T) *fixture {
		f := newFixture(t)
		f.global(t, "ARLA SMÖR", "Smör", "mejeri")
		f.personal(t, testOwner, "Bregott", "Smör", "mejeri")
		return f
	}

	t.Run("global half denied by policy still renames personal half", func(t *testing.T) {
		f := seed(t)
		f.store.GlobalReadOnly = true

		result, err := f.mutator.RenameGroup(context.Background(), Actor{OwnerID: testOwner, CanEditGlobal: true}, "Smör", "Matfett")
		require.NoError(t, err)

		assert.True(t, result.Personal.OK())
		assert.Equal(t, int64(1), result.Personal.RowsAffected)
		assert.True(t, result.Global.Attempted)
		assert.True(t, IsPermission(result.Global.Err))
		assert.False(t, IsTransient(result.Global.Err))
		assert.True(t, result.Partial())
		assert.True(t, IsPermission(result.Err()))

		view := f.view(t, testOwner)
		fat, ok := view.Group("Matfett")
		require.True(t, ok)
		assert.Equal(t, 1, fat.MemberCount())
		butter, ok := view.Group("Smör")
		require.True(t, ok)
		assert.True(t, butter.FullyGlobal())
	})

	t.Run("unprivileged actor never writes global rows", func(t *testing.T) {
		f := seed(t)
		result, err := f.mutator.RenameGroup(context.Background(), Actor{OwnerID: testOwner}, "Smör", "Matfett")
		require.NoError(t, err)
		assert.True(t, result.Partial())
		assert.True(t, IsPermission(result.Global.Err))

		globals, _ := f.store.ListGlobalRules(context.Background())
		assert.Equal(t, "Smör", globals[0].MappedName)
	})

	t.Run("privileged actor renames both halves", func(t *testing.T) {
		f := seed(t)
		result, err := f.mutator.RenameGroup(context.Background(), Actor{OwnerID: testOwner, CanEditGlobal: true}, "Smör", "Matfett")
		require.NoError(t, err)
		assert.NoError(t, result.Err())
		assert.False(t, result.Partial())

		view := f.view(t, testOwner)
		fat, ok := view.Group("Matfett")
		require.True(t, ok)
		assert.Equal(t, 2, fat.MemberCount())
	})

	t.Run("validation", func(t *testing.T) {
		f := seed(t)
		_, err := f.mutator.RenameGroup(context.Background(), Actor{OwnerID: testOwner}, "Smör", "")
		assert.ErrorIs(t, err, ErrValidation)
		_, err = f.mutator.RenameGroup(context.Background(), Actor{OwnerID: testOwner}, "Smör", "Smör")
		assert.ErrorIs(t, err, ErrValidation)
		_, err = f.mutator.RenameGroup(context.Background(), Actor{OwnerID: testOwner}, "Ost", "Hårdost")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStandardizeCategory(t *testing.T) {
	f := newFixture(t)
	f.global(t, "ARLA SMÖR", "Smör", "mejeri")
	f.personal(t, testOwner, "Bregott", "Smör", "")
	f.store.GlobalReadOnly = true

	result, err := f.mutator.StandardizeCategory(context.Background(), Actor{OwnerID: testOwner, CanEditGlobal: true}, "Smör", "matfett")
	require.NoError(t, err)
	assert.True(t, result.Personal.OK())
	assert.Equal(t, int64(1), result.Personal.RowsAffected)
	assert.True(t, IsPermission(result.Global.Err))

	personal, _ := f.store.ListPersonalRules(context.Background(), testOwner)
	assert.Equal(t, "matfett", *personal[0].Category)
	global, _ := f.store.ListGlobalRules(context.Background())
	assert.Equal(t, "mejeri", *global[0].Category)

	_, err = f.mutator.StandardizeCategory(context.Background(), Actor{OwnerID: testOwner}, "Smör", " ")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRemoveFromGroup(t *testing.T) {
	t.Run("global backed product is shadowed, not modified", func(t *testing.T) {
		f := newFixture(t)
		f.global(t, "ARLA MJÖLK", "Mjölk", "mejeri")
		f.global(t, "ICA MJÖLK", "Mjölk", "mejeri")

		result, err := f.mutator.RemoveFromGroup(context.Background(), testOwner, "ARLA MJÖLK")
		require.NoError(t, err)
		assert.True(t, result.Personal.OK())
		assert.False(t, result.Global.Attempted)

		globals, _ := f.store.ListGlobalRules(context.Background())
		require.Len(t, globals, 2)
		for _, g := range globals {
			assert.Equal(t, "Mjölk", g.MappedName)
		}

		mine := f.view(t, testOwner)
		milk, _ := mine.Group("Mjölk")
		assert.Equal(t, 1, milk.MemberCount())
		require.Len(t, mine.Worklist, 1)
		assert.Equal(t, "ARLA MJÖLK", mine.Worklist[0].OriginalName)
		assert.Equal(t, StateDetached, mine.Worklist[0].State)

		theirs := f.view(t, otherUser)
		milk, _ = theirs.Group("Mjölk")
		assert.Equal(t, 2, milk.MemberCount())
		assert.Empty(t, theirs.Worklist)
	})

	t.Run("personal row keeps existing with empty name", func(t *testing.T) {
		f := newFixture(t)
		rule := f.personal(t, testOwner, "Bregott", "Smör", "mejeri")

		_, err := f.mutator.RemoveFromGroup(context.Background(), testOwner, "Bregott")
		require.NoError(t, err)

		rules, _ := f.store.ListPersonalRules(context.Background(), testOwner)
		require.Len(t, rules, 1)
		assert.Equal(t, rule.ID, rules[0].ID)
		assert.True(t, rules[0].Detached())
	})

	t.Run("not grouped", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.mutator.RemoveFromGroup(context.Background(), testOwner, "Kaffe")
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestAssignToGroup(t *testing.T) {
	t.Run("state machine through detach and reassign", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.global(t, "ARLA MJÖLK", "Mjölk", "mejeri")
		f.personal(t, testOwner, "Mellanmjölk", "Mjölk", "mejeri")
		f.purchases.add(testOwner, "Kvarg", 2990, "")

		eff, _ := f.view(t, testOwner).Lookup("ARLA MJÖLK")
		assert.Equal(t, StateGlobalGroup, eff.State())

		_, err := f.mutator.RemoveFromGroup(ctx, testOwner, "ARLA MJÖLK")
		require.NoError(t, err)
		eff, _ = f.view(t, testOwner).Lookup("ARLA MJÖLK")
		assert.Equal(t, StateDetached, eff.State())

		result, err := f.mutator.AssignToGroup(ctx, testOwner, "ARLA MJÖLK", "Mjölk")
		require.NoError(t, err)
		assert.True(t, result.Personal.OK())

		rules, _ := f.store.ListPersonalRules(ctx, testOwner)
		assert.Len(t, rules, 2, "shadow row updated in place")
		eff, _ = f.view(t, testOwner).Lookup("ARLA MJÖLK")
		assert.Equal(t, StateShadowedGlobalGroup, eff.State())

		_, err = f.mutator.AssignToGroup(ctx, testOwner, "Kvarg", "Mjölk")
		require.NoError(t, err)
		eff, ok := f.view(t, testOwner).Lookup("Kvarg")
		require.True(t, ok)
		assert.Equal(t, StatePersonalGroup, eff.State())
		assert.Equal(t, "mejeri", *eff.Category)
	})

	t.Run("unknown group", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.mutator.AssignToGroup(context.Background(), testOwner, "Kvarg", "Mjölk")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCategoryOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bread := f.global(t, "LANTBRÖD", "Bröd", "bageri")

	_, err := f.mutator.SetCategoryOverride(ctx, testOwner, bread.ID, "frukost")
	require.NoError(t, err)

	eff, _ := f.view(t, testOwner).Lookup("LANTBRÖD")
	assert.True(t, eff.OverrideActive)
	assert.Equal(t, "frukost", *eff.Category)

	theirs, _ := f.view(t, otherUser).Lookup("LANTBRÖD")
	assert.Equal(t, "bageri", *theirs.Category)

	require.NoError(t, f.mutator.RevertCategoryOverride(ctx, testOwner, bread.ID))
	eff, _ = f.view(t, testOwner).Lookup("LANTBRÖD")
	assert.False(t, eff.OverrideActive)
	assert.Equal(t, "bageri", *eff.Category)

	assert.ErrorIs(t, f.mutator.RevertCategoryOverride(ctx, testOwner, bread.ID), ErrNotFound)
	_, err = f.mutator.SetCategoryOverride(ctx, testOwner, bread.ID, "")
	assert.ErrorIs(t, err, ErrValidation)
}

// flakyStore fails deletes of one rule with a transient error
type flakyStore struct {
	*MemoryStore
	failID uuid.UUID
}

func (s *flakyStore) DeletePersonalRule(ctx context.Context, owner, id uuid.UUID) error {
	if id == s.failID {
		return &TransientError{Op: "delete personal rule", Err: errors.New("connection reset")}
	}
	return s.MemoryStore.DeletePersonalRule(ctx, owner, id)
}

func TestForgetRules(t *testing.T) {
	mem := NewMemoryStore()
	ctx := context.Background()
	var ids []uuid.UUID
	for _, name := range []string{"a", "b", "c"} {
		r, err := mem.InsertPersonalRule(ctx, MappingRule{Scope: Personal(testOwner), OriginalName: name, MappedName: "x"})
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}
	store := &flakyStore{MemoryStore: mem, failID: ids[2]}
	m := NewMutator(store, NewResolver(store, nil, testLogger()), NewIgnoreLedger(store, testLogger()), nil, testLogger(), 2)

	result := m.ForgetRules(ctx, testOwner, append(ids, uuid.New()))

	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Skipped, "missing row counts as already handled")
	require.Len(t, result.Failed, 1)
	assert.Equal(t, ids[2].String(), result.Failed[0].Item)
	assert.True(t, result.Failed[0].Retryable)

	rules, _ := mem.ListPersonalRules(ctx, testOwner)
	require.Len(t, rules, 1)
	assert.Equal(t, "c", rules[0].OriginalName)
}
