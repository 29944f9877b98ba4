package grouping

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepository(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewRepository(mock), mock
}

func TestRepository_ListPersonalRules(t *testing.T) {
	repo, mock := newMockRepository(t)
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	id1, id2 := uuid.New(), uuid.New()
	mejeri := "mejeri"

	rows := pgxmock.NewRows([]string{"id", "owner_id", "original_name", "mapped_name", "category", "auto_generated", "created_at", "updated_at"}).
		AddRow(id1, testOwner, "Filmjölk", "", (*string)(nil), false, now, now).
		AddRow(id2, testOwner, "Mjölk 3%", "Mjölk", &mejeri, true, now, now)
	mock.ExpectQuery("FROM personal_mappings").WithArgs(testOwner).WillReturnRows(rows)

	rules, err := repo.ListPersonalRules(context.Background(), testOwner)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, id1, rules[0].ID)
	assert.True(t, rules[0].Detached())
	assert.Nil(t, rules[0].Category)
	assert.Equal(t, Personal(testOwner), rules[0].Scope)
	assert.Equal(t, "mejeri", *rules[1].Category)
	assert.True(t, rules[1].AutoGenerated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ListGlobalRulesScope(t *testing.T) {
	repo, mock := newMockRepository(t)
	now := time.Now()

	rows := pgxmock.NewRows([]string{"id", "original_name", "mapped_name", "category", "auto_generated", "created_at", "updated_at"}).
		AddRow(uuid.New(), "ARLA SMÖR", "Smör", (*string)(nil), false, now, now)
	mock.ExpectQuery("FROM global_mappings").WillReturnRows(rows)

	rules, err := repo.ListGlobalRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.True(t, rules[0].Scope.IsGlobal())
	assert.Equal(t, uuid.Nil, rules[0].Scope.OwnerID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_InsertPersonalRule(t *testing.T) {
	tests := []struct {
		name  string
		dbErr error
		check func(t *testing.T, err error)
	}{
		{
			name: "inserted",
			check: func(t *testing.T, err error) {
				assert.NoError(t, err)
			},
		},
		{
			name:  "unique violation is a conflict",
			dbErr: &pgconn.PgError{Code: "23505", ConstraintName: "personal_mappings_owner_id_original_name_key"},
			check: func(t *testing.T, err error) {
				assert.True(t, IsConflict(err))
				var cErr *ConflictError
				require.ErrorAs(t, err, &cErr)
				assert.Equal(t, "Kaffe", cErr.Key)
			},
		},
		{
			name:  "serialization failure is transient",
			dbErr: &pgconn.PgError{Code: "40001"},
			check: func(t *testing.T, err error) {
				assert.True(t, IsTransient(err))
			},
		},
		{
			name:  "connection exception is transient",
			dbErr: &pgconn.PgError{Code: "08006"},
			check: func(t *testing.T, err error) {
				assert.True(t, IsTransient(err))
			},
		},
		{
			name:  "deadline is transient",
			dbErr: context.DeadlineExceeded,
			check: func(t *testing.T, err error) {
				assert.True(t, IsTransient(err))
			},
		},
		{
			name:  "other errors are wrapped",
			dbErr: errors.New("boom"),
			check: func(t *testing.T, err error) {
				assert.ErrorContains(t, err, "insert personal rule: boom")
				assert.False(t, IsTransient(err))
				assert.False(t, IsConflict(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepository(t)
			now := time.Now()
			id := uuid.New()

			exp := mock.ExpectQuery("INSERT INTO personal_mappings").
				WithArgs(testOwner, "Kaffe", "Kaffe", pgxmock.AnyArg(), true)
			if tt.dbErr != nil {
				exp.WillReturnError(tt.dbErr)
			} else {
				exp.WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(id, now, now))
			}

			rule, err := repo.InsertPersonalRule(context.Background(), MappingRule{
				Scope:         Personal(testOwner),
				OriginalName:  "Kaffe",
				MappedName:    "Kaffe",
				AutoGenerated: true,
			})
			tt.check(t, err)
			if err == nil {
				assert.Equal(t, id, rule.ID)
				assert.True(t, rule.Scope.IsPersonal())
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRepository_RenameGroups(t *testing.T) {
	repo, mock := newMockRepository(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE personal_mappings").
		WithArgs(testOwner, "Smör", "Matfett").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec("UPDATE global_mappings").
		WithArgs("Smör", "Matfett").
		WillReturnError(&pgconn.PgError{Code: "42501", Message: "permission denied for table global_mappings"})

	n, err := repo.RenamePersonalGroup(ctx, testOwner, "Smör", "Matfett")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = repo.RenameGlobalGroup(ctx, "Smör", "Matfett")
	assert.True(t, IsPermission(err))
	assert.False(t, IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_SetCategoryByIDs(t *testing.T) {
	repo, mock := newMockRepository(t)
	ids := []uuid.UUID{uuid.New(), uuid.New()}
	category := "mejeri"

	mock.ExpectExec("UPDATE personal_mappings").
		WithArgs(testOwner, []string{ids[0].String(), ids[1].String()}, &category).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := repo.SetPersonalCategory(context.Background(), testOwner, ids, &category)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_DetachAndDelete(t *testing.T) {
	repo, mock := newMockRepository(t)
	ctx := context.Background()
	id := uuid.New()

	mock.ExpectExec("SET mapped_name = ''").WithArgs(id, testOwner).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("DELETE FROM personal_mappings").WithArgs(id, testOwner).WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, repo.DetachPersonalRule(ctx, testOwner, id))
	assert.ErrorIs(t, repo.DeletePersonalRule(ctx, testOwner, id), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_IgnoredSuggestions(t *testing.T) {
	repo, mock := newMockRepository(t)
	ctx := context.Background()
	members := []string{"Filmjölk", "filmjölk"}

	mock.ExpectQuery("INSERT INTO ignored_suggestions").
		WithArgs(testOwner, members).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectExec("DELETE FROM ignored_suggestions").
		WithArgs(testOwner, members).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	_, err := repo.InsertIgnoredSuggestion(ctx, IgnoredSuggestion{OwnerID: testOwner, Members: members})
	assert.True(t, IsConflict(err))

	ledger := NewIgnoreLedger(repo, testLogger())
	require.NoError(t, ledger.Restore(ctx, testOwner, []string{"filmjölk", "Filmjölk"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_UpsertCategoryOverride(t *testing.T) {
	repo, mock := newMockRepository(t)
	globalID := uuid.New()
	now := time.Now()

	mock.ExpectQuery("ON CONFLICT \\(owner_id, global_mapping_id\\) DO UPDATE").
		WithArgs(testOwner, globalID, "frukost").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(uuid.New(), now, now))

	o, err := repo.UpsertCategoryOverride(context.Background(), CategoryOverride{
		OwnerID: testOwner, GlobalMappingID: globalID, Category: "frukost",
	})
	require.NoError(t, err)
	assert.Equal(t, "frukost", o.Category)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_DeleteRedundantShadows(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectExec("DELETE FROM personal_mappings p").WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := repo.DeleteRedundantShadows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify("op", "", nil))
	assert.ErrorIs(t, classify("load", "", pgx.ErrNoRows), ErrNotFound)
	assert.True(t, IsTransient(classify("op", "", &pgconn.PgError{Code: "57P01"})))
	assert.False(t, IsTransient(classify("op", "", &pgconn.PgError{Code: "23503"})))
}
