package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luca-patrignani/code-votation/domain/code"
)

func newSQLite(t *testing.T) *SQLStore {
	t.Helper()
	db, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db, "1")
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": newSQLite(t),
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "A1")
			require.ErrorIs(t, err, ErrNotFound)

			isNew, err := s.Put(ctx, code.Code{ID: "a1", Code: "A1", Name: "Ann", Type: "VIP"})
			require.NoError(t, err)
			assert.True(t, isNew)

			isNew, err = s.Put(ctx, code.Code{ID: "a1", Code: "A1", Name: "Anna", Type: "VIP"})
			require.NoError(t, err)
			assert.False(t, isNew)

			_, err = s.Put(ctx, code.Code{ID: "b2", Code: "B2", Type: "VIP"})
			require.NoError(t, err)

			ok, err := s.Exists(ctx, "A1")
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = s.Exists(ctx, "ZZ")
			require.NoError(t, err)
			assert.False(t, ok)

			got, err := s.Get(ctx, "A1")
			require.NoError(t, err)
			assert.Equal(t, code.Code{ID: "a1", Code: "A1", Name: "Anna", Type: "VIP"}, got)

			updated, err := s.IncrementValidations(ctx, "A1")
			require.NoError(t, err)
			assert.Equal(t, 1, updated.Validations)

			_, err = s.IncrementValidations(ctx, "ZZ")
			require.ErrorIs(t, err, ErrNotFound)

			n, err := s.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			n, err = s.ValidatedCount(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			all, err := s.All(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "A1", all[0].Code)
			assert.Equal(t, "B2", all[1].Code)
		})
	}
}

func TestSQLStoreIsScopedByType(t *testing.T) {
	ctx := context.Background()
	db, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	vip := NewSQLStore(db, "1")
	general := NewSQLStore(db, "2")
	_, err = vip.Put(ctx, code.Code{Code: "A1"})
	require.NoError(t, err)

	ok, err := general.Exists(ctx, "A1")
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := vip.Get(ctx, "A1")
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID, "an id is generated for new codes")

	require.NoError(t, CreateSchema(db))
}
