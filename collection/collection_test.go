package collection

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luca-patrignani/code-votation/domain/code"
	"github.com/luca-patrignani/code-votation/storage"
)

var (
	session = code.Session{ID: "s1", Name: "Summer Fest"}
	vip     = code.Type{ID: "1", Name: "VIP"}
)

type failingStore struct {
	storage.Store
}

func (failingStore) Exists(context.Context, string) (bool, error) {
	return false, errors.New("disk on fire")
}

func TestCodeExistsPropagatesFailures(t *testing.T) {
	c := New(session, vip, failingStore{storage.NewMemoryStore()})
	_, err := c.CodeExists(context.Background(), "A1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestGetReturnsAbsentSnapshot(t *testing.T) {
	c := New(session, vip, storage.NewMemoryStore())
	got, err := c.Get(context.Background(), "ZZ")
	require.NoError(t, err)
	assert.False(t, got.Exists())
	assert.Equal(t, "ZZ", got.Code)
}

func TestSyncCollectionFiresAddHook(t *testing.T) {
	ctx := context.Background()
	upstream := storage.NewMemoryStore(
		code.Code{ID: "a1", Code: "A1", Type: "VIP"},
		code.Code{ID: "b2", Code: "B2", Type: "VIP", Validations: 1},
	)
	local := storage.NewMemoryStore(code.Code{ID: "a1", Code: "A1", Type: "VIP", Validations: 2})

	var added []string
	c := New(session, vip, local,
		WithUpstream(upstream),
		OnCodeAdded(func(c code.Code) { added = append(added, c.Code) }),
	)
	require.NoError(t, c.SyncCollection(ctx))

	assert.Equal(t, []string{"B2"}, added)
	n, err := c.GetCodeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, c.Validated())

	a1, err := c.Get(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, 2, a1.Validations, "local validations are never rolled back by a sync")
}

func TestApplyValidation(t *testing.T) {
	ctx := context.Background()
	var added []string
	c := New(session, vip, storage.NewMemoryStore(code.Code{ID: "a1", Code: "A1"}),
		OnCodeAdded(func(c code.Code) { added = append(added, c.Code) }))

	updated, err := c.ApplyValidation(ctx, code.Code{ID: "a1", Code: "A1"})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Validations)
	assert.Equal(t, 1, c.Validated())

	updated, err = c.ApplyValidation(ctx, code.Code{ID: "a1", Code: "A1"})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Validations)
	assert.Equal(t, 1, c.Validated())

	updated, err = c.ApplyValidation(ctx, code.Code{ID: "c3", Code: "C3"})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Validations)
	assert.Equal(t, []string{"C3"}, added)

	_, err = c.ApplyValidation(ctx, code.Absent("ZZ"))
	assert.Error(t, err)
}
