package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryRepositoryCRUD(t *testing.T) {
	testRepository(t, NewMemoryRepository())
}

func TestBoltRepositoryCRUD(t *testing.T) {
	repo, err := NewBoltRepository(t.TempDir())
	require.NoError(t, err)
	defer repo.Close()
	testRepository(t, repo)
}

func testRepository(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := repo.GetByID(ctx, "ha_state", "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, repo.Upsert(ctx, "ha_state", Document{ID: "k1", Value: []byte("v1")}))
	doc, ok, err := repo.GetByID(ctx, "ha_state", "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), doc.Value)

	require.NoError(t, repo.BulkUpsert(ctx, "ha_state", []Document{
		{ID: "k2", Value: []byte("v2")},
		{ID: "k3", Value: []byte("v3")},
	}))

	docs, err := repo.Query(ctx, "ha_state", Filter{Prefix: "k"})
	require.NoError(t, err)
	require.Len(t, docs, 3)

	require.NoError(t, repo.Delete(ctx, "ha_state", "k1"))
	_, ok, err = repo.GetByID(ctx, "ha_state", "k1")
	require.NoError(t, err)
	require.False(t, ok)
}
