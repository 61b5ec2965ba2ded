package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", "v1"))
	require.NoError(t, s.Set(ctx, "k", "v2"))

	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)

	require.NoError(t, s.Delete(ctx, "k"))
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Delete(ctx, "never-set"))
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	exerciseStore(t, m)
	assert.Equal(t, 0, m.Len())
}

func TestSQLite_InMemory(t *testing.T) {
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "widget", "cache.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "chat_cache_2_anon_x", `{"messages":[]}`))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	v, ok, err := s.Get(ctx, "chat_cache_2_anon_x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"messages":[]}`, v)
}

func TestSQLite_ClosedStore(t *testing.T) {
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, _, err = s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set(context.Background(), "k", "v"), ErrClosed)
}
