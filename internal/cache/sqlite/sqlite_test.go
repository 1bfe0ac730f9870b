package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thebluefowl/leafcache/internal/cache"
	"github.com/thebluefowl/leafcache/internal/cache/cachetest"
	"github.com/thebluefowl/leafcache/internal/cache/sqlite"
)

func newStore(t *testing.T) cache.Backend {
	t.Helper()
	s, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "images.db"))
	require.NoError(t, err)
	return s
}

func TestConformance(t *testing.T) {
	cachetest.Run(t, newStore)
}

func TestReopenKeepsRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "images.db")

	s, err := sqlite.New(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, cachetest.Record("img-1", "fern", true)))
	require.NoError(t, s.Close())

	// Migrations must be idempotent across restarts.
	s, err = sqlite.New(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	got, ok, err := s.Get(ctx, "img-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Metadata.CloudSynced)
	assert.Equal(t, "user-1/img-1.png", got.Metadata.RemoteURL)
	assert.Equal(t, cache.KindSQLite, s.Kind())
}

func TestNewFailsForMissingDirectory(t *testing.T) {
	_, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "missing", "dir", "images.db"))
	assert.Error(t, err)
}
