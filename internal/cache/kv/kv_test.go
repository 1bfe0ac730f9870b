package kv_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thebluefowl/leafcache/internal/cache"
	"github.com/thebluefowl/leafcache/internal/cache/cachetest"
	"github.com/thebluefowl/leafcache/internal/cache/kv"
	"github.com/thebluefowl/leafcache/internal/compress"
	"github.com/thebluefowl/leafcache/internal/image"
)

func TestConformanceInMemory(t *testing.T) {
	cachetest.Run(t, func(t *testing.T) cache.Backend {
		s, err := kv.New(kv.Opts{InMemory: true})
		require.NoError(t, err)
		return s
	})
}

func TestConformanceUncompressed(t *testing.T) {
	cachetest.Run(t, func(t *testing.T) cache.Backend {
		s, err := kv.New(kv.Opts{InMemory: true, Compress: compress.None})
		require.NoError(t, err)
		return s
	})
}

func TestReopenOnDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := kv.New(kv.Opts{Dir: dir})
	require.NoError(t, err)

	rec := cachetest.Record("img-1", "fern", false)
	rec.Payload = image.Encode("image/jpeg", []byte(strings.Repeat("leaf", 2048)))
	rec.Metadata.Size = int64(len(rec.Payload))
	require.NoError(t, s.Put(ctx, rec))
	require.NoError(t, s.Close())

	s, err = kv.New(kv.Opts{Dir: dir})
	require.NoError(t, err)
	defer s.Close()

	got, ok, err := s.Get(ctx, "img-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.Payload, got.Payload)
	assert.Equal(t, cache.KindKV, s.Kind())
}

func TestNewRequiresDir(t *testing.T) {
	_, err := kv.New(kv.Opts{})
	assert.Error(t, err)
}
