// Package cachetest holds the behavior every cache.Backend must share.
package cachetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thebluefowl/leafcache/internal/cache"
	"github.com/thebluefowl/leafcache/internal/image"
)

// Factory returns a fresh, empty backend. The backend is closed by the suite.
type Factory func(t *testing.T) cache.Backend

// Record builds a valid record with the given id and plant association.
func Record(id, plantID string, synced bool) *image.Record {
	now := time.Now().UTC().Truncate(time.Microsecond)
	payload := image.Encode("image/png", []byte("png-bytes-"+id))
	rec := &image.Record{
		ID:      id,
		Payload: payload,
		Metadata: image.Metadata{
			Size:         int64(len(payload)),
			Created:      now,
			LastAccessed: now,
			PlantID:      plantID,
			MIMEType:     "image/png",
		},
	}
	if synced {
		rec.MarkSynced(fmt.Sprintf("user-1/%s.png", id))
	}
	return rec
}

// Run executes the conformance suite against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Run("PutGet", func(t *testing.T) {
		b := open(t, newBackend)
		ctx := context.Background()

		rec := Record("img-1", "plant-a", false)
		rec.Metadata.NoteID = "note-9"
		rec.Metadata.Width = 640
		rec.Metadata.Height = 480
		require.NoError(t, b.Put(ctx, rec))

		got, ok, err := b.Get(ctx, "img-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, rec.Payload, got.Payload)
		assert.Equal(t, rec.Metadata.Size, got.Metadata.Size)
		assert.True(t, rec.Metadata.Created.Equal(got.Metadata.Created), "created %v != %v", rec.Metadata.Created, got.Metadata.Created)
		assert.True(t, rec.Metadata.LastAccessed.Equal(got.Metadata.LastAccessed))
		assert.Equal(t, "plant-a", got.Metadata.PlantID)
		assert.Equal(t, "note-9", got.Metadata.NoteID)
		assert.Equal(t, "image/png", got.Metadata.MIMEType)
		assert.Equal(t, 640, got.Metadata.Width)
		assert.Equal(t, 480, got.Metadata.Height)
		assert.False(t, got.Metadata.CloudSynced)
		assert.Empty(t, got.Metadata.RemoteURL)
	})

	t.Run("GetMissing", func(t *testing.T) {
		b := open(t, newBackend)
		got, ok, err := b.Get(context.Background(), "nope")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, got)
	})

	t.Run("UpsertIdempotence", func(t *testing.T) {
		b := open(t, newBackend)
		ctx := context.Background()

		rec := Record("img-1", "plant-a", false)
		require.NoError(t, b.Put(ctx, rec))
		require.NoError(t, b.Put(ctx, rec))

		updated := rec.Clone()
		updated.MarkSynced("user-1/img-1.png")
		require.NoError(t, b.Put(ctx, updated))

		byPlant, err := b.GetAllByIndex(ctx, cache.IndexPlantID, "plant-a")
		require.NoError(t, err)
		assert.Len(t, byPlant, 1)

		synced, err := b.GetAllByIndex(ctx, cache.IndexCloudSynced, "true")
		require.NoError(t, err)
		assert.Len(t, synced, 1)

		unsynced, err := b.GetAllByIndex(ctx, cache.IndexCloudSynced, "false")
		require.NoError(t, err)
		assert.Empty(t, unsynced)

		st, err := b.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Count)
		assert.Equal(t, rec.Metadata.Size, st.TotalBytes)
		assert.Equal(t, 1, st.CloudSynced)
	})

	t.Run("RejectsInvalidRecord", func(t *testing.T) {
		b := open(t, newBackend)
		rec := Record("img-1", "", false)
		rec.Metadata.CloudSynced = true
		err := b.Put(context.Background(), rec)
		assert.ErrorIs(t, err, image.ErrInvalidRecord)
	})

	t.Run("Delete", func(t *testing.T) {
		b := open(t, newBackend)
		ctx := context.Background()

		require.NoError(t, b.Put(ctx, Record("img-1", "", false)))
		require.NoError(t, b.Delete(ctx, "img-1"))
		require.NoError(t, b.Delete(ctx, "img-1"), "deleting a missing id is a no-op")

		_, ok, err := b.Get(ctx, "img-1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("GetAllByIndex", func(t *testing.T) {
		b := open(t, newBackend)
		ctx := context.Background()

		require.NoError(t, b.Put(ctx, Record("a", "fern", false)))
		require.NoError(t, b.Put(ctx, Record("b", "fern", true)))
		require.NoError(t, b.Put(ctx, Record("c", "cactus", false)))
		require.NoError(t, b.Put(ctx, Record("d", "", false)))

		ferns, err := b.GetAllByIndex(ctx, cache.IndexPlantID, "fern")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, ids(ferns))

		unassigned, err := b.GetAllByIndex(ctx, cache.IndexPlantID, "")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"d"}, ids(unassigned))

		unsynced, err := b.GetAllByIndex(ctx, cache.IndexCloudSynced, cache.SyncedValue(false))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "c", "d"}, ids(unsynced))

		_, err = b.GetAllByIndex(ctx, "color", "green")
		assert.ErrorIs(t, err, cache.ErrInvalidIndex)

		_, err = b.GetAllByIndex(ctx, cache.IndexCloudSynced, "maybe")
		assert.ErrorIs(t, err, cache.ErrInvalidIndex)
	})

	t.Run("AllAndStats", func(t *testing.T) {
		b := open(t, newBackend)
		ctx := context.Background()

		st, err := b.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, cache.Stats{}, st)

		var total int64
		for i, synced := range []bool{true, false, true} {
			rec := Record(fmt.Sprintf("img-%d", i), "", synced)
			total += rec.Metadata.Size
			require.NoError(t, b.Put(ctx, rec))
		}

		all, err := b.All(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		st, err = b.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, cache.Stats{Count: 3, TotalBytes: total, CloudSynced: 2}, st)
	})

	t.Run("Tombstones", func(t *testing.T) {
		b := open(t, newBackend)
		ctx := context.Background()

		ok, err := b.HasTombstone(ctx, "b")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, b.Put(ctx, Record("live", "", false)))
		require.NoError(t, b.PutTombstone(ctx, cache.Tombstone{ID: "b", RemoteURL: "user-1/b.png"}))
		require.NoError(t, b.PutTombstone(ctx, cache.Tombstone{ID: "b"}))
		require.NoError(t, b.PutTombstone(ctx, cache.Tombstone{ID: "a"}))

		ok, err = b.HasTombstone(ctx, "b")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := b.Tombstones(ctx)
		require.NoError(t, err)
		assert.Equal(t, []cache.Tombstone{{ID: "a"}, {ID: "b", RemoteURL: "user-1/b.png"}}, got,
			"an empty remote url keeps the known one")

		// Tombstones are not records.
		all, err := b.All(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"live"}, ids(all))
		st, err := b.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Count)

		require.NoError(t, b.DeleteTombstone(ctx, "b"))
		require.NoError(t, b.DeleteTombstone(ctx, "b"))
		got, err = b.Tombstones(ctx)
		require.NoError(t, err)
		assert.Equal(t, []cache.Tombstone{{ID: "a"}}, got)
	})
}

func open(t *testing.T, newBackend Factory) cache.Backend {
	t.Helper()
	b := newBackend(t)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func ids(records []*image.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}
