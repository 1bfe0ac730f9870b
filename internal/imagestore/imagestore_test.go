package imagestore

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebluefowl/leafcache/internal/auth"
	"github.com/thebluefowl/leafcache/internal/cache"
	"github.com/thebluefowl/leafcache/internal/cache/kv"
	"github.com/thebluefowl/leafcache/internal/cache/sqlite"
	"github.com/thebluefowl/leafcache/internal/cloudsync"
	"github.com/thebluefowl/leafcache/internal/eviction"
	"github.com/thebluefowl/leafcache/internal/image"
	"github.com/thebluefowl/leafcache/internal/registry"
	"github.com/thebluefowl/leafcache/internal/signer"
	"github.com/thebluefowl/leafcache/internal/storage/memstore"
)

var backends = map[string]func(t *testing.T) cache.Backend{
	"sqlite": func(t *testing.T) cache.Backend {
		b, err := sqlite.New(context.Background(), t.TempDir()+"/images.db")
		require.NoError(t, err)
		return b
	},
	"kv": func(t *testing.T) cache.Backend {
		b, err := kv.New(kv.Opts{InMemory: true})
		require.NoError(t, err)
		return b
	},
}

type harness struct {
	store   *Store
	backend cache.Backend
	remote  *memstore.Store
	engine  *cloudsync.Engine
	session *auth.Switchable
	clock   *time.Time

	mu       sync.Mutex
	degraded []Degradation
}

func (h *harness) degradations() []Degradation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Degradation(nil), h.degraded...)
}

func newHarness(t *testing.T, newBackend func(t *testing.T) cache.Backend, userID string) *harness {
	t.Helper()
	backend := newBackend(t)
	remote := memstore.New("plants")
	t.Cleanup(remote.Close)

	now := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	h := &harness{backend: backend, remote: remote, session: auth.NewSwitchable(userID), clock: &now}
	clock := func() time.Time { return *h.clock }

	broker := signer.New(remote, signer.Options{Clock: clock})
	engine := cloudsync.New(cloudsync.Options{
		Store:      remote,
		Backend:    backend,
		Session:    h.session,
		Broker:     broker,
		HTTPClient: remote.HTTPClient(),
		Logger:     zerolog.Nop(),
	})
	h.engine = engine
	s, err := New(Options{
		Backend:  backend,
		Registry: registry.New(backend, clock, zerolog.Nop()),
		Engine:   engine,
		Eviction: eviction.New(eviction.Options{Clock: clock}),
		Logger:   zerolog.Nop(),
		OnDegraded: func(d Degradation) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.degraded = append(h.degraded, d)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	h.store = s
	return h
}

func forEachBackend(t *testing.T, fn func(t *testing.T, newBackend func(t *testing.T) cache.Backend)) {
	for name, nb := range backends {
		t.Run(name, func(t *testing.T) { fn(t, nb) })
	}
}

func pngPayload(s string) string {
	return image.Encode("image/png", []byte(s))
}

func TestNewRequiresBackend(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestStoreOnlineUploads(t *testing.T) {
	forEachBackend(t, func(t *testing.T, nb func(t *testing.T) cache.Backend) {
		h := newHarness(t, nb, "user-1")
		ctx := context.Background()

		id, err := h.store.Store(ctx, pngPayload("leaf"), image.Associations{PlantID: "monstera"})
		require.NoError(t, err)

		rec, ok, err := h.backend.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, rec.Metadata.CloudSynced)
		assert.Equal(t, "user-1/"+id+".png", rec.Metadata.RemoteURL)
		assert.Equal(t, "monstera", rec.Metadata.PlantID)

		obj, ok := h.remote.Object(rec.Metadata.RemoteURL)
		require.True(t, ok)
		assert.Equal(t, []byte("leaf"), obj.Body)
		assert.Empty(t, h.degradations())
	})
}

func TestStoreInvalidPayload(t *testing.T) {
	h := newHarness(t, backends["kv"], "user-1")
	_, err := h.store.Store(context.Background(), "plain text", image.Associations{})
	assert.ErrorIs(t, err, image.ErrInvalidPayload)
	assert.Zero(t, h.remote.Calls().Total())
}

func TestStoreUploadFailureStillSucceeds(t *testing.T) {
	forEachBackend(t, func(t *testing.T, nb func(t *testing.T) cache.Backend) {
		h := newHarness(t, nb, "user-1")
		ctx := context.Background()
		h.remote.FailPuts(errors.New("503 slow down"))

		id, err := h.store.Store(ctx, pngPayload("fern"), image.Associations{})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		rec, ok, err := h.backend.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.False(t, rec.Metadata.CloudSynced)
		assert.Empty(t, rec.Metadata.RemoteURL)

		d := h.degradations()
		require.Len(t, d, 1)
		assert.Equal(t, OpUpload, d[0].Op)
		assert.Equal(t, id, d[0].ID)
		assert.ErrorIs(t, d[0].Err, cloudsync.ErrUpload)
	})
}

type fullBackend struct{ cache.Backend }

func (fullBackend) Put(context.Context, *image.Record) error { return errors.New("quota exceeded") }

func TestStoreLocalFailure(t *testing.T) {
	s, err := New(Options{Backend: fullBackend{backends["kv"](t)}})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Store(context.Background(), pngPayload("x"), image.Associations{})
	assert.ErrorIs(t, err, ErrStorageFull)
}

func TestUpsertIdempotence(t *testing.T) {
	forEachBackend(t, func(t *testing.T, nb func(t *testing.T) cache.Backend) {
		h := newHarness(t, nb, "")
		ctx := context.Background()

		id, err := h.store.Store(ctx, pngPayload("a"), image.Associations{})
		require.NoError(t, err)
		rec, _, err := h.backend.Get(ctx, id)
		require.NoError(t, err)

		require.NoError(t, h.backend.Put(ctx, rec))
		require.NoError(t, h.backend.Put(ctx, rec))

		st, err := h.store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.TotalImages)
	})
}

func TestGetLocalFirst(t *testing.T) {
	forEachBackend(t, func(t *testing.T, nb func(t *testing.T) cache.Backend) {
		h := newHarness(t, nb, "user-1")
		ctx := context.Background()

		id, err := h.store.Store(ctx, pngPayload("pothos"), image.Associations{})
		require.NoError(t, err)
		h.remote.ResetCalls()

		*h.clock = h.clock.Add(time.Hour)
		payload, ok, err := h.store.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, pngPayload("pothos"), payload)
		assert.Zero(t, h.remote.Calls().Total(), "a local hit must not touch the network")

		rec, _, err := h.backend.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, rec.Metadata.LastAccessed.Equal(*h.clock))
	})
}

func TestGetOfflineMiss(t *testing.T) {
	h := newHarness(t, backends["sqlite"], "")
	h.remote.Seed("user-1/abc.png", []byte("png"), "image/png")

	_, ok, err := h.store.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, h.remote.Calls().Total())
}

func TestGetRemoteFallbackWarmsCache(t *testing.T) {
	forEachBackend(t, func(t *testing.T, nb func(t *testing.T) cache.Backend) {
		h := newHarness(t, nb, "user-1")
		ctx := context.Background()
		h.remote.Seed("user-1/abc.jpg", []byte("jpeg-bytes"), "image/jpeg")

		payload, ok, err := h.store.Get(ctx, "abc")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, image.Encode("image/jpeg", []byte("jpeg-bytes")), payload)
		assert.NotZero(t, h.remote.Calls().Fetch)

		rec, ok, err := h.backend.Get(ctx, "abc")
		require.NoError(t, err)
		require.True(t, ok, "the fetched image is cached under the same id")
		assert.True(t, rec.Metadata.CloudSynced)
		assert.Equal(t, "user-1/abc.jpg", rec.Metadata.RemoteURL)

		h.remote.ResetCalls()
		again, ok, err := h.store.Get(ctx, "abc")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, payload, again)
		assert.Zero(t, h.remote.Calls().Total(), "second read must be served locally")
	})
}

func TestGetTotalMiss(t *testing.T) {
	h := newHarness(t, backends["kv"], "user-1")

	payload, ok, err := h.store.Get(context.Background(), "nowhere")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, payload)
	assert.Empty(t, h.degradations(), "not found is a plain miss")
}

func TestGetDownloadFailureIsMiss(t *testing.T) {
	h := newHarness(t, backends["kv"], "user-1")
	h.remote.Seed("user-1/abc.jpg", []byte("jpeg"), "image/jpeg")
	h.remote.FailFetches(http.StatusBadGateway)

	_, ok, err := h.store.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	d := h.degradations()
	require.Len(t, d, 1)
	assert.Equal(t, OpDownload, d[0].Op)
	assert.ErrorIs(t, d[0].Err, cloudsync.ErrDownload)
}

type brokenTouch struct {
	cache.Backend
	failPuts bool
}

func (b *brokenTouch) Put(ctx context.Context, rec *image.Record) error {
	if b.failPuts {
		return errors.New("read-only")
	}
	return b.Backend.Put(ctx, rec)
}

func TestGetTouchFailureDegrades(t *testing.T) {
	b := &brokenTouch{Backend: backends["kv"](t)}
	var got []Degradation
	s, err := New(Options{Backend: b, OnDegraded: func(d Degradation) { got = append(got, d) }})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	id, err := s.Store(ctx, pngPayload("cactus"), image.Associations{})
	require.NoError(t, err)

	b.failPuts = true
	payload, ok, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pngPayload("cactus"), payload)
	require.Len(t, got, 1)
	assert.Equal(t, OpTouch, got[0].Op)
}

func TestRemove(t *testing.T) {
	forEachBackend(t, func(t *testing.T, nb func(t *testing.T) cache.Backend) {
		h := newHarness(t, nb, "user-1")
		ctx := context.Background()

		id, err := h.store.Store(ctx, pngPayload("ivy"), image.Associations{})
		require.NoError(t, err)
		require.NotEmpty(t, h.remote.Keys())

		require.NoError(t, h.store.Remove(ctx, id))
		assert.Empty(t, h.remote.Keys())

		_, ok, err := h.store.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRemoveWithFailingRemoteDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, nb func(t *testing.T) cache.Backend) {
		h := newHarness(t, nb, "user-1")
		ctx := context.Background()

		id, err := h.store.Store(ctx, pngPayload("aloe"), image.Associations{})
		require.NoError(t, err)
		h.remote.FailRemoves(errors.New("network unreachable"))

		require.NoError(t, h.store.Remove(ctx, id))

		d := h.degradations()
		require.Len(t, d, 1)
		assert.Equal(t, OpRemoveRemote, d[0].Op)

		_, ok, err := h.store.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok, "a removed image must not come back from the remote copy")
	})
}

func TestRemoveOfflineThenSignIn(t *testing.T) {
	h := newHarness(t, backends["sqlite"], "user-1")
	ctx := context.Background()

	id, err := h.store.Store(ctx, pngPayload("palm"), image.Associations{})
	require.NoError(t, err)

	h.session.SignOut()
	require.NoError(t, h.store.Remove(ctx, id))
	h.session.SignIn("user-1")

	_, ok, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveOfflineIsRetriedByNextSync(t *testing.T) {
	forEachBackend(t, func(t *testing.T, nb func(t *testing.T) cache.Backend) {
		h := newHarness(t, nb, "user-1")
		ctx := context.Background()

		id, err := h.store.Store(ctx, pngPayload("fig"), image.Associations{})
		require.NoError(t, err)
		key := "user-1/" + id + ".png"

		h.session.SignOut()
		require.NoError(t, h.store.Remove(ctx, id))
		h.session.SignIn("user-1")

		// A store opened later over the same cache still knows about the removal.
		next, err := New(Options{Backend: h.backend, Engine: h.engine, Logger: zerolog.Nop()})
		require.NoError(t, err)

		_, ok, err := next.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
		_, still := h.remote.Object(key)
		assert.True(t, still)

		res, err := next.Sync(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Purged)
		assert.Zero(t, res.Errors)
		assert.Empty(t, h.remote.Keys())

		ts, err := h.backend.Tombstones(ctx)
		require.NoError(t, err)
		assert.Empty(t, ts)
	})
}

func TestUnreadableRecordDoesNotBlockOthers(t *testing.T) {
	dir := t.TempDir()
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	require.NoError(t, err)
	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("image:bad"), []byte{0x07, 1, 2})
	}))
	require.NoError(t, db.Close())

	h := newHarness(t, func(t *testing.T) cache.Backend {
		b, err := kv.New(kv.Opts{Dir: dir})
		require.NoError(t, err)
		return b
	}, "")
	ctx := context.Background()

	for _, p := range []string{"fern", "moss"} {
		_, err := h.store.Store(ctx, pngPayload(p), image.Associations{})
		require.NoError(t, err)
	}

	h.session.SignIn("user-1")
	res, err := h.store.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Uploaded)
	assert.Zero(t, res.Errors)

	st, err := h.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalImages)
	assert.Equal(t, 2, st.CloudSynced)

	_, err = h.store.Cleanup(ctx)
	require.NoError(t, err)

	require.NoError(t, h.store.Remove(ctx, "bad"))
	_, ok, err := h.backend.Get(ctx, "bad")
	require.NoError(t, err)
	assert.False(t, ok, "the local delete runs even when the record cannot be read")
}

func TestRemoveMissingID(t *testing.T) {
	h := newHarness(t, backends["kv"], "user-1")
	assert.NoError(t, h.store.Remove(context.Background(), "never-stored"))
}

func TestScenarioStoreOfflineThenSync(t *testing.T) {
	forEachBackend(t, func(t *testing.T, nb func(t *testing.T) cache.Backend) {
		h := newHarness(t, nb, "")
		ctx := context.Background()

		id, err := h.store.Store(ctx, pngPayload("A"), image.Associations{})
		require.NoError(t, err)
		rec, _, err := h.backend.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, rec.Metadata.CloudSynced)

		_, err = h.store.Sync(ctx)
		assert.ErrorIs(t, err, cloudsync.ErrRemoteUnavailable)

		h.session.SignIn("user-1")
		res, err := h.store.Sync(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Uploaded)
		assert.Equal(t, 0, res.Errors)

		st, err := h.store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.TotalImages)
		assert.Equal(t, 1, st.CloudSynced)
		assert.Equal(t, h.backend.Kind(), st.StorageType)
	})
}

func TestSyncBatchResilience(t *testing.T) {
	h := newHarness(t, backends["sqlite"], "")
	ctx := context.Background()

	var bad string
	for i := range 6 {
		id, err := h.store.Store(ctx, pngPayload(strings.Repeat("x", i+1)), image.Associations{})
		require.NoError(t, err)
		if i == 3 {
			bad = id
		}
	}

	h.remote.SetPutHook(func(key string) error {
		if strings.Contains(key, bad) {
			return errors.New("payload rejected")
		}
		return nil
	})
	h.session.SignIn("user-1")

	res, err := h.store.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Uploaded)
	assert.Equal(t, 1, res.Errors)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, bad, res.Failures[0].ID)

	st, err := h.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, st.TotalImages)
	assert.Equal(t, 5, st.CloudSynced)
}

func TestSyncWithoutEngine(t *testing.T) {
	s, err := New(Options{Backend: backends["kv"](t)})
	require.NoError(t, err)
	defer s.Close()

	res, err := s.Sync(context.Background())
	assert.ErrorIs(t, err, cloudsync.ErrRemoteUnavailable)
	assert.Equal(t, cloudsync.Result{}, res)
}

func TestCleanup(t *testing.T) {
	forEachBackend(t, func(t *testing.T, nb func(t *testing.T) cache.Backend) {
		h := newHarness(t, nb, "")
		ctx := context.Background()
		start := *h.clock

		old, err := h.store.Store(ctx, pngPayload("old"), image.Associations{})
		require.NoError(t, err)
		*h.clock = start.Add(time.Microsecond)
		edge, err := h.store.Store(ctx, pngPayload("edge"), image.Associations{})
		require.NoError(t, err)

		*h.clock = start.Add(eviction.DefaultRetention + time.Microsecond)
		rep, err := h.store.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, rep.Scanned)
		assert.Equal(t, 1, rep.Evicted)

		_, ok, err := h.backend.Get(ctx, old)
		require.NoError(t, err)
		assert.False(t, ok, "one microsecond past retention is evicted")
		_, ok, err = h.backend.Get(ctx, edge)
		require.NoError(t, err)
		assert.True(t, ok, "exactly at retention is kept")
	})
}

func TestStats(t *testing.T) {
	h := newHarness(t, backends["kv"], "user-1")
	ctx := context.Background()

	_, err := h.store.Store(ctx, pngPayload("one"), image.Associations{})
	require.NoError(t, err)
	h.session.SignOut()
	_, err = h.store.Store(ctx, pngPayload("two"), image.Associations{})
	require.NoError(t, err)

	st, err := h.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalImages)
	assert.Equal(t, 1, st.CloudSynced)
	assert.Equal(t, int64(len(pngPayload("one"))+len(pngPayload("two"))), st.TotalSize)
	assert.Equal(t, cache.KindKV, st.StorageType)
}

func TestSignedURL(t *testing.T) {
	h := newHarness(t, backends["kv"], "user-1")
	ctx := context.Background()

	synced, err := h.store.Store(ctx, pngPayload("s"), image.Associations{})
	require.NoError(t, err)
	url, err := h.store.SignedURL(ctx, synced, 0)
	require.NoError(t, err)
	assert.Contains(t, url, synced+".png")
	assert.Contains(t, url, "expires=86400")

	h.remote.FailPuts(errors.New("offline"))
	local, err := h.store.Store(ctx, pngPayload("l"), image.Associations{})
	require.NoError(t, err)
	_, err = h.store.SignedURL(ctx, local, time.Hour)
	assert.ErrorIs(t, err, ErrNotSynced)

	_, err = h.store.SignedURL(ctx, "missing", time.Hour)
	assert.ErrorIs(t, err, ErrNotSynced)

	h.session.SignOut()
	_, err = h.store.SignedURL(ctx, synced, 0)
	assert.ErrorIs(t, err, cloudsync.ErrRemoteUnavailable)
}
