// Package imagestore is the entry point for storing and reading plant
// photos. Reads are served from the local cache first and fall back to the
// remote object store; writes always land locally and are replicated when a
// user is signed in.
//
// Remote failures never fail an operation. They are logged and reported to
// Options.OnDegraded so callers can observe them.
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebluefowl/leafcache/internal/cache"
	"github.com/thebluefowl/leafcache/internal/cloudsync"
	"github.com/thebluefowl/leafcache/internal/eviction"
	"github.com/thebluefowl/leafcache/internal/image"
	"github.com/thebluefowl/leafcache/internal/registry"
	"github.com/thebluefowl/leafcache/internal/signer"
	"github.com/thebluefowl/leafcache/internal/storage"
)

var (
	// ErrStorageFull is returned when the local backend rejects a write.
	ErrStorageFull = errors.New("local storage full")
	ErrNotSynced   = errors.New("image not synced")
)

// Operations reported in a Degradation.
const (
	OpUpload       = "upload"
	OpTouch        = "touch"
	OpDownload     = "download"
	OpWarm         = "warm"
	OpRemoveRemote = "remove_remote"
)

// Degradation describes a remote or bookkeeping failure that was absorbed.
type Degradation struct {
	Op  string
	ID  string
	Err error
}

// Stats describes the local cache.
type Stats struct {
	TotalImages int
	TotalSize   int64
	CloudSynced int
	StorageType cache.Kind
}

// Options wires a Store. Backend is required. A nil Engine keeps the store
// offline.
type Options struct {
	Backend    cache.Backend
	Registry   *registry.Registry
	Engine     *cloudsync.Engine
	Broker     *signer.Broker // defaults to Engine's broker
	Eviction   *eviction.Policy
	Logger     zerolog.Logger
	OnDegraded func(Degradation)
}

// Store is the public facade over the cache, sync engine and eviction.
type Store struct {
	backend    cache.Backend
	registry   *registry.Registry
	engine     *cloudsync.Engine
	broker     *signer.Broker
	eviction   *eviction.Policy
	log        zerolog.Logger
	onDegraded func(Degradation)
}

func New(opts Options) (*Store, error) {
	if opts.Backend == nil {
		return nil, errors.New("imagestore: backend is required")
	}
	if opts.Registry == nil {
		opts.Registry = registry.New(opts.Backend, nil, opts.Logger)
	}
	if opts.Broker == nil && opts.Engine != nil {
		opts.Broker = opts.Engine.Broker()
	}
	if opts.Eviction == nil {
		opts.Eviction = eviction.New(eviction.Options{Logger: opts.Logger})
	}
	return &Store{
		backend:    opts.Backend,
		registry:   opts.Registry,
		engine:     opts.Engine,
		broker:     opts.Broker,
		eviction:   opts.Eviction,
		log:        opts.Logger,
		onDegraded: opts.OnDegraded,
	}, nil
}

func (s *Store) online() bool {
	return s.engine != nil && s.engine.Available()
}

func (s *Store) degrade(op, id string, err error) {
	s.log.Warn().Err(err).Str("op", op).Str("image_id", id).Msg("degraded")
	if s.onDegraded != nil {
		s.onDegraded(Degradation{Op: op, ID: id, Err: err})
	}
}

// Store saves payload and returns its new id. When a user is signed in the
// image is uploaded first; an upload failure leaves the record unsynced for
// a later Sync. Only a failed local write is an error.
func (s *Store) Store(ctx context.Context, payload string, assoc image.Associations) (string, error) {
	rec, err := s.registry.NewRecord(payload, assoc)
	if err != nil {
		return "", err
	}

	if s.online() {
		url, err := s.engine.Upload(ctx, rec.ID, payload)
		if err != nil {
			s.degrade(OpUpload, rec.ID, err)
		} else {
			rec.MarkSynced(url)
		}
	}

	if err := s.backend.Put(ctx, rec); err != nil {
		return "", fmt.Errorf("%w: %w", ErrStorageFull, err)
	}
	return rec.ID, nil
}

// Get returns the payload for id. A local hit needs no network. On a local
// miss the remote copy is fetched and cached under the same id. ok is false
// when the image exists nowhere reachable.
func (s *Store) Get(ctx context.Context, id string) (string, bool, error) {
	rec, ok, err := s.backend.Get(ctx, id)
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", id, err)
	}
	if ok {
		if err := s.registry.Touch(ctx, rec); err != nil {
			s.degrade(OpTouch, id, err)
		}
		return rec.Payload, true, nil
	}

	if !s.online() {
		return "", false, nil
	}
	gone, err := s.backend.HasTombstone(ctx, id)
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", id, err)
	}
	if gone {
		return "", false, nil
	}

	remoteURL, payload, err := s.engine.Locate(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrObjectNotFound) {
			s.degrade(OpDownload, id, err)
		}
		return "", false, nil
	}

	warm, err := s.registry.FromRemote(id, payload, remoteURL)
	if err != nil {
		s.degrade(OpWarm, id, err)
		return "", false, nil
	}
	if err := s.backend.Put(ctx, warm); err != nil {
		s.degrade(OpWarm, id, err)
	}
	return payload, true, nil
}

// Remove deletes id locally and then, best effort, remotely. The local
// delete always runs, even when the record cannot be read. If the remote
// copy could not be deleted, a tombstone keeps later reads from fetching it
// back and the next Sync retries the delete.
func (s *Store) Remove(ctx context.Context, id string) error {
	var known string
	rec, ok, err := s.backend.Get(ctx, id)
	switch {
	case err != nil:
		s.log.Warn().Err(err).Str("image_id", id).Msg("unreadable record, removing without remote url")
	case ok:
		known = rec.Metadata.RemoteURL
	}
	if err := s.backend.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}

	if s.online() {
		err = s.engine.Remove(ctx, id, known)
		if err == nil {
			return nil
		}
		s.degrade(OpRemoveRemote, id, err)
	}
	if err := s.backend.PutTombstone(ctx, cache.Tombstone{ID: id, RemoteURL: known}); err != nil {
		s.degrade(OpRemoveRemote, id, err)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st, err := s.backend.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return Stats{
		TotalImages: st.Count,
		TotalSize:   st.TotalBytes,
		CloudSynced: st.CloudSynced,
		StorageType: s.backend.Kind(),
	}, nil
}

// Cleanup evicts expired records from the local cache.
func (s *Store) Cleanup(ctx context.Context) (eviction.Report, error) {
	return s.eviction.Run(ctx, s.backend)
}

// Sync retries pending remote deletes and uploads every unsynced record.
// Without a signed-in user it returns cloudsync.ErrRemoteUnavailable and
// does nothing.
func (s *Store) Sync(ctx context.Context) (cloudsync.Result, error) {
	if s.engine == nil {
		return cloudsync.Result{}, cloudsync.ErrRemoteUnavailable
	}
	return s.engine.SyncAll(ctx)
}

// SignedURL returns a time-limited URL for a synced image. ttl <= 0 uses
// the broker default.
func (s *Store) SignedURL(ctx context.Context, id string, ttl time.Duration) (string, error) {
	if s.broker == nil || !s.online() {
		return "", cloudsync.ErrRemoteUnavailable
	}
	rec, ok, err := s.backend.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", id, err)
	}
	if !ok || !rec.Metadata.CloudSynced {
		return "", fmt.Errorf("%w: %s", ErrNotSynced, id)
	}
	return s.broker.SignedURL(ctx, rec.Metadata.RemoteURL, ttl)
}

func (s *Store) Close() error {
	return s.backend.Close()
}
