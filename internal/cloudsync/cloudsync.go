// Package cloudsync replicates cached images to the remote object store and
// fetches them back on a local miss.
package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/thebluefowl/leafcache/internal/auth"
	"github.com/thebluefowl/leafcache/internal/cache"
	"github.com/thebluefowl/leafcache/internal/image"
	"github.com/thebluefowl/leafcache/internal/signer"
	"github.com/thebluefowl/leafcache/internal/storage"
)

var (
	// ErrRemoteUnavailable means no user is signed in. It describes a mode
	// of operation rather than a fault.
	ErrRemoteUnavailable = errors.New("remote backend unavailable")
	ErrUpload            = errors.New("upload failed")
	ErrDownload          = errors.New("download failed")
)

const (
	DefaultConcurrency = 4
	DefaultHTTPTimeout = 60 * time.Second
)

// Event reports the outcome of one record during SyncAll.
type Event struct {
	ID  string
	Err error
}

// Failure is a record that could not be synced.
type Failure struct {
	ID  string
	Err error
}

// Result summarizes a SyncAll pass. Purged counts remote copies of locally
// removed images that were deleted during the pass.
type Result struct {
	Uploaded int
	Purged   int
	Errors   int
	Failures []Failure
}

// Options configures an Engine.
type Options struct {
	Store       storage.ObjectStore
	Backend     cache.Backend
	Session     auth.Session
	Broker      *signer.Broker // defaults to a broker over Store
	HTTPClient  *http.Client   // defaults to a client with DefaultHTTPTimeout
	Concurrency int
	Logger      zerolog.Logger
	Observer    func(Event) // called once per record during SyncAll
}

// Engine moves image payloads between the local cache and the object store.
type Engine struct {
	store       storage.ObjectStore
	backend     cache.Backend
	session     auth.Session
	broker      *signer.Broker
	client      *http.Client
	concurrency int
	log         zerolog.Logger
	observer    func(Event)

	downloads singleflight.Group
}

func New(opts Options) *Engine {
	if opts.Session == nil {
		opts.Session = auth.Static("")
	}
	if opts.Broker == nil {
		opts.Broker = signer.New(opts.Store, signer.Options{})
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Engine{
		store:       opts.Store,
		backend:     opts.Backend,
		session:     opts.Session,
		broker:      opts.Broker,
		client:      opts.HTTPClient,
		concurrency: opts.Concurrency,
		log:         opts.Logger,
		observer:    opts.Observer,
	}
}

// Key is the object key of an image: {userId}/{imageId}.{ext}.
func Key(userID, id, ext string) string {
	return userID + "/" + id + "." + ext
}

// Available reports whether a user is signed in.
func (e *Engine) Available() bool {
	_, ok := e.session.UserID()
	return ok
}

// Broker returns the broker used to sign download URLs.
func (e *Engine) Broker() *signer.Broker {
	return e.broker
}

func (e *Engine) userID() (string, error) {
	id, ok := e.session.UserID()
	if !ok {
		return "", ErrRemoteUnavailable
	}
	return id, nil
}

// Upload writes payload to the object store under the signed-in user and
// returns the object key. Existing objects are overwritten.
func (e *Engine) Upload(ctx context.Context, id, payload string) (string, error) {
	uid, err := e.userID()
	if err != nil {
		return "", err
	}

	mimeType, body, err := image.Decode(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrUpload, id, err)
	}

	key := Key(uid, id, image.Extension(mimeType))
	if err := e.store.Put(ctx, key, body, mimeType); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrUpload, key, err)
	}
	e.log.Debug().Str("image_id", id).Str("key", key).Msg("uploaded")
	return key, nil
}

// Download fetches the object at remoteURL and returns it as a data URL.
// Concurrent calls for the same object share one request. The shared request
// outlives any single caller's cancellation; each caller stops waiting when
// its own ctx is done.
func (e *Engine) Download(ctx context.Context, remoteURL string) (string, error) {
	ch := e.downloads.DoChan(remoteURL, func() (any, error) {
		return e.fetch(context.WithoutCancel(ctx), remoteURL)
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %s: %w", ErrDownload, remoteURL, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	}
}

func (e *Engine) fetch(ctx context.Context, remoteURL string) (payload string, retErr error) {
	url, err := e.broker.SignedURL(ctx, remoteURL, 0)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownload, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %w", ErrDownload, err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrDownload, remoteURL, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil && retErr == nil {
			retErr = fmt.Errorf("%w: %s: %w", ErrDownload, remoteURL, closeErr)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: %s: %w", ErrDownload, remoteURL, storage.ErrObjectNotFound)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: %s: unexpected status %s", ErrDownload, remoteURL, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %w", ErrDownload, remoteURL, err)
	}
	return image.Encode(contentType(resp.Header.Get("Content-Type"), remoteURL), data), nil
}

// contentType prefers an image type from the response, then the type implied
// by the key's extension.
func contentType(header, key string) string {
	mt, _, err := mime.ParseMediaType(header)
	if err == nil && strings.HasPrefix(mt, "image/") {
		return mt
	}
	if byExt := image.MIMEFromExtension(path.Ext(key)); strings.HasPrefix(byExt, "image/") {
		return byExt
	}
	if err == nil && mt != "" {
		return mt
	}
	return "application/octet-stream"
}

// Locate probes the keys an image may have been uploaded under and returns
// the first that can be fetched. A miss on every key wraps
// storage.ErrObjectNotFound.
func (e *Engine) Locate(ctx context.Context, id string) (string, string, error) {
	uid, err := e.userID()
	if err != nil {
		return "", "", err
	}
	for _, ext := range image.CandidateExtensions {
		key := Key(uid, id, ext)
		payload, err := e.Download(ctx, key)
		if err == nil {
			return key, payload, nil
		}
		if !errors.Is(err, storage.ErrObjectNotFound) {
			return "", "", err
		}
	}
	return "", "", fmt.Errorf("%w: %s: %w", ErrDownload, id, storage.ErrObjectNotFound)
}

// Remove deletes every object the image may be stored under: knownRemoteURL
// when set, plus each candidate extension. Missing objects are not errors.
func (e *Engine) Remove(ctx context.Context, id, knownRemoteURL string) error {
	uid, err := e.userID()
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(image.CandidateExtensions)+1)
	if knownRemoteURL != "" {
		keys = append(keys, knownRemoteURL)
	}
	for _, ext := range image.CandidateExtensions {
		if k := Key(uid, id, ext); k != knownRemoteURL {
			keys = append(keys, k)
		}
	}

	for _, k := range keys {
		e.broker.Invalidate(k)
	}
	if err := e.store.Remove(ctx, keys); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		return fmt.Errorf("remove remote %s: %w", id, err)
	}
	return nil
}

// SyncAll first deletes the remote copies of images removed while offline,
// then uploads every record not yet synced and marks it synced. A failed
// record is counted and skipped; the pass continues with the rest.
func (e *Engine) SyncAll(ctx context.Context) (Result, error) {
	if _, err := e.userID(); err != nil {
		return Result{}, err
	}

	var res Result
	if err := e.purge(ctx, &res); err != nil {
		return res, err
	}

	pending, err := e.backend.GetAllByIndex(ctx, cache.IndexCloudSynced, cache.SyncedValue(false))
	if err != nil {
		return res, fmt.Errorf("list unsynced: %w", err)
	}
	e.log.Info().Int("pending", len(pending)).Msg("sync started")

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.concurrency)

	for _, rec := range pending {
		g.Go(func() error {
			uploaded, err := e.syncOne(ctx, rec)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Errors++
				res.Failures = append(res.Failures, Failure{ID: rec.ID, Err: err})
				e.log.Warn().Err(err).Str("image_id", rec.ID).Str("op", "sync").Msg("sync failed")
			case uploaded:
				res.Uploaded++
			}
			if e.observer != nil {
				e.observer(Event{ID: rec.ID, Err: err})
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(res.Failures, func(i, j int) bool { return res.Failures[i].ID < res.Failures[j].ID })
	e.log.Info().Int("uploaded", res.Uploaded).Int("purged", res.Purged).Int("errors", res.Errors).Msg("sync finished")
	return res, ctx.Err()
}

// purge retries remote deletes recorded as tombstones. A tombstone is
// dropped only once its remote delete succeeds.
func (e *Engine) purge(ctx context.Context, res *Result) error {
	tombstones, err := e.backend.Tombstones(ctx)
	if err != nil {
		return fmt.Errorf("list tombstones: %w", err)
	}
	for _, ts := range tombstones {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := e.Remove(ctx, ts.ID, ts.RemoteURL)
		if err == nil {
			err = e.backend.DeleteTombstone(ctx, ts.ID)
		}
		if err != nil {
			res.Errors++
			res.Failures = append(res.Failures, Failure{ID: ts.ID, Err: err})
			e.log.Warn().Err(err).Str("image_id", ts.ID).Str("op", "purge").Msg("remote delete retry failed")
			continue
		}
		res.Purged++
	}
	return nil
}

func (e *Engine) syncOne(ctx context.Context, rec *image.Record) (bool, error) {
	key, err := e.Upload(ctx, rec.ID, rec.Payload)
	if err != nil {
		return false, err
	}

	// The record may have been removed while the upload was in flight.
	cur, ok, err := e.backend.Get(ctx, rec.ID)
	if err != nil {
		return false, fmt.Errorf("reload %s: %w", rec.ID, err)
	}
	if !ok {
		if err := e.store.Remove(ctx, []string{key}); err != nil {
			e.log.Warn().Err(err).Str("image_id", rec.ID).Str("key", key).Msg("failed to remove orphaned upload")
		}
		return false, nil
	}

	cur.MarkSynced(key)
	if err := e.backend.Put(ctx, cur); err != nil {
		return false, fmt.Errorf("mark %s synced: %w", rec.ID, err)
	}
	return true, nil
}
