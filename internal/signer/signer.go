// Package signer issues time-limited read URLs for remote objects.
package signer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thebluefowl/leafcache/internal/storage"
)

var ErrSigning = errors.New("signing failed")

const (
	DefaultTTL           = 24 * time.Hour
	DefaultRefreshMargin = time.Hour
)

// Options configures a Broker.
type Options struct {
	DefaultTTL    time.Duration    // used when a caller passes ttl <= 0
	RefreshMargin time.Duration    // re-issue once a cached URL is this close to expiry
	Clock         func() time.Time // defaults to time.Now
}

type cacheKey struct {
	path string
	ttl  time.Duration
}

type entry struct {
	url     string
	expires time.Time
}

// Broker signs object paths and caches the results until they near expiry.
type Broker struct {
	store storage.ObjectStore
	opts  Options

	mu      sync.Mutex
	entries map[cacheKey]entry
}

func New(store storage.ObjectStore, opts Options) *Broker {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.RefreshMargin < 0 {
		opts.RefreshMargin = 0
	} else if opts.RefreshMargin == 0 {
		opts.RefreshMargin = DefaultRefreshMargin
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Broker{
		store:   store,
		opts:    opts,
		entries: make(map[cacheKey]entry),
	}
}

// SignedURL returns a URL granting read access to path for ttl. A ttl of
// zero or less uses the default.
func (b *Broker) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrSigning)
	}
	if ttl <= 0 {
		ttl = b.opts.DefaultTTL
	}
	k := cacheKey{path: path, ttl: ttl}
	now := b.opts.Clock()

	b.mu.Lock()
	e, ok := b.entries[k]
	b.mu.Unlock()
	if ok && now.Before(e.expires.Add(-b.opts.RefreshMargin)) {
		return e.url, nil
	}

	url, err := b.store.SignURL(ctx, path, ttl)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrSigning, path, err)
	}

	b.mu.Lock()
	b.entries[k] = entry{url: url, expires: now.Add(ttl)}
	b.mu.Unlock()
	return url, nil
}

// Invalidate drops every cached URL for path.
func (b *Broker) Invalidate(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.entries {
		if k.path == path {
			delete(b.entries, k)
		}
	}
}
