package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

const (
	sqliteFile = "images.db"
	kvDir      = "images_badger"
)

// Opener constructs one backend implementation.
type Opener func(ctx context.Context, path string) (Backend, error)

// Options controls backend selection.
type Options struct {
	Dir    string // root directory for local data
	Prefer Kind   // empty means sqlite first, then kv

	SQLite Opener
	KV     Opener
}

// Open selects and opens a backend. The structured backend is tried first;
// when it cannot be opened the failure is logged and the key-value fallback
// is used instead. An error is returned only when no backend can be opened.
func Open(ctx context.Context, opts Options, log zerolog.Logger) (Backend, error) {
	if opts.Dir == "" {
		return nil, errors.New("cache directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	ctx = log.WithContext(ctx)

	if opts.Prefer != KindKV {
		if opts.SQLite == nil {
			log.Warn().Msg("no structured cache configured, using key-value fallback")
		} else {
			b, err := opts.SQLite(ctx, filepath.Join(opts.Dir, sqliteFile))
			if err == nil {
				log.Debug().Str("backend", string(KindSQLite)).Msg("local cache opened")
				return b, nil
			}
			log.Warn().Err(err).Msg("structured cache unavailable, using key-value fallback")
		}
	}

	if opts.KV == nil {
		return nil, errors.New("no cache backend available")
	}
	b, err := opts.KV(ctx, filepath.Join(opts.Dir, kvDir))
	if err != nil {
		return nil, fmt.Errorf("open key-value cache: %w", err)
	}
	log.Debug().Str("backend", string(KindKV)).Msg("local cache opened")
	return b, nil
}
