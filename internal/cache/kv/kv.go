// Package kv is the unstructured cache backend. Each record is stored as a
// single badger entry under a namespaced key; index queries scan the
// namespace and filter.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/thebluefowl/leafcache/internal/cache"
	"github.com/thebluefowl/leafcache/internal/compress"
	"github.com/thebluefowl/leafcache/internal/image"
)

var _ cache.Backend = (*Store)(nil)

const (
	keyPrefix       = "image:"
	tombstonePrefix = "tombstone:"
)

// Store implements cache.Backend on badger.
type Store struct {
	db    *badger.DB
	codec *compress.Codec
	log   zerolog.Logger
}

// Opts configures the key-value backend.
type Opts struct {
	Dir      string
	InMemory bool
	Compress compress.Mode // default auto
	Logger   zerolog.Logger
}

// Open is a cache.Opener for the key-value backend. It logs through the
// logger attached to ctx, if any.
func Open(ctx context.Context, path string) (cache.Backend, error) {
	s, err := New(Opts{Dir: path, Logger: *zerolog.Ctx(ctx)})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// New opens (or creates) a badger database.
func New(opts Opts) (*Store, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("kv directory is required")
		}
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create kv directory: %w", err)
		}
		bopts = badger.DefaultOptions(opts.Dir)
	}
	bopts.Logger = nil // Disable badger logging

	codec, err := compress.New(compress.Config{Mode: opts.Compress})
	if err != nil {
		return nil, err
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, codec: codec, log: opts.Logger}, nil
}

func key(id string) []byte {
	return []byte(keyPrefix + id)
}

func (s *Store) Put(ctx context.Context, rec *image.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal image %s: %w", rec.ID, err)
	}
	frame, info, err := s.codec.Encode(raw)
	if err != nil {
		return fmt.Errorf("compress image %s: %w", rec.ID, err)
	}
	s.log.Trace().
		Str("image_id", rec.ID).
		Str("compression", string(info.ModeUsed)).
		Int("bytes_in", info.BytesIn).
		Int("bytes_out", info.BytesOut).
		Msg("encoded record")
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(rec.ID), frame)
	})
	if err != nil {
		return fmt.Errorf("put image %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*image.Record, bool, error) {
	var rec *image.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec, err = s.decode(val)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get image %s: %w", id, err)
	}
	return rec, true, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(id))
	})
	if err != nil {
		return fmt.Errorf("delete image %s: %w", id, err)
	}
	return nil
}

func (s *Store) GetAllByIndex(ctx context.Context, index cache.Index, value string) ([]*image.Record, error) {
	// Validate the query up front so an empty store still reports bad input.
	if _, err := cache.Matches(&image.Record{}, index, value); err != nil {
		return nil, err
	}
	var out []*image.Record
	err := s.scan(ctx, func(rec *image.Record) error {
		ok, err := cache.Matches(rec, index, value)
		if err != nil {
			return err
		}
		if ok {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (s *Store) All(ctx context.Context) ([]*image.Record, error) {
	var out []*image.Record
	err := s.scan(ctx, func(rec *image.Record) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (s *Store) Stats(ctx context.Context) (cache.Stats, error) {
	var st cache.Stats
	err := s.scan(ctx, func(rec *image.Record) error {
		st.Count++
		st.TotalBytes += rec.Metadata.Size
		if rec.Metadata.CloudSynced {
			st.CloudSynced++
		}
		return nil
	})
	if err != nil {
		return cache.Stats{}, err
	}
	return st, nil
}

func tombstoneKey(id string) []byte {
	return []byte(tombstonePrefix + id)
}

// PutTombstone stores the remote URL as the value. An empty URL never
// overwrites a known one.
func (s *Store) PutTombstone(ctx context.Context, t cache.Tombstone) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if t.RemoteURL == "" {
			switch _, err := txn.Get(tombstoneKey(t.ID)); {
			case err == nil:
				return nil
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}
		}
		return txn.Set(tombstoneKey(t.ID), []byte(t.RemoteURL))
	})
	if err != nil {
		return fmt.Errorf("put tombstone %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) HasTombstone(ctx context.Context, id string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(tombstoneKey(id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get tombstone %s: %w", id, err)
	}
	return true, nil
}

func (s *Store) Tombstones(ctx context.Context) ([]cache.Tombstone, error) {
	var out []cache.Tombstone
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(tombstonePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, cache.Tombstone{
				ID:        strings.TrimPrefix(string(it.Item().Key()), tombstonePrefix),
				RemoteURL: string(val),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan tombstones: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteTombstone(ctx context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(tombstoneKey(id))
	})
	if err != nil {
		return fmt.Errorf("delete tombstone %s: %w", id, err)
	}
	return nil
}

func (s *Store) Kind() cache.Kind { return cache.KindKV }

// Close closes the database and releases the codec.
func (s *Store) Close() error {
	return errors.Join(s.db.Close(), s.codec.Close())
}

// scan visits every record in key order. Entries that cannot be decoded are
// logged and skipped so one bad value does not hide the rest.
func (s *Store) scan(ctx context.Context, fn func(*image.Record) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec *image.Record
			err := it.Item().Value(func(val []byte) error {
				var err error
				rec, err = s.decode(val)
				return err
			})
			if err != nil {
				s.log.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("skipping unreadable record")
				continue
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan images: %w", err)
	}
	return nil
}

func (s *Store) decode(val []byte) (*image.Record, error) {
	raw, err := s.codec.Decode(val)
	if err != nil {
		return nil, err
	}
	var rec image.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal image: %w", err)
	}
	return &rec, nil
}
