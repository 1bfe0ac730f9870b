// Package cache defines the local persistence layer for image records and
// selects between the structured sqlite backend and the key-value fallback.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/thebluefowl/leafcache/internal/image"
)

var ErrInvalidIndex = errors.New("invalid index query")

// Index names a secondary index usable with Backend.GetAllByIndex.
type Index string

const (
	IndexPlantID     Index = "plantId"
	IndexCloudSynced Index = "isCloudSynced"
)

// Kind identifies the backend implementation in use.
type Kind string

const (
	KindSQLite Kind = "sqlite"
	KindKV     Kind = "kv"
)

// Stats summarizes the contents of a backend.
type Stats struct {
	Count       int
	TotalBytes  int64
	CloudSynced int
}

// Tombstone marks an image deleted locally whose remote copy may survive.
// RemoteURL is the last known object key and may be empty.
type Tombstone struct {
	ID        string
	RemoteURL string
}

// Backend persists image records locally. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Put inserts or replaces the record with the same id.
	Put(ctx context.Context, rec *image.Record) error

	// Get returns the record for id. A missing id yields (nil, false, nil).
	Get(ctx context.Context, id string) (*image.Record, bool, error)

	// Delete removes the record for id. Missing ids are a no-op.
	Delete(ctx context.Context, id string) error

	// GetAllByIndex returns every record whose indexed field equals value.
	GetAllByIndex(ctx context.Context, index Index, value string) ([]*image.Record, error)

	// All returns every record.
	All(ctx context.Context) ([]*image.Record, error)

	Stats(ctx context.Context) (Stats, error)

	// PutTombstone records a pending remote delete for id. It survives
	// restarts until DeleteTombstone is called.
	PutTombstone(ctx context.Context, t Tombstone) error
	HasTombstone(ctx context.Context, id string) (bool, error)
	// Tombstones lists pending remote deletes ordered by id.
	Tombstones(ctx context.Context) ([]Tombstone, error)
	DeleteTombstone(ctx context.Context, id string) error

	Kind() Kind
	Close() error
}

// ParseSyncedValue converts the string value of an IndexCloudSynced query.
func ParseSyncedValue(value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%w: %s value %q is not a boolean", ErrInvalidIndex, IndexCloudSynced, value)
	}
	return b, nil
}

// SyncedValue formats b for an IndexCloudSynced query.
func SyncedValue(b bool) string {
	return strconv.FormatBool(b)
}

// Matches reports whether rec satisfies an index query. Backends without
// native indexes filter with it.
func Matches(rec *image.Record, index Index, value string) (bool, error) {
	switch index {
	case IndexPlantID:
		return rec.Metadata.PlantID == value, nil
	case IndexCloudSynced:
		want, err := ParseSyncedValue(value)
		if err != nil {
			return false, err
		}
		return rec.Metadata.CloudSynced == want, nil
	default:
		return false, fmt.Errorf("%w: unknown index %q", ErrInvalidIndex, index)
	}
}
