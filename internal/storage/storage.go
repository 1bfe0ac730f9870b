package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned when an operation targets a missing object.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the remote bucket images are replicated to. It abstracts
// the provider (S3, B2, MinIO, Supabase storage) behind the few operations
// the sync engine needs.
type ObjectStore interface {
	// Put writes body to key, replacing any existing object.
	// contentType specifies the MIME type (empty string will auto-detect).
	Put(ctx context.Context, key string, body io.Reader, contentType string) error

	// Remove deletes the given keys. Keys that do not exist are ignored.
	Remove(ctx context.Context, keys []string) error

	// SignURL returns a time-limited URL granting read access to key.
	// Returns ErrObjectNotFound if the object does not exist.
	SignURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	// ListBuckets returns the bucket names visible to the credentials.
	// Used for setup diagnostics only.
	ListBuckets(ctx context.Context) ([]string, error)

	// Bucket returns the configured bucket name.
	Bucket() string
}
