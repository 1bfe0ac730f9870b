// Package registry builds record metadata and maintains access times.
package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thebluefowl/leafcache/internal/cache"
	"github.com/thebluefowl/leafcache/internal/image"
)

// Registry creates records and records reads against a backend.
type Registry struct {
	backend cache.Backend
	clock   func() time.Time
	log     zerolog.Logger
}

// New returns a Registry writing to backend. A nil clock uses time.Now.
func New(backend cache.Backend, clock func() time.Time, log zerolog.Logger) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{backend: backend, clock: clock, log: log}
}

// Now is the registry clock truncated to the precision records keep.
func (r *Registry) Now() time.Time {
	return r.clock().UTC().Truncate(time.Microsecond)
}

// NewRecord builds an unsynced record for payload with a fresh id.
func (r *Registry) NewRecord(payload string, assoc image.Associations) (*image.Record, error) {
	mime, err := image.ParseMIME(payload)
	if err != nil {
		return nil, err
	}
	now := r.Now()
	return &image.Record{
		ID:      image.NewID(),
		Payload: payload,
		Metadata: image.Metadata{
			Size:         int64(len(payload)),
			Created:      now,
			LastAccessed: now,
			PlantID:      assoc.PlantID,
			NoteID:       assoc.NoteID,
			MIMEType:     mime,
			Width:        assoc.Width,
			Height:       assoc.Height,
		},
	}, nil
}

// FromRemote rebuilds a synced record for an image fetched back from
// remoteURL, keeping its original id.
func (r *Registry) FromRemote(id, payload, remoteURL string) (*image.Record, error) {
	mime, err := image.ParseMIME(payload)
	if err != nil {
		return nil, err
	}
	now := r.Now()
	rec := &image.Record{
		ID:      id,
		Payload: payload,
		Metadata: image.Metadata{
			Size:         int64(len(payload)),
			Created:      now,
			LastAccessed: now,
			MIMEType:     mime,
		},
	}
	rec.MarkSynced(remoteURL)
	return rec, nil
}

// Touch sets LastAccessed to now and writes the record back. The read that
// triggered it has already been served, so a failed write is logged and
// returned for reporting only.
func (r *Registry) Touch(ctx context.Context, rec *image.Record) error {
	rec.Metadata.LastAccessed = r.Now()
	if err := r.backend.Put(ctx, rec); err != nil {
		r.log.Warn().Err(err).Str("image_id", rec.ID).Str("op", "touch").Msg("failed to update access time")
		return err
	}
	return nil
}
