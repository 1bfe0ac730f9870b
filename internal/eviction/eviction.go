// Package eviction removes records that have outlived the retention window.
package eviction

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebluefowl/leafcache/internal/cache"
	"github.com/thebluefowl/leafcache/internal/image"
)

const DefaultRetention = 30 * 24 * time.Hour

// Options configures a Policy.
type Options struct {
	Retention time.Duration
	// KeepUnsynced spares expired records that have no remote copy yet.
	KeepUnsynced bool
	Clock        func() time.Time
	Logger       zerolog.Logger
}

// Report summarizes one eviction pass.
type Report struct {
	Scanned         int
	Evicted         int
	SkippedUnsynced int
	Errors          int
}

// Policy decides which records are stale and deletes them locally. Remote
// copies are never touched.
type Policy struct {
	opts Options
}

func New(opts Options) *Policy {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Policy{opts: opts}
}

// Retention returns the configured retention window.
func (p *Policy) Retention() time.Duration {
	return p.opts.Retention
}

// Expired reports whether rec is strictly older than the retention window.
func (p *Policy) Expired(rec *image.Record, now time.Time) bool {
	return rec.Age(now) > p.opts.Retention
}

// Run scans backend once and deletes expired records. Failed deletes are
// counted and the scan continues.
func (p *Policy) Run(ctx context.Context, backend cache.Backend) (Report, error) {
	recs, err := backend.All(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list records: %w", err)
	}

	now := p.opts.Clock().UTC().Truncate(time.Microsecond)
	var rep Report
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Scanned++
		if !p.Expired(rec, now) {
			continue
		}
		if p.opts.KeepUnsynced && !rec.Metadata.CloudSynced {
			rep.SkippedUnsynced++
			continue
		}
		if err := backend.Delete(ctx, rec.ID); err != nil {
			rep.Errors++
			p.opts.Logger.Warn().Err(err).Str("image_id", rec.ID).Str("op", "evict").Msg("failed to evict")
			continue
		}
		rep.Evicted++
	}

	p.opts.Logger.Info().
		Dur("retention", p.Retention()).
		Int("scanned", rep.Scanned).
		Int("evicted", rep.Evicted).
		Int("skipped_unsynced", rep.SkippedUnsynced).
		Int("errors", rep.Errors).
		Msg("eviction finished")
	return rep, nil
}
