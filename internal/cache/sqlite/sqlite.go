// Package sqlite is the structured cache backend: one row per image with
// secondary indexes on plant id and sync state.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/thebluefowl/leafcache/internal/cache"
	"github.com/thebluefowl/leafcache/internal/image"
	_ "modernc.org/sqlite"
)

var _ cache.Backend = (*Store)(nil)

// Store implements cache.Backend on a sqlite database file.
type Store struct {
	db *sql.DB
}

// Open is a cache.Opener for the sqlite backend.
func Open(ctx context.Context, path string) (cache.Backend, error) {
	s, err := New(ctx, path)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// New opens the database at path, configures it and applies migrations.
func New(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers and keeps pragmas in effect.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

const columns = `id, payload, size, created_us, last_accessed_us, plant_id, note_id,
	mime_type, width, height, remote_url, cloud_synced`

const upsertQuery = `
	INSERT INTO images (` + columns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		payload = excluded.payload,
		size = excluded.size,
		created_us = excluded.created_us,
		last_accessed_us = excluded.last_accessed_us,
		plant_id = excluded.plant_id,
		note_id = excluded.note_id,
		mime_type = excluded.mime_type,
		width = excluded.width,
		height = excluded.height,
		remote_url = excluded.remote_url,
		cloud_synced = excluded.cloud_synced
`

func (s *Store) Put(ctx context.Context, rec *image.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	m := rec.Metadata
	_, err := s.db.ExecContext(ctx, upsertQuery,
		rec.ID,
		rec.Payload,
		m.Size,
		m.Created.UnixMicro(),
		m.LastAccessed.UnixMicro(),
		nullString(m.PlantID),
		nullString(m.NoteID),
		m.MIMEType,
		nullInt(m.Width),
		nullInt(m.Height),
		nullString(m.RemoteURL),
		m.CloudSynced,
	)
	if err != nil {
		return fmt.Errorf("upsert image %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*image.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+columns+" FROM images WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get image %s: %w", id, err)
	}
	return rec, true, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM images WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete image %s: %w", id, err)
	}
	return nil
}

func (s *Store) GetAllByIndex(ctx context.Context, index cache.Index, value string) ([]*image.Record, error) {
	var (
		query string
		arg   any
	)
	switch index {
	case cache.IndexPlantID:
		if value == "" {
			query = "SELECT " + columns + " FROM images WHERE plant_id IS NULL ORDER BY id"
		} else {
			query = "SELECT " + columns + " FROM images WHERE plant_id = ? ORDER BY id"
			arg = value
		}
	case cache.IndexCloudSynced:
		synced, err := cache.ParseSyncedValue(value)
		if err != nil {
			return nil, err
		}
		query = "SELECT " + columns + " FROM images WHERE cloud_synced = ? ORDER BY id"
		arg = synced
	default:
		return nil, fmt.Errorf("%w: unknown index %q", cache.ErrInvalidIndex, index)
	}

	var args []any
	if arg != nil {
		args = append(args, arg)
	}
	return s.query(ctx, query, args...)
}

func (s *Store) All(ctx context.Context) ([]*image.Record, error) {
	return s.query(ctx, "SELECT "+columns+" FROM images ORDER BY id")
}

func (s *Store) Stats(ctx context.Context) (cache.Stats, error) {
	var st cache.Stats
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(size), 0), COALESCE(SUM(cloud_synced), 0) FROM images",
	).Scan(&st.Count, &st.TotalBytes, &st.CloudSynced)
	if err != nil {
		return cache.Stats{}, fmt.Errorf("image stats: %w", err)
	}
	return st, nil
}

func (s *Store) PutTombstone(ctx context.Context, t cache.Tombstone) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tombstones (id, remote_url) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET remote_url = COALESCE(excluded.remote_url, tombstones.remote_url)
	`, t.ID, nullString(t.RemoteURL))
	if err != nil {
		return fmt.Errorf("put tombstone %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) HasTombstone(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tombstones WHERE id = ?", id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("get tombstone %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *Store) Tombstones(ctx context.Context) ([]cache.Tombstone, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, remote_url FROM tombstones ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query tombstones: %w", err)
	}
	defer rows.Close()

	var out []cache.Tombstone
	for rows.Next() {
		var (
			id  string
			url sql.NullString
		)
		if err := rows.Scan(&id, &url); err != nil {
			return nil, fmt.Errorf("scan tombstone: %w", err)
		}
		out = append(out, cache.Tombstone{ID: id, RemoteURL: url.String})
	}
	return out, rows.Err()
}

func (s *Store) DeleteTombstone(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM tombstones WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete tombstone %s: %w", id, err)
	}
	return nil
}

func (s *Store) Kind() cache.Kind { return cache.KindSQLite }

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*image.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}
	defer rows.Close()

	var records []*image.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

// imageRow mirrors the nullable columns of the images table.
type imageRow struct {
	ID             string
	Payload        string
	Size           int64
	CreatedUS      int64
	LastAccessedUS int64
	PlantID        sql.NullString
	NoteID         sql.NullString
	MIMEType       string
	Width          sql.NullInt64
	Height         sql.NullInt64
	RemoteURL      sql.NullString
	CloudSynced    bool
}

func scanRecord(sc scanner) (*image.Record, error) {
	var r imageRow
	if err := sc.Scan(&r.ID, &r.Payload, &r.Size, &r.CreatedUS, &r.LastAccessedUS,
		&r.PlantID, &r.NoteID, &r.MIMEType, &r.Width, &r.Height, &r.RemoteURL, &r.CloudSynced); err != nil {
		return nil, err
	}
	return r.toRecord(), nil
}

func (r *imageRow) toRecord() *image.Record {
	return &image.Record{
		ID:      r.ID,
		Payload: r.Payload,
		Metadata: image.Metadata{
			Size:         r.Size,
			Created:      time.UnixMicro(r.CreatedUS).UTC(),
			LastAccessed: time.UnixMicro(r.LastAccessedUS).UTC(),
			PlantID:      r.PlantID.String,
			NoteID:       r.NoteID.String,
			MIMEType:     r.MIMEType,
			Width:        int(r.Width.Int64),
			Height:       int(r.Height.Int64),
			RemoteURL:    r.RemoteURL.String,
			CloudSynced:  r.CloudSynced,
		},
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}
