// Package image defines the record stored by the cache and the helpers for
// the inline data URL encoding used for image payloads.
package image

import (
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
)

var (
	ErrInvalidPayload = errors.New("invalid image payload")
	ErrInvalidRecord  = errors.New("invalid image record")
)

// Metadata is the bookkeeping kept alongside every payload.
type Metadata struct {
	Size         int64     `json:"size"`
	Created      time.Time `json:"created"`
	LastAccessed time.Time `json:"last_accessed"`
	PlantID      string    `json:"plant_id,omitempty"`
	NoteID       string    `json:"note_id,omitempty"`
	MIMEType     string    `json:"mime_type"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	RemoteURL    string    `json:"remote_url,omitempty"`
	CloudSynced  bool      `json:"cloud_synced"`
}

// Record is the unit of storage: one payload plus its metadata.
type Record struct {
	ID       string   `json:"id"`
	Payload  string   `json:"payload"`
	Metadata Metadata `json:"metadata"`
}

// Associations carries the optional caller-supplied fields of a new record.
type Associations struct {
	PlantID string
	NoteID  string
	Width   int
	Height  int
}

// NewID returns a fresh, time-ordered record id.
func NewID() string {
	return ksuid.New().String()
}

// Validate checks the invariants every backend enforces on write.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidRecord)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	if r.Metadata.CloudSynced && r.Metadata.RemoteURL == "" {
		return fmt.Errorf("%w: %s is marked synced without a remote url", ErrInvalidRecord, r.ID)
	}
	return nil
}

// Clone returns a copy that can be mutated without affecting r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// MarkSynced records a successful upload to remoteURL.
func (r *Record) MarkSynced(remoteURL string) {
	r.Metadata.RemoteURL = remoteURL
	r.Metadata.CloudSynced = remoteURL != ""
}

// Age reports how long ago the record was created.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.Metadata.Created)
}
