package image

import (
	"errors"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		rec     *Record
		wantErr bool
	}{
		{"nil", nil, true},
		{"missing id", &Record{}, true},
		{"local only", &Record{ID: "a"}, false},
		{"synced with url", &Record{ID: "a", Metadata: Metadata{CloudSynced: true, RemoteURL: "u/a.jpg"}}, false},
		{"synced without url", &Record{ID: "a", Metadata: Metadata{CloudSynced: true}}, true},
		{"stale url unsynced", &Record{ID: "a", Metadata: Metadata{RemoteURL: "u/a.jpg"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("Validate() error = %v, want ErrInvalidRecord", err)
			}
		})
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestMarkSyncedAndClone(t *testing.T) {
	rec := &Record{ID: "a", Metadata: Metadata{Created: time.Unix(100, 0)}}
	c := rec.Clone()
	c.MarkSynced("user/a.jpg")

	if rec.Metadata.CloudSynced {
		t.Error("clone mutation leaked into original")
	}
	if !c.Metadata.CloudSynced || c.Metadata.RemoteURL != "user/a.jpg" {
		t.Errorf("MarkSynced() = %+v", c.Metadata)
	}
	if got := c.Age(time.Unix(160, 0)); got != time.Minute {
		t.Errorf("Age() = %v, want 1m", got)
	}
}
