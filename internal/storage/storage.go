package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStorageCorrupt is matched by every CorruptError. A corrupt snapshot must
// abort the run; it is never treated as an empty store.
var ErrStorageCorrupt = errors.New("storage: snapshot is corrupt")

// IdentityRecord marks one remote file as processed. Records are append-only.
type IdentityRecord struct {
	Key         string    `json:"key"`
	DownloadURL string    `json:"download_url"`
	SizeBytes   int64     `json:"size_bytes"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// Backend defines the interface for loading and saving identity snapshots.
// Save replaces the previous snapshot as a whole.
type Backend interface {
	Load(ctx context.Context) ([]IdentityRecord, error)
	Save(ctx context.Context, records []IdentityRecord) error
	Close() error
}

// CorruptError reports a snapshot that exists but cannot be decoded.
type CorruptError struct {
	Source string
	Err    error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("storage: corrupt snapshot %s: %v", e.Source, e.Err)
}

func (e *CorruptError) Unwrap() []error {
	return []error{ErrStorageCorrupt, e.Err}
}

// CheckRecords validates a freshly decoded snapshot. Empty or repeated keys
// mean the snapshot was not written by us.
func CheckRecords(source string, records []IdentityRecord) error {
	seen := make(map[string]struct{}, len(records))
	for i, r := range records {
		if r.Key == "" {
			return &CorruptError{Source: source, Err: fmt.Errorf("record %d has an empty key", i)}
		}
		if _, dup := seen[r.Key]; dup {
			return &CorruptError{Source: source, Err: fmt.Errorf("key %q appears more than once", r.Key)}
		}
		seen[r.Key] = struct{}{}
	}
	return nil
}
