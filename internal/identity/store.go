// Package identity keeps the set of remote files that have already been
// ingested. The set is loaded from a storage.Backend once per run, grows while
// the run processes items, and is written back with Persist.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/FranksOps/ruleharvest/internal/storage"
)

// ErrDuplicateKey is matched by DuplicateKeyError. Seeing it means a caller
// skipped the Has/Reserve check.
var ErrDuplicateKey = errors.New("identity: key already recorded")

// DuplicateKeyError reports an attempt to record a key twice.
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("identity: key %q already recorded", e.Key)
}

func (e *DuplicateKeyError) Is(target error) bool {
	return target == ErrDuplicateKey
}

// Keyed is anything that can name its identity key.
type Keyed interface {
	Key() string
}

// Store is the in-memory identity set backed by a snapshot backend.
// It is safe for concurrent use.
type Store struct {
	backend storage.Backend
	now     func() time.Time

	mu       sync.Mutex
	records  map[string]storage.IdentityRecord
	inFlight map[string]struct{}

	// attempted holds released keys; they stay unreservable until the next Load.
	attempted map[string]struct{}

	persistMu sync.Mutex
}

// NewStore wraps a backend. Call Load before using the store.
func NewStore(backend storage.Backend) *Store {
	return &Store{
		backend:  backend,
		now:      time.Now,
		records:   make(map[string]storage.IdentityRecord),
		inFlight:  make(map[string]struct{}),
		attempted: make(map[string]struct{}),
	}
}

// Load replaces the in-memory set with the backend snapshot. A corrupt
// snapshot is returned as an error matching storage.ErrStorageCorrupt.
func (s *Store) Load(ctx context.Context) error {
	records, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("load identity snapshot: %w", err)
	}

	loaded := make(map[string]storage.IdentityRecord, len(records))
	for _, r := range records {
		if _, dup := loaded[r.Key]; dup {
			return fmt.Errorf("load identity snapshot: %w",
				&storage.CorruptError{Source: "backend", Err: fmt.Errorf("key %q appears more than once", r.Key)})
		}
		loaded[r.Key] = r
	}

	s.mu.Lock()
	s.records = loaded
	s.inFlight = make(map[string]struct{})
	s.attempted = make(map[string]struct{})
	s.mu.Unlock()
	return nil
}

// Has reports whether key has been recorded.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key]
	return ok
}

// Reserve marks key as being downloaded. It returns false when the key is
// already recorded, another caller holds the reservation, or the key was
// attempted and released since the last Load.
func (s *Store) Reserve(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; ok {
		return false
	}
	if _, ok := s.inFlight[key]; ok {
		return false
	}
	if _, ok := s.attempted[key]; ok {
		return false
	}
	s.inFlight[key] = struct{}{}
	return true
}

// Release drops a reservation without recording the key. The key cannot be
// reserved again until the next Load, so a failed item is tried once per run
// and stays eligible for a later one.
func (s *Store) Release(key string) {
	s.mu.Lock()
	if _, ok := s.inFlight[key]; ok {
		delete(s.inFlight, key)
		s.attempted[key] = struct{}{}
	}
	s.mu.Unlock()
}

// Record inserts a new record for item. Any reservation for the key is consumed.
func (s *Store) Record(item Keyed, size int64, downloadURL string) (storage.IdentityRecord, error) {
	key := item.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[key]; ok {
		return storage.IdentityRecord{}, &DuplicateKeyError{Key: key}
	}

	rec := storage.IdentityRecord{
		Key:         key,
		DownloadURL: downloadURL,
		SizeBytes:   size,
		FirstSeenAt: s.now().UTC(),
	}
	s.records[key] = rec
	delete(s.inFlight, key)
	return rec, nil
}

// Len returns the number of recorded keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Snapshot returns all records sorted by key.
func (s *Store) Snapshot() []storage.IdentityRecord {
	s.mu.Lock()
	out := make([]storage.IdentityRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Persist writes the whole set through the backend. Calls are serialized.
func (s *Store) Persist(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if err := s.backend.Save(ctx, s.Snapshot()); err != nil {
		return fmt.Errorf("persist identity snapshot: %w", err)
	}
	return nil
}
