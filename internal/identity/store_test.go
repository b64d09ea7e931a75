package identity

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FranksOps/ruleharvest/internal/storage"
	"github.com/FranksOps/ruleharvest/internal/storage/jsonbackend"
)

type testKey string

func (k testKey) Key() string { return string(k) }

type memBackend struct {
	mu      sync.Mutex
	records []storage.IdentityRecord
	loadErr error
	saveErr error
	saves   int
}

func (m *memBackend) Load(ctx context.Context) ([]storage.IdentityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return append([]storage.IdentityRecord(nil), m.records...), nil
}

func (m *memBackend) Save(ctx context.Context, records []storage.IdentityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.records = append([]storage.IdentityRecord(nil), records...)
	return nil
}

func (m *memBackend) Close() error { return nil }

func TestStore_LoadHasRecord(t *testing.T) {
	b := &memBackend{records: []storage.IdentityRecord{{Key: "acme/repo/.cursorrules", SizeBytes: 3}}}
	s := NewStore(b)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !s.Has("acme/repo/.cursorrules") {
		t.Errorf("expected loaded key to be present")
	}
	if s.Has("foo/bar/.cursorrules") {
		t.Errorf("expected unknown key to be absent")
	}

	rec, err := s.Record(testKey("foo/bar/.cursorrules"), 12, "https://raw.example/foo/bar/main/.cursorrules")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Key != "foo/bar/.cursorrules" || rec.SizeBytes != 12 || !rec.FirstSeenAt.Equal(fixed) {
		t.Errorf("unexpected record %+v", rec)
	}
	if !s.Has("foo/bar/.cursorrules") {
		t.Errorf("expected recorded key to be present")
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 records, got %d", s.Len())
	}

	_, err = s.Record(testKey("foo/bar/.cursorrules"), 1, "x")
	if !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}
	var dke *DuplicateKeyError
	if !errors.As(err, &dke) || dke.Key != "foo/bar/.cursorrules" {
		t.Errorf("expected DuplicateKeyError for the key, got %v", err)
	}
}

func TestStore_LoadCorrupt(t *testing.T) {
	b := &memBackend{loadErr: &storage.CorruptError{Source: "mem", Err: errors.New("bad")}}
	s := NewStore(b)

	err := s.Load(context.Background())
	if !errors.Is(err, storage.ErrStorageCorrupt) {
		t.Fatalf("expected ErrStorageCorrupt, got %v", err)
	}
}

func TestStore_LoadDuplicateFromBackend(t *testing.T) {
	b := &memBackend{records: []storage.IdentityRecord{{Key: "a/b/c"}, {Key: "a/b/c"}}}
	s := NewStore(b)

	if err := s.Load(context.Background()); !errors.Is(err, storage.ErrStorageCorrupt) {
		t.Fatalf("expected ErrStorageCorrupt, got %v", err)
	}
}

func TestStore_ReserveRelease(t *testing.T) {
	s := NewStore(&memBackend{records: []storage.IdentityRecord{{Key: "done/key/x"}}})
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	if s.Reserve("done/key/x") {
		t.Errorf("expected reserve of recorded key to fail")
	}
	if !s.Reserve("new/key/x") {
		t.Fatalf("expected first reserve to succeed")
	}
	if s.Reserve("new/key/x") {
		t.Errorf("expected second reserve of in-flight key to fail")
	}

	s.Release("new/key/x")
	if s.Has("new/key/x") {
		t.Errorf("expected released key to stay unrecorded")
	}
	if s.Reserve("new/key/x") {
		t.Errorf("expected released key to stay unreservable until the next load")
	}

	// A new run starts from a fresh load and may try the key again.
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !s.Reserve("new/key/x") {
		t.Fatalf("expected reserve after reload to succeed")
	}

	if _, err := s.Record(testKey("new/key/x"), 5, "u"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if s.Reserve("new/key/x") {
		t.Errorf("expected reserve of recorded key to fail")
	}
}

func TestStore_ReserveConcurrent(t *testing.T) {
	s := NewStore(&memBackend{})
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Reserve("same/key/x") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly one reservation, got %d", wins.Load())
	}
}

func TestStore_PersistSorted(t *testing.T) {
	b := &memBackend{}
	s := NewStore(b)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	for _, k := range []string{"c/c/c", "a/a/a", "b/b/b"} {
		if _, err := s.Record(testKey(k), 2, "u"); err != nil {
			t.Fatalf("record %s: %v", k, err)
		}
	}

	if err := s.Persist(context.Background()); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if b.saves != 1 {
		t.Errorf("expected 1 save, got %d", b.saves)
	}
	if len(b.records) != 3 || b.records[0].Key != "a/a/a" || b.records[2].Key != "c/c/c" {
		t.Errorf("expected sorted records, got %+v", b.records)
	}

	// Idempotent
	if err := s.Persist(context.Background()); err != nil {
		t.Fatalf("second persist: %v", err)
	}
	if len(b.records) != 3 {
		t.Errorf("expected 3 records after second persist, got %d", len(b.records))
	}
}

func TestStore_PersistError(t *testing.T) {
	cause := errors.New("disk full")
	s := NewStore(&memBackend{saveErr: cause})
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := s.Persist(context.Background()); !errors.Is(err, cause) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
}

func TestStore_JSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identities.json")
	b, err := jsonbackend.New(path)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}

	s := NewStore(b)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := s.Record(testKey("acme/repo/.cursorrules"), 10, "u1"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.Persist(context.Background()); err != nil {
		t.Fatalf("persist: %v", err)
	}

	reloaded := NewStore(b)
	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.Has("acme/repo/.cursorrules") {
		t.Errorf("expected key after reload")
	}
	snap := reloaded.Snapshot()
	if len(snap) != 1 || snap[0].DownloadURL != "u1" || snap[0].SizeBytes != 10 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}
