package jsonbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/FranksOps/ruleharvest/internal/storage"
)

// ensure jsonBackend implements storage.Backend
var _ storage.Backend = (*jsonBackend)(nil)

type jsonBackend struct {
	mu   sync.Mutex
	path string
}

// New creates a storage.Backend that keeps the snapshot as a single JSON array.
// The file is not touched until the first Load or Save.
func New(filePath string) (storage.Backend, error) {
	if filePath == "" {
		return nil, errors.New("context: snapshot path is empty")
	}
	return &jsonBackend{path: filePath}, nil
}

func (b *jsonBackend) Load(ctx context.Context) ([]storage.IdentityRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []storage.IdentityRecord{}, nil
		}
		return nil, fmt.Errorf("context: %w", err)
	}

	// An existing but empty file is a truncated write, not an empty store.
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &storage.CorruptError{Source: b.path, Err: errors.New("file is empty")}
	}

	var records []storage.IdentityRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, &storage.CorruptError{Source: b.path, Err: err}
	}
	if records == nil {
		// literal "null"
		return nil, &storage.CorruptError{Source: b.path, Err: errors.New("snapshot is null")}
	}
	if err := storage.CheckRecords(b.path, records); err != nil {
		return nil, err
	}

	return records, nil
}

// Save writes the snapshot to a temp file in the same directory and renames it
// over the previous one, so readers see either the old or the new file.
func (b *jsonBackend) Save(ctx context.Context, records []storage.IdentityRecord) error {
	if records == nil {
		records = []storage.IdentityRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("context: %w", err)
	}
	data = append(data, '\n')

	b.mu.Lock()
	defer b.mu.Unlock()

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("context: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("context: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("context: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("context: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("context: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		cleanup()
		return fmt.Errorf("context: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		cleanup()
		return fmt.Errorf("context: %w", err)
	}

	return nil
}

func (b *jsonBackend) Close() error {
	return nil
}
