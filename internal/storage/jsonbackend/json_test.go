package jsonbackend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/FranksOps/ruleharvest/internal/storage"
)

func TestJSONBackend(t *testing.T) {
	tmpDir := t.TempDir()
	filePath := filepath.Join(tmpDir, "nested", "identities.json")

	b, err := New(filePath)
	if err != nil {
		t.Fatalf("Failed to create JSON backend: %v", err)
	}
	defer b.Close()

	ctx := context.Background()

	// Missing file is an empty store
	records, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Failed to load missing snapshot: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("Expected empty snapshot, got %d records", len(records))
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	want := []storage.IdentityRecord{
		{
			Key:         "acme/repo/.cursorrules",
			DownloadURL: "https://raw.githubusercontent.com/acme/repo/main/.cursorrules",
			SizeBytes:   42,
			FirstSeenAt: now.Add(-time.Hour),
		},
		{
			Key:         "foo/bar/docs/.cursorrules",
			DownloadURL: "https://raw.githubusercontent.com/foo/bar/abc123/docs/.cursorrules",
			SizeBytes:   7,
			FirstSeenAt: now,
		},
	}

	if err := b.Save(ctx, want); err != nil {
		t.Fatalf("Failed to save snapshot: %v", err)
	}

	got, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Failed to reload snapshot: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d records, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].Key != want[i].Key || got[i].DownloadURL != want[i].DownloadURL ||
			got[i].SizeBytes != want[i].SizeBytes || !got[i].FirstSeenAt.Equal(want[i].FirstSeenAt) {
			t.Errorf("Record %d mismatch: got %+v, want %+v", i, got[i], want[i])
		}
	}

	// No temp files left behind
	entries, err := os.ReadDir(filepath.Dir(filePath))
	if err != nil {
		t.Fatalf("Failed to list dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the snapshot file, found %d entries", len(entries))
	}

	// Saving an unchanged snapshot round-trips
	if err := b.Save(ctx, got); err != nil {
		t.Fatalf("Failed to re-save snapshot: %v", err)
	}
	again, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Failed to load re-saved snapshot: %v", err)
	}
	if len(again) != len(want) {
		t.Errorf("Expected %d records after re-save, got %d", len(want), len(again))
	}
}

func TestJSONBackend_Corrupt(t *testing.T) {
	cases := map[string]string{
		"garbage":   "{not json",
		"empty":     "",
		"blank":     "  \n",
		"null":      "null",
		"object":    `{"key":"a"}`,
		"duplicate": `[{"key":"a/b/c"},{"key":"a/b/c"}]`,
		"emptykey":  `[{"key":""}]`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			filePath := filepath.Join(t.TempDir(), "identities.json")
			if err := os.WriteFile(filePath, []byte(content), 0644); err != nil {
				t.Fatalf("Failed to seed file: %v", err)
			}

			b, _ := New(filePath)
			_, err := b.Load(context.Background())
			if !errors.Is(err, storage.ErrStorageCorrupt) {
				t.Errorf("Expected ErrStorageCorrupt, got %v", err)
			}
		})
	}
}

func TestJSONBackend_EmptyArray(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "identities.json")
	if err := os.WriteFile(filePath, []byte("[]"), 0644); err != nil {
		t.Fatalf("Failed to seed file: %v", err)
	}

	b, _ := New(filePath)
	records, err := b.Load(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Expected 0 records, got %d", len(records))
	}
}

func TestNew_EmptyPath(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("Expected error for empty path")
	}
}
