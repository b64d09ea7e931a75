package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/FranksOps/ruleharvest/internal/storage"
	_ "modernc.org/sqlite"
)

// ensure sqliteBackend implements storage.Backend
var _ storage.Backend = (*sqliteBackend)(nil)

type sqliteBackend struct {
	db  *sql.DB
	dsn string
}

const schema = `
CREATE TABLE IF NOT EXISTS identity_records (
	key TEXT PRIMARY KEY,
	download_url TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	first_seen_at DATETIME NOT NULL
);
`

// New creates a new SQLite-backed storage.Backend.
func New(dsn string) (storage.Backend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}

	// A file that is not a database fails here; that is a corrupt snapshot.
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, &storage.CorruptError{Source: dsn, Err: err}
	}

	return &sqliteBackend{db: db, dsn: dsn}, nil
}

func (b *sqliteBackend) Load(ctx context.Context) ([]storage.IdentityRecord, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key, download_url, size_bytes, first_seen_at FROM identity_records ORDER BY key`)
	if err != nil {
		return nil, &storage.CorruptError{Source: b.dsn, Err: err}
	}
	defer rows.Close()

	records := []storage.IdentityRecord{}
	for rows.Next() {
		var r storage.IdentityRecord
		if err := rows.Scan(&r.Key, &r.DownloadURL, &r.SizeBytes, &r.FirstSeenAt); err != nil {
			return nil, &storage.CorruptError{Source: b.dsn, Err: err}
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}

	if err := storage.CheckRecords(b.dsn, records); err != nil {
		return nil, err
	}

	return records, nil
}

// Save replaces the table contents inside one transaction.
func (b *sqliteBackend) Save(ctx context.Context, records []storage.IdentityRecord) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("context: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM identity_records`); err != nil {
		return fmt.Errorf("context: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO identity_records (key, download_url, size_bytes, first_seen_at)
	VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("context: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.Key, r.DownloadURL, r.SizeBytes, r.FirstSeenAt.UTC()); err != nil {
			return fmt.Errorf("context: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("context: %w", err)
	}
	return nil
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}
