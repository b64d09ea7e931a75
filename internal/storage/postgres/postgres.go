package postgres

import (
	"context"
	"fmt"

	"github.com/FranksOps/ruleharvest/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ensure postgresBackend implements storage.Backend
var _ storage.Backend = (*postgresBackend)(nil)

type postgresBackend struct {
	pool  *pgxpool.Pool
	table string
}

const defaultTable = "identity_records"

const schemaTmpl = `
CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	download_url TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL
);
`

var columns = []string{"key", "download_url", "size_bytes", "first_seen_at"}

// New creates a new Postgres-backed storage.Backend.
func New(ctx context.Context, dsn string) (storage.Backend, error) {
	return newWithTable(ctx, dsn, defaultTable)
}

func newWithTable(ctx context.Context, dsn, table string) (*postgresBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("context: %w", err)
	}

	ident := pgx.Identifier{table}.Sanitize()
	if _, err := pool.Exec(ctx, fmt.Sprintf(schemaTmpl, ident)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("context: %w", err)
	}

	return &postgresBackend{pool: pool, table: table}, nil
}

func (b *postgresBackend) Load(ctx context.Context) ([]storage.IdentityRecord, error) {
	query := fmt.Sprintf(`SELECT key, download_url, size_bytes, first_seen_at FROM %s ORDER BY key`, pgx.Identifier{b.table}.Sanitize())

	rows, err := b.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.IdentityRecord, error) {
		var r storage.IdentityRecord
		err := row.Scan(&r.Key, &r.DownloadURL, &r.SizeBytes, &r.FirstSeenAt)
		return r, err
	})
	if err != nil {
		return nil, &storage.CorruptError{Source: "postgres:" + b.table, Err: err}
	}
	if records == nil {
		records = []storage.IdentityRecord{}
	}

	if err := storage.CheckRecords("postgres:"+b.table, records); err != nil {
		return nil, err
	}
	return records, nil
}

// Save truncates and refills the table in one transaction using COPY.
func (b *postgresBackend) Save(ctx context.Context, records []storage.IdentityRecord) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("context: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, pgx.Identifier{b.table}.Sanitize())); err != nil {
		return fmt.Errorf("context: %w", err)
	}

	rows := make([][]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, []any{r.Key, r.DownloadURL, r.SizeBytes, r.FirstSeenAt.UTC()})
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{b.table}, columns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("context: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("context: %w", err)
	}
	return nil
}

func (b *postgresBackend) Close() error {
	b.pool.Close()
	return nil
}
