// Package export writes accepted rules files: one CSV row per file plus the
// raw bytes under an output directory.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// headers defines the CSV column order
var headers = []string{
	"repository_full_name",
	"owner_login",
	"path",
	"branch_ref",
	"size_bytes",
	"download_url",
	"first_seen_at",
}

// Row is one exported file.
type Row struct {
	RepositoryFullName string
	OwnerLogin         string
	Path               string
	BranchRef          string
	SizeBytes          int64
	DownloadURL        string
	FirstSeenAt        time.Time
}

func (r Row) record() []string {
	return []string{
		r.RepositoryFullName,
		r.OwnerLogin,
		r.Path,
		r.BranchRef,
		strconv.FormatInt(r.SizeBytes, 10),
		r.DownloadURL,
		r.FirstSeenAt.UTC().Format(time.RFC3339Nano),
	}
}

// CSV appends rows to an export file. Existing rows are never rewritten.
type CSV struct {
	mu   sync.Mutex
	file *os.File
}

// OpenCSV opens filePath for appending, creating it and its directory if
// needed. The header is written when the file is empty.
func OpenCSV(filePath string) (*CSV, error) {
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("context: %w", err)
		}
	}

	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("context: %w", err)
	}

	if info.Size() == 0 {
		w := csv.NewWriter(f)
		if err := w.Write(headers); err != nil {
			f.Close()
			return nil, fmt.Errorf("context: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("context: %w", err)
		}
	}

	return &CSV{file: f}, nil
}

// Append writes one row and flushes it.
func (c *CSV) Append(row Row) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := csv.NewWriter(c.file)
	if err := w.Write(row.record()); err != nil {
		return fmt.Errorf("context: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("context: %w", err)
	}
	return nil
}

// ReadAll returns every row in file order.
func (c *CSV) ReadAll() ([]Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// O_APPEND writes always go to the end, so reading from the start is safe
	if _, err := c.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}
	return readRows(c.file)
}

// Close closes the export file.
func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file.Close()
}

// ReadCSV reads an export file without opening it for writing. A missing file
// has no rows.
func ReadCSV(filePath string) ([]Row, error) {
	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Row{}, nil
		}
		return nil, fmt.Errorf("context: %w", err)
	}
	defer f.Close()
	return readRows(f)
}

func readRows(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(headers)

	// Read headers
	if _, err := cr.Read(); err != nil {
		if err == io.EOF {
			return []Row{}, nil
		}
		return nil, fmt.Errorf("context: %w", err)
	}

	rows := []Row{}
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("context: %w", err)
		}

		size, err := strconv.ParseInt(record[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("context: size_bytes %q: %w", record[4], err)
		}
		seen, err := time.Parse(time.RFC3339Nano, record[6])
		if err != nil {
			return nil, fmt.Errorf("context: first_seen_at %q: %w", record[6], err)
		}

		rows = append(rows, Row{
			RepositoryFullName: record[0],
			OwnerLogin:         record[1],
			Path:               record[2],
			BranchRef:          record[3],
			SizeBytes:          size,
			DownloadURL:        record[5],
			FirstSeenAt:        seen,
		})
	}
	return rows, nil
}
