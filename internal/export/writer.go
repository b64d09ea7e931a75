package export

import (
	"context"
	"fmt"

	"github.com/FranksOps/ruleharvest/internal/search"
	"github.com/FranksOps/ruleharvest/internal/storage"
)

// Writer persists an accepted file: raw bytes first, then the CSV row, so a
// row never points at a file that was not written.
type Writer struct {
	files *Files
	csv   *CSV
}

// NewWriter composes files and csv. Both are required.
func NewWriter(files *Files, csv *CSV) *Writer {
	return &Writer{files: files, csv: csv}
}

// Open creates a Writer for the output directory and CSV path.
func Open(dir, csvPath string) (*Writer, error) {
	files, err := NewFiles(dir)
	if err != nil {
		return nil, err
	}
	c, err := OpenCSV(csvPath)
	if err != nil {
		return nil, err
	}
	return NewWriter(files, c), nil
}

// Write stores body and appends the export row for item.
func (w *Writer) Write(ctx context.Context, item search.Item, rec storage.IdentityRecord, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := w.files.Write(item.RepositoryFullName, item.Path, body); err != nil {
		return fmt.Errorf("write raw file %s: %w", rec.Key, err)
	}

	row := Row{
		RepositoryFullName: item.RepositoryFullName,
		OwnerLogin:         item.OwnerLogin,
		Path:               item.Path,
		BranchRef:          item.BranchRef,
		SizeBytes:          rec.SizeBytes,
		DownloadURL:        rec.DownloadURL,
		FirstSeenAt:        rec.FirstSeenAt,
	}
	if err := w.csv.Append(row); err != nil {
		return fmt.Errorf("append export row %s: %w", rec.Key, err)
	}
	return nil
}

// Rows returns the export rows written so far, including earlier runs.
func (w *Writer) Rows() ([]Row, error) {
	return w.csv.ReadAll()
}

// Close closes the CSV file.
func (w *Writer) Close() error {
	if w == nil || w.csv == nil {
		return nil
	}
	return w.csv.Close()
}
