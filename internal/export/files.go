package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrUnsafePath is returned for file paths that would leave the output root.
var ErrUnsafePath = errors.New("path escapes output directory")

// Files writes raw file content below a root directory, laid out as
// <root>/<owner>/<repo>/<path>.
type Files struct {
	root string
}

// NewFiles creates root if needed.
func NewFiles(root string) (*Files, error) {
	if root == "" {
		return nil, errors.New("context: output directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}
	return &Files{root: root}, nil
}

// Path resolves the output path for a file of repository fullName.
func (f *Files) Path(fullName, path string) (string, error) {
	rel := filepath.FromSlash(fullName + "/" + path)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, fullName+"/"+path)
	}
	return filepath.Join(f.root, rel), nil
}

// Write stores body at the resolved path through a temp file and rename, so a
// reader never sees a partial file. It returns the final path.
func (f *Files) Write(fullName, path string, body []byte) (string, error) {
	target, err := f.Path(fullName, path)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("context: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("context: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op after a successful rename
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("context: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("context: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return "", fmt.Errorf("context: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", fmt.Errorf("context: %w", err)
	}
	return target, nil
}
