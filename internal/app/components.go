package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/FranksOps/ruleharvest/internal/config"
	"github.com/FranksOps/ruleharvest/internal/fetch"
	"github.com/FranksOps/ruleharvest/internal/fingerprint"
	"github.com/FranksOps/ruleharvest/internal/search"
	"github.com/FranksOps/ruleharvest/internal/storage"
	"github.com/FranksOps/ruleharvest/internal/storage/jsonbackend"
	"github.com/FranksOps/ruleharvest/internal/storage/postgres"
	"github.com/FranksOps/ruleharvest/internal/storage/sqlite"
)

// LockFileName is created next to the identity store.
const LockFileName = "ruleharvest.lock"

// ErrLocked is returned when another run holds the lock.
var ErrLocked = errors.New("another ruleharvest run is in progress")

// OpenBackend opens the identity store backend selected by s.Driver.
func OpenBackend(ctx context.Context, s config.StoreSettings) (storage.Backend, error) {
	switch s.Driver {
	case config.DriverJSON, "":
		return jsonbackend.New(s.Path)
	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		return sqlite.New(s.Path)
	case config.DriverPostgres:
		return postgres.New(ctx, s.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", s.Driver)
	}
}

// LockPath returns the run lock location: beside the store file, or in the
// output directory when the store is remote.
func LockPath(s *config.Settings) string {
	dir := s.Output.Dir
	if s.Store.Driver != config.DriverPostgres && s.Store.Path != "" {
		dir = filepath.Dir(s.Store.Path)
	}
	return filepath.Join(dir, LockFileName)
}

// AcquireLock takes the run lock without waiting. The returned func releases it.
func AcquireLock(path string, logger *slog.Logger) (func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock %s)", ErrLocked, path)
	}

	return func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release run lock", "lock", path, "err", err)
		}
	}, nil
}

// NewSearcher builds the GitHub code search client.
func NewSearcher(ctx context.Context, s *config.Settings, logger *slog.Logger) (*search.GitHub, error) {
	return search.NewGitHub(ctx, search.Config{
		Token:    s.GitHub.Token,
		BaseURL:  s.GitHub.BaseURL,
		PerPage:  s.GitHub.PerPage,
		MaxPages: s.GitHub.MaxPages,
		Timeout:  s.GitHub.Timeout,
		Limiter:  newLimiter(s.GitHub.RequestsPerSecond, 0),
	}, logger)
}

// NewFetcher builds the content downloader.
func NewFetcher(s *config.Settings) (*fetch.Fetcher, error) {
	profile, err := fingerprint.ParseProfile(s.Fetch.TLSProfile)
	if err != nil {
		return nil, err
	}
	return fetch.NewFetcher(fetch.Config{
		Timeout:     s.Fetch.Timeout,
		UserAgent:   s.Fetch.UserAgent,
		Fingerprint: profile,
		Limiter:     newLimiter(s.Fetch.RequestsPerSecond, s.Fetch.Jitter),
		MaxBytes:    s.Fetch.MaxBytes,
	})
}
