package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/FranksOps/ruleharvest/internal/config"
	"github.com/FranksOps/ruleharvest/internal/export"
	"github.com/FranksOps/ruleharvest/internal/identity"
	"github.com/FranksOps/ruleharvest/internal/metrics"
	"github.com/FranksOps/ruleharvest/internal/pipeline"
	"github.com/FranksOps/ruleharvest/internal/report"
	"github.com/FranksOps/ruleharvest/internal/storage"
	"github.com/FranksOps/ruleharvest/pkg/ratelimit"
)

// ErrUnreachable is returned by the check command when the search API cannot
// be reached.
var ErrUnreachable = errors.New("github api unreachable")

// RunParams contains dependencies for the commands
type RunParams struct {
	LoadSettings  func(*pflag.FlagSet) (*config.Settings, error)
	ValidSettings func(*config.Settings) error
	OpenBackend   func(context.Context, config.StoreSettings) (storage.Backend, error)
	// Stdout receives reports, Stderr receives logs. Nil means os.Stdout and os.Stderr.
	Stdout io.Writer
	Stderr io.Writer
}

// DefaultRunParams returns production dependencies
func DefaultRunParams() RunParams {
	return RunParams{
		LoadSettings:  config.LoadSettingsWithFlags,
		ValidSettings: config.ValidateSettings,
		OpenBackend:   OpenBackend,
		Stdout:        os.Stdout,
		Stderr:        os.Stderr,
	}
}

func (p RunParams) stdout() io.Writer {
	if p.Stdout == nil {
		return os.Stdout
	}
	return p.Stdout
}

func (p RunParams) stderr() io.Writer {
	if p.Stderr == nil {
		return os.Stderr
	}
	return p.Stderr
}

func setup(params RunParams, flags *pflag.FlagSet) (*config.Settings, *slog.Logger, error) {
	settings, err := params.LoadSettings(flags)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if err := params.ValidSettings(settings); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := config.NewLogger(settings.Log.Level, settings.Log.Format, params.stderr())
	slog.SetDefault(logger)
	return settings, logger, nil
}

func jsonOutput(flags *pflag.FlagSet) bool {
	if flags == nil {
		return false
	}
	v, err := flags.GetBool("json")
	return err == nil && v
}

func newLimiter(rps, jitter float64) *ratelimit.Limiter {
	if rps <= 0 {
		return nil
	}
	return ratelimit.NewLimiter(rps, jitter)
}

func closeLogged(c io.Closer, logger *slog.Logger, what string) {
	if err := c.Close(); err != nil {
		logger.Error("failed to close "+what, "err", err)
	}
}

// RunWithDeps executes one ingestion pass. The run summary is printed even
// when the run fails.
func RunWithDeps(ctx context.Context, params RunParams, flags *pflag.FlagSet, version string) error {
	settings, logger, err := setup(params, flags)
	if err != nil {
		return err
	}

	logger.Info("Starting ruleharvest run", "version", version)
	config.LogWithLogger(settings, logger)

	unlock, err := AcquireLock(LockPath(settings), logger)
	if err != nil {
		return err
	}
	defer unlock()

	backend, err := params.OpenBackend(ctx, settings.Store)
	if err != nil {
		return fmt.Errorf("failed to open identity store: %w", err)
	}
	defer closeLogged(backend, logger, "identity store")

	searcher, err := NewSearcher(ctx, settings, logger)
	if err != nil {
		return fmt.Errorf("failed to create search client: %w", err)
	}

	fetcher, err := NewFetcher(settings)
	if err != nil {
		return fmt.Errorf("failed to create fetcher: %w", err)
	}

	writer, err := export.Open(settings.Output.Dir, settings.Output.CSV)
	if err != nil {
		return fmt.Errorf("failed to open export: %w", err)
	}
	defer closeLogged(writer, logger, "export")

	if settings.Metrics.Addr != "" {
		srv := metrics.Start(settings.Metrics.Addr, logger)
		defer func() {
			if err := srv.Stop(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("failed to stop metrics server", "err", err)
			}
		}()
	}

	ctl, err := pipeline.New(pipeline.Config{
		Query:          settings.GitHub.Query,
		OwnerLogin:     settings.OwnerLogin,
		ContentBaseURL: settings.Fetch.ContentBaseURL,
		Concurrency:    settings.Fetch.Concurrency,
	}, identity.NewStore(backend), searcher, fetcher, writer, logger)
	if err != nil {
		return err
	}

	res, runErr := ctl.Run(ctx)

	summary := report.FromResult(res)
	var writeErr error
	if jsonOutput(flags) {
		writeErr = report.WriteJSON(params.stdout(), summary)
	} else {
		writeErr = report.WriteRunText(params.stdout(), summary)
	}
	if writeErr != nil {
		logger.Error("failed to write run summary", "err", writeErr)
	}

	if settings.Metrics.Textfile != "" {
		if err := metrics.WriteTextfile(settings.Metrics.Textfile); err != nil {
			logger.Error("failed to write metrics textfile", "path", settings.Metrics.Textfile, "err", err)
		}
	}

	return runErr
}

// CheckWithDeps probes the search API without searching.
func CheckWithDeps(ctx context.Context, params RunParams, flags *pflag.FlagSet) error {
	settings, logger, err := setup(params, flags)
	if err != nil {
		return err
	}

	searcher, err := NewSearcher(ctx, settings, logger)
	if err != nil {
		return fmt.Errorf("failed to create search client: %w", err)
	}
	if !searcher.TestConnection(ctx) {
		return ErrUnreachable
	}

	_, err = fmt.Fprintln(params.stdout(), "github api reachable")
	return err
}

// SummaryWithDeps prints what the identity store and the CSV export hold.
func SummaryWithDeps(ctx context.Context, params RunParams, flags *pflag.FlagSet) error {
	settings, logger, err := setup(params, flags)
	if err != nil {
		return err
	}

	backend, err := params.OpenBackend(ctx, settings.Store)
	if err != nil {
		return fmt.Errorf("failed to open identity store: %w", err)
	}
	defer closeLogged(backend, logger, "identity store")

	records, err := backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load identity store: %w", err)
	}
	rows, err := export.ReadCSV(settings.Output.CSV)
	if err != nil {
		return fmt.Errorf("failed to read export: %w", err)
	}

	summary := report.SummarizeStore(records)
	summary.ExportRows = len(rows)

	if jsonOutput(flags) {
		return report.WriteJSON(params.stdout(), summary)
	}
	return report.WriteStoreText(params.stdout(), summary)
}
