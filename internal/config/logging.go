package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ParseLevel maps debug, info, warn and error to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log-level: %s", s)
	}
}

// NewLogger builds a text or JSON logger writing to w. Unknown levels fall
// back to info.
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	lvl, _ := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if strings.EqualFold(format, LogFormatJSON) {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Log logs the resolved settings with the default logger.
func Log(s *Settings) {
	LogWithLogger(s, slog.Default())
}

// LogWithLogger logs the resolved settings using the provided logger
func LogWithLogger(s *Settings, logger *slog.Logger) {
	ctx := context.Background()
	if s.OwnerLogin == "" {
		logger.WarnContext(ctx, "Config: owner_login is empty, self-exclusion disabled")
	} else {
		logger.InfoContext(ctx, "Config: owner_login", "value", s.OwnerLogin)
	}
	logger.InfoContext(ctx, "Config: github", "value", GitHubSettingsLogValue(s.GitHub))
	logger.InfoContext(ctx, "Config: fetch.content_base_url", "value", s.Fetch.ContentBaseURL)
	logger.InfoContext(ctx, "Config: fetch.tls_profile", "value", s.Fetch.TLSProfile)
	logger.InfoContext(ctx, "Config: fetch.concurrency", "value", s.Fetch.Concurrency)

	logger.InfoContext(ctx, "Config: store.driver", "value", s.Store.Driver)
	switch s.Store.Driver {
	case DriverPostgres:
		logger.InfoContext(ctx, "Config: store.dsn", "value", "****")
	default:
		logger.InfoContext(ctx, "Config: store.path", "value", s.Store.Path)
	}

	logger.InfoContext(ctx, "Config: output.dir", "value", s.Output.Dir)
	logger.InfoContext(ctx, "Config: output.csv", "value", s.Output.CSV)
	if s.Metrics.Textfile != "" {
		logger.InfoContext(ctx, "Config: metrics.textfile", "value", s.Metrics.Textfile)
	}
	if s.Metrics.Addr != "" {
		logger.InfoContext(ctx, "Config: metrics.addr", "value", s.Metrics.Addr)
	}
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "****"
}

// GitHubSettingsLogValue returns a slog.Value for GitHubSettings with the token masked
func GitHubSettingsLogValue(s GitHubSettings) slog.Value {
	return slog.GroupValue(
		slog.String("token", mask(s.Token)),
		slog.String("base_url", s.BaseURL),
		slog.String("query", s.Query),
		slog.Int("per_page", s.PerPage),
		slog.Int("max_pages", s.MaxPages),
		slog.Float64("requests_per_second", s.RequestsPerSecond),
		slog.Duration("timeout", s.Timeout),
	)
}

// SettingsLogValue returns a slog.Value for Settings with masked data
func SettingsLogValue(s Settings) slog.Value {
	return slog.GroupValue(
		slog.String("owner_login", s.OwnerLogin),
		slog.Any("github", GitHubSettingsLogValue(s.GitHub)),
		slog.Group("fetch",
			slog.String("content_base_url", s.Fetch.ContentBaseURL),
			slog.Duration("timeout", s.Fetch.Timeout),
			slog.Int64("max_bytes", s.Fetch.MaxBytes),
			slog.String("tls_profile", s.Fetch.TLSProfile),
			slog.Int("concurrency", s.Fetch.Concurrency),
		),
		slog.Group("store",
			slog.String("driver", s.Store.Driver),
			slog.String("path", s.Store.Path),
			slog.String("dsn", mask(s.Store.DSN)),
		),
		slog.Group("output",
			slog.String("dir", s.Output.Dir),
			slog.String("csv", s.Output.CSV),
		),
	)
}
