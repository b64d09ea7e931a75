package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/FranksOps/ruleharvest/internal/fetch"
	"github.com/FranksOps/ruleharvest/internal/fingerprint"
	"github.com/FranksOps/ruleharvest/internal/pipeline"
	"github.com/FranksOps/ruleharvest/internal/search"
)

// Store driver constants
const (
	DriverJSON     = "json"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Log format constants
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// EnvPrefix prefixes every environment variable read by LoadSettingsWithFlags.
const EnvPrefix = "RULEHARVEST"

// GitHubSettings configures the code search client.
type GitHubSettings struct {
	Token             string        `mapstructure:"token"`
	BaseURL           string        `mapstructure:"base_url"`
	Query             string        `mapstructure:"query"`
	PerPage           int           `mapstructure:"per_page"`
	MaxPages          int           `mapstructure:"max_pages"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// FetchSettings configures content downloads.
type FetchSettings struct {
	ContentBaseURL    string        `mapstructure:"content_base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxBytes          int64         `mapstructure:"max_bytes"`
	TLSProfile        string        `mapstructure:"tls_profile"`
	UserAgent         string        `mapstructure:"user_agent"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Jitter            float64       `mapstructure:"jitter"`
	Concurrency       int           `mapstructure:"concurrency"`
}

// StoreSettings selects the identity store backend.
type StoreSettings struct {
	Driver string `mapstructure:"driver"` // DriverJSON, DriverSQLite or DriverPostgres
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

// OutputSettings configures the raw file tree and the CSV export.
type OutputSettings struct {
	Dir string `mapstructure:"dir"`
	CSV string `mapstructure:"csv"`
}

// LogSettings configures the slog handler.
type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsSettings configures metrics export. Both are optional.
type MetricsSettings struct {
	Textfile string `mapstructure:"textfile"`
	Addr     string `mapstructure:"addr"`
}

// Settings application settings
type Settings struct {
	OwnerLogin string          `mapstructure:"owner_login"`
	GitHub     GitHubSettings  `mapstructure:"github"`
	Fetch      FetchSettings   `mapstructure:"fetch"`
	Store      StoreSettings   `mapstructure:"store"`
	Output     OutputSettings  `mapstructure:"output"`
	Log        LogSettings     `mapstructure:"log"`
	Metrics    MetricsSettings `mapstructure:"metrics"`
}

// flagKeys maps CLI flag names to settings keys.
var flagKeys = map[string]string{
	"owner-login":      "owner_login",
	"github-token":     "github.token",
	"github-base-url":  "github.base_url",
	"query":            "github.query",
	"per-page":         "github.per_page",
	"max-pages":        "github.max_pages",
	"search-rps":       "github.requests_per_second",
	"search-timeout":   "github.timeout",
	"content-base-url": "fetch.content_base_url",
	"fetch-timeout":    "fetch.timeout",
	"max-bytes":        "fetch.max_bytes",
	"tls-profile":      "fetch.tls_profile",
	"user-agent":       "fetch.user_agent",
	"fetch-rps":        "fetch.requests_per_second",
	"jitter":           "fetch.jitter",
	"concurrency":      "fetch.concurrency",
	"store-driver":     "store.driver",
	"store-path":       "store.path",
	"store-dsn":        "store.dsn",
	"output-dir":       "output.dir",
	"output-csv":       "output.csv",
	"log-level":        "log.level",
	"log-format":       "log.format",
	"metrics-textfile": "metrics.textfile",
	"metrics-addr":     "metrics.addr",
}

// LoadSettings loads settings from environment variables and defaults.
func LoadSettings() (*Settings, error) {
	return LoadSettingsWithFlags(nil)
}

// LoadSettingsWithFlags loads settings with optional CLI flag overrides.
// Priority: CLI flags > environment variables > config file > defaults.
// The config file is taken from the "config" flag or RULEHARVEST_CONFIG and
// its format follows the file extension.
func LoadSettingsWithFlags(flags *pflag.FlagSet) (*Settings, error) {
	v := viper.New()

	v.SetDefault("owner_login", "")

	v.SetDefault("github.base_url", "")
	v.SetDefault("github.query", search.DefaultQuery)
	v.SetDefault("github.per_page", search.DefaultPerPage)
	v.SetDefault("github.max_pages", search.DefaultMaxPages)
	v.SetDefault("github.requests_per_second", 0.5)
	v.SetDefault("github.timeout", search.DefaultTimeout)

	v.SetDefault("fetch.content_base_url", pipeline.DefaultContentBaseURL)
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.max_bytes", int64(fetch.DefaultMaxBytes))
	v.SetDefault("fetch.tls_profile", string(fingerprint.ProfileGo))
	v.SetDefault("fetch.user_agent", "ruleharvest")
	v.SetDefault("fetch.requests_per_second", 5.0)
	v.SetDefault("fetch.jitter", 0.0)
	v.SetDefault("fetch.concurrency", 1)

	v.SetDefault("store.driver", DriverJSON)
	v.SetDefault("store.path", filepath.Join("data", "identities.json"))
	v.SetDefault("store.dsn", "")

	v.SetDefault("output.dir", filepath.Join("data", "rules"))
	v.SetDefault("output.csv", filepath.Join("data", "rules.csv"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", LogFormatText)

	v.SetDefault("metrics.textfile", "")
	v.SetDefault("metrics.addr", "")

	// Environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only sees keys viper already knows; bind nested ones
	// explicitly so Unmarshal picks them up.
	for _, key := range v.AllKeys() {
		_ = v.BindEnv(key, envName(key))
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				_ = v.BindPFlag(key, f)
			}
		}
	}

	if path := configFile(flags); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, err
	}

	// The conventional token variable, honoured when ours is unset
	if settings.GitHub.Token == "" {
		settings.GitHub.Token = os.Getenv("GITHUB_TOKEN")
	}

	settings.OwnerLogin = strings.TrimSpace(settings.OwnerLogin)
	settings.Store.Driver = strings.ToLower(strings.TrimSpace(settings.Store.Driver))
	settings.Log.Format = strings.ToLower(strings.TrimSpace(settings.Log.Format))
	settings.Store.Path = expandHomeDir(settings.Store.Path)
	settings.Output.Dir = expandHomeDir(settings.Output.Dir)
	settings.Output.CSV = expandHomeDir(settings.Output.CSV)
	settings.Metrics.Textfile = expandHomeDir(settings.Metrics.Textfile)

	return &settings, nil
}

// envName maps "fetch.max_bytes" to RULEHARVEST_FETCH_MAX_BYTES.
func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func configFile(flags *pflag.FlagSet) string {
	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
			return f.Value.String()
		}
	}
	return os.Getenv(EnvPrefix + "_CONFIG")
}

// expandHomeDir expands ~ to the user's home directory
func expandHomeDir(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return home
	}
	return path
}

// ValidateSettings checks for incomplete or out of range settings.
func ValidateSettings(s *Settings) error {
	switch s.Store.Driver {
	case DriverJSON, DriverSQLite:
		if s.Store.Path == "" {
			return errors.New("store-path cannot be empty for driver " + s.Store.Driver)
		}
	case DriverPostgres:
		if s.Store.DSN == "" {
			return errors.New("store-driver 'postgres' requires store-dsn")
		}
	default:
		return errors.New("store-driver must be 'json', 'sqlite' or 'postgres', got: " + s.Store.Driver)
	}

	if _, err := fingerprint.ParseProfile(s.Fetch.TLSProfile); err != nil {
		return errors.New("unknown tls-profile: " + s.Fetch.TLSProfile)
	}

	switch s.Log.Format {
	case LogFormatText, LogFormatJSON, "":
	default:
		return errors.New("log-format must be 'text' or 'json', got: " + s.Log.Format)
	}
	if _, err := ParseLevel(s.Log.Level); err != nil {
		return err
	}

	if s.GitHub.Query == "" {
		return errors.New("query cannot be empty")
	}
	if s.GitHub.PerPage <= 0 || s.GitHub.PerPage > search.DefaultPerPage {
		return fmt.Errorf("per-page must be between 1 and %d", search.DefaultPerPage)
	}
	if s.GitHub.MaxPages <= 0 {
		return errors.New("max-pages must be positive")
	}
	if s.GitHub.Timeout <= 0 {
		return errors.New("search-timeout must be positive")
	}
	if s.GitHub.RequestsPerSecond < 0 {
		return errors.New("search-rps cannot be negative")
	}

	if s.Fetch.ContentBaseURL == "" {
		return errors.New("content-base-url cannot be empty")
	}
	if s.Fetch.Timeout <= 0 {
		return errors.New("fetch-timeout must be positive")
	}
	if s.Fetch.MaxBytes <= 0 {
		return errors.New("max-bytes must be positive")
	}
	if s.Fetch.Concurrency <= 0 {
		return errors.New("concurrency must be positive")
	}
	if s.Fetch.RequestsPerSecond < 0 {
		return errors.New("fetch-rps cannot be negative")
	}
	if s.Fetch.Jitter < 0 || s.Fetch.Jitter > 1 {
		return errors.New("jitter must be between 0 and 1")
	}

	if s.Output.Dir == "" {
		return errors.New("output-dir cannot be empty")
	}
	if s.Output.CSV == "" {
		return errors.New("output-csv cannot be empty")
	}

	return nil
}
