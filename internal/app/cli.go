package app

import "github.com/spf13/pflag"

// RegisterFlags registers all CLI flags on the given FlagSet. Defaults live in
// config.LoadSettingsWithFlags; a flag only overrides when set.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.StringP("config", "c", "", "Config file (yaml, toml or json)")
	flags.StringP("owner-login", "o", "", "Own GitHub login, excluded from ingestion")
	flags.Bool("json", false, "Print reports as JSON")

	flags.String("github-token", "", "GitHub token (defaults to GITHUB_TOKEN)")
	flags.String("github-base-url", "", "GitHub API base URL")
	flags.StringP("query", "q", "", "Code search query")
	flags.Int("per-page", 0, "Search results per page")
	flags.Int("max-pages", 0, "Maximum number of search pages")
	flags.Float64("search-rps", 0, "Search requests per second")
	flags.Duration("search-timeout", 0, "Search request timeout")

	flags.String("content-base-url", "", "Raw content base URL")
	flags.Duration("fetch-timeout", 0, "Download timeout")
	flags.Int64("max-bytes", 0, "Maximum download size in bytes")
	flags.String("tls-profile", "", "TLS fingerprint: go, chrome, firefox, safari or random")
	flags.String("user-agent", "", "User-Agent for downloads")
	flags.Float64("fetch-rps", 0, "Downloads per second")
	flags.Float64("jitter", 0, "Random extra delay between downloads (0.0-1.0)")
	flags.IntP("concurrency", "j", 0, "Parallel downloads")

	flags.String("store-driver", "", "Identity store driver: json, sqlite or postgres")
	flags.String("store-path", "", "Identity store file for json and sqlite")
	flags.String("store-dsn", "", "Identity store DSN for postgres")

	flags.String("output-dir", "", "Directory for raw rule files")
	flags.String("output-csv", "", "CSV export file")

	flags.StringP("log-level", "l", "", "Log level: debug, info, warn or error")
	flags.String("log-format", "", "Log format: text or json")

	flags.String("metrics-textfile", "", "Write Prometheus metrics to this file after a run")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address during a run")
}
