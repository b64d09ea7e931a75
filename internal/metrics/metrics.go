package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Item outcomes, used as the "outcome" label of ItemsTotal.
const (
	OutcomeAccepted       = "accepted"
	OutcomeSelfExcluded   = "self_excluded"
	OutcomeDuplicate      = "duplicate"
	OutcomeInvalid        = "invalid"
	OutcomeDownloadFailed = "download_failed"
	OutcomeRejected       = "rejected"
	OutcomeWriteFailed    = "write_failed"
)

var (
	ItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleharvest_items_total",
			Help: "Search result items by processing outcome",
		},
		[]string{"outcome"},
	)

	DownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleharvest_downloads_total",
			Help: "Content downloads by host and status",
		},
		[]string{"host", "status"},
	)

	DownloadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ruleharvest_download_duration_seconds",
			Help:    "Duration of content downloads in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)

	DownloadBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleharvest_download_bytes_total",
			Help: "Total bytes downloaded",
		},
		[]string{"host"},
	)

	SearchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleharvest_search_requests_total",
			Help: "Search API page requests by result",
		},
		[]string{"result"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleharvest_runs_total",
			Help: "Pipeline runs by final state",
		},
		[]string{"state"},
	)

	LastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ruleharvest_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		},
	)

	IdentityRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ruleharvest_identity_records",
			Help: "Number of records in the identity store after the last persist",
		},
	)
)

// RecordDownload updates the download metrics. status is the HTTP status code,
// or 0 when the request never got a response.
func RecordDownload(host string, status int, bytes int, d time.Duration) {
	statusStr := strconv.Itoa(status)
	if status == 0 {
		statusStr = "error"
	}

	DownloadsTotal.WithLabelValues(host, statusStr).Inc()
	DownloadDuration.WithLabelValues(host).Observe(d.Seconds())
	DownloadBytesTotal.WithLabelValues(host).Add(float64(bytes))
}

// RecordItem counts one item outcome.
func RecordItem(outcome string) {
	ItemsTotal.WithLabelValues(outcome).Inc()
}

// RecordRun records the end of a run.
func RecordRun(state string, records int, finished time.Time) {
	RunsTotal.WithLabelValues(state).Inc()
	LastRunTimestamp.Set(float64(finished.Unix()))
	IdentityRecords.Set(float64(records))
}

// WriteTextfile dumps the default registry in the text exposition format for
// the node_exporter textfile collector. One-shot runs use this instead of a
// scrape endpoint.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("context: %w", err)
	}
	return nil
}

// Server encapsulates an HTTP server for Prometheus metrics.
type Server struct {
	srv *http.Server
}

// Start begins listening on addr and exposes /metrics.
func Start(addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		// Suppress the error from intentional shutdown
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "err", err)
		}
	}()

	return &Server{srv: srv}
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
