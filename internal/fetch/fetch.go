// Package fetch downloads raw file content from the content host.
//
// The fetcher never decodes the payload: Content.Body is the byte buffer as
// received, so acceptance checks can run against exactly what was served.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/FranksOps/ruleharvest/internal/fingerprint"
	"github.com/FranksOps/ruleharvest/internal/metrics"
	"github.com/FranksOps/ruleharvest/pkg/httpclient"
	"github.com/FranksOps/ruleharvest/pkg/ratelimit"
)

// DefaultMaxBytes caps a single download when Config.MaxBytes is zero.
const DefaultMaxBytes = 1 << 20

// DefaultMaxRedirects applies when Config.MaxRedirects is zero. Renamed
// repositories answer with a redirect.
const DefaultMaxRedirects = 5

var (
	// ErrTooLarge is the cause when a body exceeds the configured limit.
	ErrTooLarge = errors.New("response body exceeds size limit")
	// ErrShortBody is the cause when fewer bytes arrive than Content-Length announced.
	ErrShortBody = errors.New("response body shorter than content length")
)

// DownloadError is returned for every failed download.
type DownloadError struct {
	URL   string
	Cause error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.URL, e.Cause)
}

func (e *DownloadError) Unwrap() error { return e.Cause }

// StatusError is the cause of a DownloadError for a non-2xx response.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// Content is a successfully downloaded payload.
type Content struct {
	Body        []byte
	Size        int64
	ContentType string
	StatusCode  int
	Header      http.Header
}

// Config configures a Fetcher.
type Config struct {
	Timeout      time.Duration
	// MaxRedirects of zero means DefaultMaxRedirects, negative disables redirects.
	MaxRedirects int
	UserAgent    string
	Fingerprint  fingerprint.Profile
	// InsecureSkipVerify disables certificate checks. Only tests set it.
	InsecureSkipVerify bool
	Limiter            *ratelimit.Limiter
	MaxBytes           int64
}

// Fetcher performs single URL downloads. A Fetcher holds one client for its
// lifetime so connections to the content host are pooled.
type Fetcher struct {
	config Config
	client *httpclient.Client
}

// NewFetcher initializes a Fetcher with the given configuration.
func NewFetcher(cfg Config) (*Fetcher, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	if cfg.Fingerprint == "" {
		cfg.Fingerprint = fingerprint.ProfileGo
	}

	transport, err := fingerprint.Transport(cfg.Fingerprint, fingerprint.Options{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to setup transport: %w", err)
	}

	client, err := httpclient.New(httpclient.Config{
		Timeout:      cfg.Timeout,
		MaxRedirects: cfg.MaxRedirects,
		UserAgent:    cfg.UserAgent,
		Transport:    transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	return &Fetcher{config: cfg, client: client}, nil
}

// Download GETs rawURL and returns the body. Any failure is a *DownloadError.
func (f *Fetcher) Download(ctx context.Context, rawURL string) (*Content, error) {
	if err := f.config.Limiter.Wait(ctx); err != nil {
		return nil, &DownloadError{URL: rawURL, Cause: fmt.Errorf("rate limiter: %w", err)}
	}

	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}

	start := time.Now()
	content, err := f.download(ctx, rawURL)
	status, size := 0, 0
	if content != nil {
		status, size = content.StatusCode, len(content.Body)
	} else {
		var se *StatusError
		if errors.As(err, &se) {
			status = se.StatusCode
		}
	}
	metrics.RecordDownload(host, status, size, time.Since(start))

	if err != nil {
		return nil, &DownloadError{URL: rawURL, Cause: err}
	}
	return content, nil
}

func (f *Fetcher) download(ctx context.Context, rawURL string) (*Content, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "*/*")

	resp, err := f.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBytes+1))
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %w", ErrShortBody, err)
		}
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(body)) > f.config.MaxBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, f.config.MaxBytes)
	}
	if resp.ContentLength >= 0 && resp.ContentLength != int64(len(body)) {
		return nil, fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, len(body), resp.ContentLength)
	}

	return &Content{
		Body:        body,
		Size:        int64(len(body)),
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
	}, nil
}
