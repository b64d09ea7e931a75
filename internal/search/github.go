// Package search queries the GitHub code search API and validates the hits.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gh "github.com/google/go-github/v80/github"
	"golang.org/x/oauth2"

	"github.com/FranksOps/ruleharvest/internal/metrics"
	"github.com/FranksOps/ruleharvest/pkg/ratelimit"
)

const (
	// DefaultQuery finds Cursor rules files.
	DefaultQuery = "filename:.cursorrules"

	// DefaultPerPage is the largest page the search API serves.
	DefaultPerPage = 100

	// DefaultMaxPages stops at the 1000 results the search API exposes.
	DefaultMaxPages = 10

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second
)

var (
	ErrConnectivity = errors.New("github api unreachable")
	ErrRateLimited  = errors.New("github api rate limit exceeded")
	ErrAuth         = errors.New("github api rejected credentials")
)

// RateLimitError is returned when the API throttles the client.
type RateLimitError struct {
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v: retry after %s", ErrRateLimited, e.RetryAfter)
	}
	if !e.ResetAt.IsZero() {
		return fmt.Sprintf("%v: %d/%d remaining, resets at %s", ErrRateLimited, e.Remaining, e.Limit, e.ResetAt.Format(time.RFC3339))
	}
	return ErrRateLimited.Error()
}

func (e *RateLimitError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRateLimited}
	}
	return []error{ErrRateLimited, e.Err}
}

// APIError is an unclassified error response from the API.
type APIError struct {
	StatusCode int
	Message    string
	URL        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api %s: %d %s", e.URL, e.StatusCode, e.Message)
}

// Config configures the GitHub client.
type Config struct {
	// Token is optional; code search without one is heavily throttled.
	Token string
	// BaseURL overrides https://api.github.com/, e.g. for GitHub Enterprise.
	BaseURL  string
	PerPage  int
	MaxPages int
	Timeout  time.Duration
	Limiter  *ratelimit.Limiter
}

// GitHub wraps the go-github client for code search.
type GitHub struct {
	gh       *gh.Client
	perPage  int
	maxPages int
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
}

// NewGitHub creates a GitHub client. With a token, requests authenticate
// through an oauth2 static token source.
func NewGitHub(ctx context.Context, cfg Config, logger *slog.Logger) (*GitHub, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PerPage <= 0 || cfg.PerPage > DefaultPerPage {
		cfg.PerPage = DefaultPerPage
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	var hc *http.Client
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		hc = oauth2.NewClient(ctx, ts)
	} else {
		hc = &http.Client{}
	}
	hc.Timeout = cfg.Timeout

	client := gh.NewClient(hc)
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		client.BaseURL = u
	}

	return &GitHub{
		gh:       client,
		perPage:  cfg.PerPage,
		maxPages: cfg.MaxPages,
		limiter:  cfg.Limiter,
		logger:   logger,
	}, nil
}

type codeSearchResponse struct {
	TotalCount        int              `json:"total_count"`
	IncompleteResults bool             `json:"incomplete_results"`
	Items             []codeSearchItem `json:"items"`
}

// codeSearchItem keeps the API "url" field, which carries the ref.
type codeSearchItem struct {
	Name       string         `json:"name"`
	Path       string         `json:"path"`
	URL        string         `json:"url"`
	Repository *gh.Repository `json:"repository"`
}

func (r codeSearchItem) item() Item {
	return Item{
		RepositoryFullName: r.Repository.GetFullName(),
		OwnerLogin:         r.Repository.GetOwner().GetLogin(),
		Path:               r.Path,
		URL:                r.URL,
		BranchRef:          ParseRef(r.URL),
	}
}

// Search runs query against the code search API, following pagination up to
// the configured page limit. Items are returned as the API served them; a
// failure on any page discards the whole result.
func (g *GitHub) Search(ctx context.Context, query string) ([]Item, error) {
	var items []Item
	page := 1

	for n := 0; n < g.maxPages; n++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}

		params := url.Values{
			"q":        {query},
			"per_page": {strconv.Itoa(g.perPage)},
			"page":     {strconv.Itoa(page)},
		}
		req, err := g.gh.NewRequest(http.MethodGet, "search/code?"+params.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("build search request: %w", err)
		}

		var out codeSearchResponse
		resp, err := g.gh.Do(ctx, req, &out)
		if err != nil {
			metrics.SearchRequestsTotal.WithLabelValues("error").Inc()
			return nil, wrapError(ctx, err, "search code")
		}
		metrics.SearchRequestsTotal.WithLabelValues("ok").Inc()

		for _, r := range out.Items {
			items = append(items, r.item())
		}
		if out.IncompleteResults {
			g.logger.Warn("code search returned incomplete results", "query", query, "page", page)
		}
		g.logger.Debug("code search page", "query", query, "page", page, "items", len(out.Items), "total", out.TotalCount)

		if resp.NextPage == 0 {
			break
		}
		page = resp.NextPage
	}

	return items, nil
}

// TestConnection probes the rate limit endpoint, which does not count against
// the quota. It reports false on any failure.
func (g *GitHub) TestConnection(ctx context.Context) bool {
	limits, _, err := g.gh.RateLimit.Get(ctx)
	if err != nil {
		g.logger.Warn("github connection test failed", "err", wrapError(ctx, err, "get rate limit"))
		return false
	}
	if limits != nil && limits.Search != nil {
		g.logger.Info("github connection ok",
			"search_remaining", limits.Search.Remaining,
			"search_limit", limits.Search.Limit,
			"search_reset", limits.Search.Reset.Time,
		)
	}
	return true
}

// wrapError converts go-github errors to our error types.
func wrapError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return &RateLimitError{
			Limit:     rateErr.Rate.Limit,
			Remaining: rateErr.Rate.Remaining,
			ResetAt:   rateErr.Rate.Reset.Time,
			Err:       err,
		}
	}

	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return &RateLimitError{RetryAfter: abuseErr.GetRetryAfter(), Err: err}
	}

	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		status := ghErr.Response.StatusCode
		switch {
		case status == http.StatusTooManyRequests:
			return &RateLimitError{Err: err}
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return fmt.Errorf("%s: %w: %s", operation, ErrAuth, ghErr.Message)
		}
		apiErr := &APIError{StatusCode: status, Message: ghErr.Message}
		if ghErr.Response.Request != nil {
			apiErr.URL = ghErr.Response.Request.URL.String()
		}
		return fmt.Errorf("%s: %w", operation, apiErr)
	}

	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %w", operation, ErrConnectivity, err)
	}

	return fmt.Errorf("%s: %w", operation, err)
}
