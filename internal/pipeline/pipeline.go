// Package pipeline runs one ingestion pass: search, filter, download, record,
// and persist the identity snapshot on the way out.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/FranksOps/ruleharvest/internal/acceptance"
	"github.com/FranksOps/ruleharvest/internal/fetch"
	"github.com/FranksOps/ruleharvest/internal/identity"
	"github.com/FranksOps/ruleharvest/internal/metrics"
	"github.com/FranksOps/ruleharvest/internal/search"
	"github.com/FranksOps/ruleharvest/internal/storage"
)

// DefaultContentBaseURL serves raw file content by repository, ref and path.
const DefaultContentBaseURL = "https://raw.githubusercontent.com"

// ErrPanic wraps a recovered panic.
var ErrPanic = errors.New("pipeline panicked")

// IdentityStore is the dedup set. *identity.Store implements it.
type IdentityStore interface {
	Load(ctx context.Context) error
	Has(key string) bool
	Reserve(key string) bool
	Release(key string)
	Record(item identity.Keyed, size int64, downloadURL string) (storage.IdentityRecord, error)
	Persist(ctx context.Context) error
	Len() int
}

// Searcher finds candidate files. *search.GitHub implements it.
type Searcher interface {
	TestConnection(ctx context.Context) bool
	Search(ctx context.Context, query string) ([]search.Item, error)
}

// Downloader fetches raw content. *fetch.Fetcher implements it.
type Downloader interface {
	Download(ctx context.Context, url string) (*fetch.Content, error)
}

// RecordWriter stores an accepted file. *export.Writer implements it.
type RecordWriter interface {
	Write(ctx context.Context, item search.Item, rec storage.IdentityRecord, body []byte) error
}

// State is a step of the run state machine.
type State string

const (
	StateIdle       State = "idle"
	StateLoaded     State = "loaded"
	StateSkipped    State = "skipped"
	StateSearching  State = "searching"
	StateProcessing State = "processing"
	StatePersisted  State = "persisted"
	StateDone       State = "done"
	StateAborted    State = "aborted"
)

// Config tunes a Controller.
type Config struct {
	// Query is the code search query. Defaults to search.DefaultQuery.
	Query string
	// OwnerLogin is our own account; its files are never ingested. Matching
	// is case-insensitive. Empty disables self-exclusion.
	OwnerLogin string
	// ContentBaseURL defaults to DefaultContentBaseURL.
	ContentBaseURL string
	// Concurrency is the number of parallel downloads. Values below 2 keep
	// the run strictly sequential.
	Concurrency int
	// Rules is the acceptance policy. Nil means acceptance.DefaultRules().
	Rules []acceptance.NamedRule
}

// Result describes a finished run.
type Result struct {
	RunID       string
	StartedAt   time.Time
	FinishedAt  time.Time
	State       State
	Transitions []State
	// Skipped is set when the connection test failed and nothing was searched.
	Skipped bool

	Found          int
	SelfExcluded   int
	Duplicates     int
	Invalid        int
	DownloadFailed int
	Rejected       int
	Accepted       int
	WriteFailed    int
	Bytes          int64

	// AcceptedKeys is sorted.
	AcceptedKeys []string
}

// Duration is the wall time of the run.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Controller orchestrates a run over its collaborators.
type Controller struct {
	cfg        Config
	store      IdentityStore
	searcher   Searcher
	downloader Downloader
	writer     RecordWriter
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Controller. All collaborators are required.
func New(cfg Config, store IdentityStore, searcher Searcher, downloader Downloader, writer RecordWriter, logger *slog.Logger) (*Controller, error) {
	if store == nil || searcher == nil || downloader == nil || writer == nil {
		return nil, errors.New("pipeline: store, searcher, downloader and writer are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Query == "" {
		cfg.Query = search.DefaultQuery
	}
	if cfg.ContentBaseURL == "" {
		cfg.ContentBaseURL = DefaultContentBaseURL
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Rules == nil {
		cfg.Rules = acceptance.DefaultRules()
	}
	if cfg.OwnerLogin == "" {
		logger.Warn("owner login not configured, self-exclusion disabled")
	}

	return &Controller{
		cfg:        cfg,
		store:      store,
		searcher:   searcher,
		downloader: downloader,
		writer:     writer,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// run carries the mutable state of one Run call.
type run struct {
	mu     sync.Mutex
	res    *Result
	logger *slog.Logger
}

func (r *run) transition(s State) {
	r.mu.Lock()
	r.res.State = s
	r.res.Transitions = append(r.res.Transitions, s)
	r.mu.Unlock()
}

func (r *run) count(outcome string, update func(res *Result)) {
	r.mu.Lock()
	update(r.res)
	r.mu.Unlock()
	metrics.RecordItem(outcome)
}

// Run executes one pass. A load failure aborts before any network I/O and
// leaves the snapshot untouched. Past the load, the snapshot is persisted
// exactly once, whatever happens in between; errors from the run and from
// persisting are joined.
func (c *Controller) Run(ctx context.Context) (*Result, error) {
	r := &run{res: &Result{RunID: uuid.NewString(), StartedAt: c.now().UTC()}}
	r.logger = c.logger.With("run_id", r.res.RunID)
	r.transition(StateIdle)

	if err := c.store.Load(ctx); err != nil {
		r.logger.Error("identity store unusable, aborting run", "err", err)
		r.transition(StateAborted)
		c.finish(r)
		return r.res, err
	}
	r.transition(StateLoaded)

	runErr := c.process(ctx, r)
	if runErr != nil {
		r.logger.Error("run failed, persisting identity store", "query", c.cfg.Query, "err", runErr)
	}

	// The snapshot must be written even when ctx was cancelled.
	persistErr := c.store.Persist(context.WithoutCancel(ctx))
	if persistErr != nil {
		r.logger.Error("failed to persist identity store", "err", persistErr)
	} else {
		r.transition(StatePersisted)
	}

	r.transition(StateDone)
	c.finish(r)
	return r.res, errors.Join(runErr, persistErr)
}

func (c *Controller) finish(r *run) {
	res := r.res
	res.FinishedAt = c.now().UTC()
	sort.Strings(res.AcceptedKeys)

	finalState := res.State
	if res.Skipped {
		finalState = StateSkipped
	}
	metrics.RecordRun(string(finalState), c.store.Len(), res.FinishedAt)

	r.logger.Info("run finished",
		"state", finalState,
		"duration", res.Duration(),
		"found", res.Found,
		"accepted", res.Accepted,
		"duplicates", res.Duplicates,
		"self_excluded", res.SelfExcluded,
		"invalid", res.Invalid,
		"download_failed", res.DownloadFailed,
		"rejected", res.Rejected,
		"write_failed", res.WriteFailed,
		"bytes", res.Bytes,
	)
}

// process covers connection test, search and the item loop. Panics are
// recovered so the caller still persists.
func (c *Controller) process(ctx context.Context, r *run) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicError(r.logger, p)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.searcher.TestConnection(ctx) {
		r.logger.Warn("search api unreachable, skipping run")
		r.res.Skipped = true
		r.transition(StateSkipped)
		return nil
	}

	r.transition(StateSearching)
	items, err := c.searcher.Search(ctx, c.cfg.Query)
	if err != nil {
		return fmt.Errorf("search %q: %w", c.cfg.Query, err)
	}
	r.res.Found = len(items)
	r.logger.Info("search complete", "query", c.cfg.Query, "items", len(items))

	r.transition(StateProcessing)
	return c.processItems(ctx, r, items)
}

func panicError(logger *slog.Logger, p any) error {
	logger.Error("recovered from panic", "panic", p, "stack", string(debug.Stack()))
	return fmt.Errorf("%w: %v", ErrPanic, p)
}

// processItems filters items in discovery order on the calling goroutine and
// hands the downloads to workers. Reserve runs before a download is started,
// so no key is fetched twice in a run.
func (c *Controller) processItems(ctx context.Context, r *run, items []search.Item) error {
	var g *errgroup.Group
	workCtx := ctx
	if c.cfg.Concurrency > 1 {
		g, workCtx = errgroup.WithContext(ctx)
		g.SetLimit(c.cfg.Concurrency)
	}

	for _, item := range items {
		if workCtx.Err() != nil {
			break
		}

		key := item.Key()
		if c.isSelf(item) {
			r.logger.Debug("skipping own file", "key", key)
			r.count(metrics.OutcomeSelfExcluded, func(res *Result) { res.SelfExcluded++ })
			continue
		}
		if c.store.Has(key) {
			r.logger.Debug("skipping known file", "key", key)
			r.count(metrics.OutcomeDuplicate, func(res *Result) { res.Duplicates++ })
			continue
		}
		if err := search.Validate(item); err != nil {
			r.logger.Debug("skipping invalid item", "key", key, "err", err)
			r.count(metrics.OutcomeInvalid, func(res *Result) { res.Invalid++ })
			continue
		}

		downloadURL := item.DownloadURL(c.cfg.ContentBaseURL)
		if !c.store.Reserve(key) {
			r.logger.Debug("skipping repeated item", "key", key)
			r.count(metrics.OutcomeDuplicate, func(res *Result) { res.Duplicates++ })
			continue
		}

		if g == nil {
			c.handle(workCtx, r, item, downloadURL)
			continue
		}
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					c.store.Release(item.Key())
					err = panicError(r.logger, p)
				}
			}()
			c.handle(workCtx, r, item, downloadURL)
			return nil
		})
	}

	if g != nil {
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (c *Controller) isSelf(item search.Item) bool {
	return c.cfg.OwnerLogin != "" && strings.EqualFold(item.OwnerLogin, c.cfg.OwnerLogin)
}

// handle downloads, checks and records one reserved item. Every failure is
// contained here. A failed key is released but stays unreservable for the
// rest of the run.
func (c *Controller) handle(ctx context.Context, r *run, item search.Item, downloadURL string) {
	key := item.Key()

	content, err := c.downloader.Download(ctx, downloadURL)
	if err != nil {
		c.store.Release(key)
		r.logger.Warn("download failed", "key", key, "url", downloadURL, "err", err)
		r.count(metrics.OutcomeDownloadFailed, func(res *Result) { res.DownloadFailed++ })
		return
	}

	if v := acceptance.Evaluate(content, c.cfg.Rules); !v.Accepted {
		c.store.Release(key)
		r.logger.Debug("content rejected", "key", key, "url", downloadURL, "rule", v.Rule, "reason", v.Reason)
		r.count(metrics.OutcomeRejected, func(res *Result) { res.Rejected++ })
		return
	}

	rec, err := c.store.Record(item, content.Size, downloadURL)
	if err != nil {
		// Unreachable while Reserve guards the key
		c.store.Release(key)
		r.logger.Error("failed to record item", "key", key, "err", err)
		r.count(metrics.OutcomeDuplicate, func(res *Result) { res.Duplicates++ })
		return
	}

	r.count(metrics.OutcomeAccepted, func(res *Result) {
		res.Accepted++
		res.Bytes += content.Size
		res.AcceptedKeys = append(res.AcceptedKeys, key)
	})
	r.logger.Info("ingested file", "key", key, "url", downloadURL, "size", content.Size)

	// A recorded key always gets its export, even if the run is being cancelled.
	if err := c.writer.Write(context.WithoutCancel(ctx), item, rec, content.Body); err != nil {
		r.logger.Error("failed to write record", "key", key, "url", downloadURL, "err", err)
		r.count(metrics.OutcomeWriteFailed, func(res *Result) { res.WriteFailed++ })
	}
}
