// Package poller tracks asynchronous ingestion jobs by polling their status until they settle.
//
// Every poll goes through the query cache under ("ingestion-status", jobID), so views
// subscribed to that key observe progress without talking to the poller.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"queryflow/internal/core"
	"queryflow/internal/querycache"
)

// KeyName is the cache key name under which job statuses are stored.
const KeyName = "ingestion-status"

const (
	// DefaultInterval is the delay between two polls of one job.
	DefaultInterval = 1500 * time.Millisecond
	// DefaultMaxFailures is the number of consecutive failed polls after which a job is abandoned.
	DefaultMaxFailures = 3
)

// ErrCancelled is reported by handles whose polling was cancelled before the job settled.
var ErrCancelled = errors.New("poller: polling cancelled")

// Key returns the cache key of one job's status.
func Key(jobID string) querycache.Key {
	return querycache.NewKeyWithID(KeyName, jobID)
}

// StatusFetcher retrieves the status of one job.
type StatusFetcher interface {
	IngestStatus(ctx context.Context, jobID string) (*core.Job, error)
}

// Config controls polling cadence and failure tolerance.
type Config struct {
	Interval    time.Duration
	MaxFailures int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	return c
}

// Hooks observes polling activity.
type Hooks interface {
	PollCompleted(outcome string)
	JobSettled(status core.JobStatus)
}

type noopHooks struct{}

func (noopHooks) PollCompleted(string)      {}
func (noopHooks) JobSettled(core.JobStatus) {}

// SettleFunc is called once when a job reaches a terminal status or is abandoned.
// It is not called for cancelled jobs.
type SettleFunc func(job core.Job, err error)

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the poller logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithHooks registers activity observers.
func WithHooks(hooks Hooks) Option {
	return func(p *Poller) {
		if hooks != nil {
			p.hooks = hooks
		}
	}
}

// WithSettleFunc registers a callback for settled jobs.
func WithSettleFunc(fn SettleFunc) Option {
	return func(p *Poller) { p.onSettle = fn }
}

// Poller runs one polling loop per tracked job.
type Poller struct {
	cache    *querycache.Cache
	fetcher  StatusFetcher
	cfg      Config
	logger   *slog.Logger
	hooks    Hooks
	onSettle SettleFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handles map[string]*Handle
	wg      sync.WaitGroup
}

// New creates a poller writing job statuses into cache.
func New(cache *querycache.Cache, fetcher StatusFetcher, cfg Config, opts ...Option) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		cache:   cache,
		fetcher: fetcher,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		hooks:   noopHooks{},
		ctx:     ctx,
		cancel:  cancel,
		handles: make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins polling jobID and returns its handle. If the job is already being polled the
// existing handle is returned. The first poll happens immediately.
func (p *Poller) Start(jobID string) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.handles[jobID]; ok {
		return h
	}

	ctx, cancel := context.WithCancel(p.ctx)
	h := &Handle{
		jobID:  jobID,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StatePolling,
	}
	p.handles[jobID] = h
	p.wg.Add(1)
	go p.run(ctx, h)

	p.logger.Info("job polling started", "job_id", jobID, "interval", p.cfg.Interval)
	return h
}

// Cancel stops polling jobID. It reports whether the job was being polled.
func (p *Poller) Cancel(jobID string) bool {
	p.mu.Lock()
	h, ok := p.handles[jobID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	h.Cancel()
	return true
}

// Handle returns the handle of a job that is still being polled.
func (p *Poller) Handle(jobID string) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[jobID]
	return h, ok
}

// Active returns the number of jobs being polled.
func (p *Poller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Close cancels every polling loop and waits for them to exit.
func (p *Poller) Close() {
	p.mu.Lock()
	for _, h := range p.handles {
		h.cancelled.Store(true)
	}
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context, h *Handle) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	failures := 0
	var lastErr error
	for {
		job, err := p.poll(ctx, h)
		switch {
		case h.isCancelled() || ctx.Err() != nil:
			p.finish(h, core.Job{}, ErrCancelled, false)
			return
		case err != nil:
			failures++
			lastErr = err
			p.logger.Warn("job status poll failed",
				"job_id", h.jobID, "failures", failures, "max_failures", p.cfg.MaxFailures, "error", err)
			if failures >= p.cfg.MaxFailures {
				p.abandon(ctx, h, failures, lastErr)
				return
			}
		default:
			failures = 0
			h.setLatest(job)
			if job.Terminal() {
				p.finish(h, job, nil, true)
				return
			}
		}

		select {
		case <-ctx.Done():
			p.finish(h, core.Job{}, ErrCancelled, false)
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context, h *Handle) (core.Job, error) {
	v, err := p.cache.Fetch(ctx, Key(h.jobID), func(context.Context) (any, error) {
		job, err := p.fetcher.IngestStatus(ctx, h.jobID)
		if h.isCancelled() {
			return nil, fmt.Errorf("polling of job %s cancelled: %w", h.jobID, querycache.ErrDiscard)
		}
		if err != nil {
			return nil, err
		}
		return *job, nil
	})
	if err != nil {
		p.hooks.PollCompleted(pollOutcome(err))
		return core.Job{}, err
	}
	job, ok := v.(core.Job)
	if !ok {
		p.hooks.PollCompleted(string(core.ErrorTypeServer))
		return core.Job{}, core.NewServerError(0, fmt.Sprintf("unexpected status value %T", v), nil)
	}
	p.hooks.PollCompleted("ok")
	return job, nil
}

func pollOutcome(err error) string {
	switch {
	case errors.Is(err, querycache.ErrDiscard):
		return "discarded"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	if t := core.TypeOf(err); t != "" {
		return string(t)
	}
	return "error"
}

// abandon records a synthetic failed status for a job whose status could not be fetched.
func (p *Poller) abandon(ctx context.Context, h *Handle, failures int, lastErr error) {
	abandonErr := core.NewPollingAbandonedError(h.jobID, failures, lastErr)
	job := core.Job{
		JobID:  h.jobID,
		Status: core.JobStatusFailed,
		Errors: []string{abandonErr.Message},
	}
	if prev, ok := h.Latest(); ok {
		job.ProcessedFiles = prev.ProcessedFiles
		job.TotalFiles = prev.TotalFiles
	}
	job = job.Normalize()

	if _, err := p.cache.Fetch(ctx, Key(h.jobID), func(context.Context) (any, error) {
		if h.isCancelled() {
			return nil, fmt.Errorf("polling of job %s cancelled: %w", h.jobID, querycache.ErrDiscard)
		}
		return job, nil
	}); err != nil {
		p.finish(h, core.Job{}, ErrCancelled, false)
		return
	}

	p.logger.Error("job polling abandoned", "job_id", h.jobID, "failures", failures, "error", lastErr)
	p.finish(h, job, abandonErr, true)
}

// finish removes h from the active set and runs the settle hooks before settling the handle, so
// Done and Wait only return once every side effect of the settle is visible.
func (p *Poller) finish(h *Handle, job core.Job, err error, notify bool) {
	p.mu.Lock()
	if p.handles[h.jobID] == h {
		delete(p.handles, h.jobID)
	}
	p.mu.Unlock()

	if !notify {
		p.logger.Info("job polling cancelled", "job_id", h.jobID)
		h.settle(job, err)
		return
	}

	p.hooks.JobSettled(job.Status)
	if err == nil {
		p.logger.Info("job settled", "job_id", h.jobID, "status", job.Status,
			"processed_files", job.ProcessedFiles, "total_files", job.TotalFiles)
	}
	if p.onSettle != nil {
		p.onSettle(job, err)
	}
	h.settle(job, err)
}
