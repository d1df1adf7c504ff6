package poller

import (
	"context"
	"sync"
	"sync/atomic"

	"queryflow/internal/core"
)

// State is the lifecycle state of a polling handle.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Handle controls the polling of one job.
type Handle struct {
	jobID     string
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}

	mu        sync.Mutex
	state     State
	latest    core.Job
	hasLatest bool
	result    core.Job
	err       error
}

// JobID returns the polled job id.
func (h *Handle) JobID() string {
	return h.jobID
}

// Cancel stops polling. Calling it more than once, or after the job settled, has no effect.
// A poll already in flight is aborted and its result is not written to the cache. The
// cancellation check runs when the status request returns, inside the cache loader: a Cancel
// that lands after that check can still see that one status written, and nothing after it.
func (h *Handle) Cancel() {
	if h.cancelled.CompareAndSwap(false, true) {
		h.cancel()
	}
}

func (h *Handle) isCancelled() bool {
	return h.cancelled.Load()
}

// Done is closed once the handle settles.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Latest returns the most recent successfully polled status.
func (h *Handle) Latest() (core.Job, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest, h.hasLatest
}

// Result returns the final job and error once settled, and the zero Job before that. The error
// is nil for a job that reached a terminal status, a PollingAbandoned GatewayError when polling
// gave up, or ErrCancelled.
func (h *Handle) Result() (core.Job, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Wait blocks until the handle settles or ctx is done.
func (h *Handle) Wait(ctx context.Context) (core.Job, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		return core.Job{}, ctx.Err()
	}
}

func (h *Handle) setLatest(job core.Job) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = job
	h.hasLatest = true
}

func (h *Handle) settle(job core.Job, err error) {
	h.mu.Lock()
	if h.state == StateSettled {
		h.mu.Unlock()
		return
	}
	h.state = StateSettled
	h.result = job
	h.err = err
	h.mu.Unlock()
	h.cancel()
	close(h.done)
}
