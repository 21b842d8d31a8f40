// Package tracker follows one remote job from submission to a terminal state by
// polling the worker.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kiranshivaraju/strift/internal/worker"
	"github.com/kiranshivaraju/strift/pkg/models"
)

var ErrAlreadyStarted = errors.New("tracker already started")

// Hook observes every state change of a tracker. Unlike subscribers, hooks do not
// keep a finished tracker alive.
type Hook func(handle models.JobHandle, state models.JobState)

// Snapshot is the tracker's state plus polling bookkeeping.
type Snapshot struct {
	Handle              models.JobHandle `json:"handle"`
	State               models.JobState  `json:"state"`
	LastPollAt          time.Time        `json:"last_poll_at"`
	PollAttempts        int              `json:"poll_attempts"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithConfig sets the polling cadence.
func WithConfig(cfg Config) Option {
	return func(t *Tracker) { t.cfg = cfg.withDefaults() }
}

// WithHooks adds transition hooks.
func WithHooks(hooks ...Hook) Option {
	return func(t *Tracker) { t.hooks = append(t.hooks, hooks...) }
}

// OnRelease registers fn to be called once when the tracker is finished with:
// terminal and unobserved, or cancelled.
func OnRelease(fn func(*Tracker)) Option {
	return func(t *Tracker) { t.onRelease = fn }
}

// WithClock overrides time.Now for state timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

type subscription struct {
	id int
	fn func(models.JobState)
}

// Tracker is the client-side state machine for one job. The polling loop runs in a
// single goroutine; every exported method is safe for concurrent use.
type Tracker struct {
	handle    models.JobHandle
	client    worker.Client
	cfg       Config
	hooks     []Hook
	onRelease func(*Tracker)
	now       func() time.Time

	mu         sync.Mutex
	state      models.JobState
	sawRunning bool
	started    bool
	cancelled  bool
	stopped    bool
	released   bool
	lastPollAt time.Time
	attempts   int
	failures   int
	subs       []subscription
	nextSubID  int

	// queue holds changes not yet handed to observers; delivering marks the
	// goroutine currently draining it.
	queue      []models.JobState
	delivering bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a pending tracker for handle. Polling begins with Start.
func New(handle models.JobHandle, client worker.Client, opts ...Option) *Tracker {
	t := &Tracker{
		handle: handle,
		client: client,
		cfg:    DefaultConfig(),
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.state = models.JobState{Status: models.JobStatusPending, UpdatedAt: t.now().UTC()}
	return t
}

// Handle returns the job the tracker follows.
func (t *Tracker) Handle() models.JobHandle { return t.handle }

// Start launches the polling loop. The first poll is sent immediately. Cancelling
// ctx stops polling without a state change, leaving the job resumable.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	t.mu.Unlock()

	slog.Debug("tracking job", "job_id", t.handle.ID, "kind", t.handle.Kind)
	go t.run(ctx)
	return nil
}

// Cancel stops observing the job. A non-terminal tracker becomes failed(cancelled);
// no request is sent to the worker, and a poll already in flight is discarded when
// it returns. Cancel on a terminal tracker does nothing.
func (t *Tracker) Cancel() {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	t.setLocked(failed(models.NewJobError(models.FailureCancelled, "cancelled by caller", nil)))
	t.mu.Unlock()

	slog.Info("job tracking cancelled", "job_id", t.handle.ID, "kind", t.handle.Kind)
	t.deliver()
}

// Stop ends the polling loop without a state change and without notifying
// observers. A poll in flight is discarded when it returns. The job is not
// cancelled: a new tracker for the same handle picks it up again.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.state.Terminal() || t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	t.stopOnce.Do(func() { close(t.stop) })
	slog.Debug("job tracker stopped", "job_id", t.handle.ID, "kind", t.handle.Kind)
}

// CurrentState returns a copy of the latest state.
func (t *Tracker) CurrentState() models.JobState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Clone()
}

// Snapshot returns the current state together with the poll counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Handle:              t.handle,
		State:               t.state.Clone(),
		LastPollAt:          t.lastPollAt,
		PollAttempts:        t.attempts,
		ConsecutiveFailures: t.failures,
	}
}

// Subscribe registers fn for every subsequent state change, including
// progress-only changes. Calls are made one at a time and in order, from the
// goroutine that produced the change. The returned func removes the subscription.
func (t *Tracker) Subscribe(fn func(models.JobState)) (unsubscribe func()) {
	t.mu.Lock()
	t.nextSubID++
	id := t.nextSubID
	t.subs = append(t.subs, subscription{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.unsubscribe(id) })
	}
}

// Observers returns the number of live subscriptions.
func (t *Tracker) Observers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Done is closed when the polling loop exits.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Resumable reports whether re-attaching should start a fresh tracker: polling gave
// up, the caller cancelled, or the loop stopped before the job finished.
func (t *Tracker) Resumable() bool {
	t.mu.Lock()
	st := t.state
	t.mu.Unlock()

	if st.Terminal() {
		return st.Failure != nil &&
			(st.Failure.Kind == models.FailurePollingExhausted || st.Failure.Kind == models.FailureCancelled)
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Tracker) unsubscribe(id int) {
	t.mu.Lock()
	for i, s := range t.subs {
		if s.id == id {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			break
		}
	}
	if t.delivering {
		// the draining goroutine re-checks release when it finishes
		t.mu.Unlock()
		return
	}
	release := t.releaseLocked()
	t.mu.Unlock()

	if release {
		t.onRelease(t)
	}
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in job tracker", "error", r, "job_id", t.handle.ID, "stack", string(debug.Stack()))
			t.mu.Lock()
			if !t.state.Terminal() {
				t.setLocked(failed(models.NewJobError(models.FailureProtocol, fmt.Sprintf("tracker panic: %v", r), nil)))
			}
			t.mu.Unlock()
			t.deliver()
		}
	}()

	var wait time.Duration
	for {
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				slog.Debug("job tracker stopped", "job_id", t.handle.ID, "error", ctx.Err())
				return
			case <-t.stop:
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		default:
		}

		next, more := t.poll(ctx)
		if !more {
			return
		}
		wait = next
	}
}

// poll performs one status request and applies its outcome. It returns the wait
// before the next poll and whether polling should continue.
func (t *Tracker) poll(ctx context.Context) (time.Duration, bool) {
	pollCtx, cancel := context.WithTimeout(ctx, t.cfg.PollTimeout)
	resp, err := t.client.JobStatus(pollCtx, t.handle)
	cancel()

	if ctx.Err() != nil {
		return 0, false
	}

	t.mu.Lock()
	if t.cancelled || t.stopped || t.state.Terminal() {
		t.mu.Unlock()
		slog.Debug("discarding late poll response", "job_id", t.handle.ID)
		return 0, false
	}
	t.attempts++
	t.lastPollAt = t.now().UTC()

	var (
		wait time.Duration
		more bool
	)
	if err != nil {
		wait, more = t.pollFailedLocked(err)
	} else {
		t.failures = 0
		t.setLocked(apply(t.handle, t.state, t.sawRunning, resp))
		wait, more = t.cfg.Interval, !t.state.Terminal()
	}
	t.mu.Unlock()

	t.deliver()
	return wait, more
}

func (t *Tracker) pollFailedLocked(err error) (time.Duration, bool) {
	var je *models.JobError
	if !errors.As(err, &je) {
		je = models.NewJobError(models.FailureTransport, "polling job", err)
	}

	switch {
	case je.Kind == models.FailureTransport,
		je.Kind == models.FailureRequestRejected && je.StatusCode >= 500:
		t.failures++
		if t.failures >= t.cfg.MaxConsecutiveFailures {
			slog.Warn("polling exhausted", "job_id", t.handle.ID, "kind", t.handle.Kind, "attempt", t.failures, "error", err)
			t.setLocked(failed(&models.JobError{
				Kind:    models.FailurePollingExhausted,
				Message: fmt.Sprintf("%d consecutive polling failures", t.failures),
				Err:     err,
			}))
			return 0, false
		}
		wait := t.cfg.Backoff(t.failures)
		slog.Debug("poll failed, backing off", "job_id", t.handle.ID, "attempt", t.failures, "backoff", wait, "error", err)
		return wait, true

	default:
		slog.Warn("polling stopped", "job_id", t.handle.ID, "kind", t.handle.Kind, "error", err)
		cp := *je
		t.setLocked(failed(&cp))
		return 0, false
	}
}

// setLocked records next if it differs from the current state and queues it for
// observers. Must be called with t.mu held.
func (t *Tracker) setLocked(next models.JobState) {
	if next.Status == models.JobStatusRunning {
		t.sawRunning = true
	}
	if next.Equal(t.state) {
		return
	}
	next.UpdatedAt = t.now().UTC()
	t.state = next
	t.queue = append(t.queue, next.Clone())
	if next.Terminal() {
		t.stopOnce.Do(func() { close(t.stop) })
	}
}

// deliver hands queued changes to hooks and subscribers. Only one goroutine drains
// the queue at a time; others leave their changes for it, which keeps delivery
// ordered and lets callbacks call back into the tracker.
func (t *Tracker) deliver() {
	t.mu.Lock()
	if t.delivering {
		t.mu.Unlock()
		return
	}
	t.delivering = true
	for len(t.queue) > 0 {
		st := t.queue[0]
		t.queue = t.queue[1:]
		subs := append([]subscription(nil), t.subs...)
		t.mu.Unlock()

		for _, h := range t.hooks {
			t.call(func() { h(t.handle, st.Clone()) })
		}
		for _, s := range subs {
			t.call(func() { s.fn(st.Clone()) })
		}

		t.mu.Lock()
	}
	t.delivering = false
	release := t.releaseLocked()
	t.mu.Unlock()

	if release {
		t.onRelease(t)
	}
}

// call runs an observer callback, containing any panic so one bad observer cannot
// stall the others.
func (t *Tracker) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in job observer", "error", r, "job_id", t.handle.ID, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// releaseLocked reports, at most once, that the tracker is finished with.
func (t *Tracker) releaseLocked() bool {
	if t.onRelease == nil || t.released || !t.state.Terminal() {
		return false
	}
	if len(t.subs) > 0 && !t.cancelled {
		return false
	}
	t.released = true
	return true
}
