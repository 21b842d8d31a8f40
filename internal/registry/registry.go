// Package registry keeps at most one live tracker per job so every caller
// observing a job shares the same polling loop.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/kiranshivaraju/strift/internal/tracker"
	"github.com/kiranshivaraju/strift/internal/worker"
	"github.com/kiranshivaraju/strift/pkg/models"
)

var ErrInvalidHandle = errors.New("job handle needs an id and a known kind")

// Registry maps job IDs to trackers. All inserts and removals go through one mutex.
type Registry struct {
	client worker.Client
	cfg    tracker.Config
	hooks  []tracker.Hook

	mu       sync.Mutex
	trackers map[string]*tracker.Tracker
}

// Option configures a Registry.
type Option func(*Registry)

// WithTrackerConfig sets the polling cadence of every tracker the registry creates.
func WithTrackerConfig(cfg tracker.Config) Option {
	return func(r *Registry) { r.cfg = cfg }
}

// WithHooks adds hooks to every tracker the registry creates.
func WithHooks(hooks ...tracker.Hook) Option {
	return func(r *Registry) { r.hooks = append(r.hooks, hooks...) }
}

// New creates an empty registry whose trackers poll through client.
func New(client worker.Client, opts ...Option) *Registry {
	r := &Registry{
		client:   client,
		cfg:      tracker.DefaultConfig(),
		trackers: make(map[string]*tracker.Tracker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TrackOrAttach returns the tracker for handle.ID, creating and starting one if
// none exists. A tracker that gave up polling, was cancelled, or whose loop was
// stopped is replaced so the caller resumes observing the job. ctx bounds the
// lifetime of a newly created polling loop.
func (r *Registry) TrackOrAttach(ctx context.Context, handle models.JobHandle) (*tracker.Tracker, error) {
	if strings.TrimSpace(handle.ID) == "" {
		return nil, ErrInvalidHandle
	}
	if _, err := models.ParseJobKind(string(handle.Kind)); err != nil {
		return nil, ErrInvalidHandle
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.trackers[handle.ID]; ok {
		if !t.Resumable() {
			return t, nil
		}
		slog.Info("resuming job tracking", "job_id", handle.ID, "kind", handle.Kind)
	}

	t := tracker.New(handle, r.client,
		tracker.WithConfig(r.cfg),
		tracker.WithHooks(r.hooks...),
		tracker.OnRelease(r.release),
	)
	r.trackers[handle.ID] = t
	if err := t.Start(ctx); err != nil {
		delete(r.trackers, handle.ID)
		return nil, err
	}
	return t, nil
}

// Get returns the tracker for jobID, if any.
func (r *Registry) Get(jobID string) (*tracker.Tracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[jobID]
	return t, ok
}

// Forget drops the entry for jobID and stops its polling loop, so no second
// loop can run once the job is attached again. The job keeps its current state
// and is not cancelled. Unknown IDs are ignored.
func (r *Registry) Forget(jobID string) {
	r.mu.Lock()
	t, ok := r.trackers[jobID]
	delete(r.trackers, jobID)
	r.mu.Unlock()

	if ok {
		t.Stop()
	}
}

// Len returns the number of tracked jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trackers)
}

// Trackers returns the current trackers in no particular order.
func (r *Registry) Trackers() []*tracker.Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*tracker.Tracker, 0, len(r.trackers))
	for _, t := range r.trackers {
		out = append(out, t)
	}
	return out
}

// release removes t once it is finished with, unless it was already replaced.
func (r *Registry) release(t *tracker.Tracker) {
	id := t.Handle().ID
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trackers[id] == t {
		delete(r.trackers, id)
		slog.Debug("job tracker released", "job_id", id)
	}
}
