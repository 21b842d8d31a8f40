// Package workflow is the agent's job service: it submits jobs, keeps one tracker
// per job through the registry, journals handles and mirrors state.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/strift/internal/cache"
	"github.com/kiranshivaraju/strift/internal/media"
	"github.com/kiranshivaraju/strift/internal/registry"
	"github.com/kiranshivaraju/strift/internal/store"
	"github.com/kiranshivaraju/strift/internal/tracker"
	"github.com/kiranshivaraju/strift/internal/upload"
	"github.com/kiranshivaraju/strift/internal/worker"
	"github.com/kiranshivaraju/strift/pkg/models"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrKindRequired = errors.New("job kind is required to start tracking")
)

// Journal is the part of the store the service needs.
type Journal interface {
	SaveJobHandle(ctx context.Context, handle models.JobHandle) error
	GetJobHandle(ctx context.Context, jobID string) (*models.JobRecord, error)
	ListJobHandles(ctx context.Context, filter store.JobFilter) ([]*models.JobRecord, error)
	ListUnsettledHandles(ctx context.Context) ([]models.JobHandle, error)
	SettleJobHandle(ctx context.Context, jobID string, status string, opts ...store.SettleOption) error
}

// Mirror is the part of the cache the service needs.
type Mirror interface {
	SetJobState(ctx context.Context, entry cache.JobEntry, ttl time.Duration) error
	GetJobState(ctx context.Context, jobID string) (*cache.JobEntry, bool, error)
	DeleteJobState(ctx context.Context, jobID string) error
}

// Options tunes a Service.
type Options struct {
	Tracker   tracker.Config
	MirrorTTL time.Duration
	// WriteTimeout bounds each journal and mirror write made from a tracker hook.
	WriteTimeout time.Duration
}

// SubmitRequest is one job submission on behalf of a user.
type SubmitRequest struct {
	UserID   string
	Kind     models.JobKind
	Items    []models.MediaItem
	Metadata upload.Metadata
}

// View sources.
const (
	SourceTracker = "tracker"
	SourceMirror  = "mirror"
	SourceJournal = "journal"
)

// JobView is what status reads return.
type JobView struct {
	tracker.Snapshot
	Source string `json:"source"`
}

// Service orchestrates submissions and tracking for the agent.
type Service struct {
	client    worker.Client
	submitter *upload.Submitter
	registry  *registry.Registry
	journal   Journal
	mirror    Mirror
	opts      Options

	// ctx bounds every polling loop the service starts; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates a Service. Trackers it starts keep running until Close.
func NewService(client worker.Client, journal Journal, mirror Mirror, opts Options) *Service {
	if opts.MirrorTTL <= 0 {
		opts.MirrorTTL = 30 * time.Minute
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		client:    client,
		submitter: upload.NewSubmitter(client),
		journal:   journal,
		mirror:    mirror,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.registry = registry.New(client,
		registry.WithTrackerConfig(opts.Tracker),
		registry.WithHooks(s.mirrorState, s.settleHandle),
	)
	return s
}

// Close stops every polling loop without settling the jobs, so they are resumed
// on the next start.
func (s *Service) Close() {
	s.cancel()
}

// Registry exposes the tracker registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Submit uploads the request's media as one job, journals the handle and starts
// tracking it.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (models.JobHandle, error) {
	set := media.NewSet()
	for _, it := range req.Items {
		if err := set.Add(it); err != nil {
			return models.JobHandle{}, err
		}
	}

	handle, err := s.submitter.Submit(ctx, req.UserID, set, req.Kind, req.Metadata)
	if err != nil {
		return models.JobHandle{}, err
	}

	if err := s.journal.SaveJobHandle(ctx, handle); err != nil {
		// the job exists on the worker either way; it just won't be resumed after a restart
		slog.Error("failed to journal job handle", "job_id", handle.ID, "error", err)
	}

	if _, err := s.registry.TrackOrAttach(s.ctx, handle); err != nil {
		return handle, fmt.Errorf("tracking job: %w", err)
	}
	return handle, nil
}

// Status returns the job as seen by this agent. A local tracker is authoritative;
// otherwise the mirror answers for jobs another replica follows, and the journal
// for jobs that already settled. Polling restarts only for jobs whose polling gave
// up or whose loop stopped; cancelled and settled jobs are returned as they are.
// A job known nowhere is attached here, which needs its kind.
func (s *Service) Status(ctx context.Context, userID, jobID string, kind models.JobKind) (*JobView, error) {
	if t, ok := s.registry.Get(jobID); ok {
		if !owns(userID, t.Handle()) {
			return nil, ErrJobNotFound
		}
		if !t.Resumable() || cancelled(t.CurrentState()) {
			return &JobView{Snapshot: t.Snapshot(), Source: SourceTracker}, nil
		}
	}

	entry, found, err := s.mirror.GetJobState(ctx, jobID)
	if err != nil {
		slog.Warn("reading state mirror failed", "job_id", jobID, "error", err)
	}
	if found {
		if !owns(userID, entry.Handle) {
			return nil, ErrJobNotFound
		}
		if !exhausted(entry.State) {
			return &JobView{
				Snapshot: tracker.Snapshot{Handle: entry.Handle, State: entry.State},
				Source:   SourceMirror,
			}, nil
		}
	}

	rec, err := s.lookupJournal(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	var handle models.JobHandle
	switch {
	case rec != nil && rec.Settled():
		return recordView(rec), nil
	case rec != nil:
		handle = rec.Handle
	default:
		if handle, err = adHocHandle(userID, jobID, kind); err != nil {
			return nil, err
		}
	}

	t, err := s.registry.TrackOrAttach(s.ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("tracking job: %w", err)
	}
	return &JobView{Snapshot: t.Snapshot(), Source: SourceTracker}, nil
}

// Track attaches to a job the caller already holds a handle for.
func (s *Service) Track(handle models.JobHandle) (*tracker.Tracker, error) {
	return s.registry.TrackOrAttach(s.ctx, handle)
}

// Cancel stops following a job tracked by this agent.
func (s *Service) Cancel(userID, jobID string) (models.JobState, error) {
	t, ok := s.registry.Get(jobID)
	if !ok || !owns(userID, t.Handle()) {
		return models.JobState{}, ErrJobNotFound
	}
	t.Cancel()
	return t.CurrentState(), nil
}

// Forget drops the agent's tracker and mirrored state for a job without
// cancelling it. Unknown jobs are ignored.
func (s *Service) Forget(ctx context.Context, userID, jobID string) {
	if t, ok := s.registry.Get(jobID); ok && !owns(userID, t.Handle()) {
		return
	}
	if entry, found, _ := s.mirror.GetJobState(ctx, jobID); found && !owns(userID, entry.Handle) {
		return
	}
	s.registry.Forget(jobID)
	if err := s.mirror.DeleteJobState(ctx, jobID); err != nil {
		slog.Warn("failed to drop mirrored job state", "job_id", jobID, "error", err)
	}
}

// ListUserJobs returns the worker's job listing for a user.
func (s *Service) ListUserJobs(ctx context.Context, userID string) ([]models.UserJob, error) {
	jobs, err := s.client.ListUserJobs(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i, j := range jobs {
		if t, ok := s.registry.Get(j.ID); ok {
			st := t.CurrentState()
			jobs[i].Status = st.Status
			if st.Progress != "" {
				jobs[i].Progress = st.Progress
			}
		}
	}
	return jobs, nil
}

// History returns the jobs this agent submitted for a user, newest first.
func (s *Service) History(ctx context.Context, userID string, kind models.JobKind, limit int) ([]*models.JobRecord, error) {
	return s.journal.ListJobHandles(ctx, store.JobFilter{UserID: userID, Kind: kind, Limit: limit})
}

// Resume re-attaches every journaled job that had not settled. It returns how
// many trackers were started.
func (s *Service) Resume(ctx context.Context) (int, error) {
	handles, err := s.journal.ListUnsettledHandles(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing unsettled jobs: %w", err)
	}

	resumed := 0
	for _, h := range handles {
		if _, err := s.registry.TrackOrAttach(s.ctx, h); err != nil {
			slog.Warn("cannot resume job", "job_id", h.ID, "kind", h.Kind, "error", err)
			continue
		}
		resumed++
	}
	if resumed > 0 {
		slog.Info("resumed job tracking", "count", resumed)
	}
	return resumed, nil
}

// lookupJournal returns the journaled record for jobID, or nil when there is
// none or the journal cannot be read.
func (s *Service) lookupJournal(ctx context.Context, userID, jobID string) (*models.JobRecord, error) {
	rec, err := s.journal.GetJobHandle(ctx, jobID)
	switch {
	case err == nil:
		if !owns(userID, rec.Handle) {
			return nil, ErrJobNotFound
		}
		return rec, nil
	case !errors.Is(err, store.ErrNotFound):
		slog.Warn("reading job journal failed", "job_id", jobID, "error", err)
	}
	return nil, nil
}

func adHocHandle(userID, jobID string, kind models.JobKind) (models.JobHandle, error) {
	if kind == "" {
		return models.JobHandle{}, ErrKindRequired
	}
	if _, err := models.ParseJobKind(string(kind)); err != nil {
		return models.JobHandle{}, err
	}
	return models.JobHandle{ID: jobID, Kind: kind, UserID: userID, CreatedAt: time.Now().UTC()}, nil
}

// recordView rebuilds the final state of a settled job from its journal row.
func recordView(rec *models.JobRecord) *JobView {
	st := models.JobState{Status: rec.FinalStatus}
	if rec.SettledAt != nil {
		st.UpdatedAt = *rec.SettledAt
	}
	if rec.FailureKind != "" {
		st.Failure = &models.JobError{Kind: rec.FailureKind, Message: rec.FailureMessage}
	}
	return &JobView{Snapshot: tracker.Snapshot{Handle: rec.Handle, State: st}, Source: SourceJournal}
}

// mirrorState is a tracker hook copying every transition to the cache.
func (s *Service) mirrorState(handle models.JobHandle, state models.JobState) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()
	if err := s.mirror.SetJobState(ctx, cache.JobEntry{Handle: handle, State: state}, s.opts.MirrorTTL); err != nil {
		slog.Warn("failed to mirror job state", "job_id", handle.ID, "status", state.Status, "error", err)
	}
}

// settleHandle is a tracker hook marking journaled jobs as finished. Jobs whose
// polling gave up stay unsettled so the next start resumes them.
func (s *Service) settleHandle(handle models.JobHandle, state models.JobState) {
	if !state.Terminal() || (state.Failure != nil && state.Failure.Kind == models.FailurePollingExhausted) {
		return
	}

	var opts []store.SettleOption
	if state.Failure != nil {
		opts = append(opts, store.WithFailure(state.Failure.Kind, state.Failure.Message))
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()
	err := s.journal.SettleJobHandle(ctx, handle.ID, state.Status, opts...)
	switch {
	case err == nil:
		slog.Info("job settled", "job_id", handle.ID, "kind", handle.Kind, "status", state.Status)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrAlreadySettled):
	default:
		slog.Warn("failed to settle job handle", "job_id", handle.ID, "error", err)
	}
}

// owns reports whether userID may see the job. Handles with no user are visible
// to everyone.
func owns(userID string, h models.JobHandle) bool {
	return h.UserID == "" || h.UserID == userID
}

func exhausted(st models.JobState) bool {
	return st.Failure != nil && st.Failure.Kind == models.FailurePollingExhausted
}

func cancelled(st models.JobState) bool {
	return st.Failure != nil && st.Failure.Kind == models.FailureCancelled
}
