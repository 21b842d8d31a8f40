package tracker_test

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/strift/internal/tracker"
	"github.com/kiranshivaraju/strift/internal/worker"
	"github.com/kiranshivaraju/strift/internal/worker/mock"
	"github.com/kiranshivaraju/strift/internal/worker/workertest"
	"github.com/kiranshivaraju/strift/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

func fastConfig() tracker.Config {
	return tracker.Config{
		Interval:    time.Millisecond,
		MaxBackoff:  4 * time.Millisecond,
		PollTimeout: 200 * time.Millisecond,
	}
}

type recorder struct {
	mu     sync.Mutex
	states []models.JobState
}

func (r *recorder) record(s models.JobState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.states))
	for i, s := range r.states {
		out[i] = s.Status
	}
	return out
}

func (r *recorder) all() []models.JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.JobState(nil), r.states...)
}

func waitDone(t *testing.T, tr *tracker.Tracker) {
	t.Helper()
	select {
	case <-tr.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("tracker did not stop")
	}
}

func startTracker(t *testing.T, handle models.JobHandle, client worker.Client, opts ...tracker.Option) (*tracker.Tracker, *recorder) {
	t.Helper()
	opts = append([]tracker.Option{tracker.WithConfig(fastConfig())}, opts...)
	tr := tracker.New(handle, client, opts...)
	rec := &recorder{}
	tr.Subscribe(rec.record)
	require.NoError(t, tr.Start(context.Background()))
	return tr, rec
}

var trainHandle = models.JobHandle{ID: "j1", Kind: models.KindTrain, UserID: "u1"}

// --- lifecycle ---

func TestTracker_NewIsPending(t *testing.T) {
	tr := tracker.New(trainHandle, &mock.MockClient{})
	assert.Equal(t, models.JobStatusPending, tr.CurrentState().Status)
	assert.Equal(t, trainHandle, tr.Handle())
}

func TestTracker_StartTwice(t *testing.T) {
	tr, _ := startTracker(t, trainHandle, mock.NewSequenceClient(mock.Status("complete")))
	assert.ErrorIs(t, tr.Start(context.Background()), tracker.ErrAlreadyStarted)
	waitDone(t, tr)
}

func TestTracker_TrainScenario(t *testing.T) {
	client := mock.NewSequenceClient(
		mock.Status("pending"),
		mock.Status("running"),
		mock.Status("complete"),
	)
	tr, rec := startTracker(t, trainHandle, client)
	waitDone(t, tr)

	assert.Equal(t, []string{"running", "complete"}, rec.statuses())
	final := tr.CurrentState()
	assert.Equal(t, models.JobStatusComplete, final.Status)
	assert.Nil(t, final.Result)
	assert.Nil(t, final.Failure)
	assert.Equal(t, 3, client.Calls("JobStatus"))
}

func TestTracker_InferScenarioNotifiesCompleteOnce(t *testing.T) {
	client := mock.NewSequenceClient(
		mock.Status("pending"),
		mock.Status("running"),
		mock.Step{Resp: &worker.StatusResponse{Status: "complete", Images: []string{"u1", "u2"}}},
	)
	tr, rec := startTracker(t, models.JobHandle{ID: "j2", Kind: models.KindInfer}, client)
	waitDone(t, tr)

	states := rec.all()
	require.NotEmpty(t, states)
	completes := 0
	for _, s := range states {
		if s.Status == models.JobStatusComplete {
			completes++
		}
	}
	assert.Equal(t, 1, completes)
	last := states[len(states)-1]
	assert.Equal(t, models.JobStatusComplete, last.Status)
	assert.Equal(t, []string{"u1", "u2"}, last.Result.Images)
}

func TestTracker_NeverRegressesFromRunning(t *testing.T) {
	client := mock.NewSequenceClient(
		mock.Status("running"),
		mock.Status("pending"),
		mock.Status("running"),
		mock.Status("complete"),
	)
	tr, rec := startTracker(t, trainHandle, client)
	waitDone(t, tr)

	assert.Equal(t, []string{"running", "complete"}, rec.statuses())
}

func TestTracker_ProgressChangesNotify(t *testing.T) {
	client := mock.NewSequenceClient(
		mock.Step{Resp: &worker.StatusResponse{Status: "running", Progress: "10%"}},
		mock.Step{Resp: &worker.StatusResponse{Status: "running", Progress: "10%"}},
		mock.Step{Resp: &worker.StatusResponse{Status: "running", Progress: "60%"}},
		mock.Status("complete"),
	)
	tr, rec := startTracker(t, trainHandle, client)
	waitDone(t, tr)

	states := rec.all()
	require.Len(t, states, 3)
	assert.Equal(t, "10%", states[0].Progress)
	assert.Equal(t, "60%", states[1].Progress)
	assert.Equal(t, models.JobStatusComplete, states[2].Status)
}

// --- failures ---

func TestTracker_PollingExhaustedAfterExactlyMaxFailures(t *testing.T) {
	client := mock.NewSequenceClient(mock.Timeout())
	tr, rec := startTracker(t, trainHandle, client)
	waitDone(t, tr)

	st := tr.CurrentState()
	require.Equal(t, models.JobStatusFailed, st.Status)
	assert.ErrorIs(t, st.Failure, models.ErrPollingExhausted)
	assert.Equal(t, 5, client.Calls("JobStatus"))

	// polling has stopped for good
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 5, client.Calls("JobStatus"))
	assert.Equal(t, []string{"failed"}, rec.statuses())

	snap := tr.Snapshot()
	assert.Equal(t, 5, snap.PollAttempts)
	assert.Equal(t, 5, snap.ConsecutiveFailures)
	assert.False(t, snap.LastPollAt.IsZero())
}

func TestTracker_CustomFailureLimit(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxConsecutiveFailures = 2
	client := mock.NewSequenceClient(mock.Timeout())
	tr, _ := startTracker(t, trainHandle, client, tracker.WithConfig(cfg))
	waitDone(t, tr)

	assert.Equal(t, 2, client.Calls("JobStatus"))
}

func TestTracker_PollTimeoutCountsAsTransportFailure(t *testing.T) {
	cfg := fastConfig()
	cfg.PollTimeout = 5 * time.Millisecond
	cfg.MaxConsecutiveFailures = 2
	client := mock.NewSequenceClient(mock.Step{Resp: &worker.StatusResponse{Status: "running"}, Delay: time.Second})
	tr, _ := startTracker(t, trainHandle, client, tracker.WithConfig(cfg))
	waitDone(t, tr)

	assert.ErrorIs(t, tr.CurrentState().Failure, models.ErrPollingExhausted)
}

func TestTracker_SuccessResetsFailureCount(t *testing.T) {
	unavailable := mock.Step{Err: &models.JobError{Kind: models.FailureRequestRejected, StatusCode: http.StatusServiceUnavailable}}
	client := mock.NewSequenceClient(
		mock.Timeout(),
		unavailable,
		mock.Timeout(),
		mock.Status("running"),
		mock.Timeout(),
		mock.Timeout(),
		mock.Timeout(),
		mock.Timeout(),
		mock.Status("complete"),
	)
	tr, _ := startTracker(t, trainHandle, client)
	waitDone(t, tr)

	assert.Equal(t, models.JobStatusComplete, tr.CurrentState().Status)
	snap := tr.Snapshot()
	assert.Equal(t, 9, snap.PollAttempts)
	assert.Zero(t, snap.ConsecutiveFailures)
}

func TestTracker_ClientErrorStopsPolling(t *testing.T) {
	client := mock.NewSequenceClient(mock.Step{Err: &models.JobError{
		Kind: models.FailureRequestRejected, StatusCode: http.StatusNotFound, Message: "job not found",
	}})
	tr, _ := startTracker(t, trainHandle, client)
	waitDone(t, tr)

	st := tr.CurrentState()
	assert.ErrorIs(t, st.Failure, models.ErrRequestRejected)
	assert.Equal(t, http.StatusNotFound, st.Failure.StatusCode)
	assert.Equal(t, "job not found", st.Failure.Message)
	assert.Equal(t, 1, client.Calls("JobStatus"))
}

func TestTracker_ProtocolErrorStopsPolling(t *testing.T) {
	client := mock.NewSequenceClient(mock.Step{Resp: &worker.StatusResponse{JobID: "someone-else", Status: "running"}})
	tr, _ := startTracker(t, trainHandle, client)
	waitDone(t, tr)

	assert.ErrorIs(t, tr.CurrentState().Failure, models.ErrProtocol)
	assert.Equal(t, 1, client.Calls("JobStatus"))
}

func TestTracker_ServerReportedFailure(t *testing.T) {
	client := mock.NewSequenceClient(
		mock.Status("running"),
		mock.Step{Resp: &worker.StatusResponse{Status: "failed", Error: "training diverged"}},
	)
	tr, rec := startTracker(t, trainHandle, client)
	waitDone(t, tr)

	st := tr.CurrentState()
	assert.ErrorIs(t, st.Failure, models.ErrServerReported)
	assert.Equal(t, "training diverged", st.Failure.Message)
	assert.Equal(t, []string{"running", "failed"}, rec.statuses())
}

// --- cancellation ---

func TestTracker_CancelWhilePending(t *testing.T) {
	release := make(chan struct{})
	client := mock.NewSequenceClient(mock.Step{Resp: &worker.StatusResponse{Status: "complete"}, Release: release})
	tr, rec := startTracker(t, trainHandle, client)

	tr.Cancel()
	st := tr.CurrentState()
	require.Equal(t, models.JobStatusFailed, st.Status)
	assert.ErrorIs(t, st.Failure, models.ErrCancelled)

	// the in-flight poll answers complete after the cancel and must be discarded
	close(release)
	waitDone(t, tr)

	assert.ErrorIs(t, tr.CurrentState().Failure, models.ErrCancelled)
	assert.Equal(t, []string{"failed"}, rec.statuses())
	assert.LessOrEqual(t, client.Calls("JobStatus"), 1)
}

func TestTracker_CancelAfterCompleteIsNoop(t *testing.T) {
	tr, rec := startTracker(t, trainHandle, mock.NewSequenceClient(mock.Status("complete")))
	waitDone(t, tr)

	tr.Cancel()
	assert.Equal(t, models.JobStatusComplete, tr.CurrentState().Status)
	assert.Equal(t, []string{"complete"}, rec.statuses())
}

func TestTracker_CancelBeforeStart(t *testing.T) {
	client := mock.NewSequenceClient(mock.Status("running"))
	tr := tracker.New(trainHandle, client, tracker.WithConfig(fastConfig()))
	tr.Cancel()
	require.NoError(t, tr.Start(context.Background()))
	waitDone(t, tr)

	assert.ErrorIs(t, tr.CurrentState().Failure, models.ErrCancelled)
	assert.Zero(t, client.Calls("JobStatus"))
}

func TestTracker_CancelFromSubscriber(t *testing.T) {
	client := mock.NewSequenceClient(mock.Status("running"))
	tr := tracker.New(trainHandle, client, tracker.WithConfig(fastConfig()))
	rec := &recorder{}
	tr.Subscribe(func(s models.JobState) {
		rec.record(s)
		if s.Status == models.JobStatusRunning {
			tr.Cancel()
		}
	})
	require.NoError(t, tr.Start(context.Background()))
	waitDone(t, tr)

	assert.Equal(t, []string{"running", "failed"}, rec.statuses())
	assert.ErrorIs(t, tr.CurrentState().Failure, models.ErrCancelled)
}

func TestTracker_ContextCancelLeavesJobResumable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := tracker.New(trainHandle, mock.NewSequenceClient(mock.Status("running")), tracker.WithConfig(fastConfig()))
	require.NoError(t, tr.Start(ctx))

	time.Sleep(10 * time.Millisecond)
	cancel()
	waitDone(t, tr)

	assert.False(t, tr.CurrentState().Terminal())
	assert.True(t, tr.Resumable())
}

func TestTracker_StopEndsLoopWithoutTransition(t *testing.T) {
	tr := tracker.New(trainHandle, mock.NewSequenceClient(mock.Status("running")), tracker.WithConfig(fastConfig()))
	require.NoError(t, tr.Start(context.Background()))
	require.Eventually(t, func() bool {
		return tr.CurrentState().Status == models.JobStatusRunning
	}, time.Second, time.Millisecond)

	rec := &recorder{}
	tr.Subscribe(rec.record)
	tr.Stop()
	waitDone(t, tr)

	assert.Equal(t, models.JobStatusRunning, tr.CurrentState().Status)
	assert.Empty(t, rec.statuses())
	assert.True(t, tr.Resumable())

	snap := tr.Snapshot()
	assert.Equal(t, models.JobStatusRunning, snap.State.Status)
	assert.GreaterOrEqual(t, snap.PollAttempts, 1)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.False(t, snap.LastPollAt.IsZero())
	tr.Stop()
}

func TestTracker_StopDiscardsInFlightPoll(t *testing.T) {
	release := make(chan struct{})
	client := mock.NewSequenceClient(mock.Step{Resp: &worker.StatusResponse{Status: "complete"}, Release: release})
	tr := tracker.New(trainHandle, client, tracker.WithConfig(fastConfig()))
	require.NoError(t, tr.Start(context.Background()))

	tr.Stop()
	close(release)
	waitDone(t, tr)

	assert.Equal(t, models.JobStatusPending, tr.CurrentState().Status)
}

func TestTracker_StopAfterCompleteIsNoop(t *testing.T) {
	tr := tracker.New(trainHandle, mock.NewSequenceClient(mock.Status("complete")), tracker.WithConfig(fastConfig()))
	require.NoError(t, tr.Start(context.Background()))
	waitDone(t, tr)

	tr.Stop()
	assert.Equal(t, models.JobStatusComplete, tr.CurrentState().Status)
	assert.False(t, tr.Resumable())
}

// --- observers ---

func TestTracker_Unsubscribe(t *testing.T) {
	release := make(chan struct{})
	client := mock.NewSequenceClient(
		mock.Step{Resp: &worker.StatusResponse{Status: "running"}, Release: release},
		mock.Status("complete"),
	)
	tr := tracker.New(trainHandle, client, tracker.WithConfig(fastConfig()))
	rec := &recorder{}
	unsubscribe := tr.Subscribe(rec.record)
	unsubscribe()
	unsubscribe()
	assert.Zero(t, tr.Observers())

	require.NoError(t, tr.Start(context.Background()))
	close(release)
	waitDone(t, tr)

	assert.Empty(t, rec.statuses())
}

func TestTracker_PanickingSubscriberDoesNotStopOthers(t *testing.T) {
	tr := tracker.New(trainHandle, mock.NewSequenceClient(mock.Status("running"), mock.Status("complete")),
		tracker.WithConfig(fastConfig()))
	tr.Subscribe(func(models.JobState) { panic("bad observer") })
	rec := &recorder{}
	tr.Subscribe(rec.record)
	require.NoError(t, tr.Start(context.Background()))
	waitDone(t, tr)

	assert.Equal(t, []string{"running", "complete"}, rec.statuses())
}

func TestTracker_HooksSeeEveryTransition(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	hook := func(h models.JobHandle, s models.JobState) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "j1", h.ID)
		seen = append(seen, s.Status)
	}
	tr := tracker.New(trainHandle, mock.NewSequenceClient(mock.Status("running"), mock.Status("complete")),
		tracker.WithConfig(fastConfig()), tracker.WithHooks(hook))
	require.NoError(t, tr.Start(context.Background()))
	waitDone(t, tr)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"running", "complete"}, seen)
	assert.Zero(t, tr.Observers())
}

func TestTracker_ObserversGetCopies(t *testing.T) {
	client := mock.NewSequenceClient(mock.Step{Resp: &worker.StatusResponse{Status: "complete", Images: []string{"u1"}}})
	tr := tracker.New(models.JobHandle{ID: "j2", Kind: models.KindInfer}, client, tracker.WithConfig(fastConfig()))
	tr.Subscribe(func(s models.JobState) { s.Result.Images[0] = "mutated" })
	require.NoError(t, tr.Start(context.Background()))
	waitDone(t, tr)

	assert.Equal(t, []string{"u1"}, tr.CurrentState().Result.Images)
}

// --- release ---

func TestTracker_ReleasedWhenTerminalAndUnobserved(t *testing.T) {
	var released atomic.Int32
	tr := tracker.New(trainHandle, mock.NewSequenceClient(mock.Status("complete")),
		tracker.WithConfig(fastConfig()),
		tracker.OnRelease(func(*tracker.Tracker) { released.Add(1) }))
	require.NoError(t, tr.Start(context.Background()))
	waitDone(t, tr)

	assert.Eventually(t, func() bool { return released.Load() == 1 }, time.Second, time.Millisecond)
}

func TestTracker_ReleasedOnceLastObserverLeaves(t *testing.T) {
	var released atomic.Int32
	tr := tracker.New(trainHandle, mock.NewSequenceClient(mock.Status("complete")),
		tracker.WithConfig(fastConfig()),
		tracker.OnRelease(func(*tracker.Tracker) { released.Add(1) }))
	unsubscribe := tr.Subscribe(func(models.JobState) {})
	require.NoError(t, tr.Start(context.Background()))
	waitDone(t, tr)

	assert.Zero(t, released.Load())
	unsubscribe()
	assert.Equal(t, int32(1), released.Load())
}

func TestTracker_ReleasedOnCancelEvenWhenObserved(t *testing.T) {
	var released atomic.Int32
	tr := tracker.New(trainHandle, &mock.MockClient{},
		tracker.OnRelease(func(*tracker.Tracker) { released.Add(1) }))
	tr.Subscribe(func(models.JobState) {})

	tr.Cancel()
	tr.Cancel()
	assert.Equal(t, int32(1), released.Load())
	assert.True(t, tr.Resumable())
}

// --- against the fake worker ---

func TestTracker_PollsKindEndpointOverHTTP(t *testing.T) {
	srv := workertest.NewServer()
	defer srv.Close()
	srv.Script("v1",
		workertest.StatusReply("pending"),
		workertest.StatusReply("running"),
		workertest.Reply{Body: map[string]any{"job_id": "v1", "status": "complete", "output_url": "https://cdn/out.png"}},
	)

	client := worker.NewHTTPClient(worker.Options{BaseURL: srv.URL})
	tr, rec := startTracker(t, models.JobHandle{ID: "v1", Kind: models.KindVTON}, client)
	waitDone(t, tr)

	st := tr.CurrentState()
	require.Equal(t, models.JobStatusComplete, st.Status, "failure: %v", st.Failure)
	assert.Equal(t, "https://cdn/out.png", st.Result.OutputURL)
	assert.Equal(t, []string{"running", "complete"}, rec.statuses())
	assert.Equal(t, 3, srv.Polls("v1"))
}

func TestTracker_UnknownJobOverHTTP(t *testing.T) {
	srv := workertest.NewServer()
	defer srv.Close()

	client := worker.NewHTTPClient(worker.Options{BaseURL: srv.URL})
	tr, _ := startTracker(t, models.JobHandle{ID: "missing", Kind: models.KindTrain}, client)
	waitDone(t, tr)

	st := tr.CurrentState()
	assert.ErrorIs(t, st.Failure, models.ErrRequestRejected)
	assert.Equal(t, http.StatusNotFound, st.Failure.StatusCode)
	assert.Equal(t, 1, srv.Polls("missing"))
}

func TestTracker_ServerErrorsExhaustOverHTTP(t *testing.T) {
	srv := workertest.NewServer()
	defer srv.Close()
	srv.Script("j5", workertest.Reply{HTTPStatus: http.StatusBadGateway, Body: "upstream down"})

	client := worker.NewHTTPClient(worker.Options{BaseURL: srv.URL})
	tr, _ := startTracker(t, models.JobHandle{ID: "j5", Kind: models.KindTrain}, client)
	waitDone(t, tr)

	assert.ErrorIs(t, tr.CurrentState().Failure, models.ErrPollingExhausted)
	assert.Equal(t, 5, srv.Polls("j5"))
}
