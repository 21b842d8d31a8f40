// Package mock provides a scriptable worker.Client for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/kiranshivaraju/strift/internal/worker"
	"github.com/kiranshivaraju/strift/pkg/models"
)

// MockClient satisfies worker.Client for testing.
type MockClient struct {
	SubmitMultipartFunc func(ctx context.Context, kind models.JobKind, fields map[string]string, files []worker.FilePart) (*worker.SubmitResponse, error)
	SubmitJSONFunc      func(ctx context.Context, kind models.JobKind, body any) (*worker.SubmitResponse, error)
	JobStatusFunc       func(ctx context.Context, handle models.JobHandle) (*worker.StatusResponse, error)
	ListUserJobsFunc    func(ctx context.Context, userID string) ([]models.UserJob, error)

	mu    sync.Mutex
	calls map[string]int
}

func (m *MockClient) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[name]++
}

// Calls returns how many times the named method was invoked.
func (m *MockClient) Calls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func (m *MockClient) SubmitMultipart(ctx context.Context, kind models.JobKind, fields map[string]string, files []worker.FilePart) (*worker.SubmitResponse, error) {
	m.record("SubmitMultipart")
	if m.SubmitMultipartFunc != nil {
		return m.SubmitMultipartFunc(ctx, kind, fields, files)
	}
	return &worker.SubmitResponse{JobID: "job-mock", Status: models.JobStatusPending}, nil
}

func (m *MockClient) SubmitJSON(ctx context.Context, kind models.JobKind, body any) (*worker.SubmitResponse, error) {
	m.record("SubmitJSON")
	if m.SubmitJSONFunc != nil {
		return m.SubmitJSONFunc(ctx, kind, body)
	}
	return &worker.SubmitResponse{JobID: "job-mock", Status: models.JobStatusPending}, nil
}

func (m *MockClient) JobStatus(ctx context.Context, handle models.JobHandle) (*worker.StatusResponse, error) {
	m.record("JobStatus")
	if m.JobStatusFunc != nil {
		return m.JobStatusFunc(ctx, handle)
	}
	return &worker.StatusResponse{JobID: handle.ID, Status: models.JobStatusPending}, nil
}

func (m *MockClient) ListUserJobs(ctx context.Context, userID string) ([]models.UserJob, error) {
	m.record("ListUserJobs")
	if m.ListUserJobsFunc != nil {
		return m.ListUserJobsFunc(ctx, userID)
	}
	return []models.UserJob{}, nil
}

// Step is one scripted answer to a JobStatus call.
type Step struct {
	Resp *worker.StatusResponse
	Err  error
	// Delay holds the answer back; a context deadline shorter than Delay
	// produces a transport timeout instead.
	Delay time.Duration
	// Release, when set, blocks the answer until the channel is closed.
	Release <-chan struct{}
}

// Status is shorthand for a Step answering with the given status.
func Status(status string) Step {
	return Step{Resp: &worker.StatusResponse{Status: status}}
}

// Timeout is a Step that fails like a request whose deadline expired.
func Timeout() Step {
	return Step{Err: models.NewJobError(models.FailureTransport, "worker request timed out", context.DeadlineExceeded)}
}

// NewSequenceClient returns a MockClient whose JobStatus plays steps in order and
// repeats the last one once the script runs out.
func NewSequenceClient(steps ...Step) *MockClient {
	var mu sync.Mutex
	next := 0
	m := &MockClient{}
	m.JobStatusFunc = func(ctx context.Context, handle models.JobHandle) (*worker.StatusResponse, error) {
		mu.Lock()
		i := next
		if next < len(steps)-1 {
			next++
		}
		mu.Unlock()
		if len(steps) == 0 {
			return &worker.StatusResponse{JobID: handle.ID, Status: models.JobStatusPending}, nil
		}
		return play(ctx, handle, steps[i])
	}
	return m
}

func play(ctx context.Context, handle models.JobHandle, s Step) (*worker.StatusResponse, error) {
	if s.Release != nil {
		<-s.Release
	}
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, models.NewJobError(models.FailureTransport, "worker request timed out", ctx.Err())
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}
	resp := *s.Resp
	if resp.JobID == "" {
		resp.JobID = handle.ID
	}
	return &resp, nil
}

// Compile-time check that MockClient implements worker.Client.
var _ worker.Client = (*MockClient)(nil)
