// Package models contains the data types shared across the Strift job engine.
package models

import (
	"fmt"
	"time"
)

// JobKind selects the worker endpoint a job is submitted to and the shape of its result.
type JobKind string

const (
	KindTrain JobKind = "train"
	KindInfer JobKind = "infer"
	KindVTON  JobKind = "vton"
)

// ParseJobKind validates a kind string coming from the outside world.
func ParseJobKind(s string) (JobKind, error) {
	switch k := JobKind(s); k {
	case KindTrain, KindInfer, KindVTON:
		return k, nil
	default:
		return "", fmt.Errorf("unknown job kind %q: must be one of train, infer, vton", s)
	}
}

const (
	JobStatusPending  = "pending"
	JobStatusRunning  = "running"
	JobStatusComplete = "complete"
	JobStatusFailed   = "failed"
)

// JobHandle identifies a remote job. It is produced exactly once per successful
// submission and never modified afterwards.
type JobHandle struct {
	ID        string    `json:"job_id"`
	Kind      JobKind   `json:"kind"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// JobResult is the kind-specific payload of a completed job.
// Train jobs complete with an empty result.
type JobResult struct {
	Images    []string `json:"images,omitempty"`
	OutputURL string   `json:"output_url,omitempty"`
}

// JobState is an immutable snapshot of a job as seen by the client.
// Result is set only when Status is complete; Failure only when it is failed.
type JobState struct {
	Status    string     `json:"status"`
	Progress  string     `json:"progress,omitempty"`
	Result    *JobResult `json:"result,omitempty"`
	Failure   *JobError  `json:"failure,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Terminal reports whether the state can no longer change.
func (s JobState) Terminal() bool {
	return s.Status == JobStatusComplete || s.Status == JobStatusFailed
}

// Clone returns a deep copy so snapshots handed to observers never alias tracker memory.
func (s JobState) Clone() JobState {
	out := s
	if s.Result != nil {
		r := *s.Result
		r.Images = append([]string(nil), s.Result.Images...)
		out.Result = &r
	}
	if s.Failure != nil {
		f := *s.Failure
		out.Failure = &f
	}
	return out
}

// Equal compares two states ignoring UpdatedAt.
func (s JobState) Equal(o JobState) bool {
	if s.Status != o.Status || s.Progress != o.Progress {
		return false
	}
	if (s.Result == nil) != (o.Result == nil) || (s.Failure == nil) != (o.Failure == nil) {
		return false
	}
	if s.Result != nil {
		if s.Result.OutputURL != o.Result.OutputURL || len(s.Result.Images) != len(o.Result.Images) {
			return false
		}
		for i := range s.Result.Images {
			if s.Result.Images[i] != o.Result.Images[i] {
				return false
			}
		}
	}
	if s.Failure != nil {
		if s.Failure.Kind != o.Failure.Kind || s.Failure.StatusCode != o.Failure.StatusCode ||
			s.Failure.Message != o.Failure.Message {
			return false
		}
	}
	return true
}

// UserJob is one entry of a user's job listing as reported by the worker.
type UserJob struct {
	ID       string  `json:"job_id"`
	Kind     JobKind `json:"type"`
	Status   string  `json:"status"`
	Progress string  `json:"progress,omitempty"`
}

// JobRecord is a journaled job handle. SettledAt is set once the agent stops
// following the job; FinalStatus and the failure fields describe how it ended.
type JobRecord struct {
	Handle         JobHandle   `json:"handle"`
	SettledAt      *time.Time  `json:"settled_at,omitempty"`
	FinalStatus    string      `json:"final_status,omitempty"`
	FailureKind    FailureKind `json:"failure_kind,omitempty"`
	FailureMessage string      `json:"failure_message,omitempty"`
}

// Settled reports whether the agent has stopped following the job.
func (r JobRecord) Settled() bool { return r.SettledAt != nil }
