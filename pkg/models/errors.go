package models

import (
	"encoding/json"
	"fmt"
)

// FailureKind classifies why a job-related operation failed.
type FailureKind string

const (
	FailureTransport        FailureKind = "transport_error"
	FailureRequestRejected  FailureKind = "request_rejected"
	FailureProtocol         FailureKind = "protocol_error"
	FailureServerReported   FailureKind = "server_reported"
	FailurePollingExhausted FailureKind = "polling_exhausted"
	FailureCancelled        FailureKind = "cancelled"
)

// Sentinel values for errors.Is; a *JobError matches the sentinel of its Kind.
var (
	ErrTransport        = &JobError{Kind: FailureTransport}
	ErrRequestRejected  = &JobError{Kind: FailureRequestRejected}
	ErrProtocol         = &JobError{Kind: FailureProtocol}
	ErrServerReported   = &JobError{Kind: FailureServerReported}
	ErrPollingExhausted = &JobError{Kind: FailurePollingExhausted}
	ErrCancelled        = &JobError{Kind: FailureCancelled}
)

// JobError is the structured failure carried by Failed job states and returned
// from submission. StatusCode is set only for request_rejected.
type JobError struct {
	Kind       FailureKind `json:"kind"`
	StatusCode int         `json:"status_code,omitempty"`
	Message    string      `json:"message,omitempty"`
	Err        error       `json:"-"`
}

// NewJobError builds a JobError of the given kind.
func NewJobError(kind FailureKind, msg string, err error) *JobError {
	return &JobError{Kind: kind, Message: msg, Err: err}
}

func (e *JobError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s (status %d)", e.Kind, e.StatusCode)
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *JobError) Unwrap() error { return e.Err }

// Is matches any *JobError with the same Kind.
func (e *JobError) Is(target error) bool {
	t, ok := target.(*JobError)
	return ok && t.Kind == e.Kind
}

// Retryable reports whether the caller may reasonably try again.
// Submission is never retried automatically; this is a hint for the caller's policy.
func (e *JobError) Retryable() bool {
	return e.Kind == FailureTransport || e.Kind == FailurePollingExhausted
}

// MarshalJSON adds the rendered error text so API clients get a readable reason.
func (e *JobError) MarshalJSON() ([]byte, error) {
	type alias JobError
	return json.Marshal(struct {
		*alias
		Error string `json:"error"`
	}{alias: (*alias)(e), Error: e.Error()})
}
