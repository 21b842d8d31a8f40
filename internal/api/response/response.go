// Package response writes the agent's JSON envelopes: {"data": ...} on success
// and {"error": {"code", "message", "details"}} on failure.
package response

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kiranshivaraju/strift/pkg/models"
)

// Error codes shared by handlers and middleware.
const (
	CodeInternal          = "INTERNAL_ERROR"
	CodeWorkerRejected    = "WORKER_REJECTED"
	CodeWorkerUnavailable = "WORKER_UNAVAILABLE"
	CodeWorkerProtocol    = "WORKER_PROTOCOL_ERROR"
	CodeJobFailed         = "JOB_FAILED"
	CodePollingExhausted  = "POLLING_EXHAUSTED"
	CodeJobCancelled      = "JOB_CANCELLED"
)

type envelope struct {
	Data any `json:"data"`
}

type collectionEnvelope struct {
	Data any            `json:"data"`
	Meta PaginationMeta `json:"meta"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type PaginationMeta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

// JobFailureDetails accompanies errors derived from a job failure.
type JobFailureDetails struct {
	Kind         models.FailureKind `json:"kind"`
	Retryable    bool               `json:"retryable"`
	WorkerStatus int                `json:"worker_status,omitempty"`
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

// Accepted answers a submission whose job runs on the worker.
func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

// NoContent writes a bare 204.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func Collection(w http.ResponseWriter, data any, meta PaginationMeta) {
	writeJSON(w, http.StatusOK, collectionEnvelope{Data: data, Meta: meta})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// Internal writes a 500 that hides the cause from the caller.
func Internal(w http.ResponseWriter, message string, details any) {
	if message == "" {
		message = "An unexpected error occurred"
	}
	Error(w, http.StatusInternalServerError, CodeInternal, message, details)
}

// JobError writes err according to its failure kind. Errors that are not a
// *models.JobError are internal.
func JobError(w http.ResponseWriter, err error) {
	var je *models.JobError
	if !errors.As(err, &je) {
		Internal(w, "", nil)
		return
	}
	status, code, message := jobErrorStatus(je)
	Error(w, status, code, message, JobFailureDetails{
		Kind:         je.Kind,
		Retryable:    je.Retryable(),
		WorkerStatus: je.StatusCode,
	})
}

func jobErrorStatus(je *models.JobError) (int, string, string) {
	switch je.Kind {
	case models.FailureRequestRejected:
		return http.StatusBadGateway, CodeWorkerRejected, je.Message
	case models.FailureTransport:
		return http.StatusBadGateway, CodeWorkerUnavailable, "The worker is not reachable"
	case models.FailurePollingExhausted:
		return http.StatusGatewayTimeout, CodePollingExhausted, "The worker stopped answering status requests"
	case models.FailureServerReported:
		return http.StatusUnprocessableEntity, CodeJobFailed, je.Message
	case models.FailureCancelled:
		return http.StatusConflict, CodeJobCancelled, "The job was cancelled"
	default:
		return http.StatusBadGateway, CodeWorkerProtocol, je.Message
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
