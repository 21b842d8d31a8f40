package response_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/strift/internal/api/response"
	"github.com/kiranshivaraju/strift/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	response.JSON(w, map[string]string{"name": "test"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]any)
	assert.Equal(t, "test", data["name"])
}

func TestCreated(t *testing.T) {
	w := httptest.NewRecorder()
	response.Created(w, map[string]string{"id": "abc"})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]any)
	assert.Equal(t, "abc", data["id"])
}

func TestAccepted(t *testing.T) {
	w := httptest.NewRecorder()
	response.Accepted(w, map[string]string{"job_id": "j1"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]any)
	assert.Equal(t, "j1", data["job_id"])
}

func TestCollection(t *testing.T) {
	w := httptest.NewRecorder()
	items := []map[string]string{{"id": "1"}, {"id": "2"}}
	meta := response.PaginationMeta{Page: 1, Limit: 20, Total: 50, HasNext: true}

	response.Collection(w, items, meta)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	data := body["data"].([]any)
	assert.Len(t, data, 2)

	m := body["meta"].(map[string]any)
	assert.Equal(t, float64(1), m["page"])
	assert.Equal(t, float64(20), m["limit"])
	assert.Equal(t, float64(50), m["total"])
	assert.Equal(t, true, m["has_next"])
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid params", map[string][]string{
		"garment_id": {"garment_id is required"},
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	errObj := body["error"].(map[string]any)
	assert.Equal(t, "VALIDATION_ERROR", errObj["code"])
	assert.Equal(t, "Invalid params", errObj["message"])
	assert.NotNil(t, errObj["details"])
}

func TestError_NoDetails(t *testing.T) {
	w := httptest.NewRecorder()
	response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Not found", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	errObj := body["error"].(map[string]any)
	assert.Equal(t, "RESOURCE_NOT_FOUND", errObj["code"])
	_, hasDetails := errObj["details"]
	assert.False(t, hasDetails)
}

func TestNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	response.NoContent(w)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.Bytes())
}

func TestInternal_DefaultMessage(t *testing.T) {
	w := httptest.NewRecorder()
	response.Internal(w, "", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	errObj := errorOf(t, w)
	assert.Equal(t, response.CodeInternal, errObj["code"])
	assert.Equal(t, "An unexpected error occurred", errObj["message"])
}

func TestJobError_MapsFailureKinds(t *testing.T) {
	tests := []struct {
		name       string
		err        *models.JobError
		wantStatus int
		wantCode   string
		retryable  bool
	}{
		{"rejected", &models.JobError{Kind: models.FailureRequestRejected, StatusCode: 400, Message: "unknown user"},
			http.StatusBadGateway, response.CodeWorkerRejected, false},
		{"transport", models.NewJobError(models.FailureTransport, "dial", errors.New("refused")),
			http.StatusBadGateway, response.CodeWorkerUnavailable, true},
		{"protocol", models.NewJobError(models.FailureProtocol, "response has no job_id", nil),
			http.StatusBadGateway, response.CodeWorkerProtocol, false},
		{"server reported", models.NewJobError(models.FailureServerReported, "training diverged", nil),
			http.StatusUnprocessableEntity, response.CodeJobFailed, false},
		{"exhausted", models.NewJobError(models.FailurePollingExhausted, "5 consecutive polling failures", nil),
			http.StatusGatewayTimeout, response.CodePollingExhausted, true},
		{"cancelled", models.NewJobError(models.FailureCancelled, "cancelled by caller", nil),
			http.StatusConflict, response.CodeJobCancelled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			response.JobError(w, fmt.Errorf("submit: %w", tt.err))

			assert.Equal(t, tt.wantStatus, w.Code)
			errObj := errorOf(t, w)
			assert.Equal(t, tt.wantCode, errObj["code"])

			details := errObj["details"].(map[string]any)
			assert.Equal(t, string(tt.err.Kind), details["kind"])
			assert.Equal(t, tt.retryable, details["retryable"])
		})
	}
}

func TestJobError_KeepsWorkerMessageAndStatus(t *testing.T) {
	w := httptest.NewRecorder()
	response.JobError(w, &models.JobError{Kind: models.FailureRequestRejected, StatusCode: 422, Message: "user_id is invalid"})

	errObj := errorOf(t, w)
	assert.Equal(t, "user_id is invalid", errObj["message"])
	assert.Equal(t, float64(422), errObj["details"].(map[string]any)["worker_status"])
}

func TestJobError_TransportHidesCause(t *testing.T) {
	w := httptest.NewRecorder()
	response.JobError(w, models.NewJobError(models.FailureTransport, "dial tcp 10.0.0.3:8000", errors.New("refused")))

	errObj := errorOf(t, w)
	assert.NotContains(t, errObj["message"], "10.0.0.3")
	_, hasStatus := errObj["details"].(map[string]any)["worker_status"]
	assert.False(t, hasStatus)
}

func TestJobError_PlainErrorIsInternal(t *testing.T) {
	w := httptest.NewRecorder()
	response.JobError(w, errors.New("boom"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, response.CodeInternal, errorOf(t, w)["code"])
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}
