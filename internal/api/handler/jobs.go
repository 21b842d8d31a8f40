package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/strift/internal/api/middleware"
	"github.com/kiranshivaraju/strift/internal/api/response"
	"github.com/kiranshivaraju/strift/internal/media"
	"github.com/kiranshivaraju/strift/internal/registry"
	"github.com/kiranshivaraju/strift/internal/upload"
	"github.com/kiranshivaraju/strift/internal/workflow"
	"github.com/kiranshivaraju/strift/pkg/models"
)

const (
	// maxUploadBytes bounds a whole training upload.
	maxUploadBytes = 10 * 20 << 20
	maxImageBytes  = 20 << 20
	maxJSONBytes   = 1 << 20
)

// JobService defines the interface the job handlers depend on.
type JobService interface {
	Submit(ctx context.Context, req workflow.SubmitRequest) (models.JobHandle, error)
	Status(ctx context.Context, userID, jobID string, kind models.JobKind) (*workflow.JobView, error)
	Cancel(userID, jobID string) (models.JobState, error)
	Forget(ctx context.Context, userID, jobID string)
	ListUserJobs(ctx context.Context, userID string) ([]models.UserJob, error)
	History(ctx context.Context, userID string, kind models.JobKind, limit int) ([]*models.JobRecord, error)
}

type submitResponse struct {
	JobID  string         `json:"job_id"`
	Kind   models.JobKind `json:"kind"`
	Status string         `json:"status"`
}

// NewTrainHandler returns an http.HandlerFunc for POST /api/v1/train.
// The body is multipart with the images under files[]; other form values are
// forwarded to the worker.
func NewTrainHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid multipart body", nil)
			return
		}
		defer r.MultipartForm.RemoveAll()

		headers := r.MultipartForm.File[upload.FieldFiles]
		if len(headers) == 0 {
			headers = r.MultipartForm.File["files"]
		}

		items := make([]models.MediaItem, 0, len(headers))
		for _, fh := range headers {
			item, err := readPart(fh)
			if err != nil {
				writeSubmitError(w, err)
				return
			}
			items = append(items, item)
		}

		meta := upload.Metadata{}
		for k, v := range r.MultipartForm.Value {
			if len(v) > 0 {
				meta[k] = v[0]
			}
		}

		submit(w, r, svc, workflow.SubmitRequest{UserID: userID, Kind: models.KindTrain, Items: items, Metadata: meta})
	}
}

// NewInferHandler returns an http.HandlerFunc for POST /api/v1/infer. The JSON
// body is an optional object of string fields forwarded to the worker.
func NewInferHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		meta := upload.Metadata{}
		if err := decodeJSON(w, r, &meta); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		submit(w, r, svc, workflow.SubmitRequest{UserID: userID, Kind: models.KindInfer, Metadata: meta})
	}
}

// NewVTONHandler returns an http.HandlerFunc for POST /api/v1/vton.
func NewVTONHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		var req struct {
			InferImageID string `json:"infer_image_id"`
			GarmentID    string `json:"garment_id"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		submit(w, r, svc, workflow.SubmitRequest{
			UserID: userID,
			Kind:   models.KindVTON,
			Metadata: upload.Metadata{
				upload.FieldInferImageID: req.InferImageID,
				upload.FieldGarmentID:    req.GarmentID,
			},
		})
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		jobs, err := svc.ListUserJobs(r.Context(), userID)
		if err != nil {
			response.JobError(w, err)
			return
		}
		response.JSON(w, jobs)
	}
}

// NewJobHistoryHandler returns an http.HandlerFunc for GET /api/v1/jobs/history.
func NewJobHistoryHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		kind, ok := kindParam(w, r)
		if !ok {
			return
		}

		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 || n > 200 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be between 1 and 200", nil)
				return
			}
			limit = n
		}

		records, err := svc.History(r.Context(), userID, kind, limit)
		if err != nil {
			response.Internal(w, "Failed to read job history", nil)
			return
		}
		response.Collection(w, records, response.PaginationMeta{
			Page:    1,
			Limit:   limit,
			Total:   len(records),
			HasNext: len(records) == limit,
		})
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
// A job the agent does not know yet needs ?kind= to start tracking.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		kind, ok := kindParam(w, r)
		if !ok {
			return
		}

		view, err := svc.Status(r.Context(), userID, chi.URLParam(r, "jobID"), kind)
		if err != nil {
			switch {
			case errors.Is(err, workflow.ErrJobNotFound):
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			case errors.Is(err, workflow.ErrKindRequired):
				response.Error(w, http.StatusBadRequest, "KIND_REQUIRED",
					"kind query parameter is required for jobs this agent has not seen", nil)
			case errors.Is(err, registry.ErrInvalidHandle):
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			default:
				response.Internal(w, "", nil)
			}
			return
		}
		response.JSON(w, view)
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/cancel.
// It stops tracking only; the worker has no cancel endpoint.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		jobID := chi.URLParam(r, "jobID")
		state, err := svc.Cancel(userID, jobID)
		if err != nil {
			if errors.Is(err, workflow.ErrJobNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job is not being tracked", nil)
				return
			}
			response.Internal(w, "", nil)
			return
		}
		response.JSON(w, map[string]any{"job_id": jobID, "state": state})
	}
}

// NewForgetJobHandler returns an http.HandlerFunc for DELETE /api/v1/jobs/{jobID}.
func NewForgetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		svc.Forget(r.Context(), userID, chi.URLParam(r, "jobID"))
		response.NoContent(w)
	}
}

func submit(w http.ResponseWriter, r *http.Request, svc JobService, req workflow.SubmitRequest) {
	handle, err := svc.Submit(r.Context(), req)
	if err != nil {
		writeSubmitError(w, err)
		return
	}
	response.Accepted(w, submitResponse{JobID: handle.ID, Kind: handle.Kind, Status: models.JobStatusPending})
}

func readPart(fh *multipart.FileHeader) (models.MediaItem, error) {
	if fh.Size > maxImageBytes {
		return models.MediaItem{}, fmt.Errorf("%w: %s is larger than %d bytes", media.ErrUnsupportedMedia, fh.Filename, maxImageBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return models.MediaItem{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxImageBytes))
	if err != nil {
		return models.MediaItem{}, err
	}
	return media.ItemFromBytes(fh.Filename, data)
}

// decodeJSON reads an optional JSON body; an empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func kindParam(w http.ResponseWriter, r *http.Request) (models.JobKind, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("kind"))
	if raw == "" {
		return "", true
	}
	kind, err := models.ParseJobKind(strings.ToLower(raw))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_KIND", err.Error(), nil)
		return "", false
	}
	return kind, true
}

func writeSubmitError(w http.ResponseWriter, err error) {
	var insufficient *media.InsufficientItemsError
	switch {
	case errors.As(err, &insufficient):
		response.Error(w, http.StatusUnprocessableEntity, "INSUFFICIENT_MEDIA", err.Error(),
			map[string]int{"required": insufficient.Required, "actual": insufficient.Actual})
	case errors.Is(err, media.ErrCapacityExceeded):
		response.Error(w, http.StatusUnprocessableEntity, "TOO_MANY_MEDIA",
			fmt.Sprintf("At most %d images can be submitted", media.MaxItems), nil)
	case errors.Is(err, media.ErrDuplicateItem):
		response.Error(w, http.StatusBadRequest, "DUPLICATE_MEDIA", err.Error(), nil)
	case errors.Is(err, media.ErrUnsupportedMedia), errors.Is(err, media.ErrEmptyItem):
		response.Error(w, http.StatusBadRequest, "INVALID_MEDIA", err.Error(), nil)
	case errors.Is(err, upload.ErrMissingMetadata):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, upload.ErrMissingUserID):
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
	default:
		response.JobError(w, err)
	}
}
