// Package upload turns a media selection into exactly one worker submission.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kiranshivaraju/strift/internal/media"
	"github.com/kiranshivaraju/strift/internal/worker"
	"github.com/kiranshivaraju/strift/pkg/models"
)

// Form field names understood by the worker.
const (
	FieldUserID       = "user_id"
	FieldFiles        = "files[]"
	FieldInferImageID = "infer_image_id"
	FieldGarmentID    = "garment_id"
)

var (
	ErrMissingUserID   = errors.New("user id is required")
	ErrMissingMetadata = errors.New("required metadata missing")
	ErrUnknownKind     = errors.New("unknown job kind")
)

// Metadata carries kind-specific fields sent alongside the media, such as
// infer_image_id and garment_id for try-on.
type Metadata map[string]string

// requiredMetadata lists the fields each kind cannot be submitted without.
var requiredMetadata = map[models.JobKind][]string{
	models.KindVTON: {FieldInferImageID, FieldGarmentID},
}

// Submitter performs upload transactions against the worker.
// Submissions are never retried here; a duplicate multipart upload would start a
// second job, so retrying is left to the caller.
type Submitter struct {
	client worker.Client
	now    func() time.Time
}

// NewSubmitter creates a Submitter.
func NewSubmitter(client worker.Client) *Submitter {
	return &Submitter{client: client, now: time.Now}
}

// Submit sends the set and metadata as one submission of the given kind.
//
// Training requires a set that passes ValidateForSubmission; the check happens
// before any network call. Infer and try-on jobs may be submitted without media,
// in which case the request body is JSON. While the request is in flight the set
// is frozen. On success it is consumed (emptied); on failure it is returned to the
// caller unchanged.
func (s *Submitter) Submit(ctx context.Context, userID string, set *media.Set, kind models.JobKind, aux Metadata) (models.JobHandle, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.JobHandle{}, ErrMissingUserID
	}
	if _, err := models.ParseJobKind(string(kind)); err != nil {
		return models.JobHandle{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	for _, field := range requiredMetadata[kind] {
		if strings.TrimSpace(aux[field]) == "" {
			return models.JobHandle{}, fmt.Errorf("%w: %s", ErrMissingMetadata, field)
		}
	}
	if set == nil {
		if kind == models.KindTrain {
			return models.JobHandle{}, &media.InsufficientItemsError{Required: media.MinRequired}
		}
		set = media.NewSet()
	}

	lease, err := set.Lease()
	if err != nil {
		return models.JobHandle{}, err
	}
	committed := false
	defer func() {
		if !committed {
			lease.Release()
		}
	}()

	items := lease.Items()
	if kind == models.KindTrain {
		if err := lease.Validate(); err != nil {
			return models.JobHandle{}, err
		}
	}

	fields := map[string]string{FieldUserID: userID}
	for k, v := range aux {
		if k == FieldUserID {
			continue
		}
		fields[k] = v
	}

	var resp *worker.SubmitResponse
	if len(items) > 0 {
		resp, err = s.client.SubmitMultipart(ctx, kind, fields, fileParts(items))
	} else {
		resp, err = s.client.SubmitJSON(ctx, kind, fields)
	}
	if err != nil {
		slog.Warn("submission failed", "kind", kind, "user_id", userID, "items", len(items), "error", err)
		return models.JobHandle{}, asJobError(err)
	}
	if resp == nil || strings.TrimSpace(resp.JobID) == "" {
		slog.Warn("submission response missing job id", "kind", kind, "user_id", userID)
		return models.JobHandle{}, models.NewJobError(models.FailureProtocol, "response has no job_id", nil)
	}

	lease.Commit()
	committed = true

	handle := models.JobHandle{
		ID:        resp.JobID,
		Kind:      kind,
		UserID:    userID,
		CreatedAt: s.now().UTC(),
	}
	slog.Info("job submitted", "job_id", handle.ID, "kind", kind, "user_id", userID, "items", len(items))
	return handle, nil
}

// fileParts names each item image_{i}.{ext} under the files[] field.
func fileParts(items []models.MediaItem) []worker.FilePart {
	parts := make([]worker.FilePart, 0, len(items))
	for i, it := range items {
		ct := it.ContentType
		if ct == "" {
			ct = media.DefaultContentType
		}
		part := worker.FilePart{
			Field:       FieldFiles,
			FileName:    fmt.Sprintf("image_%d.%s", i, media.Extension(ct)),
			ContentType: ct,
		}
		if it.Data != nil {
			part.Data = it.Data
		} else {
			part.Path = it.Ref
		}
		parts = append(parts, part)
	}
	return parts
}

// asJobError guarantees callers see the structured taxonomy for anything that
// went wrong with the worker. Unreadable local media is returned as it is.
func asJobError(err error) error {
	var je *models.JobError
	if errors.As(err, &je) || errors.Is(err, worker.ErrReadMedia) {
		return err
	}
	return models.NewJobError(models.FailureTransport, "submitting job", err)
}
