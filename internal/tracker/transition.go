package tracker

import (
	"fmt"
	"strings"

	"github.com/kiranshivaraju/strift/internal/worker"
	"github.com/kiranshivaraju/strift/pkg/models"
)

// apply computes the state that follows cur after a successful poll response.
// sawRunning records whether running was ever observed, so a late pending does
// not move the job backwards. cur must not be terminal.
func apply(handle models.JobHandle, cur models.JobState, sawRunning bool, resp *worker.StatusResponse) models.JobState {
	if resp == nil {
		return failed(models.NewJobError(models.FailureProtocol, "empty status response", nil))
	}
	if resp.JobID != "" && resp.JobID != handle.ID {
		return failed(models.NewJobError(models.FailureProtocol,
			fmt.Sprintf("response is for job %q, expected %q", resp.JobID, handle.ID), nil))
	}

	next := models.JobState{Status: cur.Status, Progress: resp.Progress}

	switch status := strings.ToLower(strings.TrimSpace(resp.Status)); status {
	case models.JobStatusPending:
		if sawRunning || cur.Status == models.JobStatusRunning {
			next.Status = models.JobStatusRunning
		} else {
			next.Status = models.JobStatusPending
		}
		return next

	case models.JobStatusRunning:
		next.Status = models.JobStatusRunning
		return next

	case models.JobStatusComplete:
		result, err := resultFor(handle.Kind, resp)
		if err != nil {
			return failed(err)
		}
		next.Status = models.JobStatusComplete
		next.Result = result
		return next

	case models.JobStatusFailed:
		reason := firstNonEmpty(resp.Error, resp.Message, "job failed")
		return failed(models.NewJobError(models.FailureServerReported, reason, nil))

	default:
		return failed(models.NewJobError(models.FailureProtocol,
			fmt.Sprintf("unknown job status %q", resp.Status), nil))
	}
}

// resultFor validates the completion payload for the job's kind. Train jobs carry
// no result.
func resultFor(kind models.JobKind, resp *worker.StatusResponse) (*models.JobResult, *models.JobError) {
	switch kind {
	case models.KindTrain:
		return nil, nil
	case models.KindInfer:
		if len(resp.Images) == 0 {
			return nil, models.NewJobError(models.FailureProtocol, "complete inference has no images", nil)
		}
		for _, u := range resp.Images {
			if strings.TrimSpace(u) == "" {
				return nil, models.NewJobError(models.FailureProtocol, "complete inference has an empty image url", nil)
			}
		}
		return &models.JobResult{Images: append([]string(nil), resp.Images...)}, nil
	case models.KindVTON:
		if strings.TrimSpace(resp.OutputURL) == "" {
			return nil, models.NewJobError(models.FailureProtocol, "complete try-on has no output_url", nil)
		}
		return &models.JobResult{OutputURL: resp.OutputURL}, nil
	default:
		return nil, models.NewJobError(models.FailureProtocol, fmt.Sprintf("unknown job kind %q", kind), nil)
	}
}

func failed(err *models.JobError) models.JobState {
	return models.JobState{Status: models.JobStatusFailed, Failure: err}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
