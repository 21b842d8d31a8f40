package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/strift/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrAlreadySettled = errors.New("job handle already settled")

// Store is the data access interface. All database operations go through here.
//
// The journal records job handles only. Job state lives with the worker and in
// the trackers; a settled handle just stops the agent from resuming it.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID string) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	SaveJobHandle(ctx context.Context, handle models.JobHandle) error
	GetJobHandle(ctx context.Context, jobID string) (*models.JobRecord, error)
	ListJobHandles(ctx context.Context, filter JobFilter) ([]*models.JobRecord, error)
	ListUnsettledHandles(ctx context.Context) ([]models.JobHandle, error)
	SettleJobHandle(ctx context.Context, jobID string, status string, opts ...SettleOption) error
}

// JobFilter narrows ListJobHandles. Empty fields match everything.
type JobFilter struct {
	UserID string
	Kind   models.JobKind
	Limit  int
}

type settleParams struct {
	FailureKind    *string
	FailureMessage *string
}

type SettleOption func(*settleParams)

// WithFailure records why a job settled as failed.
func WithFailure(kind models.FailureKind, msg string) SettleOption {
	return func(p *settleParams) {
		k := string(kind)
		p.FailureKind = &k
		p.FailureMessage = &msg
	}
}
