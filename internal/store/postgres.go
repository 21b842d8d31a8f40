package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/strift/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

const apiKeyColumns = `id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// ListAPIKeys returns live keys, newest first. An empty userID lists every user's keys.
func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys
		 WHERE deleted_at IS NULL AND ($1 = '' OR user_id = $1)
		 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Job Handles ---

const jobRecordColumns = `job_id, user_id, kind, created_at, settled_at, final_status, failure_kind, failure_message`

// SaveJobHandle journals a handle. Saving the same job twice keeps the first row.
func (s *PostgresStore) SaveJobHandle(ctx context.Context, handle models.JobHandle) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_handles (job_id, user_id, kind, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (job_id) DO NOTHING`,
		handle.ID, handle.UserID, string(handle.Kind), handle.CreatedAt)
	if err != nil {
		return fmt.Errorf("save job handle: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJobHandle(ctx context.Context, jobID string) (*models.JobRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobRecordColumns+` FROM job_handles WHERE job_id = $1`, jobID)
	rec, err := scanJobRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job handle: %w", err)
	}
	return rec, nil
}

// ListJobHandles returns journaled jobs, newest first.
func (s *PostgresStore) ListJobHandles(ctx context.Context, filter JobFilter) ([]*models.JobRecord, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+jobRecordColumns+` FROM job_handles
		 WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR kind = $2)
		 ORDER BY created_at DESC
		 LIMIT $3`, filter.UserID, string(filter.Kind), limit)
	if err != nil {
		return nil, fmt.Errorf("list job handles: %w", err)
	}
	defer rows.Close()

	records := []*models.JobRecord{}
	for rows.Next() {
		rec, err := scanJobRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job handle: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListUnsettledHandles returns the jobs the agent should resume, oldest first.
func (s *PostgresStore) ListUnsettledHandles(ctx context.Context) ([]models.JobHandle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, user_id, kind, created_at FROM job_handles
		 WHERE settled_at IS NULL ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list unsettled job handles: %w", err)
	}
	defer rows.Close()

	var handles []models.JobHandle
	for rows.Next() {
		var h models.JobHandle
		var kind string
		if err := rows.Scan(&h.ID, &h.UserID, &kind, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job handle: %w", err)
		}
		h.Kind = models.JobKind(kind)
		handles = append(handles, h)
	}
	return handles, rows.Err()
}

// SettleJobHandle marks a job as no longer followed. A handle settles once.
func (s *PostgresStore) SettleJobHandle(ctx context.Context, jobID string, status string, opts ...SettleOption) error {
	params := &settleParams{}
	for _, opt := range opts {
		opt(params)
	}

	var settledAt *time.Time
	err := s.pool.QueryRow(ctx, `SELECT settled_at FROM job_handles WHERE job_id = $1`, jobID).Scan(&settledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job handle: %w", err)
	}
	if settledAt != nil {
		return ErrAlreadySettled
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE job_handles
		 SET settled_at = $2, final_status = $3, failure_kind = $4, failure_message = $5
		 WHERE job_id = $1 AND settled_at IS NULL`,
		jobID, time.Now().UTC(), status, params.FailureKind, params.FailureMessage)
	if err != nil {
		return fmt.Errorf("settle job handle: %w", err)
	}
	return nil
}

func scanJobRecord(row pgx.Row) (*models.JobRecord, error) {
	var (
		rec         models.JobRecord
		kind        string
		finalStatus *string
		failKind    *string
		failMsg     *string
	)
	if err := row.Scan(&rec.Handle.ID, &rec.Handle.UserID, &kind, &rec.Handle.CreatedAt,
		&rec.SettledAt, &finalStatus, &failKind, &failMsg); err != nil {
		return nil, err
	}
	rec.Handle.Kind = models.JobKind(kind)
	if finalStatus != nil {
		rec.FinalStatus = *finalStatus
	}
	if failKind != nil {
		rec.FailureKind = models.FailureKind(*failKind)
	}
	if failMsg != nil {
		rec.FailureMessage = *failMsg
	}
	return &rec, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
