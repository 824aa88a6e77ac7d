package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/FACorreiaa/statement-pipeline/pkg/db"
)

// PostgresStore keeps the queue in the background_jobs table. Claims use
// FOR UPDATE SKIP LOCKED, so concurrent claimers pass over a row another
// claimer holds instead of waiting on it.
type PostgresStore struct {
	db         db.Querier
	maxRetries int
}

func NewPostgresStore(q db.Querier, maxRetries int) *PostgresStore {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &PostgresStore{db: q, maxRetries: maxRetries}
}

const jobColumns = `id, job_type, status, payload, progress, result, error_message,
		created_at, started_at, completed_at, retry_count, max_retries`

func (s *PostgresStore) Enqueue(ctx context.Context, jobType Type, payload map[string]any) (*Job, error) {
	if payload == nil {
		payload = map[string]any{}
	}

	query := `
		INSERT INTO background_jobs (id, job_type, status, payload, max_retries)
		VALUES ($1, $2, 'pending', $3, $4)
		RETURNING ` + jobColumns

	job, err := scanJob(s.db.QueryRow(ctx, query, uuid.New(), string(jobType), payload, s.maxRetries))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM background_jobs WHERE id = $1`

	job, err := scanJob(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns the newest jobs first. An empty status lists every job.
func (s *PostgresStore) ListJobs(ctx context.Context, status Status, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + jobColumns + `
		FROM background_jobs
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := s.db.Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) ClaimSinglePendingJob(ctx context.Context) (*Job, error) {
	query := `
		UPDATE background_jobs
		SET status = 'in_progress', started_at = now()
		WHERE id = (
			SELECT id FROM background_jobs
			WHERE status = 'pending'
			ORDER BY created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns

	job, err := scanJob(s.db.QueryRow(ctx, query))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress map[string]any) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE background_jobs SET progress = $2
		WHERE id = $1 AND status = 'in_progress'
	`, id, progress)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id)
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id uuid.UUID, result map[string]any) error {
	if result == nil {
		result = map[string]any{}
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE background_jobs
		SET status = 'completed', result = $2, completed_at = now()
		WHERE id = $1 AND status = 'in_progress'
	`, id, result)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id uuid.UUID, message string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE background_jobs
		SET status = 'failed', error_message = $2, completed_at = now()
		WHERE id = $1 AND status = 'in_progress'
	`, id, message)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id)
	}
	return nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE background_jobs
		SET status = 'cancelled', completed_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id)
	}
	return nil
}

func (s *PostgresStore) RequeueJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `
		UPDATE background_jobs
		SET status = 'pending', retry_count = retry_count + 1,
		    started_at = NULL, completed_at = NULL, error_message = NULL
		WHERE id = $1
		  AND status IN ('in_progress', 'failed')
		  AND retry_count < max_retries
		RETURNING ` + jobColumns

	job, err := scanJob(s.db.QueryRow(ctx, query, id))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to requeue job: %w", err)
	}

	current, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusInProgress && current.Status != StatusFailed {
		return nil, fmt.Errorf("%w: cannot requeue a %s job", ErrInvalidTransition, current.Status)
	}
	return nil, fmt.Errorf("%w: %d of %d used", ErrRetriesExhausted, current.RetryCount, current.MaxRetries)
}

func (s *PostgresStore) CleanupCompletedJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = DefaultRetention
	}
	cutoff := time.Now().Add(-olderThan)

	tag, err := s.db.Exec(ctx, `
		DELETE FROM background_jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND completed_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// transitionError explains why a guarded UPDATE matched no row.
func (s *PostgresStore) transitionError(ctx context.Context, id uuid.UUID) error {
	var status string
	err := s.db.QueryRow(ctx, `SELECT status FROM background_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read job status: %w", err)
	}
	return fmt.Errorf("%w: job is %s", ErrInvalidTransition, status)
}

func scanJob(row pgx.Row) (*Job, error) {
	var (
		job      Job
		jobType  string
		status   string
		errorMsg *string
	)
	err := row.Scan(
		&job.ID,
		&jobType,
		&status,
		&job.Payload,
		&job.Progress,
		&job.Result,
		&errorMsg,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.RetryCount,
		&job.MaxRetries,
	)
	if err != nil {
		return nil, err
	}

	job.Type = Type(jobType)
	job.Status = Status(status)
	if errorMsg != nil {
		job.ErrorMessage = *errorMsg
	}
	return &job, nil
}
