package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jobRowColumns = []string{
	"id", "job_type", "status", "payload", "progress", "result", "error_message",
	"created_at", "started_at", "completed_at", "retry_count", "max_retries",
}

// ============================================================================
// Claiming
// ============================================================================

func TestPostgresStore_ClaimSinglePendingJob(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	now := time.Now()
	payload := map[string]any{"statement_id": uuid.NewString()}

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WillReturnRows(pgxmock.NewRows(jobRowColumns).AddRow(
			id, "batch_enhancement", "in_progress", payload, map[string]any{}, map[string]any{}, nil,
			now, &now, nil, 0, 3,
		))

	job, err := NewPostgresStore(mock, 3).ClaimSinglePendingJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, TypeBatchEnhancement, job.Type)
	assert.Equal(t, StatusInProgress, job.Status)
	assert.Equal(t, payload, job.Payload)
	assert.Empty(t, job.ErrorMessage)
	assert.Nil(t, job.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimEmptyQueue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WillReturnRows(pgxmock.NewRows(jobRowColumns))

	job, err := NewPostgresStore(mock, 3).ClaimSinglePendingJob(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestPostgresStore_Enqueue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	payload := map[string]any{"account_id": "acc"}
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO background_jobs`).
		WithArgs(pgxmock.AnyArg(), "batch_enhancement", payload, 5).
		WillReturnRows(pgxmock.NewRows(jobRowColumns).AddRow(
			uuid.New(), "batch_enhancement", "pending", payload, map[string]any{}, map[string]any{}, nil,
			now, nil, nil, 0, 5,
		))

	job, err := NewPostgresStore(mock, 5).Enqueue(context.Background(), TypeBatchEnhancement, payload)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 5, job.MaxRetries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteJob(t *testing.T) {
	t.Run("in progress", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		id := uuid.New()
		result := map[string]any{"categorized": 3}
		mock.ExpectExec(`SET status = 'completed'`).
			WithArgs(id, result).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, NewPostgresStore(mock, 3).CompleteJob(context.Background(), id, result))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already terminal", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		id := uuid.New()
		mock.ExpectExec(`SET status = 'completed'`).
			WithArgs(id, map[string]any{}).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(`SELECT status FROM background_jobs`).
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("failed"))

		err = NewPostgresStore(mock, 3).CompleteJob(context.Background(), id, nil)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		id := uuid.New()
		mock.ExpectExec(`SET status = 'failed'`).
			WithArgs(id, "boom").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(`SELECT status FROM background_jobs`).
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows([]string{"status"}))

		err = NewPostgresStore(mock, 3).FailJob(context.Background(), id, "boom")
		assert.ErrorIs(t, err, ErrJobNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_RequeueExhausted(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	now := time.Now()

	mock.ExpectQuery(`retry_count < max_retries`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(jobRowColumns))
	mock.ExpectQuery(`FROM background_jobs WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(jobRowColumns).AddRow(
			id, "batch_enhancement", "failed", map[string]any{}, map[string]any{}, map[string]any{}, strPtr("boom"),
			now, &now, &now, 3, 3,
		))

	_, err = NewPostgresStore(mock, 3).RequeueJob(context.Background(), id)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CleanupCompletedJobs(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`DELETE FROM background_jobs`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 12))

	removed, err := NewPostgresStore(mock, 3).CleanupCompletedJobs(context.Background(), 0)
	require.NoError(t, err)
	assert.EqualValues(t, 12, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func strPtr(s string) *string { return &s }
