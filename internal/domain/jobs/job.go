// Package jobs is the persisted background job queue and the processor that
// drains it.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type selects the handler a job is dispatched to.
type Type string

const (
	// TypeBatchEnhancement runs rule lookups over a statement's transactions
	// that are still missing a category or a counterparty.
	TypeBatchEnhancement Type = "batch_enhancement"
)

// Status is a job's position in its lifecycle. Pending is the only initial
// status; completed, failed and cancelled are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus accepts the persisted status names.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

const (
	DefaultMaxRetries = 3
	DefaultRetention  = 7 * 24 * time.Hour
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrRetriesExhausted  = errors.New("job retries exhausted")
)

// Job is a snapshot of a queued unit of work. Status changes only through
// the Store; a copy held after a claim is not updated.
type Job struct {
	ID           uuid.UUID
	Type         Type
	Status       Status
	Payload      map[string]any
	Progress     map[string]any
	Result       map[string]any
	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	RetryCount   int
	MaxRetries   int
}

// Store is the job queue. Every status change is a single atomic operation
// so concurrent workers never assign one job twice.
type Store interface {
	Enqueue(ctx context.Context, jobType Type, payload map[string]any) (*Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	ListJobs(ctx context.Context, status Status, limit int) ([]Job, error)

	// ClaimSinglePendingJob moves the oldest pending job to in_progress and
	// returns it, or returns nil, nil when no pending job is available.
	ClaimSinglePendingJob(ctx context.Context) (*Job, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, progress map[string]any) error
	CompleteJob(ctx context.Context, id uuid.UUID, result map[string]any) error
	FailJob(ctx context.Context, id uuid.UUID, message string) error
	// CancelJob cancels a job that nobody has claimed yet.
	CancelJob(ctx context.Context, id uuid.UUID) error
	// RequeueJob is the operator reset for a stuck or failed job. It counts
	// as a retry and is refused once the retries are used up.
	RequeueJob(ctx context.Context, id uuid.UUID) (*Job, error)

	// CleanupCompletedJobs deletes terminal jobs that finished more than
	// olderThan ago.
	CleanupCompletedJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}
