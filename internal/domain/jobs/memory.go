package jobs

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process queue for tests and single-binary runs. Jobs
// sit in creation order and each carries an atomic status; a claim is a
// compare-and-swap from pending to in_progress, so two claimers racing for
// the same job cannot both win.
type MemoryStore struct {
	mu         sync.RWMutex
	jobs       []*memoryJob
	byID       map[uuid.UUID]*memoryJob
	maxRetries int
	now        func() time.Time
}

type memoryJob struct {
	status atomic.Value // Status

	mu   sync.Mutex
	data Job
}

func (j *memoryJob) load() Status {
	return j.status.Load().(Status)
}

func (j *memoryJob) cas(from, to Status) bool {
	return j.status.CompareAndSwap(from, to)
}

func (j *memoryJob) snapshot() *Job {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := j.data
	out.Status = j.load()
	out.Payload = maps.Clone(j.data.Payload)
	out.Progress = maps.Clone(j.data.Progress)
	out.Result = maps.Clone(j.data.Result)
	return &out
}

func NewMemoryStore(maxRetries int) *MemoryStore {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &MemoryStore{
		byID:       make(map[uuid.UUID]*memoryJob),
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

func (s *MemoryStore) Enqueue(_ context.Context, jobType Type, payload map[string]any) (*Job, error) {
	if payload == nil {
		payload = map[string]any{}
	}

	j := &memoryJob{data: Job{
		ID:         uuid.New(),
		Type:       jobType,
		Payload:    maps.Clone(payload),
		Progress:   map[string]any{},
		Result:     map[string]any{},
		CreatedAt:  s.now(),
		MaxRetries: s.maxRetries,
	}}
	j.status.Store(StatusPending)

	s.mu.Lock()
	s.jobs = append(s.jobs, j)
	s.byID[j.data.ID] = j
	s.mu.Unlock()

	return j.snapshot(), nil
}

func (s *MemoryStore) get(id uuid.UUID) (*memoryJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.byID[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j, nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*Job, error) {
	j, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return j.snapshot(), nil
}

// ListJobs returns the newest jobs first. An empty status lists every job.
func (s *MemoryStore) ListJobs(_ context.Context, status Status, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	all := slices.Clone(s.jobs)
	s.mu.RUnlock()

	var out []Job
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if status == "" || all[i].load() == status {
			out = append(out, *all[i].snapshot())
		}
	}
	return out, nil
}

func (s *MemoryStore) ClaimSinglePendingJob(_ context.Context) (*Job, error) {
	s.mu.RLock()
	all := slices.Clone(s.jobs)
	s.mu.RUnlock()

	for _, j := range all {
		if !j.cas(StatusPending, StatusInProgress) {
			continue
		}
		now := s.now()
		j.mu.Lock()
		j.data.StartedAt = &now
		j.mu.Unlock()
		return j.snapshot(), nil
	}
	return nil, nil
}

func (s *MemoryStore) UpdateProgress(_ context.Context, id uuid.UUID, progress map[string]any) error {
	j, err := s.get(id)
	if err != nil {
		return err
	}
	if st := j.load(); st != StatusInProgress {
		return fmt.Errorf("%w: job is %s", ErrInvalidTransition, st)
	}
	j.mu.Lock()
	j.data.Progress = maps.Clone(progress)
	j.mu.Unlock()
	return nil
}

func (s *MemoryStore) finish(id uuid.UUID, from, to Status, update func(*Job)) error {
	j, err := s.get(id)
	if err != nil {
		return err
	}

	// hold the data lock across the swap so a snapshot never shows the new
	// status with the old fields
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.cas(from, to) {
		return fmt.Errorf("%w: job is %s", ErrInvalidTransition, j.load())
	}
	now := s.now()
	j.data.CompletedAt = &now
	if update != nil {
		update(&j.data)
	}
	return nil
}

func (s *MemoryStore) CompleteJob(_ context.Context, id uuid.UUID, result map[string]any) error {
	return s.finish(id, StatusInProgress, StatusCompleted, func(j *Job) {
		j.Result = maps.Clone(result)
		if j.Result == nil {
			j.Result = map[string]any{}
		}
	})
}

func (s *MemoryStore) FailJob(_ context.Context, id uuid.UUID, message string) error {
	return s.finish(id, StatusInProgress, StatusFailed, func(j *Job) {
		j.ErrorMessage = message
	})
}

func (s *MemoryStore) CancelJob(_ context.Context, id uuid.UUID) error {
	return s.finish(id, StatusPending, StatusCancelled, nil)
}

func (s *MemoryStore) RequeueJob(_ context.Context, id uuid.UUID) (*Job, error) {
	j, err := s.get(id)
	if err != nil {
		return nil, err
	}

	j.mu.Lock()
	from := j.load()
	if from != StatusInProgress && from != StatusFailed {
		j.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot requeue a %s job", ErrInvalidTransition, from)
	}
	if j.data.RetryCount >= j.data.MaxRetries {
		j.mu.Unlock()
		return nil, fmt.Errorf("%w: %d of %d used", ErrRetriesExhausted, j.data.RetryCount, j.data.MaxRetries)
	}
	if !j.cas(from, StatusPending) {
		j.mu.Unlock()
		return nil, fmt.Errorf("%w: job changed status concurrently", ErrInvalidTransition)
	}
	j.data.RetryCount++
	j.data.StartedAt = nil
	j.data.CompletedAt = nil
	j.data.ErrorMessage = ""
	j.mu.Unlock()

	return j.snapshot(), nil
}

func (s *MemoryStore) CleanupCompletedJobs(_ context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = DefaultRetention
	}
	cutoff := s.now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	kept := s.jobs[:0]
	for _, j := range s.jobs {
		j.mu.Lock()
		expired := j.load().Terminal() && j.data.CompletedAt != nil && j.data.CompletedAt.Before(cutoff)
		j.mu.Unlock()

		if expired {
			delete(s.byID, j.data.ID)
			removed++
			continue
		}
		kept = append(kept, j)
	}
	s.jobs = kept
	return removed, nil
}
