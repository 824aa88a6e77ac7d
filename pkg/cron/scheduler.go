// Package cron provides scheduled background jobs using robfig/cron.
package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/FACorreiaa/statement-pipeline/internal/domain/jobs"
	"github.com/FACorreiaa/statement-pipeline/pkg/metrics"
)

// Scheduler runs the periodic maintenance of the job queue.
type Scheduler struct {
	cron      *cron.Cron
	store     jobs.Store
	schedule  string
	retention time.Duration
	logger    *slog.Logger
}

// NewScheduler creates a scheduler that deletes terminal jobs older than
// retention on the given 5-field cron schedule.
func NewScheduler(store jobs.Store, schedule string, retention time.Duration, logger *slog.Logger) *Scheduler {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	if retention <= 0 {
		retention = jobs.DefaultRetention
	}
	return &Scheduler{
		cron:      c,
		store:     store,
		schedule:  schedule,
		retention: retention,
		logger:    logger,
	}
}

// Start begins scheduled jobs.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.cleanupJobs); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("cron scheduler started",
		slog.Int("jobs", len(s.cron.Entries())),
		slog.String("cleanup_schedule", s.schedule),
	)
	return nil
}

// Stop gracefully stops all scheduled jobs.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("cron scheduler stopping")
	return s.cron.Stop()
}

// RunNow runs the cleanup synchronously and returns how many jobs it removed.
func (s *Scheduler) RunNow(ctx context.Context) (int64, error) {
	return s.cleanup(ctx)
}

func (s *Scheduler) cleanupJobs() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := s.cleanup(ctx); err != nil {
		s.logger.Error("failed to clean up jobs", slog.Any("error", err))
	}
}

func (s *Scheduler) cleanup(ctx context.Context) (int64, error) {
	removed, err := s.store.CleanupCompletedJobs(ctx, s.retention)
	if err != nil {
		return 0, err
	}
	metrics.JobsCleanedUp.Add(float64(removed))
	s.logger.Info("job cleanup completed",
		slog.Int64("removed", removed),
		slog.Duration("retention", s.retention),
	)
	return removed, nil
}
