package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Worker repeatedly drains the queue. Between drains it waits for the poll
// interval and for the shared rate limiter, so a fleet of workers hitting an
// empty queue does not hammer the database.
type Worker struct {
	name      string
	processor *Processor
	interval  time.Duration
	limiter   *rate.Limiter
	logger    *slog.Logger
}

func NewWorker(name string, processor *Processor, interval time.Duration, limiter *rate.Limiter, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Worker{
		name:      name,
		processor: processor,
		interval:  interval,
		limiter:   limiter,
		logger:    logger.With(slog.String("worker", name)),
	}
}

// Run drains until ctx is cancelled. Drain errors are logged and retried on
// the next tick.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", slog.Duration("poll_interval", w.interval))
	defer w.logger.Info("worker stopped")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return ignoreCancel(ctx, err)
		}

		if _, err := w.processor.DrainJobs(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("failed to drain jobs", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunWorkers starts n workers sharing one limiter and blocks until all of
// them return.
func RunWorkers(ctx context.Context, n int, processor *Processor, interval time.Duration, limiter *rate.Limiter, logger *slog.Logger) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		w := NewWorker(workerName(i), processor, interval, limiter, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				logger.Error("worker exited", slog.String("worker", w.name), slog.Any("error", err))
			}
		}()
	}
	wg.Wait()
}

func workerName(i int) string {
	return fmt.Sprintf("worker-%d", i+1)
}

// ignoreCancel reports limiter errors caused by shutdown as a clean exit.
func ignoreCancel(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
