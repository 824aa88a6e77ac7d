package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/statement-pipeline/pkg/metrics"
)

// Handler runs one job and returns the output stored as the job's result.
type Handler interface {
	Handle(ctx context.Context, job *Job) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, job *Job) (map[string]any, error) {
	return f(ctx, job)
}

// Result is the outcome of one attempted job.
type Result struct {
	JobID    uuid.UUID
	Type     Type
	Output   map[string]any
	Err      error
	Duration time.Duration
}

func (r Result) Failed() bool {
	return r.Err != nil
}

// Processor drains the queue one job at a time. Run several processors for
// parallelism; the store's claim keeps them from sharing a job.
type Processor struct {
	store    Store
	handlers map[Type]Handler
	logger   *slog.Logger
}

func NewProcessor(store Store, logger *slog.Logger) *Processor {
	return &Processor{
		store:    store,
		handlers: make(map[Type]Handler),
		logger:   logger,
	}
}

// Register sets the handler for a job type, replacing any earlier one.
func (p *Processor) Register(jobType Type, h Handler) {
	p.handlers[jobType] = h
}

// Store exposes the queue the processor drains.
func (p *Processor) Store() Store {
	return p.store
}

// DrainJobs claims and runs jobs until the queue has nothing pending. It
// returns how many jobs it attempted, failed ones included. A failing job
// never stops the loop; only a store error or a cancelled context does.
func (p *Processor) DrainJobs(ctx context.Context) (int, error) {
	results, err := p.Drain(ctx)
	return len(results), err
}

// Drain is DrainJobs returning the per-job results.
func (p *Processor) Drain(ctx context.Context) ([]Result, error) {
	ctx, span := otel.Tracer("statements.jobs").Start(ctx, "DrainJobs")
	defer span.End()

	var results []Result
	for {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		job, err := p.store.ClaimSinglePendingJob(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "claim failed")
			return results, err
		}
		if job == nil {
			span.AddEvent("No more pending jobs")
			break
		}

		result := p.process(ctx, job)
		p.record(ctx, job, result)
		results = append(results, result)
	}

	span.SetAttributes(attribute.Int("jobs.attempted", len(results)))
	if len(results) > 0 {
		p.logger.InfoContext(ctx, "Drained job queue", slog.Int("attempted", len(results)))
	}
	return results, nil
}

// process runs the handler, turning an unknown type or a panic into an error.
func (p *Processor) process(ctx context.Context, job *Job) (result Result) {
	ctx, span := otel.Tracer("statements.jobs").Start(ctx, "ProcessJob", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.type", string(job.Type)),
	))
	defer span.End()

	start := time.Now()
	result = Result{JobID: job.ID, Type: job.Type}
	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("handler panicked: %v", r)
			p.logger.ErrorContext(ctx, "Job handler panicked",
				slog.String("job_id", job.ID.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
		result.Duration = time.Since(start)
		metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(result.Duration.Seconds())
		if result.Err != nil {
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, result.Err.Error())
		}
	}()

	h, ok := p.handlers[job.Type]
	if !ok {
		result.Err = fmt.Errorf("no handler registered for job type %q", job.Type)
		return result
	}
	result.Output, result.Err = h.Handle(ctx, job)
	return result
}

// recordTimeout bounds the status write that follows a handler.
const recordTimeout = 10 * time.Second

// record writes the outcome back to the store. Bookkeeping errors are
// logged and do not stop the drain. The write outlives a cancelled drain
// context so a job that finished during shutdown does not stay in_progress.
func (p *Processor) record(ctx context.Context, job *Job, result Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if result.Err != nil {
		metrics.JobsProcessed.WithLabelValues(string(job.Type), "failed").Inc()
		p.logger.WarnContext(ctx, "Job failed",
			slog.String("job_id", job.ID.String()),
			slog.String("job_type", string(job.Type)),
			slog.Any("error", result.Err))

		if err := p.store.FailJob(ctx, job.ID, result.Err.Error()); err != nil {
			p.logger.ErrorContext(ctx, "Failed to record job failure",
				slog.String("job_id", job.ID.String()),
				slog.Any("error", err))
		}
		return
	}

	metrics.JobsProcessed.WithLabelValues(string(job.Type), "completed").Inc()
	if err := p.store.CompleteJob(ctx, job.ID, result.Output); err != nil {
		p.logger.ErrorContext(ctx, "Failed to record job completion",
			slog.String("job_id", job.ID.String()),
			slog.Any("error", err))
		return
	}
	p.logger.DebugContext(ctx, "Job completed",
		slog.String("job_id", job.ID.String()),
		slog.String("job_type", string(job.Type)),
		slog.Duration("duration", result.Duration))
}
