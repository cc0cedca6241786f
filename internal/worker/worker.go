// internal/worker/worker.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sd-batch/internal/domain"
	"sd-batch/internal/metrics"
	"sd-batch/internal/queue"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Worker drains a shared queue against the single endpoint it is bound to.
type Worker struct {
	endpoint   domain.Endpoint
	runID      string
	queue      *queue.Queue[*domain.Job]
	executors  map[domain.JobKind]domain.Executor
	newBackend domain.BackendFactory
	observers  []domain.Observer
	logger     *slog.Logger
	tracer     trace.Tracer
}

// New creates a worker for endpoint.
func New(
	endpoint domain.Endpoint,
	runID string,
	q *queue.Queue[*domain.Job],
	executors map[domain.JobKind]domain.Executor,
	newBackend domain.BackendFactory,
	observers []domain.Observer,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		endpoint:   endpoint,
		runID:      runID,
		queue:      q,
		executors:  executors,
		newBackend: newBackend,
		observers:  observers,
		logger:     logger.With("component", "worker", "endpoint", endpoint.String()),
		tracer:     otel.Tracer("sd-batch-worker"),
	}
}

// Run opens a backend session and processes jobs until ctx is cancelled.
// Cancellation is only observed while waiting for the next job; a job that
// has started always runs to completion. Returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	backend, err := w.newBackend(w.endpoint)
	if err != nil {
		return fmt.Errorf("open session for %s: %w", w.endpoint, err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			w.logger.Warn("failed to close backend session", "error", err)
		}
	}()

	gauge := metrics.ActiveWorkers.WithLabelValues(w.endpoint.URL)
	gauge.Inc()
	defer gauge.Dec()

	w.logger.Info("worker started")
	for {
		job, err := w.queue.Get(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				w.logger.Info("worker stopped")
				return nil
			}
			return err
		}

		w.runJob(context.WithoutCancel(ctx), job, backend)

		metrics.QueueDepth.Dec()
		if err := w.queue.Done(); err != nil {
			return err
		}
	}
}

// runJob executes one job and reports its outcome. It never returns an
// error: every failure, including a panic, ends up in the record.
func (w *Worker) runJob(ctx context.Context, job *domain.Job, backend domain.Backend) {
	ctx, span := w.tracer.Start(ctx, "worker.runJob",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.kind", string(job.Kind)),
			attribute.Int("job.index", job.Index),
			attribute.String("endpoint", w.endpoint.URL),
		))
	defer span.End()

	logger := w.logger.With("job_id", job.ID, "job", job.Label())

	record := &domain.ExecutionRecord{
		ID:        uuid.NewString(),
		RunID:     w.runID,
		JobID:     job.ID,
		Kind:      job.Kind,
		Index:     job.Index,
		Source:    job.Source,
		Endpoint:  w.endpoint.URL,
		StartTime: time.Now(),
	}

	var (
		result  *domain.Result
		execErr error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic: %v", r)
			}
		}()
		executor, ok := w.executors[job.Kind]
		if !ok {
			execErr = fmt.Errorf("no executor found for kind: %s", job.Kind)
			return
		}
		result, execErr = executor.Execute(ctx, job, backend)
	}()

	record.EndTime = time.Now()
	metrics.JobDuration.WithLabelValues(string(job.Kind)).Observe(record.Duration().Seconds())

	if execErr != nil {
		record.Status = domain.ExecutionStatusFailed
		record.ErrorKind = domain.KindOf(execErr)
		record.Error = execErr.Error()
		metrics.JobsTotal.WithLabelValues(string(job.Kind), string(record.ErrorKind)).Inc()
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "job execution failed")
		w.logFailure(logger, execErr)
	} else {
		record.Status = domain.ExecutionStatusSuccess
		if result != nil {
			record.Outputs = result.Paths
		}
		metrics.JobsTotal.WithLabelValues(string(job.Kind), string(domain.ExecutionStatusSuccess)).Inc()
		span.SetStatus(codes.Ok, "job execution successful")
		logger.Info("job completed", "outputs", record.Outputs, "duration", record.Duration())
	}

	for _, o := range w.observers {
		o.JobFinished(ctx, job, record, result)
	}
}

func (w *Worker) logFailure(logger *slog.Logger, err error) {
	var (
		conflict *domain.ConflictError
		backend  *domain.BackendError
		decode   *domain.DecodeError
	)
	switch {
	case errors.As(err, &conflict):
		logger.Warn("skipping job, output already exists", "path", conflict.Path)
	case errors.As(err, &backend):
		logger.Error("error querying server", "status", backend.StatusCode, "body", backend.Body, "operation", backend.Operation)
	case errors.As(err, &decode):
		logger.Error("unusable response", "error", err)
	default:
		logger.Error("unexpected error", "error", err)
	}
}
