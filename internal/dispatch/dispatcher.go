// Package dispatch runs a batch: it starts one worker per endpoint, feeds
// them from a shared queue and shuts them down once every job has been
// acknowledged.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"sd-batch/internal/domain"
	"sd-batch/internal/metrics"
	"sd-batch/internal/queue"
	"sd-batch/internal/worker"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle phase of a run.
type State string

const (
	StateIdle        State = "idle"
	StateDispatching State = "dispatching"
	StateDraining    State = "draining"
	StateShutdown    State = "shutdown"
	StateDone        State = "done"
)

// Dispatcher runs batches of jobs against a pool of endpoints.
type Dispatcher struct {
	executors  map[domain.JobKind]domain.Executor
	newBackend domain.BackendFactory
	observers  []domain.Observer
	logger     *slog.Logger
	tracer     trace.Tracer

	mu    sync.Mutex
	state State
}

// NewDispatcher creates a dispatcher. Observers are notified of every job
// outcome of every run, from the worker goroutines.
func NewDispatcher(
	executors map[domain.JobKind]domain.Executor,
	newBackend domain.BackendFactory,
	logger *slog.Logger,
	observers ...domain.Observer,
) *Dispatcher {
	return &Dispatcher{
		executors:  executors,
		newBackend: newBackend,
		observers:  observers,
		logger:     logger.With("component", "dispatcher"),
		tracer:     otel.Tracer("sd-batch-dispatcher"),
		state:      StateIdle,
	}
}

// State reports the phase of the current or last run.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dispatcher) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	d.logger.Debug("dispatcher state changed", "state", s)
}

// Run starts one worker per endpoint, enqueues jobs as they are enumerated,
// waits until every job is acknowledged and then stops the workers.
//
// Per-job failures never fail the run; they are counted in the Summary.
// An enumeration error stops enqueueing but the jobs already queued are
// still drained before it is returned.
func (d *Dispatcher) Run(ctx context.Context, endpoints []domain.Endpoint, jobs iter.Seq2[*domain.Job, error]) (*Summary, error) {
	if len(endpoints) == 0 {
		return nil, &domain.InputError{Err: domain.ErrNoEndpoints}
	}

	runID := uuid.NewString()
	ctx, span := d.tracer.Start(ctx, "dispatcher.Run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int("endpoints", len(endpoints)),
		))
	defer span.End()

	logger := d.logger.With("run_id", runID)
	start := time.Now()

	q := queue.New[*domain.Job]()
	tally := newTally(runID)
	observers := append([]domain.Observer{tally}, d.observers...)

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	g, gctx := errgroup.WithContext(workerCtx)

	d.setState(StateDispatching)
	for _, endpoint := range endpoints {
		w := worker.New(endpoint, runID, q, d.executors, d.newBackend, observers, logger)
		g.Go(func() error { return w.Run(gctx) })
	}
	logger.Info("dispatching jobs", "workers", len(endpoints))

	var enumErr error
	for job, err := range jobs {
		if err != nil {
			enumErr = err
			break
		}
		if err := job.Validate(); err != nil {
			enumErr = fmt.Errorf("invalid job: %w", err)
			break
		}
		if gctx.Err() != nil {
			break
		}
		q.Put(job)
		metrics.QueueDepth.Inc()
		tally.enqueued()
	}
	if enumErr != nil {
		logger.Error("job enumeration stopped, draining queued jobs", "error", enumErr)
	}

	d.setState(StateDraining)
	joinErr := q.Join(gctx)

	d.setState(StateShutdown)
	cancelWorkers()
	waitErr := g.Wait()
	d.setState(StateDone)

	summary := tally.summary(time.Since(start))
	logger.Info("run finished",
		"enqueued", summary.Enqueued,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"duration", summary.Duration,
	)

	var runErr error
	switch {
	case waitErr != nil && !errors.Is(waitErr, context.Canceled):
		runErr = fmt.Errorf("worker failed: %w", waitErr)
	case joinErr != nil:
		runErr = fmt.Errorf("run interrupted with %d jobs outstanding: %w", q.Unfinished(), joinErr)
	case enumErr != nil:
		runErr = enumErr
	}
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "run failed")
		return summary, runErr
	}
	span.SetAttributes(attribute.Int("jobs.succeeded", summary.Succeeded), attribute.Int("jobs.failed", summary.Failed))
	return summary, nil
}
