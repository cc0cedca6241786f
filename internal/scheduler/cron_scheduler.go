// internal/scheduler/cron_scheduler.go
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"sd-batch/internal/domain"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BatchFunc runs one batch. The context is cancelled when the scheduler
// stops.
type BatchFunc func(ctx context.Context) error

// Scheduler reruns batches on cron schedules. A batch that is still running
// when its next tick arrives is skipped for that tick. With a Locker the
// same holds across instances: a tick whose lock is taken elsewhere is skipped.
type Scheduler struct {
	cron    *cron.Cron
	batches map[string]cron.EntryID
	locker  domain.Locker
	logger  *slog.Logger
	tracer  trace.Tracer

	mu  sync.Mutex
	ctx context.Context
}

func New(logger *slog.Logger) *Scheduler {
	logger = logger.With("component", "cron-scheduler")
	cl := cronLogger{logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		batches: make(map[string]cron.EntryID),
		logger:  logger,
		tracer:  otel.Tracer("sd-batch-scheduler"),
		ctx:     context.Background(),
	}
}

// SetLocker makes every tick take a lock named after its batch.
func (s *Scheduler) SetLocker(l domain.Locker) {
	s.locker = l
}

// Start runs the scheduler until ctx is done, then waits for running
// batches to return.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.logger.Info("cron scheduler started", "batches", len(s.batches))
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopping...")
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("cron scheduler stopped")
	return ctx.Err()
}

// AddBatch registers run under name, replacing an existing batch of the
// same name.
func (s *Scheduler) AddBatch(name string, schedule cron.Schedule, run BatchFunc) {
	if entryID, ok := s.batches[name]; ok {
		s.cron.Remove(entryID)
	}
	s.batches[name] = s.cron.Schedule(schedule, &batchJob{
		name:   name,
		run:    run,
		parent: s,
		logger: s.logger.With("batch", name),
	})
	s.logger.Info("added batch to scheduler", "batch", name)
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

type batchJob struct {
	name   string
	run    BatchFunc
	parent *Scheduler
	logger *slog.Logger
}

// Run is called by the cron library.
func (b *batchJob) Run() {
	ctx, span := b.parent.tracer.Start(b.parent.baseContext(), "scheduler.RunBatch",
		trace.WithAttributes(attribute.String("batch.name", b.name)))
	defer span.End()

	if locker := b.parent.locker; locker != nil {
		lock, err := locker.Lock(ctx, b.name)
		if errors.Is(err, domain.ErrLockNotAcquired) {
			b.logger.Info("batch is running on another instance, skipping tick")
			span.SetAttributes(attribute.Bool("batch.skipped", true))
			return
		}
		if err != nil {
			b.logger.Error("failed to acquire batch lock", "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "lock failed")
			return
		}
		defer func() {
			if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				b.logger.Warn("failed to release batch lock", "error", err)
			}
		}()
	}

	b.logger.Info("starting scheduled batch")
	if err := b.run(ctx); err != nil {
		b.logger.Error("scheduled batch failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch failed")
		return
	}
	b.logger.Info("scheduled batch finished")
}

// cronLogger routes the cron library's own logging through slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(fmt.Sprintf("%s: %v", msg, err), keysAndValues...)
}
