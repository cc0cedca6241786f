package usecase

import (
	"context"
	"log/slog"
	"time"

	"sd-batch/internal/domain"
)

// HistoryRecorder stores every execution record in a repository. A failed
// save is logged and does not affect the job.
type HistoryRecorder struct {
	repo    domain.ExecutionRepository
	timeout time.Duration
	logger  *slog.Logger
}

func NewHistoryRecorder(repo domain.ExecutionRepository, timeout time.Duration, logger *slog.Logger) *HistoryRecorder {
	return &HistoryRecorder{
		repo:    repo,
		timeout: timeout,
		logger:  logger.With("component", "history-recorder"),
	}
}

func (h *HistoryRecorder) JobFinished(ctx context.Context, _ *domain.Job, record *domain.ExecutionRecord, _ *domain.Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
	defer cancel()
	if err := h.repo.Save(ctx, record); err != nil {
		h.logger.Warn("failed to save execution record", "execution_id", record.ID, "job_id", record.JobID, "error", err)
	}
}
