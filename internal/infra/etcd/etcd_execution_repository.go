// internal/infra/etcd/etcd_execution_repository.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"

	"sd-batch/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	ExecutionHistoryDir = "/sdbatch/history/"
)

type etcdExecutionRepository struct {
	kv     clientv3.KV
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdExecutionRepository creates a new repository for execution records backed by etcd.
func NewEtcdExecutionRepository(kv clientv3.KV, logger *slog.Logger) domain.ExecutionRepository {
	return &etcdExecutionRepository{
		kv:     kv,
		logger: logger,
		tracer: otel.Tracer("sd-batch-etcd-execution-repo"),
	}
}

// Save persists a single execution record to etcd.
// The key is structured as /sdbatch/history/{runID}/{executionID}.
func (r *etcdExecutionRepository) Save(ctx context.Context, record *domain.ExecutionRecord) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SaveExecution")
	defer span.End()

	if record.RunID == "" {
		return fmt.Errorf("execution record %s has no run id", record.ID)
	}
	recordJSON, err := json.Marshal(record)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal execution record")
		return fmt.Errorf("failed to marshal execution record %s to JSON: %w", record.ID, err)
	}

	key := path.Join(ExecutionHistoryDir, record.RunID, record.ID)
	span.SetAttributes(
		attribute.String("execution.id", record.ID),
		attribute.String("run.id", record.RunID),
		attribute.String("etcd.key", key),
	)

	_, err = r.kv.Put(ctx, key, string(recordJSON))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put execution record to etcd")
		return fmt.Errorf("failed to save execution record %s to etcd: %w", record.ID, err)
	}
	return nil
}

// Get retrieves one execution record of a run. executionID may be a unique
// prefix of the full ID, as printed by the history table.
func (r *etcdExecutionRepository) Get(ctx context.Context, runID, executionID string) (*domain.ExecutionRecord, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.GetExecution", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("execution.id", executionID),
	))
	defer span.End()

	if executionID == "" {
		return nil, fmt.Errorf("execution id cannot be empty")
	}
	key := path.Join(ExecutionHistoryDir, runID, executionID)
	resp, err := r.kv.Get(ctx, key, clientv3.WithPrefix(), clientv3.WithLimit(2))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get execution record from etcd")
		return nil, fmt.Errorf("failed to get execution record %s/%s from etcd: %w", runID, executionID, err)
	}

	switch len(resp.Kvs) {
	case 0:
		return nil, fmt.Errorf("execution record %s/%s: %w", runID, executionID, domain.ErrExecutionNotFound)
	case 1:
	default:
		return nil, fmt.Errorf("execution id prefix %q matches several records of run %s", executionID, runID)
	}

	var record domain.ExecutionRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &record); err != nil {
		span.RecordError(err)
		return nil, &domain.DecodeError{Reason: "execution record " + string(resp.Kvs[0].Key), Err: err}
	}
	return &record, nil
}

// ListByRun retrieves every execution record of a run, ordered by job index.
func (r *etcdExecutionRepository) ListByRun(ctx context.Context, runID string) ([]*domain.ExecutionRecord, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListExecutions")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))

	prefix := path.Join(ExecutionHistoryDir, runID) + "/"
	resp, err := r.kv.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list execution records from etcd")
		return nil, fmt.Errorf("failed to list execution records for run %s from etcd: %w", runID, err)
	}

	records := make([]*domain.ExecutionRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var record domain.ExecutionRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			r.logger.Warn("failed to unmarshal execution record from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		records = append(records, &record)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Index != records[j].Index {
			return records[i].Index < records[j].Index
		}
		return records[i].StartTime.Before(records[j].StartTime)
	})
	span.SetAttributes(attribute.Int("records_returned", len(records)))
	return records, nil
}
