// internal/domain/execution.go
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExecutionNotFound is returned when no execution record matches.
var ErrExecutionNotFound = errors.New("execution record not found")

// ExecutionStatus defines the terminal status of a job execution.
type ExecutionStatus string

const (
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
)

// ExecutionRecord represents a single execution of a job on one endpoint.
type ExecutionRecord struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	JobID     string          `json:"job_id"`
	Kind      JobKind         `json:"kind"`
	Index     int             `json:"index"`
	Source    string          `json:"source,omitempty"`
	Endpoint  string          `json:"endpoint"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
	Status    ExecutionStatus `json:"status"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
	Outputs   []string        `json:"outputs,omitempty"`
}

// Validate checks if the execution record is valid.
func (r *ExecutionRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("execution record ID cannot be empty")
	}
	if r.JobID == "" {
		return fmt.Errorf("execution record job ID cannot be empty")
	}
	if r.StartTime.IsZero() {
		return fmt.Errorf("execution record start time cannot be zero")
	}
	if r.Status == "" {
		return fmt.Errorf("execution record status cannot be empty")
	}
	return nil
}

// Duration is the wall time the execution took.
func (r *ExecutionRecord) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// ExecutionRepository persists and retrieves execution records.
type ExecutionRepository interface {
	// Save persists a single execution record.
	Save(ctx context.Context, record *ExecutionRecord) error
	// ListByRun returns the records of one run ordered by job index.
	ListByRun(ctx context.Context, runID string) ([]*ExecutionRecord, error)
	// Get retrieves one record of a run by execution ID or a unique prefix of it.
	Get(ctx context.Context, runID, executionID string) (*ExecutionRecord, error)
}

// EndpointSource resolves the endpoint pool for a run.
type EndpointSource interface {
	Endpoints(ctx context.Context) ([]Endpoint, error)
}
