package domain

import "context"

// Backend is a session bound to a single endpoint.
type Backend interface {
	// Call posts payload to the named API operation and decodes the JSON
	// response into out.
	Call(ctx context.Context, operation string, payload any, out any) error
	Endpoint() Endpoint
	Close() error
}

// BackendFactory opens a session for an endpoint. Each worker owns the
// session it opened for the whole run.
type BackendFactory func(endpoint Endpoint) (Backend, error)

// Executor turns a job into a backend call and a persisted result.
type Executor interface {
	Execute(ctx context.Context, job *Job, backend Backend) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job *Job, backend Backend) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, job *Job, backend Backend) (*Result, error) {
	return f(ctx, job, backend)
}

// Observer is notified after every job reaches a terminal outcome.
// Implementations must be safe for concurrent use.
type Observer interface {
	JobFinished(ctx context.Context, job *Job, record *ExecutionRecord, result *Result)
}

// ImageParameters are generation parameters embedded in an image.
type ImageParameters struct {
	Prompt         string
	NegativePrompt string
	SamplerName    string
	SamplerParams  Payload
}

// MetadataExtractor reads generation parameters from raw image bytes.
// A false return means nothing usable was found.
type MetadataExtractor interface {
	Extract(data []byte) (*ImageParameters, bool)
}
