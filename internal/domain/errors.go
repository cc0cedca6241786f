package domain

import (
	"errors"
	"fmt"
)

// ErrNoEndpoints is returned when a run is started without any backend.
var ErrNoEndpoints = errors.New("no endpoints configured")

// ErrorKind classifies a job failure.
type ErrorKind string

const (
	ErrorKindConflict   ErrorKind = "conflict"
	ErrorKindBackend    ErrorKind = "backend"
	ErrorKindDecode     ErrorKind = "decode"
	ErrorKindInput      ErrorKind = "input"
	ErrorKindUnexpected ErrorKind = "unexpected"
)

// ConflictError is returned when the output path of a job already exists.
type ConflictError struct {
	Path string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("file already exists: %s", e.Path)
}

// BackendError is returned when the generation API answers with a non-2xx status.
type BackendError struct {
	Endpoint   string
	Operation  string
	StatusCode int
	Body       string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("error querying server %s (%s): status %d: %s", e.Endpoint, e.Operation, e.StatusCode, e.Body)
}

// DecodeError is returned when a response cannot be turned into usable bytes or text.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode response: %s: %v", e.Reason, e.Err)
	}
	return "decode response: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// InputError is a setup-time failure; it aborts a run before any worker starts.
type InputError struct {
	Path string
	Err  error
}

func (e *InputError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid input: %v", e.Err)
	}
	return fmt.Sprintf("invalid input %s: %v", e.Path, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsBackend(err error) bool {
	var target *BackendError
	return errors.As(err, &target)
}

func IsDecode(err error) bool {
	var target *DecodeError
	return errors.As(err, &target)
}

func IsInput(err error) bool {
	var target *InputError
	return errors.As(err, &target)
}

// KindOf maps an error to its ErrorKind. A nil error has no kind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case IsConflict(err):
		return ErrorKindConflict
	case IsBackend(err):
		return ErrorKindBackend
	case IsDecode(err):
		return ErrorKindDecode
	case IsInput(err):
		return ErrorKindInput
	default:
		return ErrorKindUnexpected
	}
}
