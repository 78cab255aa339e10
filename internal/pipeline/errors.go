package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed rejects fetches made after Close.
var ErrClosed = errors.New("pipeline closed")

// StatusError is a response with an HTTP error status.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("api %s returned status %d: %s", e.Endpoint, e.Code, e.Body)
	}
	return fmt.Sprintf("api %s returned status %d", e.Endpoint, e.Code)
}

// TransformError wraps a transformer failure. It is never retried.
type TransformError struct {
	DataType string
	Err      error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s: %v", e.DataType, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

// Permanent wraps err so the pipeline rejects it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// IsRetryable reports whether a failed request should be tried again:
// errors carrying no status (network failures, timeouts) and 5xx responses.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return false
	}
	var te *TransformError
	if errors.As(err, &te) {
		return false
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return true
}
