package reactive

import (
	"errors"
	"fmt"
)

// RuntimeError is returned by computed evaluation when the graph itself is
// misused, as opposed to the user function failing.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Node is the computed that detected the error.
	Node ID

	// Details contains additional context.
	Details map[string]string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeCycleDetected indicates a computed was re-entered while evaluating.
	ErrCodeCycleDetected RuntimeErrorCode = "CYCLE_DETECTED"

	// ErrCodeDisposed indicates use of a computed or watcher after Dispose.
	ErrCodeDisposed RuntimeErrorCode = "DISPOSED"

	// ErrCodeEvaluationPanic indicates the computed function panicked.
	ErrCodeEvaluationPanic RuntimeErrorCode = "EVALUATION_PANIC"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Node != 0 {
		return fmt.Sprintf("%s: %s (node=%d)", e.Code, e.Message, e.Node)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsCycleError reports whether err is, or wraps, a cycle detection error.
func IsCycleError(err error) bool {
	return hasCode(err, ErrCodeCycleDetected)
}

// IsDisposedError reports whether err is, or wraps, a use-after-dispose error.
func IsDisposedError(err error) bool {
	return hasCode(err, ErrCodeDisposed)
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// NewCycleError creates a RuntimeError for re-entrant evaluation.
func NewCycleError(node ID, depth int) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeCycleDetected,
		Message: "computed value depends on itself",
		Node:    node,
		Details: map[string]string{
			"stack_depth": fmt.Sprintf("%d", depth),
		},
	}
}

// NewDisposedError creates a RuntimeError for use after Dispose.
func NewDisposedError(node ID) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeDisposed,
		Message: "computed value was disposed",
		Node:    node,
	}
}

func newPanicError(node ID, r any) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeEvaluationPanic,
		Message: fmt.Sprintf("computed function panicked: %v", r),
		Node:    node,
	}
}
