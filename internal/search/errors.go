package search

import (
	"errors"
	"fmt"
)

var (
	// ErrEvaluationFailed marks a failure of the evaluation collaborator.
	// The search aborts instead of treating the failure as a residual.
	ErrEvaluationFailed = errors.New("evaluation failed")

	// ErrDidNotConverge is returned when the round limit is reached.
	ErrDidNotConverge = errors.New("did not converge")
)

// Error represents a search error with context
// that can be wrapped with additional information.
type Error struct {
	// Message describes the error that occurred.
	Message string
	// Op is the operation that caused the error.
	Op string
	// Component is the component where the error occurred.
	Component string
	// Err is the underlying error that triggered this one, if any.
	Err error
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var prefix string
	if e.Component != "" && e.Op != "" {
		prefix = fmt.Sprintf("%s: %s", e.Component, e.Op)
	} else if e.Component != "" {
		prefix = e.Component
	} else if e.Op != "" {
		prefix = e.Op
	}

	if e.Err != nil {
		if prefix != "" {
			return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}

	if prefix != "" {
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithComponent adds component context to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// NewError creates a new search error with the given message.
func NewError(message string) *Error {
	return &Error{Message: message}
}

// NewErrorf creates a new search error with formatted message.
func NewErrorf(format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps an existing error with additional context.
// If err is nil, WrapError returns nil.
func WrapError(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Message: message, Err: err}
}

// EvaluationError wraps a collaborator failure at x so that it matches
// ErrEvaluationFailed while keeping the original cause reachable.
// A per-evaluation timeout is reported the same way.
func EvaluationError(component string, x float64, err error) error {
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrEvaluationFailed) {
		err = fmt.Errorf("%w: %w", ErrEvaluationFailed, err)
	}
	return &Error{
		Message:   fmt.Sprintf("evaluate x=%g", x),
		Op:        "evaluate",
		Component: component,
		Err:       err,
	}
}

// NotConvergedError reports the bracket reached after rounds rounds.
func NotConvergedError(component string, rounds int, iv Interval) error {
	return &Error{
		Message:   fmt.Sprintf("no root within tolerance after %d rounds, bracket [%g, %g]", rounds, iv.Lower, iv.Upper),
		Op:        "search",
		Component: component,
		Err:       ErrDidNotConverge,
	}
}

// IsSearchError checks if an error is of type Error.
func IsSearchError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
