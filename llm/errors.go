package llm

import (
	"errors"
	"fmt"
)

// ErrNoContent is returned when the backend answered but produced no usable text.
// It is deliberately distinct from *ModelError, which means the call itself failed.
var ErrNoContent = errors.New("model returned no text content")

// ModelError reports a failed model call (network, auth, quota, bad request).
type ModelError struct {
	Model    string
	Provider string
	Err      error
}

func (e *ModelError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("model %s: %v", e.Model, e.Err)
	}
	return fmt.Sprintf("model %s (%s): %v", e.Model, e.Provider, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// Error types for classifying backend errors.

// TransientError represents a temporary error that may succeed if the caller retries.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError represents a permanent error that should not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient returns true if the error is transient and could be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
