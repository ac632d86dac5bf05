package testplan

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the generation pipeline, the run lifecycle and the API.
var (
	// ErrInputInvalid is returned when required request fields are missing or malformed.
	ErrInputInvalid = errors.New("input invalid")

	// ErrQuotaExceeded is matched by *QuotaError.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrUpstreamFailed wraps a model call that failed or produced no text.
	ErrUpstreamFailed = errors.New("upstream failed")

	// ErrMalformedOutput is matched by *MalformedOutputError.
	ErrMalformedOutput = errors.New("malformed model output")

	// ErrNotFound is returned when a plan, report or user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned on ownership violations.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidTransition is matched by *TransitionError.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// QuotaError rejects a generation request over the daily cap.
type QuotaError struct {
	Limit int
	Hint  string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("daily generation limit of %d reached", e.Limit)
}

// Is lets errors.Is(err, ErrQuotaExceeded) match.
func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Failure reasons reported by the validator.
const (
	ReasonInvalidJSON = "invalid_json"
	ReasonNotArray    = "not_array"
	ReasonEmptyArray  = "empty_array"
	ReasonInvalidCase = "invalid_case"
	ReasonInvalidStep = "invalid_step"
)

// MalformedOutputError carries the raw model text so the caller can diagnose it.
type MalformedOutputError struct {
	Reason string
	Detail string
	Raw    string
}

func (e *MalformedOutputError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("malformed model output: %s", e.Reason)
	}
	return fmt.Sprintf("malformed model output: %s: %s", e.Reason, e.Detail)
}

// Is lets errors.Is(err, ErrMalformedOutput) match.
func (e *MalformedOutputError) Is(target error) bool {
	return target == ErrMalformedOutput
}

// TransitionError rejects a status change the state machine does not allow.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// Is lets errors.Is(err, ErrInvalidTransition) match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
