package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeExecution           = "EXECUTION_ERROR"
	ErrCodeTimeout             = "TIMEOUT_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeUnprocessable       = "UNPROCESSABLE"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeSuspended           = "SUSPENDED"
	ErrCodeMaxAttemptsExceeded = "MAX_ATTEMPTS_EXCEEDED"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeStore               = "STORE_ERROR"
)

// RunError is the structured error type for all chainrun operations.
type RunError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	JobID   string         `json:"job_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *RunError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("[%s] job %s: %s", e.Code, e.JobID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RunError) Unwrap() error {
	return e.Cause
}

// NewError creates a new RunError.
func NewError(code, message string) *RunError {
	return &RunError{Code: code, Message: message}
}

// NewErrorf creates a new RunError with a formatted message.
func NewErrorf(code, format string, args ...any) *RunError {
	return &RunError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithJob attaches a job ID to the error.
func (e *RunError) WithJob(jobID string) *RunError {
	e.JobID = jobID
	return e
}

// WithCause attaches an underlying cause.
func (e *RunError) WithCause(err error) *RunError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *RunError) WithDetails(details map[string]any) *RunError {
	e.Details = details
	return e
}

// HasCode reports whether err is (or wraps) a RunError with the given code.
func HasCode(err error, code string) bool {
	var re *RunError
	return errors.As(err, &re) && re.Code == code
}

// IsSuspension reports whether err is the suspension control-flow signal.
// Suspension is not a failure: it must never consume a retry attempt, be
// logged as an error, or mark a job failed.
func IsSuspension(err error) bool {
	return HasCode(err, ErrCodeSuspended)
}

// IsNotFound reports whether err carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}
