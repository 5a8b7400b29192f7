package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeExecution           = "EXECUTION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeStepFailed          = "STEP_FAILED"
	ErrCodeStepTypeUnavailable = "STEP_TYPE_UNAVAILABLE"
	ErrCodeTemplate            = "TEMPLATE_ERROR"
	ErrCodeIterationLimit      = "ITERATION_LIMIT"
	ErrCodeCorruptDefinition   = "CORRUPT_DEFINITION"
	ErrCodeStore               = "STORE_ERROR"
	ErrCodeCancelled           = "CANCELLED"
)

// PlaybookError is the structured error type shared by every layer of the run-execution core.
type PlaybookError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PlaybookError) Error() string {
	switch {
	case e.RunID != "" && e.StepID != "":
		return fmt.Sprintf("[%s] run %s step %s: %s", e.Code, e.RunID, e.StepID, e.Message)
	case e.StepID != "":
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	case e.RunID != "":
		return fmt.Sprintf("[%s] run %s: %s", e.Code, e.RunID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PlaybookError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failure is transient. Only concurrency conflicts
// and storage hiccups are worth re-running a transition from a fresh read.
func (e *PlaybookError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeConflict, ErrCodeStore:
		return true
	default:
		return false
	}
}

// NewError creates a new PlaybookError.
func NewError(code, message string) *PlaybookError {
	return &PlaybookError{Code: code, Message: message}
}

// NewErrorf creates a new PlaybookError with a formatted message.
func NewErrorf(code, format string, args ...any) *PlaybookError {
	return &PlaybookError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *PlaybookError) WithStep(stepID string) *PlaybookError {
	e.StepID = stepID
	return e
}

// WithRun attaches a run ID to the error.
func (e *PlaybookError) WithRun(runID string) *PlaybookError {
	e.RunID = runID
	return e
}

// WithCause attaches an underlying cause.
func (e *PlaybookError) WithCause(err error) *PlaybookError {
	e.Cause = err
	return e
}

// WithDetails merges key-value details into the error.
func (e *PlaybookError) WithDetails(details map[string]any) *PlaybookError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// ErrorCode returns the code of the first PlaybookError in err's chain, or "".
func ErrorCode(err error) string {
	var pe *PlaybookError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// HasCode reports whether err carries a PlaybookError with the given code.
func HasCode(err error, code string) bool {
	return ErrorCode(err) == code
}
