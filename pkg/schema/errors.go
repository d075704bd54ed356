package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeInstanceState     = "INSTANCE_STATE_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeInfrastructure    = "INFRASTRUCTURE_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
)

// MachinaError is the structured error type for all machina operations.
type MachinaError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *MachinaError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *MachinaError) Unwrap() error {
	return e.Cause
}

// NewError creates a new MachinaError.
func NewError(code, message string) *MachinaError {
	return &MachinaError{Code: code, Message: message}
}

// NewErrorf creates a new MachinaError with a formatted message.
func NewErrorf(code, format string, args ...any) *MachinaError {
	return &MachinaError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *MachinaError) WithStep(stepID string) *MachinaError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *MachinaError) WithCause(err error) *MachinaError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *MachinaError) WithDetails(details map[string]any) *MachinaError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error code describes a transient
// condition. Validation failures, missing resources, and graph errors
// are permanent; infrastructure and timeout failures may clear on a
// later attempt.
func (e *MachinaError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeInfrastructure, ErrCodeTimeout:
		return true
	default:
		return false
	}
}
