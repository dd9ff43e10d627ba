package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeUnresolvedReference = "UNRESOLVED_REFERENCE"
	ErrCodeActionInvocation    = "ACTION_INVOCATION_ERROR"
	ErrCodeClaimConflict       = "CLAIM_CONFLICT"
	ErrCodeScheduleRace        = "SCHEDULE_RACE"
	ErrCodeExecution           = "EXECUTION_ERROR"
	ErrCodeLLMOutputInvalid    = "LLM_OUTPUT_INVALID"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeStore               = "STORE_ERROR"
)

// CascadeError is the structured error type for all engine operations.
type CascadeError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	StepSlug string         `json:"step_slug,omitempty"`
	Cause    error          `json:"-"`
}

func (e *CascadeError) Error() string {
	if e.StepSlug != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepSlug, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CascadeError) Unwrap() error {
	return e.Cause
}

// NewError creates a new CascadeError.
func NewError(code, message string) *CascadeError {
	return &CascadeError{Code: code, Message: message}
}

// NewErrorf creates a new CascadeError with a formatted message.
func NewErrorf(code, format string, args ...any) *CascadeError {
	return &CascadeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step slug to the error.
func (e *CascadeError) WithStep(slug string) *CascadeError {
	e.StepSlug = slug
	return e
}

// WithCause attaches an underlying cause.
func (e *CascadeError) WithCause(err error) *CascadeError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *CascadeError) WithDetails(details map[string]any) *CascadeError {
	e.Details = details
	return e
}

// IsRetryableInternally reports whether the error is one of the codes that
// components resolve by retrying transparently, never surfacing to callers.
func (e *CascadeError) IsRetryableInternally() bool {
	return e.Code == ErrCodeClaimConflict || e.Code == ErrCodeScheduleRace
}
