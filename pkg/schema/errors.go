package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeCyclicDependency     = "CYCLIC_DEPENDENCY"
	ErrCodeInvalidReference     = "INVALID_REFERENCE"
	ErrCodeSelfDependency       = "SELF_DEPENDENCY"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodePermissionDenied     = "PERMISSION_DENIED"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeTemplateNotPublished = "TEMPLATE_NOT_PUBLISHED"
	ErrCodeEmptyTemplate        = "EMPTY_TEMPLATE"
	ErrCodeAlreadyClaimed       = "ALREADY_CLAIMED"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeExpression           = "EXPRESSION_ERROR"
	ErrCodeStore                = "STORE_ERROR"
	ErrCodeDispatch             = "DISPATCH_ERROR"
)

// FlowError is the structured error type for all matterflow operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error represents a lost write race
// the caller may safely retry (stale version, racing claim).
func (e *FlowError) IsRetryable() bool {
	return e.Code == ErrCodeConflict || e.Code == ErrCodeAlreadyClaimed
}
