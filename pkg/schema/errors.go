package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeApproval          = "APPROVAL_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeWebhook           = "WEBHOOK_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
	ErrCodeStore             = "STORE_ERROR"
)

// SignflowError is the structured error type returned by every engine operation.
//
// A ValidationError is a SignflowError with Code ErrCodeValidation, a
// StepExecutionError one with ErrCodeStepFailed and StepID set, and so on.
type SignflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"stepId,omitempty"`
	Cause   error          `json:"-"`
}

func (e *SignflowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *SignflowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error class may succeed on a later attempt.
// Only timeouts are retryable by classification.
func (e *SignflowError) IsRetryable() bool {
	return e.Code == ErrCodeTimeout
}

// NewError creates a new SignflowError.
func NewError(code, message string) *SignflowError {
	return &SignflowError{Code: code, Message: message}
}

// NewErrorf creates a new SignflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *SignflowError {
	return &SignflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *SignflowError) WithStep(stepID string) *SignflowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *SignflowError) WithCause(err error) *SignflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *SignflowError) WithDetails(details map[string]any) *SignflowError {
	e.Details = details
	return e
}

// ErrorCode extracts the code of the first SignflowError in err's chain.
func ErrorCode(err error) string {
	var se *SignflowError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return ErrorCode(err) == code
}
