package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation                 = "VALIDATION_ERROR"
	ErrCodeOperationAlreadyRegistered = "OPERATION_ALREADY_REGISTERED"
	ErrCodeOperationNotFound          = "OPERATION_NOT_FOUND"
	ErrCodeStepNotFoundInOperation    = "STEP_NOT_FOUND_IN_OPERATION"
	ErrCodeNotFound                   = "NOT_FOUND"
	ErrCodeConflict                   = "CONFLICT"
	ErrCodeInvalidTransition          = "INVALID_TRANSITION"
	ErrCodeStepFailed                 = "STEP_FAILED"
	ErrCodeUndoFailed                 = "UNDO_FAILED"
	ErrCodeUndeclaredContextKey       = "UNDECLARED_CONTEXT_KEY"
	ErrCodeMissingContextKey          = "MISSING_CONTEXT_KEY"
	ErrCodeTimeout                    = "TIMEOUT_ERROR"
	ErrCodeCancelled                  = "CANCELLED"
	ErrCodeStore                      = "STORE_ERROR"
	ErrCodeLockTimeout                = "LOCK_TIMEOUT"
)

// Error is the structured error type shared by every dynsched package.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *Error) WithStep(step string) *Error {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
