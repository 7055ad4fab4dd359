// Package errors provides the structured error type used across the trainer.
// Errors carry a code and a category so the driver can tell fatal shape
// mismatches apart from failures of external collaborators.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeValidation indicates a shape or length mismatch between inputs
	ErrorTypeValidation ErrorType = "VALIDATION"

	// ErrorTypeConfig indicates an invalid or incomplete configuration
	ErrorTypeConfig ErrorType = "CONFIG"

	// ErrorTypeExternal indicates a failure of an external collaborator
	// (reward scorer, policy generation, model forward/backward)
	ErrorTypeExternal ErrorType = "EXTERNAL"

	// ErrorTypeNumeric indicates degenerate numeric input or output
	ErrorTypeNumeric ErrorType = "NUMERIC"

	// ErrorTypeInternal indicates an unexpected internal error
	ErrorTypeInternal ErrorType = "INTERNAL"
)

// AppError represents a structured error
type AppError struct {
	// Code is the error code (e.g., "SHAPE_001")
	Code string `json:"code"`

	// Type categorizes the error
	Type ErrorType `json:"type"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Details contains additional error context
	Details map[string]interface{} `json:"details,omitempty"`

	// Cause is the underlying error
	Cause error `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error chain unwrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches on error code so sentinel codes work with errors.Is.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithDetails adds additional context to the error
func (e *AppError) WithDetails(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// New creates a new AppError from a code definition
func New(code ErrorCode, message string) *AppError {
	if message == "" {
		message = code.Message
	}
	return &AppError{
		Code:    code.Code,
		Type:    code.Type,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a code. A nil error stays nil.
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return New(code, message).WithCause(err)
}

// Wrapf wraps an existing error with a code and a formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return Newf(code, format, args...).WithCause(err)
}

// TypeOf returns the category of the outermost AppError in the chain,
// or ErrorTypeInternal when there is none.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// IsValidation reports whether err is a shape/length validation error
func IsValidation(err error) bool { return hasType(err, ErrorTypeValidation) }

// IsConfig reports whether err is a configuration error
func IsConfig(err error) bool { return hasType(err, ErrorTypeConfig) }

// IsExternal reports whether err came from an external collaborator
func IsExternal(err error) bool { return hasType(err, ErrorTypeExternal) }

// IsNumeric reports whether err is a numeric degeneracy
func IsNumeric(err error) bool { return hasType(err, ErrorTypeNumeric) }

func hasType(err error, t ErrorType) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Type == t {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// Is and As re-export the standard library helpers so callers need one import.
var (
	Is = stderrors.Is
	As = stderrors.As
)
