package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Memory error codes
const (
	ErrValidation   ErrorCode = "VALIDATION"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrCollaborator ErrorCode = "COLLABORATOR"
)

// Service error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code         ErrorCode `json:"code"`
	Message      string    `json:"message"`
	HTTPStatus   int       `json:"http_status,omitempty"`
	Retryable    bool      `json:"retryable"`
	Collaborator string    `json:"collaborator,omitempty"`
	Cause        error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// NewValidationError reports input rejected before any state change.
func NewValidationError(format string, args ...any) *Error {
	return NewError(ErrValidation, fmt.Sprintf(format, args...))
}

// NewNotFoundError reports an operation on an unknown id.
func NewNotFoundError(kind, id string) *Error {
	return NewError(ErrNotFound, fmt.Sprintf("%s %q not found", kind, id))
}

// NewCollaboratorError reports a failure of storage, index or extraction.
func NewCollaboratorError(collaborator, message string, cause error) *Error {
	return &Error{
		Code:         ErrCollaborator,
		Message:      message,
		Collaborator: collaborator,
		Retryable:    true,
		Cause:        cause,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsValidation reports whether err carries ErrValidation.
func IsValidation(err error) bool { return GetErrorCode(err) == ErrValidation }

// IsNotFound reports whether err carries ErrNotFound.
func IsNotFound(err error) bool { return GetErrorCode(err) == ErrNotFound }

// IsCollaborator reports whether err carries ErrCollaborator.
func IsCollaborator(err error) bool { return GetErrorCode(err) == ErrCollaborator }
