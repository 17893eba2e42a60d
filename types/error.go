package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the pipeline substrate.
type ErrorCode string

// Router error codes
const (
	ErrConfigUnavailable ErrorCode = "CONFIG_UNAVAILABLE"
	ErrUnknownModel      ErrorCode = "UNKNOWN_MODEL"
	ErrUnknownProvider   ErrorCode = "UNKNOWN_PROVIDER"
	ErrNoAvailableModel  ErrorCode = "NO_AVAILABLE_MODEL"
	ErrProviderCall      ErrorCode = "PROVIDER_CALL_FAILED"
	ErrRouterExhausted   ErrorCode = "AGGREGATE_ROUTER_FAILURE"
)

// Workflow error codes
const (
	ErrPhaseTimeout    ErrorCode = "PHASE_TIMEOUT"
	ErrWorkflowAborted ErrorCode = "WORKFLOW_ABORTED"
	ErrInvalidPhase    ErrorCode = "INVALID_PHASE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	Cause     error     `json:"-"`
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

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider tag.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithModel sets the model name.
func (e *Error) WithModel(model string) *Error {
	e.Model = model
	return e
}

// IsRetryable checks if an error (or any error in its chain) is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
