package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType classifies an error for retry, breaker, and offline-queue routing.
type ErrorType string

const (
	// ErrorTypeTransport - connectivity-level failure (DNS, refused connection,
	// unreachable network). Eligible for offline queueing.
	ErrorTypeTransport ErrorType = "transport"
	// ErrorTypeTimeout - an attempt exceeded its wall-clock bound. Retryable.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeServer - the origin answered with a 5xx status. Retryable per policy.
	ErrorTypeServer ErrorType = "server"
	// ErrorTypeClient - the origin answered with a 4xx status. Never retried.
	ErrorTypeClient ErrorType = "client"
	// ErrorTypeCircuitOpen - the origin's breaker rejected the attempt before
	// any network call was made.
	ErrorTypeCircuitOpen ErrorType = "circuit_open"
	// ErrorTypeCancelled - the caller aborted the request.
	ErrorTypeCancelled ErrorType = "cancelled"

	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeInternal   ErrorType = "internal"
)

// AppError represents an orchestration error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Status    int               `json:"status,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new orchestration error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithStatus records the HTTP status that produced the error
func (e *AppError) WithStatus(status int) *AppError {
	e.Status = status
	return e
}

// Common error constructors

func NewTransportError(message string) *AppError {
	return NewAppError(ErrorTypeTransport, "TRANSPORT_ERROR", message)
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

func NewServerError(status int) *AppError {
	return NewAppError(ErrorTypeServer, "SERVER_ERROR", fmt.Sprintf("origin returned status %d", status)).
		WithStatus(status)
}

func NewClientError(status int) *AppError {
	return NewAppError(ErrorTypeClient, "CLIENT_ERROR", fmt.Sprintf("origin returned status %d", status)).
		WithStatus(status)
}

func NewCircuitOpenError(origin string) *AppError {
	return NewAppError(ErrorTypeCircuitOpen, "CIRCUIT_OPEN", fmt.Sprintf("circuit breaker for %s is open", origin)).
		WithDetail("origin", origin)
}

func NewCancelledError(requestID string) *AppError {
	return NewAppError(ErrorTypeCancelled, "CANCELLED", "request was cancelled").
		WithDetail("request_id", requestID)
}

func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

// IsType checks if the error is of a specific type, unwrapping as needed
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable reports whether an error should consume a retry attempt.
// Transport, timeout, and server errors are retryable; everything else
// is surfaced on first occurrence.
func IsRetryable(err error) bool {
	switch GetType(err) {
	case ErrorTypeTransport, ErrorTypeTimeout, ErrorTypeServer:
		return true
	default:
		return false
	}
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatus returns the HTTP status attached to the error, or 0
func GetStatus(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Status
	}
	return 0
}
