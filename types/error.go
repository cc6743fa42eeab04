package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a unified error code across the client runtime.
type ErrorCode string

// Connection error codes
const (
	ErrTimeout             ErrorCode = "TIMEOUT"
	ErrAborted             ErrorCode = "ABORTED"
	ErrMaximumRetryReached ErrorCode = "MAXIMUM_RETRY_REACHED"
	ErrUnexpectedResponse  ErrorCode = "UNEXPECTED_RESPONSE"
	ErrProtocolViolation   ErrorCode = "PROTOCOL_VIOLATION"
	ErrAlreadyStarted      ErrorCode = "ALREADY_STARTED"
	ErrConnectFailed       ErrorCode = "CONNECT_FAILED"
	ErrRemote              ErrorCode = "REMOTE_ERROR"
)

// Route and envelope error codes
const (
	ErrRouteNotFound ErrorCode = "ROUTE_NOT_FOUND"
	ErrInvalidRoute  ErrorCode = "INVALID_ROUTE"
	ErrStreamFailed  ErrorCode = "STREAM_FAILED"
	ErrStreamThrown  ErrorCode = "STREAM_THROWN"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
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

// Is reports whether target is an *Error with the same code, so the
// sentinels below can be matched with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
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

// Sentinels for errors.Is matching. Never mutate them; use the constructors.
var (
	ErrAbort          = NewError(ErrAborted, "connection closed")
	ErrMaxRetry       = NewError(ErrMaximumRetryReached, "maximum retry reached")
	ErrUnexpected     = NewError(ErrUnexpectedResponse, "unexpected response")
	ErrProtocol       = NewError(ErrProtocolViolation, "protocol violation")
	ErrStarted        = NewError(ErrAlreadyStarted, "already started")
	ErrDeadline       = NewError(ErrTimeout, "deadline exceeded")
	ErrRemoteFailure  = NewError(ErrRemote, "remote handler failed")
	ErrRouteMissing   = NewError(ErrRouteNotFound, "route not found")
	ErrStreamFailure  = NewError(ErrStreamFailed, "stream failed")
	ErrStreamThrowing = NewError(ErrStreamThrown, "stream thrown")
)

// NewAbortError is raised to every pending call when its connection closes.
func NewAbortError(cause error) *Error {
	return NewError(ErrAborted, "connection closed").WithCause(cause)
}

// NewMaximumRetryError reports an exhausted open-failure budget.
func NewMaximumRetryError(maxRetry, lastStatus int) *Error {
	return NewError(ErrMaximumRetryReached,
		fmt.Sprintf("maximum retry reached (%d), last status %d", maxRetry, lastStatus)).
		WithHTTPStatus(lastStatus)
}

// NewUnexpectedResponseError reports a connect status outside {200, 204}.
func NewUnexpectedResponseError(status int) *Error {
	return NewError(ErrUnexpectedResponse, fmt.Sprintf("unexpected status %d", status)).
		WithHTTPStatus(status)
}

// NewProtocolError reports a frame the peer should never have sent.
func NewProtocolError(format string, args ...any) *Error {
	return NewError(ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// =============================================================================
// TimeoutError
// =============================================================================

// TimeoutError is raised when a connect or handshake deadline elapses.
type TimeoutError struct {
	ExpireDuration time.Duration
	ExpiredAt      time.Time
}

// NewTimeoutError creates a TimeoutError stamped with the expiry time.
func NewTimeoutError(d time.Duration, at time.Time) *TimeoutError {
	return &TimeoutError{ExpireDuration: d, ExpiredAt: at}
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("[%s] deadline of %s expired at %s",
		ErrTimeout, e.ExpireDuration, e.ExpiredAt.Format(time.RFC3339Nano))
}

// Is matches ErrDeadline and any *Error carrying ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == ErrTimeout
	}
	_, ok := target.(*TimeoutError)
	return ok
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
	var te *TimeoutError
	if errors.As(err, &te) {
		return ErrTimeout
	}
	return ""
}
