package reasoner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ErrorType categorises reasoner failures for retry decisions.
type ErrorType int8

const (
	// Retryable error types.

	// ErrorTypeRateLimit covers 429 and quota errors.
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient covers 5xx, timeouts, resets and EOFs.
	ErrorTypeTransient
	// ErrorTypeEmptyResponse is a successful call that returned no text.
	ErrorTypeEmptyResponse

	// Fatal error types.

	// ErrorTypeAuth covers 401/403 and missing credentials.
	ErrorTypeAuth
	// ErrorTypeBadRequest covers malformed 4xx requests.
	ErrorTypeBadRequest
	// ErrorTypeUnknown is anything we could not classify.
	ErrorTypeUnknown
	// ErrorTypeServiceUnavailable is returned once retries are exhausted.
	ErrorTypeServiceUnavailable
)

// String returns the string representation of the error type.
func (t ErrorType) String() string {
	switch t {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadRequest:
		return "bad_request"
	case ErrorTypeUnknown:
		return "unknown"
	case ErrorTypeServiceUnavailable:
		return "service_unavailable"
	default:
		return "invalid"
	}
}

// Retryable reports whether errors of this type are worth another attempt.
func (t ErrorType) Retryable() bool {
	switch t {
	case ErrorTypeRateLimit, ErrorTypeTransient, ErrorTypeEmptyResponse:
		return true
	default:
		return false
	}
}

// Error is a classified reasoner failure. Retryable types form the
// RetryableError class; every other type is a FatalError.
type Error struct {
	Type       ErrorType
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Type.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the gateway should retry this failure.
func (e *Error) Retryable() bool { return e.Type.Retryable() }

// NewError creates a classified error without a cause.
func NewError(t ErrorType, msg string) *Error {
	return &Error{Type: t, Message: msg}
}

// Wrap creates a classified error around cause.
func Wrap(t ErrorType, cause error, msg string) *Error {
	return &Error{Type: t, Message: msg, Err: cause}
}

// IsRetryable reports whether err is a RetryableError.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// IsFatal reports whether err is a non-nil error that must not be retried.
func IsFatal(err error) bool {
	return err != nil && !IsRetryable(err)
}

// TypeOf returns the classified type of err, or ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeUnknown
}

// FromStatus classifies an HTTP status code.
func FromStatus(code int, cause error) *Error {
	switch {
	case code == http.StatusTooManyRequests:
		return &Error{Type: ErrorTypeRateLimit, StatusCode: code, Message: "rate limit exceeded", Err: cause}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &Error{Type: ErrorTypeAuth, StatusCode: code, Message: "authentication failed", Err: cause}
	case code == http.StatusRequestTimeout:
		return &Error{Type: ErrorTypeTransient, StatusCode: code, Message: "request timeout", Err: cause}
	case code >= 500:
		return &Error{Type: ErrorTypeTransient, StatusCode: code, Message: "server error", Err: cause}
	case code >= 400:
		return &Error{Type: ErrorTypeBadRequest, StatusCode: code, Message: "malformed request", Err: cause}
	default:
		return &Error{Type: ErrorTypeUnknown, StatusCode: code, Err: cause}
	}
}

// Classify maps an arbitrary error onto the taxonomy by inspecting its
// type first and its message second. Already classified errors pass through.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(ErrorTypeUnknown, err, "request canceled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(ErrorTypeTransient, err, "request timeout")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(ErrorTypeTransient, err, "network timeout")
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return Wrap(ErrorTypeTransient, err, "connection error")
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "quota"):
		return Wrap(ErrorTypeRateLimit, err, "rate limiting detected")
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "eof") || strings.Contains(msg, "temporarily unavailable"):
		return Wrap(ErrorTypeTransient, err, "network or connection error")
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") || strings.Contains(msg, "forbidden"):
		return Wrap(ErrorTypeAuth, err, "authentication error")
	case strings.Contains(msg, "bad request") || strings.Contains(msg, "malformed"):
		return Wrap(ErrorTypeBadRequest, err, "malformed request")
	}
	return Wrap(ErrorTypeUnknown, err, "unclassified error")
}
