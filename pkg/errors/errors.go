// Package apperrors defines the structured error values shared across the stream core.
//
// The multiplexer and the background manager never panic or throw across their
// public boundaries; they return *StreamError values so callers can branch on
// cause (retry, refresh credentials, discard silently) without exception-style
// control flow.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Reason is a machine-readable failure cause.
type Reason string

const (
	ReasonUnauthorized        Reason = "unauthorized"
	ReasonForbidden           Reason = "forbidden"
	ReasonRateLimited         Reason = "rate_limited"
	ReasonTooManyPendingOpens Reason = "too_many_pending_opens"
	ReasonNotFound            Reason = "not_found"
	ReasonBadGateway          Reason = "bad_gateway"
	ReasonGatewayTimeout      Reason = "gateway_timeout"
	ReasonStaleUpstream       Reason = "stale_upstream"
	ReasonValidation          Reason = "validation"
)

// StreamError carries an HTTP-like status plus a machine-readable reason.
type StreamError struct {
	Status    int
	Reason    Reason
	Message   string
	Retryable bool
	Cause     error
}

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (status=%d): %s: %v", e.Reason, e.Status, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (status=%d): %s", e.Reason, e.Status, e.Message)
}

func (e *StreamError) Unwrap() error { return e.Cause }

// Is matches on reason so sentinel comparisons work through wrapping.
func (e *StreamError) Is(target error) bool {
	var se *StreamError
	if errors.As(target, &se) {
		return e.Reason == se.Reason
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	ErrUnauthorized        = &StreamError{Status: http.StatusUnauthorized, Reason: ReasonUnauthorized, Message: "credentials rejected"}
	ErrForbidden           = &StreamError{Status: http.StatusForbidden, Reason: ReasonForbidden, Message: "access denied"}
	ErrRateLimited         = &StreamError{Status: http.StatusTooManyRequests, Reason: ReasonRateLimited, Message: "rate limit exceeded", Retryable: true}
	ErrTooManyPendingOpens = &StreamError{Status: http.StatusTooManyRequests, Reason: ReasonTooManyPendingOpens, Message: "too many concurrent opens", Retryable: true}
	ErrNotFound            = &StreamError{Status: http.StatusNotFound, Reason: ReasonNotFound, Message: "resource not found"}
	ErrBadGateway          = &StreamError{Status: http.StatusBadGateway, Reason: ReasonBadGateway, Message: "upstream transport failure", Retryable: true}
	ErrGatewayTimeout      = &StreamError{Status: http.StatusGatewayTimeout, Reason: ReasonGatewayTimeout, Message: "upstream open timed out", Retryable: true}
	ErrStaleUpstream       = &StreamError{Status: http.StatusConflict, Reason: ReasonStaleUpstream, Message: "upstream superseded during open"}
)

// New builds a StreamError with an explicit cause.
func New(reason Reason, status int, msg string, cause error) *StreamError {
	return &StreamError{
		Status:    status,
		Reason:    reason,
		Message:   msg,
		Retryable: reason == ReasonRateLimited || reason == ReasonTooManyPendingOpens || reason == ReasonBadGateway || reason == ReasonGatewayTimeout,
		Cause:     cause,
	}
}

// FromStatus maps an upstream HTTP status to a StreamError.
func FromStatus(status int, body string) *StreamError {
	switch {
	case status == http.StatusUnauthorized:
		return New(ReasonUnauthorized, status, body, nil)
	case status == http.StatusForbidden:
		return New(ReasonForbidden, status, body, nil)
	case status == http.StatusTooManyRequests:
		return New(ReasonRateLimited, status, body, nil)
	case status == http.StatusNotFound:
		return New(ReasonNotFound, status, body, nil)
	case status == http.StatusGatewayTimeout:
		return New(ReasonGatewayTimeout, status, body, nil)
	case status >= 500:
		return New(ReasonBadGateway, status, body, nil)
	default:
		return New(ReasonValidation, status, body, nil)
	}
}

// ReasonOf extracts the reason from any error, or "" when it is not a StreamError.
func ReasonOf(err error) Reason {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Reason
	}
	return ""
}

// IsRetryable reports whether the caller may retry the failed operation.
func IsRetryable(err error) bool {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}
