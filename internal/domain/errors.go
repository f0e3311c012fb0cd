// Package domain holds the gateway's core types and its canonical error
// taxonomy. Every error that crosses the HTTP boundary is an *APIError;
// the Message field is the only part a client ever sees.
package domain

import (
	"fmt"
	"net/http"
)

// ErrorKind categorizes a request failure.
type ErrorKind string

const (
	// ErrorKindBadRequest indicates a malformed or incomplete request body.
	ErrorKindBadRequest ErrorKind = "bad_request"

	// ErrorKindNotFound indicates the requested instance does not exist.
	ErrorKindNotFound ErrorKind = "not_found"

	// ErrorKindForbidden indicates the caller's origin is not allowlisted.
	ErrorKindForbidden ErrorKind = "forbidden"

	// ErrorKindRateLimited indicates a sliding-window budget was exhausted.
	ErrorKindRateLimited ErrorKind = "rate_limited"

	// ErrorKindUpstreamFailure indicates the upstream returned a non-2xx status.
	ErrorKindUpstreamFailure ErrorKind = "upstream_failure"

	// ErrorKindUpstreamTimeout indicates the request exceeded its wall-clock budget.
	ErrorKindUpstreamTimeout ErrorKind = "upstream_timeout"

	// ErrorKindInternal indicates any other gateway-side failure.
	ErrorKindInternal ErrorKind = "internal"
)

// APIError is the canonical gateway error. Message is a stable,
// client-safe string; Err carries the underlying cause for logs only.
type APIError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/errors.As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode maps the error kind to its response status.
func (e *APIError) HTTPStatusCode() int {
	switch e.Kind {
	case ErrorKindBadRequest:
		return http.StatusBadRequest
	case ErrorKindNotFound:
		return http.StatusNotFound
	case ErrorKindForbidden:
		return http.StatusForbidden
	case ErrorKindRateLimited:
		return http.StatusTooManyRequests
	case ErrorKindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case ErrorKindUpstreamFailure, ErrorKindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the wire shape for every error the gateway emits.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewAPIError creates an error with the given kind and client message.
func NewAPIError(kind ErrorKind, message string) *APIError {
	return &APIError{Kind: kind, Message: message}
}

// WithCause attaches the underlying error for logging.
func (e *APIError) WithCause(err error) *APIError {
	e.Err = err
	return e
}

// Convenience constructors. The message strings are part of the public
// contract and must not change.

// ErrMissingFields reports an absent instanceId or empty messages array.
func ErrMissingFields() *APIError {
	return NewAPIError(ErrorKindBadRequest, "Missing required fields")
}

// ErrInvalidJSON reports an unparsable request body.
func ErrInvalidJSON() *APIError {
	return NewAPIError(ErrorKindBadRequest, "Invalid JSON in request body")
}

// ErrAgentNotFound reports an unknown instance id.
func ErrAgentNotFound() *APIError {
	return NewAPIError(ErrorKindNotFound, "Agent not found")
}

// ErrDomainNotAuthorized reports an origin outside the instance allowlist.
func ErrDomainNotAuthorized() *APIError {
	return NewAPIError(ErrorKindForbidden, "Domain not authorized")
}

// ErrIPRateLimited reports an exhausted per-IP budget.
func ErrIPRateLimited() *APIError {
	return NewAPIError(ErrorKindRateLimited, "IP rate limit exceeded")
}

// ErrSessionRateLimited reports an exhausted per-session budget.
func ErrSessionRateLimited() *APIError {
	return NewAPIError(ErrorKindRateLimited, "Session rate limit exceeded")
}

// ErrUpstreamFailure reports a non-2xx upstream response. The upstream
// status and body stay in logs.
func ErrUpstreamFailure(cause error) *APIError {
	return NewAPIError(ErrorKindUpstreamFailure, "Failed to get response from AI").WithCause(cause)
}

// ErrUpstreamTimeout reports an exceeded request deadline.
func ErrUpstreamTimeout() *APIError {
	return NewAPIError(ErrorKindUpstreamTimeout, "Upstream timeout")
}

// ErrInternal reports any other gateway-side failure.
func ErrInternal(cause error) *APIError {
	return NewAPIError(ErrorKindInternal, "Internal server error").WithCause(cause)
}
