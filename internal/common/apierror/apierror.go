// Package apierror defines the error taxonomy shared by the HTTP, SSE, and
// socket surfaces.
package apierror

import (
	"errors"
	"net/http"
)

// Code identifies a taxonomy member. Codes are stable API surface.
type Code string

// Validation errors.
const (
	CodeInvalidID            Code = "INVALID_ID"
	CodeMissingFields        Code = "MISSING_FIELDS"
	CodeInvalidContent       Code = "INVALID_CONTENT"
	CodeInvalidMetadata      Code = "INVALID_METADATA"
	CodeInvalidPagination    Code = "INVALID_PAGINATION"
	CodeInvalidTimeoutConfig Code = "INVALID_TIMEOUT_CONFIG"
	CodeInvalidTransport     Code = "INVALID_TRANSPORT"
	CodeInvalidChannelID     Code = "INVALID_CHANNEL_ID"
	CodeInvalidContentType   Code = "INVALID_CONTENT_TYPE"
)

// Authorization and isolation errors.
const (
	CodeForbiddenServerMismatch Code = "FORBIDDEN_SERVER_MISMATCH"
	CodeAccessDeniedChannel     Code = "ACCESS_DENIED_CHANNEL"
	CodeMissingAPIKey           Code = "MISSING_API_KEY"
)

// Existence errors.
const (
	CodeAgentNotFound   Code = "AGENT_NOT_FOUND"
	CodeChannelNotFound Code = "CHANNEL_NOT_FOUND"
	CodeMessageNotFound Code = "MESSAGE_NOT_FOUND"
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeJobNotFound     Code = "JOB_NOT_FOUND"
)

// Lifecycle errors.
const (
	CodeSessionExpired        Code = "SESSION_EXPIRED"
	CodeSessionRenewalFailed  Code = "SESSION_RENEWAL_FAILED"
	CodeSessionCreationError  Code = "SESSION_CREATION_ERROR"
	CodeMessageSendError      Code = "MESSAGE_SEND_ERROR"
	CodeChannelCreationFailed Code = "CHANNEL_CREATION_FAILED"
	CodeJobTimeout            Code = "JOB_TIMEOUT"
)

// Limit errors.
const (
	CodeRateLimitExceeded       Code = "RATE_LIMIT_EXCEEDED"
	CodeUploadRateLimitExceeded Code = "UPLOAD_RATE_LIMIT_EXCEEDED"
	CodeFileRateLimitExceeded   Code = "FILE_RATE_LIMIT_EXCEEDED"
	CodeContentTooLarge         Code = "CONTENT_TOO_LARGE"
)

// Upstream errors.
const (
	CodeUpstreamTimeout  Code = "UPSTREAM_TIMEOUT"
	CodePersistenceError Code = "PERSISTENCE_ERROR"
	CodeRuntimeError     Code = "RUNTIME_ERROR"
)

// Error is a taxonomy-coded error with an HTTP status.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Status  int            `json:"-"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// New creates an Error with the status implied by its code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Status: statusFor(code)}
}

// WithDetails attaches details to the error and returns it.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// As extracts an *Error from err, or wraps err as a 500 PERSISTENCE-agnostic
// runtime error so callers always have a coded error to surface.
func As(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &Error{Code: CodeRuntimeError, Message: "internal error", Status: http.StatusInternalServerError}
}

func statusFor(code Code) int {
	switch code {
	case CodeInvalidID, CodeMissingFields, CodeInvalidContent, CodeInvalidMetadata,
		CodeInvalidPagination, CodeInvalidTimeoutConfig, CodeInvalidTransport,
		CodeInvalidChannelID, CodeInvalidContentType:
		return http.StatusBadRequest
	case CodeMissingAPIKey:
		return http.StatusUnauthorized
	case CodeForbiddenServerMismatch, CodeAccessDeniedChannel:
		return http.StatusForbidden
	case CodeAgentNotFound, CodeChannelNotFound, CodeMessageNotFound,
		CodeSessionNotFound, CodeJobNotFound:
		return http.StatusNotFound
	case CodeSessionExpired:
		return http.StatusGone
	case CodeRateLimitExceeded, CodeUploadRateLimitExceeded, CodeFileRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeContentTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
