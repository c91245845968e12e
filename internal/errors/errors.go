// Package errors provides standardized error handling for the LuluTracker service.
// Store-layer failures are wrapped into an Error carrying a human-readable message,
// so callers never need to interpret backend-specific error shapes.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the LuluTracker service.
type ErrorCode string

const (
	// Validation errors
	LT_VALIDATION  ErrorCode = "LT_VALIDATION"  // General validation error
	LT_BAD_REQUEST ErrorCode = "LT_BAD_REQUEST" // Bad request

	// Authentication/Authorization errors
	LT_AUTHN         ErrorCode = "LT_AUTHN"         // Authentication failed
	LT_FORBIDDEN     ErrorCode = "LT_FORBIDDEN"     // Caller does not own the resource
	LT_JWT_INVALID   ErrorCode = "LT_JWT_INVALID"   // Invalid JWT
	LT_JWT_EXPIRED   ErrorCode = "LT_JWT_EXPIRED"   // Expired JWT
	LT_JWT_MALFORMED ErrorCode = "LT_JWT_MALFORMED" // Malformed JWT

	// Resource errors
	LT_NOT_FOUND ErrorCode = "LT_NOT_FOUND" // Resource not found
	LT_CONFLICT  ErrorCode = "LT_CONFLICT"  // Resource conflict

	// Operation errors
	LT_REPORT_FAILED       ErrorCode = "LT_REPORT_FAILED"       // Location report operation failed
	LT_NOTIFICATION_FAILED ErrorCode = "LT_NOTIFICATION_FAILED" // Notification operation failed
	LT_PET_FAILED          ErrorCode = "LT_PET_FAILED"          // Pet operation failed

	// Server errors
	LT_INTERNAL        ErrorCode = "LT_INTERNAL"        // Internal server error
	LT_UNAVAILABLE     ErrorCode = "LT_UNAVAILABLE"     // Service unavailable
	LT_NOT_IMPLEMENTED ErrorCode = "LT_NOT_IMPLEMENTED" // Not implemented
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`

	cause error // backend error, never serialized
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Wrap creates an Error with a human-readable message that keeps cause for logging
// and errors.Is/As inspection.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message, "")
	e.cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the backend cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Cause returns the backend error text for logs, or an empty string.
func (e *Error) Cause() string {
	if e.cause == nil {
		return ""
	}
	return e.cause.Error()
}

// WithCorrelationID returns a copy of e stamped with the request's correlation ID.
func (e *Error) WithCorrelationID(correlationID string) *Error {
	c := *e
	c.CorrelationID = correlationID
	return &c
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain, or LT_INTERNAL.
func CodeOf(err error) ErrorCode {
	if e, ok := As(err); ok {
		return e.Code
	}
	return LT_INTERNAL
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case LT_VALIDATION, LT_BAD_REQUEST:
		return http.StatusBadRequest
	case LT_FORBIDDEN:
		return http.StatusForbidden
	case LT_AUTHN, LT_JWT_INVALID, LT_JWT_EXPIRED, LT_JWT_MALFORMED:
		return http.StatusUnauthorized
	case LT_NOT_FOUND:
		return http.StatusNotFound
	case LT_CONFLICT:
		return http.StatusConflict
	case LT_UNAVAILABLE:
		return http.StatusServiceUnavailable
	case LT_NOT_IMPLEMENTED:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
