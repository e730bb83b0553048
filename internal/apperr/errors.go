// Package apperr defines the stable application error taxonomy.
//
// Every error that crosses a handler boundary is one of these kinds; provider
// and storage errors are wrapped so their messages never leak to clients.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, client-visible error code.
type Code string

const (
	CodeValidation             Code = "VALIDATION_ERROR"
	CodeAuthentication         Code = "AUTHENTICATION_ERROR"
	CodeAuthorization          Code = "AUTHORIZATION_ERROR"
	CodeNotFound               Code = "NOT_FOUND"
	CodeConflict               Code = "CONFLICT"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeComplianceViolation    Code = "COMPLIANCE_VIOLATION"
	CodeIdempotencyViolation   Code = "IDEMPOTENCY_VIOLATION"
	CodeServiceUnavailable     Code = "SERVICE_UNAVAILABLE"
	CodeInternal               Code = "INTERNAL_ERROR"
)

// Error is a taxonomy error. Details is optional structured context that is
// safe to return to clients (field names, rule ids — never provider output).
type Error struct {
	Code    Code
	Message string
	Details any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on code so errors.Is(err, apperr.Conflict("")) style sentinels work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New creates a taxonomy error with a client-visible message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a taxonomy error that keeps cause for logs while exposing only
// message to clients.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetails returns a copy of e carrying structured details.
func (e *Error) WithDetails(details any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

func Authentication(format string, args ...any) *Error {
	return New(CodeAuthentication, format, args...)
}

func Authorization(format string, args ...any) *Error {
	return New(CodeAuthorization, format, args...)
}

func NotFound(entity string, id any) *Error {
	return New(CodeNotFound, "%s %v not found", entity, id)
}

func Conflict(format string, args ...any) *Error {
	return New(CodeConflict, format, args...)
}

func InvalidTransition(format string, args ...any) *Error {
	return New(CodeInvalidStateTransition, format, args...)
}

func Compliance(format string, args ...any) *Error {
	return New(CodeComplianceViolation, format, args...)
}

func Idempotency(format string, args ...any) *Error {
	return New(CodeIdempotencyViolation, format, args...)
}

func Unavailable(cause error, format string, args ...any) *Error {
	return Wrap(CodeServiceUnavailable, cause, format, args...)
}

func Internal(cause error) *Error {
	return Wrap(CodeInternal, cause, "internal error")
}

// CodeOf extracts the taxonomy code from err, defaulting to INTERNAL_ERROR.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// AsError extracts the taxonomy error from err, wrapping unknown errors as
// INTERNAL_ERROR so no raw message reaches a client.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// HTTPStatus maps a code to its HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeInvalidStateTransition, CodeComplianceViolation:
		return http.StatusBadRequest
	case CodeAuthentication:
		return http.StatusUnauthorized
	case CodeAuthorization:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeIdempotencyViolation:
		return http.StatusConflict
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
