// Package apierr defines the coordinator's error taxonomy and maps it to
// HTTP status codes and WebSocket close codes at the boundary.
package apierr

import (
	"errors"
	"net/http"
)

// Kind classifies an error by cause: validation, authorization,
// not-found, full/exhausted, or fatal-session.
type Kind string

const (
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindExhausted  Kind = "exhausted"
	KindInternal   Kind = "internal"
)

// Error is a typed coordinator error carrying enough information to map
// to a REST status code or a WebSocket close code without the caller
// needing to know which transport it's bound for.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func newErr(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Sentinel errors used throughout the session/registry layer. Wrap with
// Wrap(kind, msg, err) when a lower-level error needs to carry context.
var (
	ErrSessionNotFound   = newErr(KindNotFound, "session not found")
	ErrMemberNotFound    = newErr(KindNotFound, "member not found")
	ErrRoomFull          = newErr(KindConflict, "room_full")
	ErrCapacityExhausted = newErr(KindExhausted, "capacity_exhausted")
	ErrForbidden         = newErr(KindAuth, "forbidden")
	ErrSessionClosed     = newErr(KindConflict, "session closed")
	ErrValidation        = newErr(KindValidation, "validation failed")
)

// Wrap produces a new *Error of the given kind that wraps cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// New produces a new *Error of the given kind with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return newErr(kind, msg)
}

// HTTPStatus maps an error to its REST status code: validation -> 400,
// not found -> 404, auth -> 403, conflict -> 409, exhausted -> 503,
// anything else -> 500.
func HTTPStatus(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case KindValidation:
			return http.StatusBadRequest
		case KindAuth:
			return http.StatusForbidden
		case KindNotFound:
			return http.StatusNotFound
		case KindConflict:
			return http.StatusConflict
		case KindExhausted:
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusInternalServerError
}

// Message extracts the user-facing message for the {error: string} body
// every REST response uses.
func Message(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return "internal error"
}
