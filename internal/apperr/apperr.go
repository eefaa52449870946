// Package apperr defines the error-kind taxonomy shared across the gateway
// (SPEC_FULL.md §7) and the mapping from a kind to an HTTP status code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the error taxonomy's fixed categories.
type Kind string

const (
	NotFound      Kind = "NotFound"
	BadRequest    Kind = "BadRequest"
	LimitExceeded Kind = "LimitExceeded"
	Unauthorized  Kind = "Unauthorized"
	Conflict      Kind = "Conflict"
	Timeout       Kind = "Timeout"
	Unavailable   Kind = "Unavailable"
	Fatal         Kind = "Fatal"
)

// Error wraps an underlying cause with a Kind for status mapping and retry
// classification, following the same errors.Is-friendly chain style as
// the teacher's internal/shared/sqlite_errors.go classification helpers.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same Kind, so
// errors.Is(err, apperr.New(apperr.NotFound, "")) matches any NotFound error.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an *Error.
// Unrecognized errors are treated as Fatal, matching the teacher's
// fail-closed posture on unclassified database errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Fatal
}

// HTTPStatus maps an error's Kind to the status code the HTTP layer should return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case NotFound:
		return http.StatusNotFound
	case BadRequest, LimitExceeded:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Conflict:
		return http.StatusConflict
	case Timeout:
		return http.StatusRequestTimeout
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
