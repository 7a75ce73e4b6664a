package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a domain failure independently of the layer that raised it.
type Kind string

const (
	KindInvalidInput Kind = "invalid_input"
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
	KindConflict     Kind = "conflict"
	KindForbidden    Kind = "forbidden"
	KindInternal     Kind = "internal"
	KindRateLimited  Kind = "rate_limited"
	KindUnavailable  Kind = "unavailable"
)

// Sentinels for errors.Is checks against a kind.
var (
	ErrInvalidInput = &Error{Kind: KindInvalidInput}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrForbidden    = &Error{Kind: KindForbidden}
	ErrInternal     = &Error{Kind: KindInternal}
	ErrRateLimited  = &Error{Kind: KindRateLimited}
	ErrUnavailable  = &Error{Kind: KindUnavailable}
)

// Error is a classified failure with a client-safe message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, apperr.ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

func InvalidInput(msg string) error { return newErr(KindInvalidInput, msg, nil) }
func NotFound(msg string) error     { return newErr(KindNotFound, msg, nil) }
func Unauthorized(msg string) error { return newErr(KindUnauthorized, msg, nil) }
func Conflict(msg string) error     { return newErr(KindConflict, msg, nil) }
func Forbidden(msg string) error    { return newErr(KindForbidden, msg, nil) }
func RateLimited(msg string) error  { return newErr(KindRateLimited, msg, nil) }

// Internal wraps an unexpected failure; the cause is kept for logs, not clients.
func Internal(msg string, cause error) error { return newErr(KindInternal, msg, cause) }

// Unavailable marks a dependency (e.g. a social provider) as unreachable.
func Unavailable(msg string, cause error) error { return newErr(KindUnavailable, msg, cause) }

// Wrap attaches a cause to a new error of the given kind.
func Wrap(kind Kind, msg string, cause error) error { return newErr(kind, msg, cause) }

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the client-facing message for err. Unclassified errors get a
// generic message so store or driver details never reach callers.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindInternal {
			return "internal server error"
		}
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	return "internal server error"
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
