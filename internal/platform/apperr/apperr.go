// Package apperr defines the error taxonomy shared by the HTTP and real-time
// ingress paths. Services return *Error values; adapters translate the Kind
// into an HTTP status or an error event.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind classifies a failure.
type Kind string

const (
	KindNotAuthenticated Kind = "not_authenticated"
	KindNotAuthorized    Kind = "not_authorized"
	KindNotFound         Kind = "not_found"
	KindInvalidState     Kind = "invalid_state"
	KindValidation       Kind = "validation"
	KindTransientIO      Kind = "transient_io"
)

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, apperr.ErrNotFound)
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotAuthenticated = &Error{Kind: KindNotAuthenticated}
	ErrNotAuthorized    = &Error{Kind: KindNotAuthorized}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrInvalidState     = &Error{Kind: KindInvalidState}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrTransientIO      = &Error{Kind: KindTransientIO}
)

func NotAuthenticated(format string, args ...any) *Error {
	return &Error{Kind: KindNotAuthenticated, Message: fmt.Sprintf(format, args...)}
}

func NotAuthorized(format string, args ...any) *Error {
	return &Error{Kind: KindNotAuthorized, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func InvalidState(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// TransientIO wraps a storage or network failure that is safe to retry.
func TransientIO(err error, format string, args ...any) *Error {
	return &Error{Kind: KindTransientIO, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of err, or KindTransientIO for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransientIO
}

// Status maps a Kind to its HTTP status code.
func Status(k Kind) int {
	switch k {
	case KindNotAuthenticated:
		return http.StatusUnauthorized
	case KindNotAuthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState, KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

// PublicMessage returns the message safe to show a client. Transient failures
// never leak the underlying driver error.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindTransientIO {
			return "temporarily unavailable, please retry"
		}
		return e.Message
	}
	return "temporarily unavailable, please retry"
}

// HTTPError converts err into an echo.HTTPError carrying the public message.
func HTTPError(err error) error {
	if err == nil {
		return nil
	}
	return echo.NewHTTPError(Status(KindOf(err)), PublicMessage(err)).SetInternal(err)
}
