// internal/apperr/apperr.go
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an application error so transport layers can map it to a
// status code or socket error without inspecting message text.
type Kind string

const (
	Validation     Kind = "validation"
	Authentication Kind = "authentication"
	Authorization  Kind = "authorization"
	NotFound       Kind = "not_found"
	Conflict       Kind = "conflict"
	BadRequest     Kind = "bad_request"
	RateLimit      Kind = "rate_limit"
	Internal       Kind = "internal"
)

// Error is an operational error safe to surface to clients. Err, when set,
// carries the non-operational cause and is never sent over the wire.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an operational error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an internal cause to an operational message.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, defaulting to Internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// PublicMessage returns the client-safe message for err. Internal errors are
// masked unless dev is set.
func PublicMessage(err error, dev bool) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Kind != Internal {
		return ae.Message
	}
	if dev {
		return err.Error()
	}
	return "internal server error"
}

// HTTPStatus maps an error kind to its HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		return http.StatusUnprocessableEntity
	case Authentication:
		return http.StatusUnauthorized
	case Authorization:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case BadRequest:
		return http.StatusBadRequest
	case RateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
