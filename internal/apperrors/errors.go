// Package apperrors classifies engine failures so that transports can map them
// to status codes without knowing every sentinel error in the module.
//
// Each package declares its own sentinel errors through New, e.g.
//
//	var ErrEmptyQueue = apperrors.New(apperrors.StateConflict, "cash: queue is empty")
//
// and wraps them with fmt.Errorf("%w: ...") at the call site. KindOf walks the
// wrap chain to recover the classification.
package apperrors

import (
	"errors"
	"net/http"
)

// Kind is the error taxonomy shared by every engine.
type Kind string

const (
	Validation    Kind = "VALIDATION"
	RateLimited   Kind = "RATE_LIMITED"
	StateConflict Kind = "STATE_CONFLICT"
	Oracle        Kind = "ORACLE"
	Arithmetic    Kind = "ARITHMETIC"
	Unauthorized  Kind = "UNAUTHORIZED"
	Paused        Kind = "PAUSED"
	NotFound      Kind = "NOT_FOUND"
	Upstream      Kind = "UPSTREAM"
	Internal      Kind = "INTERNAL"
)

// Error is a classified sentinel error.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// New creates a classified sentinel error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// KindOf returns the kind of the first classified error in err's chain,
// or Internal when none is found.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// HTTPStatus maps an error to the status code returned by the API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		return http.StatusBadRequest
	case RateLimited:
		return http.StatusTooManyRequests
	case StateConflict:
		return http.StatusConflict
	case Oracle:
		return http.StatusServiceUnavailable
	case Arithmetic:
		return http.StatusUnprocessableEntity
	case Unauthorized:
		return http.StatusUnauthorized
	case Paused:
		return http.StatusLocked
	case NotFound:
		return http.StatusNotFound
	case Upstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
