// Package apperror defines the error taxonomy shared by the dispute engine.
//
// Every error that crosses a package boundary toward a caller carries a Kind
// so transports can map it to a status code without string matching.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindConflict      Kind = "conflict"
	KindExpired       Kind = "expired"
	KindNotFound      Kind = "not_found"
	KindExecution     Kind = "execution"
)

// Error is the concrete error type returned by the engine.
type Error struct {
	Kind    Kind
	Message string

	// Current and Requested are set on illegal state transitions so callers
	// can decide whether a retry makes sense.
	Current   string
	Requested string

	Cause error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Current != "" || e.Requested != "" {
		msg = fmt.Sprintf("%s (current=%s, requested=%s)", msg, e.Current, e.Requested)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by kind and message, so package-level sentinels
// built with these constructors work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == e.Message
}

// HTTPStatus maps the kind to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindExpired:
		return http.StatusGone
	case KindNotFound:
		return http.StatusNotFound
	case KindExecution:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Authorization(format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Transition reports an illegal state move.
func Transition(entity, current, requested string) *Error {
	return &Error{
		Kind:      KindConflict,
		Message:   entity + " transition not allowed",
		Current:   current,
		Requested: requested,
	}
}

func Expired(format string, args ...any) *Error {
	return &Error{Kind: KindExpired, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Execution(format string, args ...any) *Error {
	return &Error{Kind: KindExecution, Message: fmt.Sprintf(format, args...)}
}

// WrapExecution attaches a gateway or store failure to an execution error.
func WrapExecution(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindExecution, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus returns the status for any error, 500 for unclassified ones.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// Response returns the status, machine-readable code and message a transport
// should send for err. Unclassified errors are reported as internal without
// their text.
func Response(err error) (status int, code, message string) {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError, "internal_error", "internal error"
	}
	return e.HTTPStatus(), string(e.Kind), e.Error()
}
