// Package apperrors defines the error taxonomy shared by the agreements components.
//
// Domain errors are created near their source and passed through unchanged.
// Infrastructure errors are wrapped once, with Internal, at the boundary that caught them.
package apperrors

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind classifies an Error
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindExternal   Kind = "external"
	KindInternal   Kind = "internal"
)

// Error is the typed error returned by the agreements components
type Error struct {
	Kind    Kind
	Message string
	// StatusCode and Body are set for external service failures
	StatusCode int
	Body       string
	cause      error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.Kind == KindExternal && e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Validation reports input that is missing or malformed. Not retried.
func Validation(format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown agreement, version or invoice.
func NotFound(format string, args ...interface{}) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports a duplicate write, e.g. an already processed message identifier.
func Conflict(format string, args ...interface{}) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// External reports a non-2xx or malformed response from a downstream service.
func External(statusCode int, body string, format string, args ...interface{}) error {
	return &Error{
		Kind:       KindExternal,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
		Body:       body,
	}
}

// Unreachable reports a downstream service that could not be called at all.
func Unreachable(err error, message string) error {
	return &Error{Kind: KindExternal, Message: message, cause: errors.WithStack(err)}
}

// Internal wraps an infrastructure failure, keeping the cause and its stack.
func Internal(err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindInternal, Message: message, cause: errors.WithStack(err)}
}

// KindOf returns the Kind of the first Error in the chain, or KindInternal for untyped errors
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

func IsValidation(err error) bool { return err != nil && KindOf(err) == KindValidation }
func IsNotFound(err error) bool   { return err != nil && KindOf(err) == KindNotFound }
func IsConflict(err error) bool   { return err != nil && KindOf(err) == KindConflict }
func IsExternal(err error) bool   { return err != nil && KindOf(err) == KindExternal }

// HTTPStatus maps an error to the status code the API responds with
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
