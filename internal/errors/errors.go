// Package errors defines the typed error kinds surfaced by the image pipeline.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies a pipeline failure. The HTTP layer maps kinds to statuses.
type Kind string

const (
	KindInvalidSizeSpec   Kind = "InvalidSizeSpec"
	KindInvalidDimensions Kind = "InvalidDimensions"
	KindNotFound          Kind = "NotFound"
	KindDecodeError       Kind = "DecodeError"
	KindTransformError    Kind = "TransformError"
	KindStorageError      Kind = "StorageError"
	KindCanceled          Kind = "RequestCanceled"
	KindTimeout           Kind = "Timeout"
	KindInternal          Kind = "InternalError"
)

// StatusClientClosedRequest is the non-standard status for requests the
// client abandoned before a response was ready.
const StatusClientClosedRequest = 499

// Error is a pipeline error with a kind, a human-readable message, and an
// optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// holds for every not-found error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// HTTPStatus returns the status code for the error kind.
func (e *Error) HTTPStatus() int {
	return e.Kind.HTTPStatus()
}

// HTTPStatus returns the status code for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidSizeSpec, KindInvalidDimensions:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindDecodeError, KindTransformError:
		return http.StatusUnprocessableEntity
	case KindStorageError:
		return http.StatusBadGateway
	case KindCanceled:
		return StatusClientClosedRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidSizeSpec = &Error{
		Kind:    KindInvalidSizeSpec,
		Message: "size must look like {width}x{height} with an optional ! crop marker",
	}

	ErrInvalidDimensions = &Error{
		Kind:    KindInvalidDimensions,
		Message: "requested dimensions are out of range",
	}

	ErrNotFound = &Error{
		Kind:    KindNotFound,
		Message: "the requested image does not exist",
	}

	ErrDecode = &Error{
		Kind:    KindDecodeError,
		Message: "the original could not be decoded as an image",
	}

	ErrTransform = &Error{
		Kind:    KindTransformError,
		Message: "the image could not be resized or encoded",
	}

	ErrStorage = &Error{
		Kind:    KindStorageError,
		Message: "the object store could not be reached",
	}
)

// New returns an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf extracts the kind of err, or KindInternal when err carries none.
// Context cancellation and deadline errors take precedence over any kind
// wrapping them.
func KindOf(err error) Kind {
	switch {
	case stderrors.Is(err, context.Canceled):
		return KindCanceled
	case stderrors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// StatusOf returns the HTTP status for err.
func StatusOf(err error) int {
	return KindOf(err).HTTPStatus()
}

// MessageOf returns the message of a typed error, or a generic message for
// untyped errors so internal details are not leaked.
func MessageOf(err error) string {
	switch KindOf(err) {
	case KindCanceled:
		return "request canceled"
	case KindTimeout:
		return "request timed out"
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
