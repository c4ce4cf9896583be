// Package apperr classifies domain errors so handlers can map them to HTTP
// statuses without string matching.
package apperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind is the class of a domain failure.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindForbidden          Kind = "forbidden"
	KindInvalidSignature   Kind = "invalid_signature"
	KindGatewayUnavailable Kind = "gateway_unavailable"
	KindGatewayError       Kind = "gateway_error"
	KindConflict           Kind = "conflict"
	KindValidation         Kind = "validation"
	KindInternal           Kind = "internal"
)

// Error is a classified error. Message is safe to show to clients; the
// wrapped Err is for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error without a cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Shorthands used across the domain packages.
func NotFound(msg string) *Error           { return New(KindNotFound, msg) }
func Forbidden(msg string) *Error          { return New(KindForbidden, msg) }
func Conflict(msg string) *Error           { return New(KindConflict, msg) }
func Validation(msg string) *Error         { return New(KindValidation, msg) }
func InvalidSignature(msg string) *Error   { return New(KindInvalidSignature, msg) }
func GatewayUnavailable(msg string) *Error { return New(KindGatewayUnavailable, msg) }

// KindOf returns the kind of the outermost classified error in the chain,
// or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidSignature, KindValidation:
		return http.StatusBadRequest
	case KindGatewayUnavailable:
		return http.StatusServiceUnavailable
	case KindGatewayError:
		return http.StatusBadGateway
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ToHTTP converts err into an *echo.HTTPError. Unclassified errors become a
// generic 500 so driver messages never leak to clients.
func ToHTTP(err error) *echo.HTTPError {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	var e *Error
	if errors.As(err, &e) {
		return echo.NewHTTPError(HTTPStatus(e.Kind), e.Message).SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}
