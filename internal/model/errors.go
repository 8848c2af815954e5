package model

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the error kinds the core must distinguish (§7).
type Kind string

const (
	KindInvalidSession     Kind = "INVALID_SESSION"
	KindCaptchaInvalid     Kind = "CAPTCHA_INVALID"
	KindRateLimited        Kind = "RATE_LIMITED"
	KindDuplicateLease     Kind = "DUPLICATE_LEASE"
	KindNoPorts            Kind = "NO_PORTS"
	KindResourceExhausted  Kind = "RESOURCE_EXHAUSTED"
	KindRuntimeError       Kind = "RUNTIME_ERROR"
	KindStoreError         Kind = "STORE_ERROR"
	KindNotFound           Kind = "NOT_FOUND"
	KindUnauthorized       Kind = "UNAUTHORIZED"
)

// httpStatus maps each Kind to the stable HTTP status named in §6/§7.
var httpStatus = map[Kind]int{
	KindInvalidSession:    http.StatusBadRequest,
	KindCaptchaInvalid:    http.StatusBadRequest,
	KindRateLimited:       http.StatusTooManyRequests,
	KindDuplicateLease:    http.StatusBadRequest,
	KindNoPorts:           http.StatusServiceUnavailable,
	KindResourceExhausted: http.StatusServiceUnavailable,
	KindRuntimeError:      http.StatusInternalServerError,
	KindStoreError:        http.StatusInternalServerError,
	KindNotFound:          http.StatusNotFound,
	KindUnauthorized:      http.StatusForbidden,
}

// Error is the core's single error type: a Kind plus a human-readable
// message and, for RESOURCE_EXHAUSTED, the Dimension that failed. Handlers
// map it to a stable HTTP status and a JSON body without leaking internals.
type Error struct {
	Kind      Kind
	Message   string
	Dimension Dimension // only set when Kind == KindResourceExhausted
	Cause     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the stable HTTP status code for this error's Kind.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// NewError constructs a *Error of the given kind with a formatted message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError constructs a *Error of the given kind wrapping cause.
func WrapError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// NewResourceExhausted constructs the RESOURCE_EXHAUSTED error naming the
// dimension that failed (§7).
func NewResourceExhausted(dim Dimension) *Error {
	return &Error{
		Kind:      KindResourceExhausted,
		Message:   fmt.Sprintf("resource quota exceeded: %s", dim),
		Dimension: dim,
	}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, defaulting to
// empty Kind/unknown otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
