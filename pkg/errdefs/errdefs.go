package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable error identifier used on the wire.
type Kind string

const (
	KindNotFound               Kind = "not_found"
	KindUnauthorized           Kind = "unauthorized"
	KindForbidden              Kind = "forbidden"
	KindValidation             Kind = "validation_error"
	KindConflict               Kind = "conflict"
	KindQuotaExceeded          Kind = "quota_exceeded"
	KindSessionNotReady        Kind = "session_not_ready"
	KindTimeout                Kind = "timeout"
	KindRuntime                Kind = "runtime_error"
	KindCapabilityNotSupported Kind = "capability_not_supported"
	KindInvalidPath            Kind = "invalid_path"
	KindFileNotFound           Kind = "file_not_found"
	KindSandboxExpired         Kind = "sandbox_expired"
	KindSandboxTTLInfinite     Kind = "sandbox_ttl_infinite"
)

// Error carries a kind, a human-readable message and optional structured
// details (e.g. the available capability set, or blocking sandbox ids).
type Error struct {
	ErrKind Kind           `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrKind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.ErrKind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{ErrKind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind wrapping cause.
func Wrap(cause error, kind Kind, format string, args ...any) *Error {
	return &Error{ErrKind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetail attaches a structured detail and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// GetKind extracts the kind from err, or KindRuntime when err carries none.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.ErrKind
	}
	return KindRuntime
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.ErrKind == kind
}

func IsNotFound(err error) bool        { return IsKind(err, KindNotFound) }
func IsValidation(err error) bool      { return IsKind(err, KindValidation) }
func IsConflict(err error) bool        { return IsKind(err, KindConflict) }
func IsTimeout(err error) bool         { return IsKind(err, KindTimeout) }
func IsFileNotFound(err error) bool    { return IsKind(err, KindFileNotFound) }
func IsInvalidPath(err error) bool     { return IsKind(err, KindInvalidPath) }
func IsSandboxExpired(err error) bool  { return IsKind(err, KindSandboxExpired) }
func IsSessionNotReady(err error) bool { return IsKind(err, KindSessionNotReady) }

// IsCapabilityNotSupported reports whether err is a capability rejection.
func IsCapabilityNotSupported(err error) bool {
	return IsKind(err, KindCapabilityNotSupported)
}

// HTTPStatus maps an error kind to its HTTP status code.
func HTTPStatus(err error) int {
	switch GetKind(err) {
	case KindNotFound, KindFileNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindValidation, KindInvalidPath:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindQuotaExceeded:
		return http.StatusRequestEntityTooLarge
	case KindSessionNotReady:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCapabilityNotSupported:
		return http.StatusBadRequest
	case KindSandboxExpired, KindSandboxTTLInfinite:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
