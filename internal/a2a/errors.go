package a2a

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and HTTP mapping decisions.
type Kind string

const (
	KindValidation        Kind = "ValidationError"
	KindAuth              Kind = "AuthError"
	KindNotFound          Kind = "NotFound"
	KindConflict          Kind = "Conflict"
	KindAgentUnreachable  Kind = "AgentUnreachable"
	KindTimeout           Kind = "TimeoutError"
	KindProtocol          Kind = "ProtocolError"
	KindStore             Kind = "StoreError"
	KindQuota             Kind = "QuotaError"
	KindEscalationTimeout Kind = "HumanEscalationTimeout"
)

// Error carries a kind alongside the message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is matching against another *Error by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// E builds a classified error.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain; unclassified errors report
// an empty kind.
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

// HTTPStatus maps an error kind to the HTTP status surfaced to clients.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindQuota:
		return http.StatusTooManyRequests
	case KindAgentUnreachable:
		return http.StatusBadGateway
	case "":
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
