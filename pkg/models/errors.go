package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a conversion failure. Callers branch on the kind to
// decide whether an operation is worth repeating; the dispatcher retries
// only transient kinds.
type ErrorKind string

const (
	// ErrStartupFailed: the service never reached Ready within the
	// configured attempts.
	ErrStartupFailed ErrorKind = "startup_failed"
	// ErrPoolExhausted: no connection became available within the
	// acquire timeout.
	ErrPoolExhausted ErrorKind = "pool_exhausted"
	// ErrProtocol: malformed wire exchange. Never retried.
	ErrProtocol ErrorKind = "protocol_error"
	// ErrRemote: the service reported an application-level failure.
	// Sub-classified transient/permanent by its Code.
	ErrRemote ErrorKind = "remote_error"
	// ErrConnectionLost: the socket dropped mid-call. Transient.
	ErrConnectionLost ErrorKind = "connection_lost"
	// ErrInputInvalid: the caller-supplied content or format is unusable.
	ErrInputInvalid ErrorKind = "input_invalid"
	// ErrCacheUnavailable: the cache backend failed; jobs proceed in
	// bypass mode.
	ErrCacheUnavailable ErrorKind = "cache_unavailable"
)

// Error carries the failure taxonomy across package boundaries.
type Error struct {
	Kind    ErrorKind
	Code    string // service-reported error code, set when Kind is ErrRemote
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a bare taxonomy error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError attaches a taxonomy kind to an underlying cause.
func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// RemoteError creates an ErrRemote with the service's error code.
func RemoteError(code, message string) *Error {
	return &Error{Kind: ErrRemote, Code: code, Message: message}
}

// KindOf returns the taxonomy kind of err, or "" for untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
