// Package verr defines the engine-wide error taxonomy.
//
// Errors are classified by Kind rather than by concrete type so callers can
// decide locally whether to retry, degrade, or surface the failure. Reserve
// panics for invariant breaches; expected conditions travel as *Error values.
package verr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	KindValidation      Kind = "validation_error"
	KindInvalidState    Kind = "invalid_state_transition"
	KindParse           Kind = "parse_error"
	KindTimeout         Kind = "timeout"
	KindBusy            Kind = "busy"
	KindPortUnavailable Kind = "port_unavailable"
	KindProtocol        Kind = "protocol_error"
	KindUnknownTask     Kind = "unknown_task"
	KindUnknownSession  Kind = "unknown_session"
	KindQueueFull       Kind = "queue_full"
	KindCancelled       Kind = "cancelled"
	KindFatal           Kind = "fatal"
)

// Error carries a kind, a human-readable message, and an optional cause.
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

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an Error with the given kind and formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(err error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, or KindFatal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the error's kind is recovered locally with
// bounded retries. Everything else surfaces on first occurrence.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindBusy, KindParse, KindPortUnavailable:
		return true
	default:
		return false
	}
}
