// Package apperr provides a small tagged-error type shared by every
// component so HTTP and WebSocket layers can translate failures to
// status codes/frames in one place.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of transport-layer translation
// and retry policy. Every public operation across components returns one of
// these, wrapped with context via Wrap/New.
type Kind string

const (
	Validation   Kind = "validation"
	Unauthorized Kind = "unauthorized"
	RateLimited  Kind = "rate_limited"
	NotFound     Kind = "not_found"
	Conflict     Kind = "conflict"
	Transient    Kind = "transient"
	Fatal        Kind = "fatal"
)

// Error is the tagged error type. Hint is optional user-facing guidance
// (e.g. seconds until a rate limit clears).
type Error struct {
	Kind  Kind
	Msg   string
	Hint  string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.cause)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a tagged error with no wrapped cause.
func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Msg: msg}
}

// Newf creates a tagged error with a formatted message.
func Newf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error with a kind, preserving it as the cause.
func Wrap(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Msg: msg, cause: cause}
}

// WithHint attaches a retry/remediation hint and returns the same error.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// KindOf extracts the Kind from err, defaulting to Fatal when err does not
// wrap an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Fatal
}

// HintOf extracts the Hint from err, if any.
func HintOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Hint
	}
	return ""
}

// Is reports whether err is tagged with kind k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
