package errdef

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that must map it onto a wire
// surface (HTTP status, CLI exit code) without knowing which component
// produced it.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindMFARequired    Kind = "mfa_required"
	KindLocked         Kind = "locked"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindStale          Kind = "stale"
	KindQuota          Kind = "quota"
	KindPrecondition   Kind = "precondition"
	KindUnavailable    Kind = "unavailable"
	KindOverload       Kind = "overload"
	KindInternal       Kind = "internal"
)

// Error carries a kind, a caller-facing message and optional
// field-level details. Components wrap their native errors in an
// *Error at the boundary where the kind is known.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]string
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

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// WithDetails attaches field-level details (validation errors carry
// one entry per rejected field).
func (e *Error) WithDetails(details map[string]string) *Error {
	e.Details = details
	return e
}

// KindOf extracts the kind from an error chain. Errors that never
// passed through a component boundary classify as internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// DetailsOf extracts field details from an error chain, or nil.
func DetailsOf(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the caller may retry with backoff.
// Only transient downstream outages and load shedding qualify.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindUnavailable || k == KindOverload
}
