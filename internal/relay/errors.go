package relay

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes relay errors for protocol-level mapping.
type ErrorKind string

const (
	// KindInvalidInput indicates malformed or missing arguments,
	// caught before any store access.
	KindInvalidInput ErrorKind = "INVALID_INPUT"

	// KindNotFound indicates an agent name, task id, or filter target
	// that does not resolve.
	KindNotFound ErrorKind = "NOT_FOUND"

	// KindConflict is reserved. Registration is upsert-based and never
	// conflicts on name reuse.
	KindConflict ErrorKind = "CONFLICT"

	// KindStoreUnavailable indicates the durable store could not be
	// reached or a write could not be committed.
	KindStoreUnavailable ErrorKind = "STORE_UNAVAILABLE"
)

// Error is the relay error type. Every error carries its taxonomy kind
// plus a human-readable reason.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error with a formatted reason.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// InvalidInputf builds an InvalidInput error.
func InvalidInputf(format string, args ...any) *Error {
	return NewError(KindInvalidInput, format, args...)
}

// NotFoundf builds a NotFound error.
func NotFoundf(format string, args ...any) *Error {
	return NewError(KindNotFound, format, args...)
}

// StoreErr wraps a store failure as StoreUnavailable. Callers get the
// failure unchanged; the relay performs no retries.
func StoreErr(op string, err error) *Error {
	return &Error{Kind: KindStoreUnavailable, Reason: op, Err: err}
}

// KindOf returns the taxonomy kind for err, or StoreUnavailable when the
// error did not originate in the relay (unclassified failures are treated
// as store-level).
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindStoreUnavailable
}

// IsKind reports whether err carries the given taxonomy kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
