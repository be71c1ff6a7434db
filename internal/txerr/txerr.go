// Package txerr defines the structured error kinds surfaced by repositories
// and services. The HTTP and CLI boundaries map kinds to status codes and
// exit codes; everything below the boundary wraps with %w and stays typed.
package txerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by its domain semantic rather than its origin.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindValidation         Kind = "validation"
	KindIllegalTransition  Kind = "illegal_transition"
	KindCircularDependency Kind = "circular_dependency"
	KindHasChildren        Kind = "has_children"
	KindAlreadyClaimed     Kind = "already_claimed"
	KindPoolAtCapacity     Kind = "pool_at_capacity"
	KindStaleData          Kind = "stale_data"
	KindServiceUnavailable Kind = "service_unavailable"
	KindInternal           Kind = "internal"
)

// Error carries a kind plus a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// NotFound is shorthand for a KindNotFound error about one entity.
func NotFound(entity, id string) *Error {
	return New(KindNotFound, "%s %s not found", entity, id)
}

// Validation is shorthand for a KindValidation error.
func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

// Internal wraps a lower-level failure. The boundary sanitizes the message,
// so the wrapped detail never leaks to clients.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// KindOf extracts the kind from err, walking the wrap chain.
// Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }
