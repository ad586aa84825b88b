package types

import (
	"errors"
	"fmt"
)

// ErrorKind maps an error to the engine's handling policy: validation and
// semantic errors fail fast with no side effects, transient dependency
// errors retry then degrade or defer, fatal dependency errors mark the
// engine unhealthy, integrity errors repair in background.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindAuth       ErrorKind = "auth"
	KindCapacity   ErrorKind = "capacity"
	KindTransient  ErrorKind = "dependency_transient"
	KindFatal      ErrorKind = "dependency_fatal"
	KindIntegrity  ErrorKind = "integrity"
	KindSemantic   ErrorKind = "semantic"
	KindTimeout    ErrorKind = "timeout"
	KindNotFound   ErrorKind = "not_found"
)

// Error is the typed error surfaced across component boundaries.
type Error struct {
	Kind   ErrorKind
	Op     string // operation, e.g. "ingest.store_memory"
	Reason string // human-readable reason, surfaced to callers
	Err    error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Reason, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Op, e.Reason, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a typed error.
func E(kind ErrorKind, op, reason string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Err: cause}
}

// Validationf builds a fail-fast validation error.
func Validationf(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Op: op, Reason: fmt.Sprintf(format, args...)}
}

// Semanticf builds a rejected-with-reason semantic error.
func Semanticf(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindSemantic, Op: op, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a not-found error.
func NotFoundf(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Op: op, Reason: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from err, or KindTransient for untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
