// Package opserrors provides the classified error taxonomy shared by the Learning-Ops services.
//
// Callers branch on the Kind rather than on message text:
//
//	if opserrors.IsNotFound(err) { ... }
//	if opserrors.IsTransient(err) { retry }
package opserrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry decisions.
type Kind int8

const (
	// KindNotFound is an unknown run, policy, experiment, replay, or deployment id.
	// Surfaced to the caller and never retried.
	KindNotFound Kind = iota
	// KindValidation is a malformed request rejected before any state mutation.
	KindValidation
	// KindTransient is a storage timeout or lock contention. Safe to retry
	// because every write is an idempotent upsert keyed by a natural id.
	KindTransient
	// KindAsyncFailure is an error raised inside a background job; it is
	// persisted onto the job record instead of being returned.
	KindAsyncFailure
	// KindIntegrity is a signature mismatch or other sign of tampering.
	KindIntegrity
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindAsyncFailure:
		return "async_failure"
	case KindIntegrity:
		return "integrity"
	default:
		return "invalid"
	}
}

// Error is a classified Learning-Ops error.
type Error struct {
	Err     error  // Wrapped underlying error
	Op      string // Operation that failed, e.g. "policy.promote"
	Message string // Human-readable message
	Kind    Kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, msg, e.Kind)
	}
	return fmt.Sprintf("%s (%s)", msg, e.Kind)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound creates a not-found error for the given entity and id.
func NotFound(op, entity, id string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf("%s %q not found", entity, id)}
}

// Validation creates a validation error.
func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Transient wraps a retryable storage error.
func Transient(op string, cause error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: cause}
}

// AsyncFailure wraps an error raised by a background job.
func AsyncFailure(op string, cause error) *Error {
	return &Error{Kind: KindAsyncFailure, Op: op, Err: cause}
}

// Integrity creates a data-integrity error.
func Integrity(op, format string, args ...any) *Error {
	return &Error{Kind: KindIntegrity, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err and whether it was classified at all.
func KindOf(err error) (Kind, bool) {
	var opErr *Error
	if errors.As(err, &opErr) {
		return opErr.Kind, true
	}
	return 0, false
}

// Is reports whether err is a classified error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return Is(err, KindValidation) }

// IsTransient reports whether err is a transient storage error.
func IsTransient(err error) bool { return Is(err, KindTransient) }

// IsIntegrity reports whether err is a data-integrity error.
func IsIntegrity(err error) bool { return Is(err, KindIntegrity) }
