// Package errors provides the unified error type used across all engine
// components. Every failed operation surfaces an *Error carrying a Kind for
// programmatic classification, a stable Code, and a one-line human message.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Kind is the category of a failure, mirroring the engine's error taxonomy.
type Kind string

const (
	KindValidation  Kind = "VALIDATION"
	KindNotFound    Kind = "NOT_FOUND"
	KindConflict    Kind = "CONFLICT"
	KindForeignKey  Kind = "FOREIGN_KEY_MISSING"
	KindUnavailable Kind = "DEPENDENCY_UNAVAILABLE"
	KindOverflow    Kind = "QUEUE_OVERFLOW"
	KindCircuitOpen Kind = "CIRCUIT_OPEN"
	KindTimeout     Kind = "TIMEOUT"
	KindIntegrity   Kind = "INTEGRITY"
	KindRestoreGate Kind = "RESTORE_GATE"
	KindInternal    Kind = "INTERNAL"
)

// Error is the single error type shared by all components.
type Error struct {
	Kind      Kind          `json:"kind"`
	Code      Code          `json:"code"`
	Message   string        `json:"message"`
	Details   string        `json:"details,omitempty"`
	Op        string        `json:"op,omitempty"`       // operation that failed
	Resource  string        `json:"resource,omitempty"` // resource being operated on
	Component string        `json:"component,omitempty"`
	Retryable bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	Cause     error         `json:"-"`
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Kind, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on kind and code so sentinel comparisons work through wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !stderrors.As(target, &t) {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

// Builder assembles an *Error fluently. Terminate with Build.
type Builder struct {
	err Error
}

func newBuilder(kind Kind, code Code, message string) *Builder {
	return &Builder{err: Error{Kind: kind, Code: code, Message: message}}
}

func (b *Builder) WithDetails(format string, args ...any) *Builder {
	b.err.Details = fmt.Sprintf(format, args...)
	return b
}

func (b *Builder) WithOperation(op string) *Builder {
	b.err.Op = op
	return b
}

func (b *Builder) WithResource(resource string) *Builder {
	b.err.Resource = resource
	return b
}

func (b *Builder) WithComponent(component string) *Builder {
	b.err.Component = component
	return b
}

func (b *Builder) WithRetryable(retryable bool) *Builder {
	b.err.Retryable = retryable
	return b
}

func (b *Builder) WithRetryAfter(d time.Duration) *Builder {
	b.err.RetryAfter = d
	b.err.Retryable = true
	return b
}

func (b *Builder) WithCause(cause error) *Builder {
	b.err.Cause = cause
	return b
}

func (b *Builder) Build() *Error {
	e := b.err
	return &e
}

// Constructors, one per kind.

func Validation(code Code, message string) *Builder {
	return newBuilder(KindValidation, code, message)
}

func NotFound(code Code, message string) *Builder {
	return newBuilder(KindNotFound, code, message)
}

func Conflict(code Code, message string) *Builder {
	return newBuilder(KindConflict, code, message)
}

func ForeignKeyMissing(code Code, message string) *Builder {
	return newBuilder(KindForeignKey, code, message)
}

func Unavailable(code Code, message string) *Builder {
	return newBuilder(KindUnavailable, code, message).WithRetryable(true)
}

func Overflow(code Code, message string) *Builder {
	return newBuilder(KindOverflow, code, message).WithRetryable(true)
}

func CircuitOpen(code Code, message string) *Builder {
	return newBuilder(KindCircuitOpen, code, message).WithRetryable(true)
}

func Timeout(code Code, message string) *Builder {
	return newBuilder(KindTimeout, code, message).WithRetryable(true)
}

func Integrity(code Code, message string) *Builder {
	return newBuilder(KindIntegrity, code, message)
}

func RestoreGate(code Code, message string) *Builder {
	return newBuilder(KindRestoreGate, code, message)
}

func Internal(code Code, message string) *Builder {
	return newBuilder(KindInternal, code, message)
}

// KindOf extracts the Kind from any error chain; unknown errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf extracts the stable code from any error chain.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeInternalError
}

// IsKind reports whether err (or anything it wraps) has the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Kind == kind
}

// IsRetryable reports whether the failure is worth retrying. The whole cause
// chain is inspected, so wrapping a transient store failure in a
// non-retryable error does not hide it from retry loops or circuit breakers.
func IsRetryable(err error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Retryable {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// As and Is re-exports so callers need only one errors import.

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func New(text string) error { return stderrors.New(text) }
