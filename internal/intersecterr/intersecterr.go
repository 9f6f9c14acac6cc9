// Package intersecterr defines the typed failure kinds the engine can
// report synchronously, per the error-handling design: ConfigInvalid,
// CapacityExceeded, ShapeMismatch, ContextMismatch and
// InternalInvariantViolated.
package intersecterr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure reported by the engine.
type Kind int

const (
	// ConfigInvalid means a parameter precondition was violated at construction.
	ConfigInvalid Kind = iota
	// CapacityExceeded means a hard structural limit (key-bit width, arc count) was hit.
	CapacityExceeded
	// ShapeMismatch means input ragged shapes disagree with num_seqs or stored state.
	ShapeMismatch
	// ContextMismatch means inputs live on incompatible device/compute contexts.
	ContextMismatch
	// InternalInvariantViolated means a debug-only consistency check failed; fatal.
	InternalInvariantViolated
)

func (k Kind) String() string {
	switch k {
	case ConfigInvalid:
		return "ConfigInvalid"
	case CapacityExceeded:
		return "CapacityExceeded"
	case ShapeMismatch:
		return "ShapeMismatch"
	case ContextMismatch:
		return "ContextMismatch"
	case InternalInvariantViolated:
		return "InternalInvariantViolated"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the error type returned by the engine's public entry points.
type Error struct {
	Kind Kind
	msg  string
	// Counts holds offending counts relevant to the failure, e.g. {"num_keys": n}.
	Counts map[string]int64
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

// Unwrap lets errors.Is/errors.As reach a wrapped cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: errors.Errorf(format, args...).Error()}
}

// Wrap builds an *Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: errors.Errorf(format, args...).Error(), cause: cause}
}

// WithCounts attaches offending counts to the error and returns it, for
// chaining at the call site.
func (e *Error) WithCounts(counts map[string]int64) *Error {
	e.Counts = counts
	return e
}
