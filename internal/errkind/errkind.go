// Package errkind defines the closed failure taxonomy used across loom.
// Every failure surfaced between components carries a kind, the
// component that produced it, and a correlation id (session or task)
// so retry loops can inspect the kind rather than match on strings.
package errkind

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a failure class. The set is closed; new kinds are a
// design change, not a convenience.
type Kind string

const (
	// Validation means input or a response failed structural checks.
	// Non-retryable at task level, may be retried at iteration level.
	Validation Kind = "validation"
	// Authentication means a credentials or authorization problem.
	Authentication Kind = "authentication"
	// NotFound means a referenced entity is missing.
	NotFound Kind = "not_found"
	// Conflict means an optimistic-concurrency mismatch.
	Conflict Kind = "conflict"
	// Timeout means an operation exceeded its bound.
	Timeout Kind = "timeout"
	// Unavailable means a dependency is transiently unreachable.
	Unavailable Kind = "unavailable"
	// ProtocolError means a malformed response from an external
	// capability.
	ProtocolError Kind = "protocol_error"
	// StateError means an illegal state transition; indicates a bug.
	StateError Kind = "state_error"
	// Deadlock means a cycle in the dependency graph.
	Deadlock Kind = "deadlock"
	// BudgetExhausted means max turns or retries were reached.
	BudgetExhausted Kind = "budget_exhausted"
	// Cancelled means a user-initiated termination.
	Cancelled Kind = "cancelled"
)

// Retryable returns true for kinds that callers may retry with backoff.
func (k Kind) Retryable() bool {
	switch k {
	case Conflict, Timeout, Unavailable, ProtocolError:
		return true
	default:
		return false
	}
}

// Error is the concrete failure type carried across component
// boundaries. It wraps an optional cause and satisfies errors.Is/As.
type Error struct {
	// Kind is the failure class.
	Kind Kind
	// Component names the component that produced the failure.
	Component string
	// CorrelationID is the session or task id the failure belongs to.
	CorrelationID string
	// Hint is a recovery hint, where one is known.
	Hint string
	// Cycle lists the participating work-item ids for Deadlock errors.
	Cycle []int64
	// Msg is the human-readable message.
	Msg string
	// Err is the wrapped cause, if any.
	Err error
}

// New creates an Error with the given kind, component, and message.
func New(kind Kind, component, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Msg:       fmt.Sprintf(format, args...),
	}
}

// Wrap creates an Error wrapping a cause.
func Wrap(err error, kind Kind, component, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Msg:       fmt.Sprintf(format, args...),
		Err:       err,
	}
}

// NewDeadlock creates a Deadlock error naming the participating ids.
func NewDeadlock(component string, cycle []int64) *Error {
	ids := make([]string, len(cycle))
	for i, id := range cycle {
		ids[i] = fmt.Sprintf("%d", id)
	}
	return &Error{
		Kind:      Deadlock,
		Component: component,
		Cycle:     cycle,
		Msg:       fmt.Sprintf("dependency cycle: [%s]", strings.Join(ids, " -> ")),
	}
}

// WithCorrelation sets the correlation id and returns the error.
func (e *Error) WithCorrelation(id string) *Error {
	e.CorrelationID = id
	return e
}

// WithHint sets the recovery hint and returns the error.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString(e.Component)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches against another *Error by kind, so that
// errors.Is(err, &Error{Kind: Conflict}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from an error chain. Returns the empty kind
// when the chain carries no *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the error chain carries a retryable kind.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// CycleOf returns the dependency cycle from a Deadlock error, or nil.
func CycleOf(err error) []int64 {
	var e *Error
	if errors.As(err, &e) && e.Kind == Deadlock {
		return e.Cycle
	}
	return nil
}
