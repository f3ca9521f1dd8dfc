// Package core provides the foundational primitives shared by every layer of
// the pipeline executor: the node execution interface, batch helpers,
// context propagation, lifecycle management, streaming primitives, and a
// single typed-error shape used across the control, pipeline, node, and
// scheduler packages.
package core

import (
	"errors"
	"fmt"
)

// ErrorKind identifies the category of an error, matching the executor's
// error-handling taxonomy. Downstream packages use the kind to decide on
// retry strategy, circuit-breaker accounting, and propagation.
type ErrorKind string

const (
	// KindManifestError indicates a malformed or structurally invalid
	// pipeline manifest, detected at build time.
	KindManifestError ErrorKind = "manifest_error"

	// KindGraphError indicates a structural problem with the node graph:
	// duplicate ids, dangling edges, missing source/sink.
	KindGraphError ErrorKind = "graph_error"

	// KindCycleError indicates the graph contains a cycle.
	KindCycleError ErrorKind = "cycle_error"

	// KindNodeExecutionError indicates a node's Process call failed. Retryable.
	KindNodeExecutionError ErrorKind = "node_execution_error"

	// KindForeignError indicates a transient fault in a foreign-language
	// worker process. Retryable.
	KindForeignError ErrorKind = "foreign_error"

	// KindIPCError indicates a control-channel delivery failure across a
	// process or network boundary that could not be confirmed within the
	// retry budget.
	KindIPCError ErrorKind = "ipc_error"

	// KindRetryLimitExceeded indicates a retryable error exhausted its
	// configured attempts.
	KindRetryLimitExceeded ErrorKind = "retry_limit_exceeded"

	// KindCircuitBreakerTripped indicates a node's circuit breaker is open
	// and the invocation was short-circuited without running the node.
	KindCircuitBreakerTripped ErrorKind = "circuit_breaker_tripped"
)

// retryableKinds is the set of error kinds the scheduler's retry policy will
// retry locally before surfacing KindRetryLimitExceeded.
var retryableKinds = map[ErrorKind]bool{
	KindNodeExecutionError: true,
	KindForeignError:       true,
}

// Error is a structured error carrying the failing operation, a stable kind
// for programmatic handling, the affected node id, the retry attempt count
// (if applicable), a human-readable message, and an optional wrapped cause.
type Error struct {
	// Op is the operation that failed, e.g. "scheduler.invoke" or
	// "pipeline.build".
	Op string

	// Kind categorizes the error for programmatic handling.
	Kind ErrorKind

	// NodeID is the id of the node that raised or was affected by the
	// error, when applicable.
	NodeID string

	// Attempt is the 1-based retry attempt count, when applicable.
	Attempt int

	// Message is a human-readable description of what went wrong.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// NewError creates a new Error with the given operation, kind, message, and
// optional cause.
func NewError(op string, kind ErrorKind, msg string, cause error) *Error {
	return &Error{Op: op, Kind: kind, Message: msg, Err: cause}
}

// Error returns a string representation including op, kind, node id (if
// set), message, and the wrapped cause if present.
func (e *Error) Error() string {
	prefix := e.Op
	if e.NodeID != "" {
		prefix = fmt.Sprintf("%s[%s]", e.Op, e.NodeID)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", prefix, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", prefix, e.Kind, e.Message)
}

// Unwrap returns the underlying cause so errors.Is and errors.As traverse
// the error chain.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target matches this error. Two Errors match if they
// share the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// WithNode returns a copy of e with NodeID set.
func (e *Error) WithNode(nodeID string) *Error {
	cp := *e
	cp.NodeID = nodeID
	return &cp
}

// WithAttempt returns a copy of e with Attempt set.
func (e *Error) WithAttempt(attempt int) *Error {
	cp := *e
	cp.Attempt = attempt
	return &cp
}

// IsRetryable reports whether err (or any error in its chain) has a
// retryable kind: node_execution_error or foreign_error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return retryableKinds[e.Kind]
	}
	return false
}

// AsError attempts to convert err into an *Error, unwrapping the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
