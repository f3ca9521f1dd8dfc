package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewError(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	e := NewError("node.process", KindForeignError, "worker unreachable", cause)

	if e.Op != "node.process" {
		t.Errorf("Op = %q, want %q", e.Op, "node.process")
	}
	if e.Kind != KindForeignError {
		t.Errorf("Kind = %q, want %q", e.Kind, KindForeignError)
	}
	if e.Message != "worker unreachable" {
		t.Errorf("Message = %q, want %q", e.Message, "worker unreachable")
	}
	if e.Err != cause {
		t.Errorf("Err = %v, want %v", e.Err, cause)
	}
}

func TestNewError_NilCause(t *testing.T) {
	e := NewError("node.process", KindNodeExecutionError, "node panicked", nil)
	if e.Err != nil {
		t.Errorf("Err = %v, want nil", e.Err)
	}
}

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "with_cause",
			err:  NewError("scheduler.invoke", KindNodeExecutionError, "invocation failed", fmt.Errorf("boom")),
			want: "scheduler.invoke [node_execution_error]: invocation failed: boom",
		},
		{
			name: "without_cause",
			err:  NewError("pipeline.build", KindCycleError, "cycle detected", nil),
			want: "pipeline.build [cycle_error]: cycle detected",
		},
		{
			name: "with_node_id",
			err:  NewError("scheduler.invoke", KindNodeExecutionError, "invocation failed", nil).WithNode("vad-gate"),
			want: "scheduler.invoke[vad-gate] [node_execution_error]: invocation failed",
		},
		{
			name: "empty_fields",
			err:  NewError("", "", "", nil),
			want: " []: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			if got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want error
	}{
		{
			name: "with_cause",
			err:  NewError("op", KindIPCError, "msg", fmt.Errorf("underlying")),
			want: fmt.Errorf("underlying"),
		},
		{
			name: "nil_cause",
			err:  NewError("op", KindIPCError, "msg", nil),
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Unwrap()
			if tt.want == nil && got != nil {
				t.Errorf("Unwrap() = %v, want nil", got)
			}
			if tt.want != nil && (got == nil || got.Error() != tt.want.Error()) {
				t.Errorf("Unwrap() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    *Error
		target error
		want   bool
	}{
		{
			name:   "same_kind",
			err:    NewError("op1", KindNodeExecutionError, "msg1", nil),
			target: NewError("op2", KindNodeExecutionError, "msg2", nil),
			want:   true,
		},
		{
			name:   "different_kind",
			err:    NewError("op", KindNodeExecutionError, "msg", nil),
			target: NewError("op", KindForeignError, "msg", nil),
			want:   false,
		},
		{
			name:   "non_core_error",
			err:    NewError("op", KindNodeExecutionError, "msg", nil),
			target: fmt.Errorf("plain error"),
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Is(tt.target)
			if got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_ErrorsIs(t *testing.T) {
	cause := NewError("inner", KindNodeExecutionError, "node failed", nil)
	wrapped := fmt.Errorf("outer: %w", cause)

	if !errors.Is(wrapped, NewError("", KindNodeExecutionError, "", nil)) {
		t.Error("errors.Is should match wrapped Error by kind")
	}
}

func TestError_ErrorsAs(t *testing.T) {
	cause := NewError("inner", KindIPCError, "delivery failed", nil)
	wrapped := fmt.Errorf("outer: %w", cause)

	var target *Error
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should find *Error in chain")
	}
	if target.Kind != KindIPCError {
		t.Errorf("Kind = %q, want %q", target.Kind, KindIPCError)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "node_execution_error", err: NewError("op", KindNodeExecutionError, "msg", nil), want: true},
		{name: "foreign_error", err: NewError("op", KindForeignError, "msg", nil), want: true},
		{name: "manifest_error", err: NewError("op", KindManifestError, "msg", nil), want: false},
		{name: "graph_error", err: NewError("op", KindGraphError, "msg", nil), want: false},
		{name: "cycle_error", err: NewError("op", KindCycleError, "msg", nil), want: false},
		{name: "ipc_error", err: NewError("op", KindIPCError, "msg", nil), want: false},
		{name: "retry_limit_exceeded", err: NewError("op", KindRetryLimitExceeded, "msg", nil), want: false},
		{name: "circuit_breaker_tripped", err: NewError("op", KindCircuitBreakerTripped, "msg", nil), want: false},
		{name: "plain_error", err: fmt.Errorf("not a core error"), want: false},
		{name: "nil_error", err: nil, want: false},
		{
			name: "wrapped_retryable",
			err:  fmt.Errorf("wrap: %w", NewError("op", KindForeignError, "msg", nil)),
			want: true,
		},
		{
			name: "wrapped_non_retryable",
			err:  fmt.Errorf("wrap: %w", NewError("op", KindIPCError, "msg", nil)),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsRetryable(tt.err)
			if got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAsError(t *testing.T) {
	e := NewError("op", KindGraphError, "msg", nil)
	wrapped := fmt.Errorf("wrap: %w", e)

	got, ok := AsError(wrapped)
	if !ok {
		t.Fatal("AsError() ok = false, want true")
	}
	if got.Kind != KindGraphError {
		t.Errorf("Kind = %q, want %q", got.Kind, KindGraphError)
	}

	_, ok = AsError(fmt.Errorf("plain"))
	if ok {
		t.Error("AsError() ok = true for plain error, want false")
	}
}
