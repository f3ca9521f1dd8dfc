package scheduler

import (
	"context"

	"github.com/remotemedia/executor/node"
)

// Hooks are optional callbacks invoked around each node's lifecycle. All
// fields are optional; a nil hook is skipped. Hooks are composed via
// ComposeHooks so a caller (metrics, tracing, audit logging) can attach
// several independent observers to the same Scheduler.
type Hooks struct {
	// BeforeInvoke is called immediately before a node's Process call.
	// Returning an error skips the invocation and is treated the same as
	// an invocation failure.
	BeforeInvoke func(ctx context.Context, nodeID string, input node.Ports) error

	// AfterInvoke is called after a node's Process call returns, whether
	// or not it succeeded.
	AfterInvoke func(ctx context.Context, nodeID string, output node.Ports, err error)

	// OnRoute is called once per output item routed along an edge.
	OnRoute func(ctx context.Context, fromNode, toNode string)

	// OnError is called whenever a node invocation fails, after retry and
	// circuit-breaker handling has already run.
	OnError func(ctx context.Context, nodeID string, err error)
}

func composeBeforeInvoke(hooks []Hooks) func(context.Context, string, node.Ports) error {
	return func(ctx context.Context, nodeID string, input node.Ports) error {
		for _, h := range hooks {
			if h.BeforeInvoke != nil {
				if err := h.BeforeInvoke(ctx, nodeID, input); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

func composeAfterInvoke(hooks []Hooks) func(context.Context, string, node.Ports, error) {
	return func(ctx context.Context, nodeID string, output node.Ports, err error) {
		for _, h := range hooks {
			if h.AfterInvoke != nil {
				h.AfterInvoke(ctx, nodeID, output, err)
			}
		}
	}
}

func composeOnRoute(hooks []Hooks) func(context.Context, string, string) {
	return func(ctx context.Context, from, to string) {
		for _, h := range hooks {
			if h.OnRoute != nil {
				h.OnRoute(ctx, from, to)
			}
		}
	}
}

func composeOnError(hooks []Hooks) func(context.Context, string, error) {
	return func(ctx context.Context, nodeID string, err error) {
		for _, h := range hooks {
			if h.OnError != nil {
				h.OnError(ctx, nodeID, err)
			}
		}
	}
}

// ComposeHooks merges multiple Hooks into one, invoking every non-nil
// callback in the order given. BeforeInvoke short-circuits on the first
// error returned.
func ComposeHooks(hooks ...Hooks) Hooks {
	h := append([]Hooks{}, hooks...)
	return Hooks{
		BeforeInvoke: composeBeforeInvoke(h),
		AfterInvoke:  composeAfterInvoke(h),
		OnRoute:      composeOnRoute(h),
		OnError:      composeOnError(h),
	}
}
