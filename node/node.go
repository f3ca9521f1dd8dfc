// Package node defines the three-phase node executor contract, node
// capabilities, and the node-type registry that the scheduler consults at
// build time.
package node

import (
	"context"

	"github.com/remotemedia/executor/core"
	"github.com/remotemedia/executor/data"
)

// Runtime identifies where a node's process logic actually executes.
type Runtime int

const (
	RuntimeNative Runtime = iota + 1
	RuntimeForeign
)

func (r Runtime) String() string {
	if r == RuntimeForeign {
		return "foreign"
	}
	return "native"
}

// OverflowPolicy governs what a bounded input queue does when full.
type OverflowPolicy int

const (
	OverflowDropOldest OverflowPolicy = iota + 1
	OverflowDropNewest
	OverflowBlock
	OverflowMergeOnOverflow
)

// Capabilities is the static (with measured updates) description of a node
// type, registered at startup and overridable per pipeline in the manifest.
type Capabilities struct {
	NodeType                string
	Parallelizable          bool
	BatchAware              bool
	SupportsControlMessages bool
	QueueCapacity           int
	OverflowPolicy          OverflowPolicy
	AvgProcessingUs         float64 // EWMA, alpha=0.1
}

// ObserveLatency folds one observed processing latency into AvgProcessingUs
// using the capability registry's alpha=0.1 EWMA.
func (c *Capabilities) ObserveLatency(us float64) {
	const alpha = 0.1
	if c.AvgProcessingUs == 0 {
		c.AvgProcessingUs = us
		return
	}
	c.AvgProcessingUs += alpha * (us - c.AvgProcessingUs)
}

// Ports is a keyed map of named ports to RuntimeData items, used for both
// node inputs and outputs.
type Ports map[string]data.Item

// Node is the three-phase contract every node type implements: Init once
// before the pipeline runs, Process once per scheduling invocation
// (possibly many times for a streaming node), Cleanup once on shutdown.
type Node interface {
	// Init prepares the node for processing. Called once before the first
	// Process call.
	Init(ctx context.Context) error

	// Process consumes inputs and produces outputs. A streaming node may be
	// invoked repeatedly by the scheduler as more input arrives; it must
	// not be restarted once it has signaled completion.
	Process(ctx context.Context, inputs Ports) (Ports, error)

	// Cleanup releases any resources held by the node. Called once,
	// exactly when the pipeline winds down (success, error, or
	// cancellation).
	Cleanup(ctx context.Context) error
}

// ControlMessageHandler is optionally implemented by nodes whose
// Capabilities.SupportsControlMessages is true.
type ControlMessageHandler interface {
	// ProcessControlMessage handles one inbound control message. A handler
	// for a message outside its current work range must acknowledge it as
	// a no-op rather than erroring.
	ProcessControlMessage(ctx context.Context, msg any) error
}

// ControlPublisherAware is optionally implemented by a node whose factory
// cannot receive the scheduler's control-plane internals directly (a
// node.Factory is handed only Capabilities). The scheduler calls
// BindControlPublisher once, immediately after construction, passing the
// node's own assigned id and its control publisher so the node can emit
// control messages of its own (e.g. a speculative-forwarding gate emitting
// CancelSpeculation) rather than merely reacting to inbound ones. publisher
// is typed any to keep this package free of a dependency on the control
// package, mirroring ControlMessageHandler's own idiom; implementations
// type-assert it to *control.Broadcaster.
type ControlPublisherAware interface {
	BindControlPublisher(nodeID string, publisher any)
}

// ClassifyPanic converts a recovered panic value into a NodeExecutionError,
// upholding the contract that a node must never panic the pipeline.
func ClassifyPanic(nodeID string, r any) error {
	return core.NewError("node.process", core.KindNodeExecutionError, "node panicked", panicError{r}).WithNode(nodeID)
}

type panicError struct{ v any }

func (p panicError) Error() string {
	if err, ok := p.v.(error); ok {
		return err.Error()
	}
	return "panic recovered"
}
