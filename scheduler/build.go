// Package scheduler implements the executor's build and run phases: it
// turns a validated manifest into a runnable pipeline, wraps
// non-parallelizable batch-aware nodes in a Buffered Processor, wires
// control-message routing between every edge, and drives one cooperative
// goroutine per node with retry and circuit-breaker protection around each
// invocation, per §4.7.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/remotemedia/executor/control"
	"github.com/remotemedia/executor/core"
	"github.com/remotemedia/executor/data"
	"github.com/remotemedia/executor/node"
	"github.com/remotemedia/executor/node/buffered"
	"github.com/remotemedia/executor/o11y"
	"github.com/remotemedia/executor/pipeline"
	"github.com/remotemedia/executor/pipeline/manifest"
	"github.com/remotemedia/executor/resilience"
)

// nodeRuntime is everything the scheduler's run loop needs for one node
// instance: its executor, queue, capabilities, control edge, and
// fault-tolerance state.
type nodeRuntime struct {
	id    string
	inst  node.Node
	caps  node.Capabilities
	queue *inputQueue

	// bufferedProc is set whenever inst was wrapped in a Buffered Processor
	// (caps.BatchAware && !caps.Parallelizable), so Run can poll its
	// max_wait_us timer and force-flush its partial batch at shutdown.
	bufferedProc *buffered.Processor

	// mergeStrategy is the strategy used to collapse this node's input
	// queue backlog under node.OverflowMergeOnOverflow, whether or not the
	// node is also wrapped in a Buffered Processor.
	mergeStrategy buffered.MergeStrategy

	retryPolicy resilience.RetryPolicy
	breaker     *resilience.CircuitBreaker

	controlIn *control.EdgeChannel

	// outEdges are the node ids (and ports) downstream of this node, in
	// manifest order, used to route each Process call's outputs.
	outEdges []outEdge

	cancelMu     sync.Mutex
	cancelRanges []cancellation
}

// cancellation is one CancelSpeculation range installed on a node's runtime,
// expressed in arrival-clock microseconds (the same clock a queued item's
// ArrivalTimestampUs uses), so a range published from a gate's own
// media-clock decision still matches correctly regardless of when the
// item arrives at this node relative to when it was captured upstream.
type cancellation struct {
	fromUs int64
	toUs   int64
}

// addCancellation records a new CancelSpeculation range for this node.
// Ranges accumulate for the lifetime of the runtime; nothing currently
// expires them, since a session's cancellation ranges are bounded by the
// session's own duration.
func (rt *nodeRuntime) addCancellation(fromUs, toUs int64) {
	rt.cancelMu.Lock()
	defer rt.cancelMu.Unlock()
	rt.cancelRanges = append(rt.cancelRanges, cancellation{fromUs: fromUs, toUs: toUs})
}

// isCancelled reports whether arrivalUs falls inside any recorded
// cancellation range. An item with no arrival timestamp cannot be matched
// against an arrival-clock range and is never cancelled on that basis.
func (rt *nodeRuntime) isCancelled(arrivalUs int64, hasArrival bool) bool {
	if !hasArrival {
		return false
	}
	rt.cancelMu.Lock()
	defer rt.cancelMu.Unlock()
	for _, c := range rt.cancelRanges {
		if arrivalUs >= c.fromUs && arrivalUs <= c.toUs {
			return true
		}
	}
	return false
}

// cancellationCount reports how many CancelSpeculation ranges are currently
// recorded for this node, surfaced via HealthResult.ActiveCancellations.
func (rt *nodeRuntime) cancellationCount() int {
	rt.cancelMu.Lock()
	defer rt.cancelMu.Unlock()
	return len(rt.cancelRanges)
}

type outEdge struct {
	toNode   string
	fromPort string
	toPort   string
}

// Scheduler is a built, runnable pipeline: a fixed set of node runtimes
// wired by the graph's edges, ready for Run.
type Scheduler struct {
	sessionID string
	graph     *pipeline.Graph
	nodes     map[string]*nodeRuntime
	order     []string

	broadcaster *control.Broadcaster
	cfg         manifest.Config

	// logger and health are the ambient observability surface: logger
	// emits structured events for node lifecycle and fault-tolerance
	// transitions, health exposes each node's circuit breaker state for
	// o11y.MetricsServer's /healthz endpoint.
	logger *o11y.Logger
	health *o11y.HealthRegistry
	hooks  Hooks

	stop chan struct{}
}

// WithHooks attaches observer hooks to a built Scheduler's invocation and
// routing path. Safe to call once, before Run.
func (s *Scheduler) WithHooks(h Hooks) *Scheduler {
	s.hooks = h
	return s
}

// breakerHealthChecker adapts one node runtime's circuit breaker, input
// queue depth, and active cancellation count to o11y.HealthChecker.
type breakerHealthChecker struct {
	rt *nodeRuntime
}

func (c breakerHealthChecker) HealthCheck(ctx context.Context) o11y.HealthResult {
	status := o11y.Healthy
	msg := "closed"
	switch c.rt.breaker.State() {
	case resilience.StateOpen:
		status = o11y.Unhealthy
		msg = "circuit open after repeated failures"
	case resilience.StateHalfOpen:
		status = o11y.Degraded
		msg = "circuit half-open, probing recovery"
	}
	return o11y.HealthResult{
		Status:              status,
		Message:             msg,
		Component:           c.rt.id,
		QueueDepth:          c.rt.queue.Len(),
		ActiveCancellations: c.rt.cancellationCount(),
	}
}

const defaultQueueCapacity = 64

// Build validates m, constructs the node graph, instantiates every node
// from the given registry (wrapping non-parallelizable batch-aware
// nodes in a Buffered Processor), and wires per-edge control channels. The
// returned Scheduler has not started running; call Run to drive it.
func Build(sessionID string, m manifest.Manifest, registry *node.Registry) (*Scheduler, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	g := pipeline.NewGraph()
	for _, n := range m.Nodes {
		g.AddNode(n.ID)
	}
	for _, e := range m.Edges {
		g.AddEdge(pipeline.EdgeSpec{From: e.From, To: e.To, FromPort: e.FromPort, ToPort: e.ToPort})
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		sessionID:   sessionID,
		graph:       g,
		nodes:       make(map[string]*nodeRuntime),
		order:       g.TopologicalOrder(),
		broadcaster: control.NewBroadcaster(),
		cfg:         m.Config,
		logger:      o11y.FromContext(context.Background()).With("session_id", sessionID),
		health:      o11y.NewHealthRegistry(),
		stop:        make(chan struct{}),
	}

	entryByID := make(map[string]manifest.NodeEntry, len(m.Nodes))
	for _, n := range m.Nodes {
		entryByID[n.ID] = n
	}

	for _, id := range s.order {
		entry := entryByID[id]
		rt, err := s.buildNode(registry, entry)
		if err != nil {
			return nil, err
		}
		s.nodes[id] = rt
		s.health.Register(id, breakerHealthChecker{rt: rt})
	}

	for _, e := range m.Edges {
		s.nodes[e.From].outEdges = append(s.nodes[e.From].outEdges, outEdge{toNode: e.To, fromPort: e.FromPort, toPort: e.ToPort})
		edgeCh := control.NewEdgeChannel()
		s.broadcaster.Connect(e.From, edgeCh)
		// Only the first connected edge channel per destination node feeds
		// its control inbox; a node's control inbox is the fan-in of every
		// inbound edge, so additional edges are bridged below.
		if s.nodes[e.To].controlIn == nil {
			s.nodes[e.To].controlIn = edgeCh
		} else {
			s.bridgeEdge(edgeCh, s.nodes[e.To].controlIn)
		}
	}

	for _, rt := range s.nodes {
		if rt.caps.OverflowPolicy != node.OverflowMergeOnOverflow {
			continue
		}
		strategy := rt.mergeStrategy
		// A queue at capacity collapses its backlog in place via
		// buffered.Merge, so the capacity bound holds regardless of whether
		// the node is also wrapped in a Buffered Processor.
		rt.queue.SetMergeFunc(func(batch []data.Item) (data.Item, error) {
			return buffered.Merge(strategy, batch)
		})
	}

	return s, nil
}

// Health returns the scheduler's health registry, with one checker per
// node reporting its circuit breaker state. Callers typically pass this to
// o11y.NewMetricsServer to expose it at /healthz.
func (s *Scheduler) Health() *o11y.HealthRegistry {
	return s.health
}

// bridgeEdge forwards every message received on src onto dst's underlying
// channel, used to fan multiple inbound control edges into one node's
// single control inbox. It exits when the scheduler stops.
func (s *Scheduler) bridgeEdge(src, dst *control.EdgeChannel) {
	go func() {
		for {
			select {
			case <-s.stop:
				return
			case msg := <-src.Receive():
				_ = dst.Send(msg)
			}
		}
	}()
}

func (s *Scheduler) buildNode(registry *node.Registry, entry manifest.NodeEntry) (*nodeRuntime, error) {
	var override *node.Capabilities
	if entry.CapabilitiesOverride != nil {
		c, err := capabilitiesFromOverride(*entry.CapabilitiesOverride)
		if err != nil {
			return nil, err
		}
		override = &c
	}

	inst, caps, err := registry.Create(entry.NodeType, override)
	if err != nil {
		return nil, core.NewError("scheduler.build", core.KindManifestError, "failed to create node '"+entry.ID+"'", err).WithNode(entry.ID)
	}

	// A factory only ever receives Capabilities, never the scheduler's own
	// control broadcaster or this node's assigned id; a node that needs
	// either (e.g. a speculative forwarding gate emitting its own
	// CancelSpeculation) gets them bound in right after construction.
	if pub, ok := inst.(node.ControlPublisherAware); ok {
		pub.BindControlPublisher(entry.ID, s.broadcaster)
	}

	policy := defaultBufferingPolicy()
	if entry.Buffering != nil {
		var perr error
		policy, perr = bufferingPolicyFromOverride(*entry.Buffering)
		if perr != nil {
			return nil, perr
		}
	}

	var bufferedProc *buffered.Processor
	if caps.BatchAware && !caps.Parallelizable {
		bufferedProc = buffered.New(inst, policy, caps.OverflowPolicy)
		inst = bufferedProc
	}

	queueCap := caps.QueueCapacity
	if queueCap <= 0 {
		queueCap = defaultQueueCapacity
	}

	maxAttempts := s.cfg.RetryPolicyMaxAttempts
	retryPolicy := resilience.DefaultRetryPolicy()
	if maxAttempts > 0 {
		retryPolicy.MaxAttempts = maxAttempts
	}

	threshold := s.cfg.CircuitBreakerThreshold

	queue := newInputQueue(queueCap, caps.OverflowPolicy)

	return &nodeRuntime{
		id:            entry.ID,
		inst:          inst,
		caps:          caps,
		queue:         queue,
		bufferedProc:  bufferedProc,
		mergeStrategy: policy.Merge,
		retryPolicy:   retryPolicy,
		breaker:       resilience.NewCircuitBreaker(threshold, 0),
	}, nil
}

func defaultBufferingPolicy() buffered.Policy {
	return buffered.Policy{
		MinBatchSize:  1,
		MaxWaitUs:     int64(200 * time.Millisecond / time.Microsecond),
		MaxBufferSize: 32,
		Merge:         buffered.MergeStrategy{Kind: buffered.MergeKeepSeparate},
	}
}

func capabilitiesFromOverride(o manifest.CapabilitiesOverride) (node.Capabilities, error) {
	var caps node.Capabilities
	caps.QueueCapacity = o.QueueCapacity
	switch o.OverflowPolicy {
	case "", "block":
		caps.OverflowPolicy = node.OverflowBlock
	case "drop_oldest":
		caps.OverflowPolicy = node.OverflowDropOldest
	case "drop_newest":
		caps.OverflowPolicy = node.OverflowDropNewest
	case "merge_on_overflow":
		caps.OverflowPolicy = node.OverflowMergeOnOverflow
	default:
		return caps, core.NewError("scheduler.build", core.KindManifestError, "unknown overflow policy override '"+o.OverflowPolicy+"'", nil)
	}
	return caps, nil
}

func bufferingPolicyFromOverride(o manifest.BufferingOverride) (buffered.Policy, error) {
	p := buffered.Policy{
		MinBatchSize:  o.MinBatchSize,
		MaxWaitUs:     o.MaxWaitUs,
		MaxBufferSize: o.MaxBufferSize,
	}
	switch o.MergeStrategy {
	case "concatenate_text":
		p.Merge.Kind = buffered.MergeConcatenateText
	case "concatenate_audio":
		p.Merge.Kind = buffered.MergeConcatenateAudio
		p.Merge.RequireContinuity = true
	case "keep_separate":
		p.Merge.Kind = buffered.MergeKeepSeparate
	case "custom":
		p.Merge.Kind = buffered.MergeCustom
	default:
		return p, core.NewError("scheduler.build", core.KindManifestError, "unknown merge strategy '"+o.MergeStrategy+"'", nil)
	}
	return p, nil
}
