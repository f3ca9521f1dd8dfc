// Package gate implements the Speculative Forwarding Gate: the reference
// control-message producer sitting between an audio source and a VAD
// refiner, described in the executor's component design.
package gate

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/remotemedia/executor/control"
	"github.com/remotemedia/executor/core"
	"github.com/remotemedia/executor/data"
	"github.com/remotemedia/executor/metrics"
	"github.com/remotemedia/executor/node"
	"github.com/remotemedia/executor/ringbuffer"
)

// VADDecider defined below is decider-agnostic; the same agnosticism applies
// to the clock each timestamp is expressed in. A Gate tracks two
// independent bounds per segment: the ring buffer (and lastConfirmedTs) key
// everything off media_timestamp_us, since that is the clock the upstream
// source's own content is authored in and ClearBefore must stay correct
// relative to it; a CancelSpeculation this gate emits, by contrast, must be
// expressed in arrival_timestamp_us, because that is the clock the
// scheduler's own cancellation matching (isCancelled) uses for every node's
// queued input. Under nonzero arrival/media drift these two clocks diverge,
// so the two bounds are tracked and converted independently rather than
// reusing one for the other.

// Decision is the VAD refiner's verdict for one previously-forwarded
// segment.
type Decision int

const (
	DecisionSpeechConfirmed Decision = iota + 1
	DecisionNonSpeech
)

// VADDecision is one refiner verdict, keyed by the segment it judges.
type VADDecision struct {
	SegmentID string
	Decision  Decision
}

// VADDecider is implemented by whatever voice-activity-detection component
// judges forwarded segments; the gate is decider-agnostic.
type VADDecider interface {
	// Submit hands a forwarded chunk to the refiner on the side edge. The
	// refiner is expected to eventually call the gate's ObserveDecision
	// with a matching segment id; Submit itself does not block on that.
	Submit(ctx context.Context, segmentID string, chunk data.Item) error
}

// defaultLookbackUs bounds ring-buffer memory: clear_before is invoked with
// current_ts - defaultLookbackUs on every Confirmed transition.
const defaultLookbackUs = 30_000_000

// Gate is the speculative forwarding gate. Its side-channel VAD submission
// and decision callback do not fit the plain single-input/single-output
// Process contract directly, so Gate itself exposes Forward/ObserveDecision
// rather than implementing node.Node; AsNode wraps it in a NodeAdapter for
// callers (the scheduler, a registry factory) that need a plain node.Node.
type Gate struct {
	sessionID string
	decider   VADDecider
	ring      *ringbuffer.RingBuffer
	metrics   *metrics.LatencyMetrics
	lookback  int64

	mu       sync.Mutex
	segments map[string]segmentMeta // segment id -> metadata

	downstream *control.Broadcaster
	nodeID     string

	lastConfirmedTs atomic.Int64
}

type segmentMeta struct {
	startUs, endUs                 int64 // media_timestamp_us domain; ring-buffer-keyed
	arrivalStartUs, arrivalEndUs   int64 // arrival_timestamp_us domain; scheduler-cancellation-keyed
}

// New creates a Gate for the given session. nodeID identifies this node in
// the control.Broadcaster topology (its emitted CancelSpeculation messages
// are published as if from nodeID).
func New(sessionID, nodeID string, decider VADDecider, ring *ringbuffer.RingBuffer, m *metrics.LatencyMetrics, downstream *control.Broadcaster) *Gate {
	return &Gate{
		sessionID:  sessionID,
		nodeID:     nodeID,
		decider:    decider,
		ring:       ring,
		metrics:    m,
		lookback:   defaultLookbackUs,
		segments:   make(map[string]segmentMeta),
		downstream: downstream,
	}
}

// Forward implements step 1-2 of the gate's contract: assign a fresh
// segment id, push a Speculative ring-buffer segment, and return the
// annotated chunk (carrying the segment id via StreamID, since RuntimeData
// has no dedicated segment-id field) for the caller to forward immediately
// along all downstream edges, while also submitting it to the VAD refiner
// on the side edge.
func (g *Gate) Forward(ctx context.Context, chunk data.Item, bufferBegin, bufferEnd int64) (data.Item, error) {
	if !chunk.HasMediaTimestamp {
		return data.Item{}, core.NewError("gate.forward", core.KindNodeExecutionError, "chunk missing media_timestamp_us", nil)
	}
	if !chunk.HasArrivalTimestamp {
		return data.Item{}, core.NewError("gate.forward", core.KindNodeExecutionError, "chunk missing arrival_timestamp_us", nil)
	}

	segmentID := uuid.NewString()
	startUs := chunk.MediaTimestampUs
	endUs := startUs + 1 // refined by the caller once chunk duration is known; invariant end>start maintained below
	if chunk.Audio != nil && chunk.Audio.SampleRateHz > 0 {
		endUs = startUs + int64(chunk.Audio.SampleCount)*1_000_000/int64(chunk.Audio.SampleRateHz)
	}
	if endUs <= startUs {
		endUs = startUs + 1
	}

	// The segment's duration is clock-independent; apply the same span to
	// the arrival-time bound so both domains describe the same content.
	arrivalStartUs := chunk.ArrivalTimestampUs
	arrivalEndUs := arrivalStartUs + (endUs - startUs)

	g.ring.PushOverwrite(ringbuffer.Segment{
		SegmentID:        segmentID,
		SessionID:        g.sessionID,
		StartTimestampUs: startUs,
		EndTimestampUs:   endUs,
		Status:           ringbuffer.StatusSpeculative,
		BufferRangeBegin: bufferBegin,
		BufferRangeEnd:   bufferEnd,
	})

	g.mu.Lock()
	g.segments[segmentID] = segmentMeta{
		startUs: startUs, endUs: endUs,
		arrivalStartUs: arrivalStartUs, arrivalEndUs: arrivalEndUs,
	}
	g.mu.Unlock()

	if err := g.decider.Submit(ctx, segmentID, chunk); err != nil {
		return data.Item{}, core.NewError("gate.forward", core.KindNodeExecutionError, "VAD submission failed", err).WithNode(g.nodeID)
	}

	return chunk.WithStreamID(segmentID), nil
}

// ObserveDecision implements step 3: apply the VAD refiner's verdict.
func (g *Gate) ObserveDecision(ctx context.Context, d VADDecision) error {
	g.mu.Lock()
	meta, ok := g.segments[d.SegmentID]
	if ok {
		delete(g.segments, d.SegmentID)
	}
	g.mu.Unlock()
	if !ok {
		return nil // already resolved or unknown: no-op
	}

	switch d.Decision {
	case DecisionSpeechConfirmed:
		g.lastConfirmedTs.Store(meta.endUs)
		if g.metrics != nil {
			g.metrics.RecordSpeculation(true)
		}
		g.ring.ClearBefore(meta.endUs - g.lookback)
		return nil

	case DecisionNonSpeech:
		if g.metrics != nil {
			g.metrics.RecordSpeculation(false)
		}
		// CancelSpeculation travels to the scheduler's per-node cancellation
		// matching, which compares against each queued input's arrival
		// timestamp; using the media-time bound here would silently fail to
		// suppress the correct work under nonzero arrival/media drift.
		msg := control.NewCancelSpeculation(g.sessionID, d.SegmentID, meta.arrivalStartUs, meta.arrivalEndUs)
		if g.downstream != nil {
			return g.downstream.Publish(g.nodeID, msg)
		}
		return nil

	default:
		return core.NewError("gate.observe_decision", core.KindNodeExecutionError, "unknown VAD decision", nil)
	}
}

// NodeAdapter wraps a Gate as a node.Node, so a node.Registry factory can
// return it and the scheduler can build and drive it exactly like any other
// node, including routing its single "item" output downstream.
type NodeAdapter struct {
	gate *Gate

	// bufferCursor advances by each chunk's byte length, giving Forward a
	// monotonic [begin, end) raw-buffer range to stamp on every segment.
	// Process calls on one node are never concurrent (the scheduler drives
	// one node from a single goroutine), so no lock is needed here.
	bufferCursor int64
}

// AsNode returns a node.Node view of g.
func (g *Gate) AsNode() *NodeAdapter {
	return &NodeAdapter{gate: g}
}

// Init is a no-op: Gate holds no resources to acquire up front.
func (a *NodeAdapter) Init(ctx context.Context) error { return nil }

// Cleanup is a no-op: Gate holds no resources to release.
func (a *NodeAdapter) Cleanup(ctx context.Context) error { return nil }

// Process forwards the "item" input chunk through the gate, submitting it
// to the VAD refiner on the side edge and returning it, annotated with its
// new segment id, as the "item" output for the scheduler to route
// downstream.
func (a *NodeAdapter) Process(ctx context.Context, in node.Ports) (node.Ports, error) {
	item, ok := in["item"]
	if !ok {
		return node.Ports{}, core.NewError("gate.process", core.KindNodeExecutionError, "missing required 'item' port input", nil)
	}

	size := int64(1)
	if item.Audio != nil && len(item.Audio.Samples) > 0 {
		size = int64(len(item.Audio.Samples))
	}
	begin := a.bufferCursor
	end := begin + size
	a.bufferCursor = end

	out, err := a.gate.Forward(ctx, item, begin, end)
	if err != nil {
		return nil, err
	}
	return node.Ports{"item": out}, nil
}

// BindControlPublisher implements node.ControlPublisherAware: the scheduler
// calls this once, right after constructing the node from the registry,
// giving the gate its real node id and the pipeline's control broadcaster
// so ObserveDecision's CancelSpeculation messages publish on the real
// control plane instead of the placeholder values a factory (which only
// ever receives node.Capabilities) could supply at construction time.
func (a *NodeAdapter) BindControlPublisher(nodeID string, publisher any) {
	a.gate.nodeID = nodeID
	if b, ok := publisher.(*control.Broadcaster); ok {
		a.gate.downstream = b
	}
}
