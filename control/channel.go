package control

import (
	"context"
	"sync"
	"time"

	"github.com/remotemedia/executor/core"
)

// edgeBacklog is the bounded capacity of a single edge's control channel.
// Unlike the data path, control-channel drops are never silent: a full
// backlog is a delivery failure (KindIPCError), not a dropped-and-logged
// event.
const edgeBacklog = 64

// EdgeChannel is the reliable, ordered, per-edge control channel described
// in the control message channel design: a dedicated channel per edge that
// preserves the emitting node's emission order for every message it sends
// to one downstream node.
type EdgeChannel struct {
	ch chan Message
}

// NewEdgeChannel creates a bounded per-edge control channel.
func NewEdgeChannel() *EdgeChannel {
	return &EdgeChannel{ch: make(chan Message, edgeBacklog)}
}

// Send enqueues msg for the downstream node. It never blocks: a full
// backlog is reported as KindIPCError rather than silently dropped or
// blocking the data path.
func (e *EdgeChannel) Send(msg Message) error {
	select {
	case e.ch <- msg:
		return nil
	default:
		return core.NewError("control.channel.send", core.KindIPCError, "control channel backlog full", nil)
	}
}

// Receive returns the channel of inbound messages for the owning node's
// task to range over.
func (e *EdgeChannel) Receive() <-chan Message {
	return e.ch
}

// Broadcaster fans a control message out along every outgoing edge of its
// origin node, breadth-first, preserving the emitter's per-destination
// order. It is the in-process implementation of "Scope of delivery": a
// control message is propagated along all downstream edges until it
// reaches sinks or nodes that explicitly consume it.
type Broadcaster struct {
	mu    sync.RWMutex
	edges map[string][]*EdgeChannel // node id -> outgoing edge channels
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{edges: make(map[string][]*EdgeChannel)}
}

// Connect registers an outgoing edge channel for fromNode. Order of
// connection is preserved for breadth-first traversal.
func (b *Broadcaster) Connect(fromNode string, edge *EdgeChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.edges[fromNode] = append(b.edges[fromNode], edge)
}

// Publish sends msg to every direct downstream edge of fromNode. It returns
// the first error encountered (a full backlog on any edge) after attempting
// delivery to all edges, matching the "reliable delivery, fatal on backlog
// overflow" contract.
func (b *Broadcaster) Publish(fromNode string, msg Message) error {
	b.mu.RLock()
	edges := append([]*EdgeChannel(nil), b.edges[fromNode]...)
	b.mu.RUnlock()

	var firstErr error
	for _, e := range edges {
		if err := e.Send(msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Transport is implemented by shared-memory IPC and network egress paths
// that carry control messages across a process or network boundary. It is
// the only thing a foreign-worker or network adapter must implement to
// participate in the control plane.
type Transport interface {
	// SendFrame delivers the encoded wire frame and returns once the
	// remote end has acknowledged receipt, or ctx expires.
	SendFrame(ctx context.Context, frame []byte) error
}

// deliveryTimeout is the per-attempt confirmation window: "if delivery
// cannot be confirmed within 50 ms, the origin retries".
const deliveryTimeout = 50 * time.Millisecond

// maxDeliveryAttempts bounds the delivery attempts, the first one included,
// before surfacing KindIPCError.
const maxDeliveryAttempts = 3

// DeliverReliably encodes msg and sends it over transport, making up to
// maxDeliveryAttempts attempts in total while an attempt does not confirm
// within deliveryTimeout. On exhaustion it returns a KindIPCError.
func DeliverReliably(ctx context.Context, transport Transport, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= maxDeliveryAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
		err := transport.SendFrame(attemptCtx, frame)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
	}
	return core.NewError("control.deliver_reliably", core.KindIPCError,
		"control message delivery not confirmed after retries", lastErr).WithAttempt(maxDeliveryAttempts)
}
