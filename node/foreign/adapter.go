package foreign

import (
	"context"
	"time"

	"github.com/remotemedia/executor/control"
	"github.com/remotemedia/executor/core"
	"github.com/remotemedia/executor/data"
	"github.com/remotemedia/executor/node"
	"github.com/remotemedia/executor/resilience"
)

// Invoker is implemented by the actual cross-runtime transport (shared
// memory signal + wait, gRPC, or any other foreign-worker connection). The
// adapter hands it a RecordRef into the shared segment and gets back a
// RecordRef for the response, written into the same segment by the
// foreign worker.
type Invoker interface {
	Invoke(ctx context.Context, sessionID string, req RecordRef) (RecordRef, error)
}

// Adapter is the ForeignNode: a node.Node whose Process serializes its
// input into the shared segment, invokes the foreign worker, and decodes
// its response. It also forwards control messages reliably across the
// same channel the data path uses, per "the only operations crossing the
// boundary are (a) data payloads ... (b) control messages via the same
// channel on the same session".
type Adapter struct {
	sessionID string
	nodeID    string
	segment   *Segment
	invoker   Invoker
	transport control.Transport

	typeDesc TypeDescriptor
	verified bool

	// limiter, when set via WithRateLimiter, bounds invocation rate and
	// concurrency against this foreign worker.
	limiter *resilience.RateLimiter

	// backup and hedgeDelay, when set via WithHedgeBackup, race a second
	// worker if the primary hasn't answered within hedgeDelay, bounding
	// the adapter's tail latency.
	backup     Invoker
	hedgeDelay time.Duration
}

// New creates a ForeignNode adapter. localType is this process's
// understanding of the exchanged record layout; VerifyHandshake checks it
// against the worker's descriptor, and Init fails until that check has
// succeeded.
func New(sessionID, nodeID string, segment *Segment, invoker Invoker, transport control.Transport, localType TypeDescriptor) *Adapter {
	return &Adapter{
		sessionID: sessionID,
		nodeID:    nodeID,
		segment:   segment,
		invoker:   invoker,
		transport: transport,
		typeDesc:  localType,
	}
}

// WithRateLimiter attaches an invocation rate/concurrency limiter; Process
// acquires a slot before invoking the foreign worker and releases it
// afterward, keeping the adapter from overrunning a worker's capacity.
func (a *Adapter) WithRateLimiter(limiter *resilience.RateLimiter) *Adapter {
	a.limiter = limiter
	return a
}

// WithHedgeBackup attaches a secondary Invoker that races the primary after
// delay, bounding the tail latency of a single slow or wedged foreign
// worker process at the cost of duplicate invocations under load.
func (a *Adapter) WithHedgeBackup(backup Invoker, delay time.Duration) *Adapter {
	a.backup = backup
	a.hedgeDelay = delay
	return a
}

// VerifyHandshake performs the connection-time type-identity check against
// a descriptor reported by the foreign worker. Must succeed before Init
// completes.
func (a *Adapter) VerifyHandshake(remote TypeDescriptor) error {
	if err := Handshake(a.typeDesc, remote); err != nil {
		return err
	}
	a.verified = true
	return nil
}

// Init is a no-op beyond requiring VerifyHandshake to have already
// succeeded; the handshake itself happens out-of-band at connection
// establishment, before the node graph starts running.
func (a *Adapter) Init(ctx context.Context) error {
	if !a.verified {
		return core.NewError("foreign.adapter.init", core.KindIPCError, "type identity handshake not completed", nil).WithNode(a.nodeID)
	}
	return nil
}

// Cleanup is a no-op: the shared segment and invoker outlive a single
// adapter instance and are torn down by the pipeline's owner.
func (a *Adapter) Cleanup(ctx context.Context) error { return nil }

// Process writes the "item" port's audio payload into the shared segment,
// invokes the foreign worker, and decodes its response back into an
// AudioPayload under the "item" output port. Foreign-worker faults surface
// as KindForeignError, which the scheduler's retry policy treats as
// retryable.
func (a *Adapter) Process(ctx context.Context, inputs node.Ports) (node.Ports, error) {
	item, ok := inputs["item"]
	if !ok || item.Audio == nil {
		return nil, core.NewError("foreign.adapter.process", core.KindNodeExecutionError, "adapter requires an audio item on the 'item' port", nil).WithNode(a.nodeID)
	}

	if a.limiter != nil {
		if err := a.limiter.Allow(ctx); err != nil {
			return nil, core.NewError("foreign.adapter.process", core.KindForeignError, "rate limiter wait cancelled", err).WithNode(a.nodeID)
		}
		defer a.limiter.Release()
	}

	req := WriteAudio(a.segment, *item.Audio)

	var resp RecordRef
	var err error
	if a.backup != nil {
		resp, err = resilience.Hedge(ctx,
			func(ctx context.Context) (RecordRef, error) { return a.invoker.Invoke(ctx, a.sessionID, req) },
			func(ctx context.Context) (RecordRef, error) { return a.backup.Invoke(ctx, a.sessionID, req) },
			a.hedgeDelay,
		)
	} else {
		resp, err = a.invoker.Invoke(ctx, a.sessionID, req)
	}
	if err != nil {
		return nil, core.NewError("foreign.adapter.process", core.KindForeignError, "foreign worker invocation failed", err).WithNode(a.nodeID)
	}

	payload, err := ReadAudio(a.segment, resp)
	if err != nil {
		return nil, core.NewError("foreign.adapter.process", core.KindForeignError, "failed to decode foreign worker response", err).WithNode(a.nodeID)
	}

	out := data.NewAudio(item.SessionID, payload)
	return node.Ports{"item": out}, nil
}

// ProcessControlMessage forwards msg to the foreign worker reliably over
// the same session's control channel, honoring the "foreign workers must
// honor cancellation within their next internal yield point" contract by
// relying on DeliverReliably's confirmed-delivery semantics.
func (a *Adapter) ProcessControlMessage(ctx context.Context, msg any) error {
	cm, ok := msg.(control.Message)
	if !ok {
		return core.NewError("foreign.adapter.process_control_message", core.KindNodeExecutionError, "unsupported control message type", nil).WithNode(a.nodeID)
	}
	return control.DeliverReliably(ctx, a.transport, cm)
}
