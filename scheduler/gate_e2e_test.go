package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotemedia/executor/data"
	"github.com/remotemedia/executor/metrics"
	"github.com/remotemedia/executor/node"
	gt "github.com/remotemedia/executor/node/gate"
	"github.com/remotemedia/executor/pipeline/manifest"
	"github.com/remotemedia/executor/ringbuffer"
)

// e2eSource emits one real audio chunk (carrying both a media and an
// arrival timestamp, since Gate requires both) then blocks, honoring the
// self-pacing source contract.
type e2eSource struct {
	mu    sync.Mutex
	fired bool
}

func (s *e2eSource) Init(ctx context.Context) error    { return nil }
func (s *e2eSource) Cleanup(ctx context.Context) error { return nil }
func (s *e2eSource) Process(ctx context.Context, in node.Ports) (node.Ports, error) {
	s.mu.Lock()
	fired := s.fired
	s.fired = true
	s.mu.Unlock()
	if fired {
		<-ctx.Done()
		return node.Ports{}, ctx.Err()
	}
	item := data.NewAudio("sess-1", data.AudioPayload{
		SampleRateHz: 16000,
		Channels:     1,
		SampleCount:  320,
		Samples:      make([]byte, 640),
	}).WithMediaTimestamp(1000).WithArrivalTimestamp(500_000)
	return node.Ports{"item": item}, nil
}

// e2eASR is both the downstream data-edge node receiving Gate's forwarded
// chunk and the side-channel VADDecider Gate submits it to, mirroring a
// real ASR refiner that judges the speech it also transcribes.
type e2eASR struct {
	mu      sync.Mutex
	seen    []data.Item
	gatePtr *gt.Gate
}

func (a *e2eASR) Init(ctx context.Context) error    { return nil }
func (a *e2eASR) Cleanup(ctx context.Context) error { return nil }
func (a *e2eASR) Process(ctx context.Context, in node.Ports) (node.Ports, error) {
	item, ok := in["item"]
	if !ok {
		return node.Ports{}, nil
	}
	a.mu.Lock()
	a.seen = append(a.seen, item)
	a.mu.Unlock()
	return node.Ports{}, nil
}

// Submit implements gt.VADDecider: after a short delay (simulating
// refinement work), it judges the segment non-speech and reports back to
// the same gate, which must publish a CancelSpeculation on the real
// control broadcaster this scheduler wired it to.
func (a *e2eASR) Submit(ctx context.Context, segmentID string, chunk data.Item) error {
	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = a.gatePtr.ObserveDecision(context.Background(), gt.VADDecision{
			SegmentID: segmentID,
			Decision:  gt.DecisionNonSpeech,
		})
	}()
	return nil
}

func (a *e2eASR) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}

// TestBuildAndRun_SourceGateASRPipelineWiresGateIntoRealScheduler builds a
// real Source -> Gate -> ASR pipeline through Build and drives it through
// Run, proving the gate is reachable as an ordinary node.Node (via
// NodeAdapter) and that its ObserveDecision publishes a real
// CancelSpeculation through the scheduler's own control.Broadcaster, bound
// in post-construction via node.ControlPublisherAware.
func TestBuildAndRun_SourceGateASRPipelineWiresGateIntoRealScheduler(t *testing.T) {
	asr := &e2eASR{}

	r := node.NewRegistry()
	r.Register("e2e.source", node.Capabilities{}, func(c node.Capabilities) (node.Node, error) {
		return &e2eSource{}, nil
	})
	r.Register("e2e.gate", node.Capabilities{SupportsControlMessages: true}, func(c node.Capabilities) (node.Node, error) {
		ring := ringbuffer.New(16)
		m := metrics.NewLatencyMetrics("gate")
		g := gt.New("sess-1", "", asr, ring, m, nil)
		asr.gatePtr = g
		return g.AsNode(), nil
	})
	r.Register("e2e.asr", node.Capabilities{}, func(c node.Capabilities) (node.Node, error) {
		return asr, nil
	})

	m := manifest.Manifest{
		Version: "1",
		Nodes: []manifest.NodeEntry{
			{ID: "source", NodeType: "e2e.source"},
			{ID: "gate", NodeType: "e2e.gate"},
			{ID: "asr", NodeType: "e2e.asr"},
		},
		Edges: []manifest.EdgeEntry{
			{From: "source", To: "gate"},
			{From: "gate", To: "asr"},
		},
		Config: manifest.Config{RetryPolicyMaxAttempts: 1, CircuitBreakerThreshold: 5},
	}

	s, err := Build("sess-1", m, r)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	cancelled := data.NewText("sess-1", "cancelled").WithArrivalTimestamp(510_000)
	allowed := data.NewText("sess-1", "allowed").WithArrivalTimestamp(600_000)

	go func() {
		// Give the source's one chunk time to flow through Gate to ASR,
		// and the asynchronous NonSpeech decision time to publish its
		// CancelSpeculation, before probing the cancellation it installs.
		time.Sleep(60 * time.Millisecond)
		_ = s.nodes["asr"].queue.Push(ctx, cancelled)
		_ = s.nodes["asr"].queue.Push(ctx, allowed)
	}()

	_ = s.Run(ctx)

	require.GreaterOrEqual(t, asr.Len(), 1, "ASR must receive the chunk Gate forwarded over the real data edge")

	asr.mu.Lock()
	defer asr.mu.Unlock()
	var sawAllowed bool
	for _, it := range asr.seen {
		if it.Text == nil {
			continue
		}
		assert.NotEqual(t, "cancelled", it.Text.Text, "an input inside Gate's published cancellation range must be dropped")
		if it.Text.Text == "allowed" {
			sawAllowed = true
		}
	}
	assert.True(t, sawAllowed, "an input outside the cancellation range must still be delivered")
}
