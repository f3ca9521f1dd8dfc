package foreign

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotemedia/executor/control"
	"github.com/remotemedia/executor/core"
	"github.com/remotemedia/executor/data"
	"github.com/remotemedia/executor/node"
	"github.com/remotemedia/executor/resilience"
)

type echoInvoker struct {
	seg     *Segment
	failErr error
}

func (e *echoInvoker) Invoke(ctx context.Context, sessionID string, req RecordRef) (RecordRef, error) {
	if e.failErr != nil {
		return RecordRef{}, e.failErr
	}
	// echo: decode then re-encode, simulating a foreign worker round trip
	p, err := ReadAudio(e.seg, req)
	if err != nil {
		return RecordRef{}, err
	}
	return WriteAudio(e.seg, p), nil
}

func TestAdapter_InitRequiresHandshake(t *testing.T) {
	seg := NewSegment(256)
	a := New("sess-1", "foreign-1", seg, &echoInvoker{seg: seg}, nil, AudioTypeDescriptor)
	err := a.Init(context.Background())
	require.Error(t, err)

	require.NoError(t, a.VerifyHandshake(AudioTypeDescriptor))
	require.NoError(t, a.Init(context.Background()))
}

func TestAdapter_ProcessRoundTripsThroughForeignWorker(t *testing.T) {
	seg := NewSegment(256)
	a := New("sess-1", "foreign-1", seg, &echoInvoker{seg: seg}, nil, AudioTypeDescriptor)
	require.NoError(t, a.VerifyHandshake(AudioTypeDescriptor))
	require.NoError(t, a.Init(context.Background()))

	in := data.NewAudio("sess-1", data.AudioPayload{SampleRateHz: 8000, Channels: 1, SampleCount: 2, Samples: []byte{1, 2}})
	out, err := a.Process(context.Background(), node.Ports{"item": in})
	require.NoError(t, err)
	assert.Equal(t, 8000, out["item"].Audio.SampleRateHz)
}

func TestAdapter_ProcessWrapsInvokerFailureAsForeignError(t *testing.T) {
	seg := NewSegment(256)
	a := New("sess-1", "foreign-1", seg, &echoInvoker{seg: seg, failErr: assertError{}}, nil, AudioTypeDescriptor)
	require.NoError(t, a.VerifyHandshake(AudioTypeDescriptor))

	in := data.NewAudio("sess-1", data.AudioPayload{SampleRateHz: 8000, Channels: 1, SampleCount: 1, Samples: []byte{1}})
	_, err := a.Process(context.Background(), node.Ports{"item": in})
	require.Error(t, err)
	ce, ok := err.(*core.Error)
	require.True(t, ok)
	assert.Equal(t, core.KindForeignError, ce.Kind)
}

type assertError struct{}

func (assertError) Error() string { return "simulated invoker failure" }

type recordingTransport struct {
	frames [][]byte
}

func (r *recordingTransport) SendFrame(ctx context.Context, frame []byte) error {
	r.frames = append(r.frames, frame)
	return nil
}

func TestAdapter_ProcessControlMessage_ForwardsOverTransport(t *testing.T) {
	seg := NewSegment(256)
	transport := &recordingTransport{}
	a := New("sess-1", "foreign-1", seg, &echoInvoker{seg: seg}, transport, AudioTypeDescriptor)

	msg := control.NewBatchHint("sess-1", 4)
	require.NoError(t, a.ProcessControlMessage(context.Background(), msg))
	assert.Len(t, transport.frames, 1)
}

func TestAdapter_ProcessControlMessage_RejectsWrongType(t *testing.T) {
	seg := NewSegment(256)
	a := New("sess-1", "foreign-1", seg, &echoInvoker{seg: seg}, &recordingTransport{}, AudioTypeDescriptor)
	err := a.ProcessControlMessage(context.Background(), "not a control message")
	require.Error(t, err)
}

func TestAdapter_WithRateLimiter_ReleasesSlotAfterProcess(t *testing.T) {
	seg := NewSegment(256)
	limiter := resilience.NewRateLimiter(resilience.InvocationLimits{MaxConcurrent: 1})
	a := New("sess-1", "foreign-1", seg, &echoInvoker{seg: seg}, nil, AudioTypeDescriptor).WithRateLimiter(limiter)
	require.NoError(t, a.VerifyHandshake(AudioTypeDescriptor))
	require.NoError(t, a.Init(context.Background()))

	in := data.NewAudio("sess-1", data.AudioPayload{SampleRateHz: 8000, Channels: 1, SampleCount: 1, Samples: []byte{1}})
	out, err := a.Process(context.Background(), node.Ports{"item": in})
	require.NoError(t, err)
	assert.Equal(t, 8000, out["item"].Audio.SampleRateHz)

	// The limiter slot must have been released after Process returns.
	// With MaxConcurrent 1, Allow can only succeed once that slot is free.
	allowCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, limiter.Allow(allowCtx))
}

func TestAdapter_WithHedgeBackup_UsesBackupWhenPrimaryFails(t *testing.T) {
	seg := NewSegment(256)
	a := New("sess-1", "foreign-1", seg, &echoInvoker{seg: seg, failErr: assertError{}}, nil, AudioTypeDescriptor).
		WithHedgeBackup(&echoInvoker{seg: seg}, time.Second)
	require.NoError(t, a.VerifyHandshake(AudioTypeDescriptor))
	require.NoError(t, a.Init(context.Background()))

	in := data.NewAudio("sess-1", data.AudioPayload{SampleRateHz: 16000, Channels: 1, SampleCount: 1, Samples: []byte{9}})
	out, err := a.Process(context.Background(), node.Ports{"item": in})
	require.NoError(t, err)
	assert.Equal(t, 16000, out["item"].Audio.SampleRateHz)
}
