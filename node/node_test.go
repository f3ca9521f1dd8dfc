package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotemedia/executor/data"
)

func TestPorts_CarryRuntimeDataItems(t *testing.T) {
	ports := Ports{"in": data.NewText("sess-1", "hello")}
	assert.Equal(t, "hello", ports["in"].Text.Text)
}

type echoNode struct{ initCalled, cleanupCalled bool }

func (e *echoNode) Init(ctx context.Context) error    { e.initCalled = true; return nil }
func (e *echoNode) Cleanup(ctx context.Context) error { e.cleanupCalled = true; return nil }
func (e *echoNode) Process(ctx context.Context, in Ports) (Ports, error) {
	return in, nil
}

func TestNode_ThreePhaseLifecycle(t *testing.T) {
	n := &echoNode{}
	ctx := context.Background()
	require.NoError(t, n.Init(ctx))
	out, err := n.Process(ctx, Ports{"in": data.NewText("s", "x")})
	require.NoError(t, err)
	assert.Equal(t, "x", out["in"].Text.Text)
	require.NoError(t, n.Cleanup(ctx))
	assert.True(t, n.initCalled)
	assert.True(t, n.cleanupCalled)
}

func TestRuntime_String(t *testing.T) {
	assert.Equal(t, "native", RuntimeNative.String())
	assert.Equal(t, "foreign", RuntimeForeign.String())
}
