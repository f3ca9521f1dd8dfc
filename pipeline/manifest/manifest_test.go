package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifest() Manifest {
	return Manifest{
		Version: "1",
		Nodes: []NodeEntry{
			{ID: "source", NodeType: "audio_source"},
			{ID: "sink", NodeType: "audio_sink"},
		},
		Edges: []EdgeEntry{
			{From: "source", To: "sink"},
		},
		Config: Config{EnableMetrics: true, MetricsPort: 9090},
	}
}

func TestManifest_Valid(t *testing.T) {
	m := validManifest()
	require.NoError(t, m.Validate())
}

func TestManifest_MissingVersionRejected(t *testing.T) {
	m := validManifest()
	m.Version = ""
	require.Error(t, m.Validate())
}

func TestManifest_NoNodesRejected(t *testing.T) {
	m := validManifest()
	m.Nodes = nil
	require.Error(t, m.Validate())
}

func TestManifest_NodeMissingIDRejected(t *testing.T) {
	m := validManifest()
	m.Nodes[0].ID = ""
	require.Error(t, m.Validate())
}

func TestManifest_InvalidRuntimeHintRejected(t *testing.T) {
	m := validManifest()
	m.Nodes[0].RuntimeHint = "quantum"
	require.Error(t, m.Validate())
}

func TestManifest_ValidRuntimeHintAccepted(t *testing.T) {
	m := validManifest()
	m.Nodes[0].RuntimeHint = RuntimeForeign
	require.NoError(t, m.Validate())
}

func TestManifest_BufferingOverride_MaxBufferBelowMinBatchRejected(t *testing.T) {
	m := validManifest()
	m.Nodes[0].Buffering = &BufferingOverride{
		MinBatchSize:  10,
		MaxWaitUs:     1000,
		MaxBufferSize: 5,
		MergeStrategy: "concatenate_text",
	}
	require.Error(t, m.Validate())
}

func TestManifest_BufferingOverride_Valid(t *testing.T) {
	m := validManifest()
	m.Nodes[0].Buffering = &BufferingOverride{
		MinBatchSize:  2,
		MaxWaitUs:     1000,
		MaxBufferSize: 10,
		MergeStrategy: "concatenate_audio",
	}
	require.NoError(t, m.Validate())
}

func TestManifest_InvalidMetricsPortRejected(t *testing.T) {
	m := validManifest()
	m.Config.MetricsPort = 70000
	require.Error(t, m.Validate())
}

func TestManifest_CapabilitiesOverride_InvalidOverflowPolicyRejected(t *testing.T) {
	m := validManifest()
	m.Nodes[0].CapabilitiesOverride = &CapabilitiesOverride{OverflowPolicy: "explode"}
	require.Error(t, m.Validate())
}

func TestManifest_EdgeMissingEndpointsRejected(t *testing.T) {
	m := validManifest()
	m.Edges = []EdgeEntry{{From: "", To: "sink"}}
	require.Error(t, m.Validate())
	assert.NotNil(t, m.Edges)
}
