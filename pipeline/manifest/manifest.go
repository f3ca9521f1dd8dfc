// Package manifest defines the pipeline manifest type consumed by the
// executor's build phase, per §6.1. Parsing/loading a manifest document
// (YAML, JSON, or otherwise) is out of scope; this package defines the
// validated Go shape a loader must produce.
package manifest

import (
	"github.com/go-playground/validator/v10"

	"github.com/remotemedia/executor/core"
)

// RuntimeHint is the optional per-node runtime preference.
type RuntimeHint string

const (
	RuntimeAuto    RuntimeHint = "auto"
	RuntimeNative  RuntimeHint = "native"
	RuntimeForeign RuntimeHint = "foreign"
)

// NodeEntry is one manifest node declaration.
type NodeEntry struct {
	ID          string         `validate:"required"`
	NodeType    string         `validate:"required"`
	Params      map[string]any `validate:"omitempty"`
	RuntimeHint RuntimeHint    `validate:"omitempty,oneof=auto native foreign"`

	CapabilitiesOverride *CapabilitiesOverride `validate:"omitempty"`
	Buffering            *BufferingOverride    `validate:"omitempty"`
}

// CapabilitiesOverride mirrors the per-pipeline overridable subset of
// node.Capabilities described in the data model.
type CapabilitiesOverride struct {
	QueueCapacity  int    `validate:"omitempty,gt=0"`
	OverflowPolicy string `validate:"omitempty,oneof=drop_oldest drop_newest block merge_on_overflow"`
}

// BufferingOverride mirrors BufferingPolicy for manifest-level override.
type BufferingOverride struct {
	MinBatchSize  int    `validate:"required,gte=1"`
	MaxWaitUs     int64  `validate:"required,gt=0"`
	MaxBufferSize int    `validate:"required,gtefield=MinBatchSize"`
	MergeStrategy string `validate:"required,oneof=concatenate_text concatenate_audio keep_separate custom"`
}

// EdgeEntry is one manifest edge declaration.
type EdgeEntry struct {
	From     string `validate:"required"`
	To       string `validate:"required"`
	FromPort string `validate:"omitempty"`
	ToPort   string `validate:"omitempty"`
}

// Config is the manifest's top-level config block.
type Config struct {
	EnableMetrics           bool `validate:"omitempty"`
	RetryPolicyMaxAttempts  int  `validate:"omitempty,gte=1"`
	CircuitBreakerThreshold int  `validate:"omitempty,gte=1"`
	MetricsPort             int  `validate:"omitempty,gt=0,lte=65535"`
}

// Manifest is the full pipeline manifest: the structured document
// consumed by the executor's build phase.
type Manifest struct {
	Version string      `validate:"required"`
	Nodes   []NodeEntry `validate:"required,min=1,dive"`
	Edges   []EdgeEntry `validate:"dive"`
	Config  Config      `validate:"required"`
}

// Validate checks the manifest's struct-tag invariants (required fields,
// enum membership, numeric bounds). It does not check graph-level
// invariants (cycles, dangling edges beyond what pipeline.Graph computes);
// callers feed a validated Manifest into pipeline.Graph for that.
func (m *Manifest) Validate() error {
	validate := validator.New()
	if err := validate.Struct(m); err != nil {
		return core.NewError("manifest.validate", core.KindManifestError, err.Error(), err)
	}
	return nil
}
