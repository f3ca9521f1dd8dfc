// Package control implements the control-plane carried beside the data path:
// typed control events (speculation cancellation, batch hints, deadline
// warnings), their bit-exact binary wire format, and an in-process broadcast
// channel that preserves per-emitter ordering across fan-out to every
// downstream edge.
package control

import (
	"fmt"
	"time"

	"github.com/remotemedia/executor/core"
)

// Type identifies the variant of a ControlMessage. The set is closed and
// exhaustively matched wherever a ControlMessage is handled.
type Type int

const (
	// TypeCancelSpeculation cancels in-flight work derived from a
	// speculative segment's timestamp range.
	TypeCancelSpeculation Type = iota + 1

	// TypeBatchHint suggests a batch size to a downstream Buffered Processor.
	TypeBatchHint

	// TypeDeadlineWarning advises nodes that a deadline is approaching.
	TypeDeadlineWarning
)

// String returns the wire/JSON name of the message type.
func (t Type) String() string {
	switch t {
	case TypeCancelSpeculation:
		return "cancel_speculation"
	case TypeBatchHint:
		return "batch_hint"
	case TypeDeadlineWarning:
		return "deadline_warning"
	default:
		return "unknown"
	}
}

// maxMessageAge is the threshold beyond which a message is considered
// "older than 100 ms" per the control-message age check. Such messages are
// still delivered, only logged.
const maxMessageAge = 100 * time.Millisecond

// Message is the tagged-union control event carried on the control channel.
// Exactly one of the variant-specific field groups below is meaningful,
// selected by Type.
type Message struct {
	// Type selects the variant.
	Type Type

	// SessionID must match the pipeline's session.
	SessionID string

	// CreatedAt is when the message was created (microsecond precision is
	// preserved by the wire codec; in-process this carries full time.Time
	// precision).
	CreatedAt time.Time

	// TargetSegmentID optionally names the speculative segment this
	// message concerns.
	TargetSegmentID string

	// Metadata is an extensible, schema-less bag of additional data.
	Metadata map[string]any

	// CancelFromUs, CancelToUs are set for TypeCancelSpeculation: the
	// half-open timestamp range [from, to) to cancel. from < to required.
	CancelFromUs, CancelToUs int64

	// SuggestedBatchSize is set for TypeBatchHint.
	SuggestedBatchSize int

	// DeadlineUs is set for TypeDeadlineWarning.
	DeadlineUs int64
}

// NewCancelSpeculation builds a CancelSpeculation message for the half-open
// range [fromUs, toUs).
func NewCancelSpeculation(sessionID, segmentID string, fromUs, toUs int64) Message {
	return Message{
		Type:            TypeCancelSpeculation,
		SessionID:       sessionID,
		CreatedAt:       time.Now(),
		TargetSegmentID: segmentID,
		CancelFromUs:    fromUs,
		CancelToUs:      toUs,
	}
}

// NewBatchHint builds a BatchHint message.
func NewBatchHint(sessionID string, suggestedBatchSize int) Message {
	return Message{
		Type:               TypeBatchHint,
		SessionID:          sessionID,
		CreatedAt:          time.Now(),
		SuggestedBatchSize: suggestedBatchSize,
	}
}

// NewDeadlineWarning builds a DeadlineWarning message.
func NewDeadlineWarning(sessionID string, deadlineUs int64) Message {
	return Message{
		Type:       TypeDeadlineWarning,
		SessionID:  sessionID,
		CreatedAt:  time.Now(),
		DeadlineUs: deadlineUs,
	}
}

// Validate checks structural invariants on m, returning a *core.Error with
// KindManifestError-adjacent semantics (callers of Validate are always at a
// control-plane boundary, never at manifest build time, so the kind used is
// KindIPCError to signal "malformed control traffic").
func (m Message) Validate(expectSessionID string) error {
	if m.SessionID == "" {
		return core.NewError("control.validate", core.KindIPCError, "session_id is required", nil)
	}
	if expectSessionID != "" && m.SessionID != expectSessionID {
		return core.NewError("control.validate", core.KindIPCError,
			fmt.Sprintf("session_id %q does not match pipeline session %q", m.SessionID, expectSessionID), nil)
	}
	switch m.Type {
	case TypeCancelSpeculation:
		if m.CancelFromUs >= m.CancelToUs {
			return core.NewError("control.validate", core.KindIPCError,
				"CancelSpeculation requires from < to", nil)
		}
	case TypeBatchHint:
		if m.SuggestedBatchSize <= 0 {
			return core.NewError("control.validate", core.KindIPCError,
				"BatchHint requires a positive suggested batch size", nil)
		}
	case TypeDeadlineWarning:
		if m.DeadlineUs <= 0 {
			return core.NewError("control.validate", core.KindIPCError,
				"DeadlineWarning requires a positive deadline", nil)
		}
	default:
		return core.NewError("control.validate", core.KindIPCError,
			fmt.Sprintf("unknown message type %d", m.Type), nil)
	}
	return nil
}

// IsStale reports whether m is older than the 100 ms age threshold relative
// to now. Stale messages are logged by callers but still delivered; IsStale
// never blocks or rejects delivery.
func (m Message) IsStale(now time.Time) bool {
	return now.Sub(m.CreatedAt) > maxMessageAge
}

// Overlaps reports whether the CancelSpeculation range [CancelFromUs,
// CancelToUs) overlaps the half-open range [fromUs, toUs), e.g. an
// in-flight invocation's input arrival timestamp range.
func (m Message) Overlaps(fromUs, toUs int64) bool {
	if m.Type != TypeCancelSpeculation {
		return false
	}
	return m.CancelFromUs < toUs && fromUs < m.CancelToUs
}

// CoversTimestamp reports whether ts falls within [CancelFromUs, CancelToUs).
func (m Message) CoversTimestamp(ts int64) bool {
	if m.Type != TypeCancelSpeculation {
		return false
	}
	return ts >= m.CancelFromUs && ts < m.CancelToUs
}
