// Package data defines RuntimeData, the tagged-union item that flows along
// the edges of a pipeline graph, and the session/stream timestamp
// conventions shared by every node.
package data

import (
	"github.com/remotemedia/executor/control"
	"github.com/remotemedia/executor/core"
)

// Kind discriminates the RuntimeData tagged union. The set is closed; every
// node that switches on Kind must handle all seven variants exhaustively.
type Kind int

const (
	KindAudio Kind = iota + 1
	KindVideo
	KindText
	KindBinary
	KindTensor
	KindJSON
	KindControlMessage
)

// String returns a human-readable name for the kind, used in log lines and
// error messages.
func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	case KindTensor:
		return "tensor"
	case KindJSON:
		return "json"
	case KindControlMessage:
		return "control_message"
	default:
		return "unknown"
	}
}

// SampleFormat identifies the PCM sample encoding of an AudioPayload.
type SampleFormat int

const (
	SampleFormatInt16 SampleFormat = iota + 1
	SampleFormatInt32
	SampleFormatFloat32
)

// AudioPayload is the Audio variant of RuntimeData.
type AudioPayload struct {
	SampleRateHz int
	Channels     int
	Format       SampleFormat
	SampleCount  int
	Samples      []byte
}

// PixelFormat identifies the Video variant's pixel layout.
type PixelFormat int

const (
	PixelFormatI420 PixelFormat = iota + 1
	PixelFormatNV12
	PixelFormatRGBA
)

// VideoPayload is the Video variant of RuntimeData.
type VideoPayload struct {
	PixelFormat PixelFormat
	Codec       string
	Width       int
	Height      int
	FrameNumber uint64
	Keyframe    bool
	Bytes       []byte
}

// TextPayload is the Text variant of RuntimeData.
type TextPayload struct {
	Text string
}

// BinaryPayload is the Binary variant of RuntimeData.
type BinaryPayload struct {
	Bytes []byte
}

// TensorPayload is the Tensor variant of RuntimeData.
type TensorPayload struct {
	Shape       []int64
	ElementType string
	Bytes       []byte
}

// JSONPayload is the Json variant of RuntimeData.
type JSONPayload struct {
	Value any
}

// Item is a single RuntimeData item traveling along a pipeline edge. Exactly
// one of the variant fields is populated, selected by Kind; a ControlMessage
// variant exists for wire-format completeness (the data-channel variant of
// the model described in the executor's open questions) even though this
// executor routes control messages on the separate priority channel in
// control.Broadcaster, not inline with data.
type Item struct {
	Kind Kind

	SessionID string

	// MediaTimestampUs is optional; zero value means "unset". Use HasMediaTimestamp.
	MediaTimestampUs    int64
	HasMediaTimestamp   bool
	ArrivalTimestampUs  int64
	HasArrivalTimestamp bool
	StreamID            string
	DeadlineHintUs      int64
	HasDeadlineHint     bool

	Audio   *AudioPayload
	Video   *VideoPayload
	Text    *TextPayload
	Binary  *BinaryPayload
	Tensor  *TensorPayload
	JSON    *JSONPayload
	Control *control.Message
}

// NewText builds a Text item.
func NewText(sessionID, text string) Item {
	return Item{Kind: KindText, SessionID: sessionID, Text: &TextPayload{Text: text}}
}

// NewAudio builds an Audio item.
func NewAudio(sessionID string, payload AudioPayload) Item {
	return Item{Kind: KindAudio, SessionID: sessionID, Audio: &payload}
}

// NewVideo builds a Video item.
func NewVideo(sessionID string, payload VideoPayload) Item {
	return Item{Kind: KindVideo, SessionID: sessionID, Video: &payload}
}

// NewTensor builds a Tensor item.
func NewTensor(sessionID string, payload TensorPayload) Item {
	return Item{Kind: KindTensor, SessionID: sessionID, Tensor: &payload}
}

// NewBinary builds a Binary item.
func NewBinary(sessionID string, b []byte) Item {
	return Item{Kind: KindBinary, SessionID: sessionID, Binary: &BinaryPayload{Bytes: b}}
}

// NewJSON builds a Json item.
func NewJSON(sessionID string, v any) Item {
	return Item{Kind: KindJSON, SessionID: sessionID, JSON: &JSONPayload{Value: v}}
}

// WithMediaTimestamp returns a copy of it with MediaTimestampUs set.
func (it Item) WithMediaTimestamp(us int64) Item {
	it.MediaTimestampUs, it.HasMediaTimestamp = us, true
	return it
}

// WithArrivalTimestamp returns a copy of it with ArrivalTimestampUs set.
func (it Item) WithArrivalTimestamp(us int64) Item {
	it.ArrivalTimestampUs, it.HasArrivalTimestamp = us, true
	return it
}

// WithDeadlineHint returns a copy of it with DeadlineHintUs set.
func (it Item) WithDeadlineHint(us int64) Item {
	it.DeadlineHintUs, it.HasDeadlineHint = us, true
	return it
}

// WithStreamID returns a copy of it with StreamID set.
func (it Item) WithStreamID(id string) Item {
	it.StreamID = id
	return it
}

// Validate checks the invariants shared by every RuntimeData item: a
// session id is always required, and exactly the payload field matching
// Kind must be populated.
func (it Item) Validate() error {
	if it.SessionID == "" {
		return core.NewError("data.validate", core.KindManifestError, "session_id is required", nil)
	}
	switch it.Kind {
	case KindAudio:
		if it.Audio == nil {
			return missingPayload("audio")
		}
	case KindVideo:
		if it.Video == nil {
			return missingPayload("video")
		}
	case KindText:
		if it.Text == nil {
			return missingPayload("text")
		}
	case KindBinary:
		if it.Binary == nil {
			return missingPayload("binary")
		}
	case KindTensor:
		if it.Tensor == nil {
			return missingPayload("tensor")
		}
	case KindJSON:
		if it.JSON == nil {
			return missingPayload("json")
		}
	case KindControlMessage:
		if it.Control == nil {
			return missingPayload("control_message")
		}
	default:
		return core.NewError("data.validate", core.KindManifestError, "unknown kind", nil)
	}
	return nil
}

func missingPayload(kind string) error {
	return core.NewError("data.validate", core.KindManifestError, "missing "+kind+" payload for matching kind", nil)
}
