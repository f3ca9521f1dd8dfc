package control

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/remotemedia/executor/core"
)

// frameType is the fixed 1-byte discriminator for a ControlMessage frame on
// the wire, per the control-message wire format: every transport and IPC
// layer must preserve this exact byte layout.
const frameType byte = 5

// wirePayload is the JSON shape carried in the frame's payload section.
// Field names are part of the bit-exact wire contract.
type wirePayload struct {
	MessageType     string         `json:"message_type"`
	TargetSegmentID string         `json:"target_segment_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`

	CancelFromUs       int64 `json:"cancel_from_us,omitempty"`
	CancelToUs         int64 `json:"cancel_to_us,omitempty"`
	SuggestedBatchSize int   `json:"suggested_batch_size,omitempty"`
	DeadlineUs         int64 `json:"deadline_us,omitempty"`
}

// Encode serializes m into the binary frame:
//
//	type            : 1 byte  (= 5 for ControlMessage)
//	session_len     : 2 bytes, big-endian
//	session_id      : UTF-8 bytes, length session_len
//	created_ts_us   : 8 bytes, big-endian unsigned
//	payload_len     : 4 bytes, big-endian unsigned
//	payload         : payload_len bytes, UTF-8 JSON
//
// This layout is mandatory across in-process IPC to foreign workers and is
// the canonical form for every other transport.
func Encode(m Message) ([]byte, error) {
	if len(m.SessionID) > 0xFFFF {
		return nil, core.NewError("control.encode", core.KindIPCError, "session_id too long for wire frame", nil)
	}

	payload := wirePayload{
		MessageType:        m.Type.String(),
		TargetSegmentID:    m.TargetSegmentID,
		Metadata:           m.Metadata,
		CancelFromUs:       m.CancelFromUs,
		CancelToUs:         m.CancelToUs,
		SuggestedBatchSize: m.SuggestedBatchSize,
		DeadlineUs:         m.DeadlineUs,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, core.NewError("control.encode", core.KindIPCError, "marshal payload", err)
	}

	buf := make([]byte, 0, 1+2+len(m.SessionID)+8+4+len(payloadBytes))
	buf = append(buf, frameType)

	sessionLen := make([]byte, 2)
	binary.BigEndian.PutUint16(sessionLen, uint16(len(m.SessionID)))
	buf = append(buf, sessionLen...)
	buf = append(buf, m.SessionID...)

	createdTS := make([]byte, 8)
	binary.BigEndian.PutUint64(createdTS, uint64(m.CreatedAt.UnixMicro()))
	buf = append(buf, createdTS...)

	payloadLen := make([]byte, 4)
	binary.BigEndian.PutUint32(payloadLen, uint32(len(payloadBytes)))
	buf = append(buf, payloadLen...)
	buf = append(buf, payloadBytes...)

	return buf, nil
}

// Decode parses a binary control-message frame produced by Encode. It
// returns the number of bytes consumed from buf so callers can decode
// successive frames from a shared stream buffer.
func Decode(buf []byte) (Message, int, error) {
	const headerLen = 1 + 2 + 8 + 4
	if len(buf) < 1 {
		return Message{}, 0, core.NewError("control.decode", core.KindIPCError, "empty frame", nil)
	}
	if buf[0] != frameType {
		return Message{}, 0, core.NewError("control.decode", core.KindIPCError,
			fmt.Sprintf("unexpected frame type %d, want %d", buf[0], frameType), nil)
	}
	if len(buf) < 3 {
		return Message{}, 0, core.NewError("control.decode", core.KindIPCError, "truncated frame: session_len", nil)
	}
	sessionLen := int(binary.BigEndian.Uint16(buf[1:3]))

	need := 3 + sessionLen + 8 + 4
	if len(buf) < need {
		return Message{}, 0, core.NewError("control.decode", core.KindIPCError, "truncated frame: session_id/header", nil)
	}
	sessionID := string(buf[3 : 3+sessionLen])
	off := 3 + sessionLen

	createdUs := int64(binary.BigEndian.Uint64(buf[off : off+8]))
	off += 8

	payloadLen := int(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4

	if len(buf) < off+payloadLen {
		return Message{}, 0, core.NewError("control.decode", core.KindIPCError, "truncated frame: payload", nil)
	}
	payloadBytes := buf[off : off+payloadLen]
	off += payloadLen

	var wp wirePayload
	if err := json.Unmarshal(payloadBytes, &wp); err != nil {
		return Message{}, 0, core.NewError("control.decode", core.KindIPCError, "unmarshal payload", err)
	}

	typ, err := parseType(wp.MessageType)
	if err != nil {
		return Message{}, 0, err
	}

	m := Message{
		Type:               typ,
		SessionID:           sessionID,
		CreatedAt:            time.UnixMicro(createdUs).UTC(),
		TargetSegmentID:      wp.TargetSegmentID,
		Metadata:             wp.Metadata,
		CancelFromUs:         wp.CancelFromUs,
		CancelToUs:           wp.CancelToUs,
		SuggestedBatchSize:   wp.SuggestedBatchSize,
		DeadlineUs:           wp.DeadlineUs,
	}
	return m, off, nil
}

func parseType(s string) (Type, error) {
	switch s {
	case TypeCancelSpeculation.String():
		return TypeCancelSpeculation, nil
	case TypeBatchHint.String():
		return TypeBatchHint, nil
	case TypeDeadlineWarning.String():
		return TypeDeadlineWarning, nil
	default:
		return 0, core.NewError("control.decode", core.KindIPCError, fmt.Sprintf("unknown message_type %q", s), nil)
	}
}

// EncodeJSON renders m as the canonical JSON encoding used by text-event
// transports (the non-binary form of the same fields named in the binary
// frame's payload section, plus the framing fields as top-level JSON).
func EncodeJSON(m Message) ([]byte, error) {
	type jsonFrame struct {
		Type          string `json:"type"`
		SessionID     string `json:"session_id"`
		CreatedTSUs   int64  `json:"created_ts_us"`
		wirePayload
	}
	jf := jsonFrame{
		Type:        "control_message",
		SessionID:   m.SessionID,
		CreatedTSUs: m.CreatedAt.UnixMicro(),
		wirePayload: wirePayload{
			MessageType:        m.Type.String(),
			TargetSegmentID:    m.TargetSegmentID,
			Metadata:           m.Metadata,
			CancelFromUs:       m.CancelFromUs,
			CancelToUs:         m.CancelToUs,
			SuggestedBatchSize: m.SuggestedBatchSize,
			DeadlineUs:         m.DeadlineUs,
		},
	}
	b, err := json.Marshal(jf)
	if err != nil {
		return nil, core.NewError("control.encode_json", core.KindIPCError, "marshal", err)
	}
	return b, nil
}
