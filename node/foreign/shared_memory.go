// Package foreign implements the §6.4 zero-copy shared-memory payload
// layout and the ForeignNode adapter that lets an out-of-process,
// different-runtime worker participate in the node graph as an opaque
// node, per the executor's foreign-worker boundary design.
package foreign

import (
	"encoding/binary"
	"sync"

	"github.com/remotemedia/executor/core"
	"github.com/remotemedia/executor/data"
)

// TypeDescriptor identifies a C-layout record type for the connection-time
// identity handshake: (type_name, type_size, type_alignment).
type TypeDescriptor struct {
	Name      string
	Size      uint32
	Alignment uint32
}

// Handshake validates that local and remote agree on a type's layout
// before any data item crosses the boundary.
func Handshake(local, remote TypeDescriptor) error {
	if local.Name != remote.Name || local.Size != remote.Size || local.Alignment != remote.Alignment {
		return core.NewError("foreign.handshake", core.KindIPCError,
			"type identity mismatch: local="+local.Name+" remote="+remote.Name, nil)
	}
	return nil
}

// RecordRef is the wire reference to a shared-memory record: an offset
// into the segment, never a pointer.
type RecordRef struct {
	Offset uint32
	Length uint32
}

// Segment is an in-process stand-in for a shared-memory region: a
// bump-allocated byte buffer both the local process and an in-process
// foreign-worker stub address by offset; Read hands out a copy of a
// record's bytes. A real
// cross-process transport backs this with an actual POSIX/Win32 shared
// mapping; the record layout and offset semantics are identical either
// way.
type Segment struct {
	mu   sync.Mutex
	buf  []byte
	next uint32
}

// NewSegment creates a Segment with the given initial capacity.
func NewSegment(capacity int) *Segment {
	return &Segment{buf: make([]byte, 0, capacity)}
}

// alloc appends n zeroed, alignment-padded bytes and returns the offset at
// which the caller may write its record.
func (s *Segment) alloc(n int, alignment int) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	offset := alignUp(uint32(len(s.buf)), uint32(alignment))
	if int(offset)+n > cap(s.buf) {
		grown := make([]byte, offset, (int(offset)+n)*2)
		copy(grown, s.buf)
		s.buf = grown
	}
	s.buf = s.buf[:int(offset)+n]
	return offset
}

func alignUp(v, alignment uint32) uint32 {
	if alignment <= 1 {
		return v
	}
	rem := v % alignment
	if rem == 0 {
		return v
	}
	return v + (alignment - rem)
}

// Read returns a copy of the bytes at ref. The caller never receives a
// pointer into the segment itself, matching the data item's move-by-copy
// ownership rule once it crosses a process boundary.
func (s *Segment) Read(ref RecordRef) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, ref.Length)
	copy(out, s.buf[ref.Offset:ref.Offset+ref.Length])
	return out
}

// audioHeaderSize is the fixed, padded size of the C-layout audio record
// header: sample_rate_hz(4) + channels(4) + format(4) + sample_count(4) = 16 bytes, 4-byte aligned.
const audioHeaderSize = 16
const audioHeaderAlignment = 4

// AudioTypeDescriptor describes the audio record layout for the identity
// handshake.
var AudioTypeDescriptor = TypeDescriptor{Name: "remotemedia.audio_record", Size: audioHeaderSize, Alignment: audioHeaderAlignment}

// WriteAudio encodes an AudioPayload as a C-layout record (fixed header
// then raw little-endian sample bytes) and returns its RecordRef.
func WriteAudio(seg *Segment, p data.AudioPayload) RecordRef {
	total := audioHeaderSize + len(p.Samples)
	offset := seg.alloc(total, audioHeaderAlignment)

	seg.mu.Lock()
	defer seg.mu.Unlock()
	buf := seg.buf[offset : offset+uint32(total)]
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.SampleRateHz))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.Channels))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.Format))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(p.SampleCount))
	copy(buf[audioHeaderSize:], p.Samples)

	return RecordRef{Offset: offset, Length: uint32(total)}
}

// ReadAudio decodes an AudioPayload previously written by WriteAudio.
func ReadAudio(seg *Segment, ref RecordRef) (data.AudioPayload, error) {
	raw := seg.Read(ref)
	if len(raw) < audioHeaderSize {
		return data.AudioPayload{}, core.NewError("foreign.read_audio", core.KindIPCError, "record shorter than audio header", nil)
	}
	return data.AudioPayload{
		SampleRateHz: int(binary.LittleEndian.Uint32(raw[0:4])),
		Channels:     int(binary.LittleEndian.Uint32(raw[4:8])),
		Format:       data.SampleFormat(binary.LittleEndian.Uint32(raw[8:12])),
		SampleCount:  int(binary.LittleEndian.Uint32(raw[12:16])),
		Samples:      raw[audioHeaderSize:],
	}, nil
}

// videoHeaderSize: pixel_format(4) + width(4) + height(4) + frame_number(8) + keyframe(4, padded bool) = 24 bytes.
const videoHeaderSize = 24
const videoHeaderAlignment = 8

// VideoTypeDescriptor describes the video record layout for the identity
// handshake.
var VideoTypeDescriptor = TypeDescriptor{Name: "remotemedia.video_record", Size: videoHeaderSize, Alignment: videoHeaderAlignment}

// WriteVideo encodes a VideoPayload as a C-layout record.
func WriteVideo(seg *Segment, p data.VideoPayload) RecordRef {
	total := videoHeaderSize + len(p.Bytes)
	offset := seg.alloc(total, videoHeaderAlignment)

	seg.mu.Lock()
	defer seg.mu.Unlock()
	buf := seg.buf[offset : offset+uint32(total)]
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.PixelFormat))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.Width))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.Height))
	binary.LittleEndian.PutUint64(buf[12:20], p.FrameNumber)
	if p.Keyframe {
		buf[20] = 1
	}
	copy(buf[videoHeaderSize:], p.Bytes)

	return RecordRef{Offset: offset, Length: uint32(total)}
}

// ReadVideo decodes a VideoPayload previously written by WriteVideo.
func ReadVideo(seg *Segment, ref RecordRef) (data.VideoPayload, error) {
	raw := seg.Read(ref)
	if len(raw) < videoHeaderSize {
		return data.VideoPayload{}, core.NewError("foreign.read_video", core.KindIPCError, "record shorter than video header", nil)
	}
	return data.VideoPayload{
		PixelFormat: data.PixelFormat(binary.LittleEndian.Uint32(raw[0:4])),
		Width:       int(binary.LittleEndian.Uint32(raw[4:8])),
		Height:      int(binary.LittleEndian.Uint32(raw[8:12])),
		FrameNumber: binary.LittleEndian.Uint64(raw[12:20]),
		Keyframe:    raw[20] != 0,
		Bytes:       raw[videoHeaderSize:],
	}, nil
}
