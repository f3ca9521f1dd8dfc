package foreign

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotemedia/executor/data"
)

func TestHandshake_MatchingDescriptorsSucceed(t *testing.T) {
	require.NoError(t, Handshake(AudioTypeDescriptor, AudioTypeDescriptor))
}

func TestHandshake_MismatchFails(t *testing.T) {
	other := AudioTypeDescriptor
	other.Size = 999
	require.Error(t, Handshake(AudioTypeDescriptor, other))
}

func TestWriteReadAudio_RoundTrip(t *testing.T) {
	seg := NewSegment(1024)
	p := data.AudioPayload{
		SampleRateHz: 16000,
		Channels:     1,
		Format:       data.SampleFormatInt16,
		SampleCount:  4,
		Samples:      []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	ref := WriteAudio(seg, p)

	got, err := ReadAudio(seg, ref)
	require.NoError(t, err)
	assert.Equal(t, p.SampleRateHz, got.SampleRateHz)
	assert.Equal(t, p.Channels, got.Channels)
	assert.Equal(t, p.Format, got.Format)
	assert.Equal(t, p.SampleCount, got.SampleCount)
	assert.Equal(t, p.Samples, got.Samples)
}

func TestWriteReadVideo_RoundTrip(t *testing.T) {
	seg := NewSegment(1024)
	p := data.VideoPayload{
		PixelFormat: data.PixelFormatI420,
		Width:       640,
		Height:      480,
		FrameNumber: 42,
		Keyframe:    true,
		Bytes:       []byte{9, 9, 9},
	}
	ref := WriteVideo(seg, p)

	got, err := ReadVideo(seg, ref)
	require.NoError(t, err)
	assert.Equal(t, p.PixelFormat, got.PixelFormat)
	assert.Equal(t, p.Width, got.Width)
	assert.Equal(t, p.Height, got.Height)
	assert.Equal(t, p.FrameNumber, got.FrameNumber)
	assert.True(t, got.Keyframe)
	assert.Equal(t, p.Bytes, got.Bytes)
}

func TestSegment_RecordsDoNotOverlap(t *testing.T) {
	seg := NewSegment(64)
	ref1 := WriteAudio(seg, data.AudioPayload{SampleRateHz: 1, Channels: 1, SampleCount: 1, Samples: []byte{0xAA}})
	ref2 := WriteAudio(seg, data.AudioPayload{SampleRateHz: 2, Channels: 2, SampleCount: 2, Samples: []byte{0xBB}})

	got1, err := ReadAudio(seg, ref1)
	require.NoError(t, err)
	got2, err := ReadAudio(seg, ref2)
	require.NoError(t, err)
	assert.Equal(t, 1, got1.SampleRateHz)
	assert.Equal(t, 2, got2.SampleRateHz)
}

func TestReadAudio_TooShortRecordErrors(t *testing.T) {
	seg := NewSegment(16)
	_, err := ReadAudio(seg, RecordRef{Offset: 0, Length: 2})
	require.Error(t, err)
}
