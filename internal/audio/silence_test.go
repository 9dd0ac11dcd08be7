package audio

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsSilentWAVDetectsSilence(t *testing.T) {
	t.Parallel()

	silent, metrics, err := IsSilentWAV(makePCM16WAV(make([]int16, 16000), 16000, 1), -65)
	require.NoError(t, err)
	require.True(t, silent)
	require.True(t, math.IsInf(metrics.RMSdBFS, -1))
	require.True(t, math.IsInf(metrics.PeakdBFS, -1))
	require.EqualValues(t, 16000, metrics.Samples)
}

func TestIsSilentWAVDetectsSpeechLikeSignal(t *testing.T) {
	t.Parallel()

	samples := make([]int16, 16000)
	for i := range samples {
		samples[i] = int16(0.25 * 32767 * math.Sin(2*math.Pi*440*float64(i)/16000.0))
	}

	silent, metrics, err := IsSilentWAV(makePCM16WAV(samples, 16000, 1), -65)
	require.NoError(t, err)
	require.False(t, silent)
	require.Greater(t, metrics.PeakdBFS, -20.0)
	require.Greater(t, metrics.RMSdBFS, -20.0)
}

func TestIsSilentWAVInvalidFile(t *testing.T) {
	t.Parallel()

	_, _, err := IsSilentWAV([]byte("hello"), -65)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidWAV)

	_, _, err = IsSilentWAV([]byte("RIFF\x00\x00\x00\x00WAVEjunk"), -65)
	require.ErrorIs(t, err, ErrInvalidWAV)
}

func TestAnalyzeWAVToleratesStreamedDataSize(t *testing.T) {
	t.Parallel()

	samples := make([]int16, 800)
	for i := range samples {
		samples[i] = 8000
	}
	wav := makePCM16WAV(samples, 16000, 1)
	// data chunk size field sits right after the "data" tag at offset 36.
	binary.LittleEndian.PutUint32(wav[40:], 0xFFFFFFFF)

	metrics, err := AnalyzeWAV(wav)
	require.NoError(t, err)
	require.EqualValues(t, 800, metrics.Samples)
	require.InDelta(t, 20*math.Log10(8000.0/32768.0), metrics.RMSdBFS, 0.01)
}

func makePCM16WAV(samples []int16, sampleRate int, channels int) []byte {
	bytesPerSample := 2
	dataSize := len(samples) * bytesPerSample
	fmtChunkSize := 16
	riffSize := 4 + (8 + fmtChunkSize) + (8 + dataSize)

	out := make([]byte, 12+8+fmtChunkSize+8+dataSize)
	off := 0

	copy(out[off:], []byte("RIFF"))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(riffSize))
	off += 4
	copy(out[off:], []byte("WAVE"))
	off += 4

	copy(out[off:], []byte("fmt "))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(fmtChunkSize))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], 1)
	off += 2
	binary.LittleEndian.PutUint16(out[off:], uint16(channels))
	off += 2
	binary.LittleEndian.PutUint32(out[off:], uint32(sampleRate))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(sampleRate*channels*bytesPerSample))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], uint16(channels*bytesPerSample))
	off += 2
	binary.LittleEndian.PutUint16(out[off:], 16)
	off += 2

	copy(out[off:], []byte("data"))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(dataSize))
	off += 4

	for _, s := range samples {
		binary.LittleEndian.PutUint16(out[off:], uint16(s))
		off += 2
	}

	return out
}
