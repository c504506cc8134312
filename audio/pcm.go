package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// CaptureSampleRate is the rate the backend recognizer expects for uplink audio.
	CaptureSampleRate = 16000

	// CaptureBlockSize is the number of samples per outbound frame (~0.25s at 16kHz).
	CaptureBlockSize = 4096

	// OutputSampleRate16k and OutputSampleRate24k are the synthesis rates a voice can declare.
	OutputSampleRate16k = 16000
	OutputSampleRate24k = 24000
)

// ErrOddPayload is returned when an inbound binary payload is not a whole number of float32 samples.
var ErrOddPayload = errors.New("audio payload is not a whole number of samples")

// OutboundFrame is one encoded capture block (signed 16-bit LE, mono).
type OutboundFrame struct {
	Seq  uint64
	Data []byte
}

// Samples returns the number of samples in the frame.
func (f OutboundFrame) Samples() int {
	return len(f.Data) / 2
}

// InboundFrame is a block of synthesized speech samples (float32, mono).
type InboundFrame struct {
	Samples []float32
}

// Duration returns how long the frame plays at the given rate.
func (f InboundFrame) Duration(sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(len(f.Samples)) / float64(sampleRate)
}

// FloatToInt16 converts one sample in [-1, 1] to a signed 16-bit value.
// Out-of-range input is clamped. Negative values scale by 32768 and
// non-negative values by 32767 so +1.0 cannot overflow.
func FloatToInt16(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(math.Round(float64(s) * 32768))
	}
	return int16(math.Round(float64(s) * 32767))
}

// Int16ToFloat is the inverse of FloatToInt16.
func Int16ToFloat(v int16) float32 {
	if v < 0 {
		return float32(v) / 32768
	}
	return float32(v) / 32767
}

// EncodePCM16 converts float samples to signed 16-bit little-endian PCM.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FloatToInt16(s)))
	}
	return out
}

// DecodePCM16 converts signed 16-bit little-endian PCM back to float samples.
// A trailing odd byte is ignored.
func DecodePCM16(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = Int16ToFloat(int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	return out
}

// DecodeFloat32LE decodes an inbound binary payload of little-endian float32 samples.
func DecodeFloat32LE(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddPayload, len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

// EncodeFloat32LE encodes float samples as little-endian float32 bytes.
func EncodeFloat32LE(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// PCM16ToFloat32LE converts s16le PCM straight to the f32le wire format used for downlink audio.
func PCM16ToFloat32LE(pcm []byte) []byte {
	return EncodeFloat32LE(DecodePCM16(pcm))
}
