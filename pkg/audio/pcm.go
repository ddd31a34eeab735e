// Package audio converts captured PCM into the normalized mono float windows
// the pitch engines consume.
//
// [Normalize] maps 16-bit signed little-endian samples to floats in
// [-1.0, 1.0]. A [Normalizer] additionally downmixes interleaved channels and
// resamples one capture stream to [StreamSampleRate], keeping filter state
// between chunks. [NormalizeChunk] is the one-shot form for a single buffer.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	dsptime "github.com/cwbudde/algo-dsp/stats/time"
)

// SampleWidth is the width in bytes of one captured PCM sample.
const SampleWidth = 2

// pcmScale maps an int16 sample onto [-1.0, 1.0).
const pcmScale = 32768.0

// DecodeError reports a PCM buffer that cannot be split into whole samples.
// It is fatal to the chunk that produced it only.
type DecodeError struct {
	// Length is the byte length of the rejected buffer.
	Length int

	// Width is the expected sample width in bytes.
	Width int
}

// Error implements error.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: decode: %d bytes is not a multiple of the %d-byte sample width", e.Length, e.Width)
}

// Normalize converts 16-bit signed little-endian PCM into floats computed as
// sample / 32768.0. The output has one value per input sample; interleaved
// channels are left interleaved. Returns a [*DecodeError] if len(pcm) is not
// a multiple of [SampleWidth].
func Normalize(pcm []byte) ([]float32, error) {
	if len(pcm)%SampleWidth != 0 {
		return nil, &DecodeError{Length: len(pcm), Width: SampleWidth}
	}
	out := make([]float32, len(pcm)/SampleWidth)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*SampleWidth:]))
		out[i] = float32(float64(s) / pcmScale)
	}
	return out, nil
}

// Normalizer turns the PCM16 buffers of one capture stream into mono chunks
// at [StreamSampleRate]. A Normalizer is not safe for concurrent use.
type Normalizer struct {
	format Format
	rs     *Resampler
}

// NewNormalizer creates a normalizer for a stream captured in format f.
// Zero-valued format fields default to 16 kHz mono.
func NewNormalizer(f Format) (*Normalizer, error) {
	f = f.WithDefaults()
	rs, err := NewResampler(f.SampleRate)
	if err != nil {
		return nil, err
	}
	return &Normalizer{format: f, rs: rs}, nil
}

// Format is the capture format with defaults applied.
func (n *Normalizer) Format() Format { return n.format }

// Normalize converts the next buffer of the stream. The chunk's Timestamp is
// left zero; the caller assigns it. A [*DecodeError] leaves the filter state
// untouched.
func (n *Normalizer) Normalize(pcm []byte) (Chunk, error) {
	samples, err := Normalize(pcm)
	if err != nil {
		return Chunk{}, err
	}
	if ch := n.format.Channels; ch > 1 {
		if len(samples)%ch != 0 {
			return Chunk{}, &DecodeError{Length: len(pcm), Width: SampleWidth * ch}
		}
		samples = Downmix(samples, ch)
	}
	return Chunk{Samples: n.rs.Process(samples), SampleRate: StreamSampleRate}, nil
}

// NormalizeChunk normalizes a single buffer captured in format f with a fresh
// [Normalizer]. Streams should keep a Normalizer instead so chunk edges are
// filtered continuously.
func NormalizeChunk(pcm []byte, f Format) (Chunk, error) {
	n, err := NewNormalizer(f)
	if err != nil {
		return Chunk{}, err
	}
	return n.Normalize(pcm)
}

// RMS returns the root-mean-square level of samples, or 0 for an empty slice.
func RMS(samples []float32) float64 {
	return dsptime.RMS(Float64s(samples))
}

// Float64s widens samples for the float64 DSP routines.
func Float64s(samples []float32) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = float64(s)
	}
	return out
}

// EncodeFloat32LE serializes samples as raw little-endian IEEE-754 float32,
// the layout the inference engines decode from their audio_base64 field.
func EncodeFloat32LE(samples []float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}
