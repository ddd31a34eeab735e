package audio

import "time"

// StreamSampleRate is the sample rate, in Hz, of every [Chunk] handed to the
// inference engines. Capture streams at other rates are resampled on intake.
const StreamSampleRate = 16000

// Format describes the raw capture format of an incoming PCM stream.
type Format struct {
	// SampleRate in Hz (48000 for most capture devices and Opus, 16000 for speech mics).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int
}

// WithDefaults fills zero fields: 16 kHz, mono.
func (f Format) WithDefaults() Format {
	if f.SampleRate <= 0 {
		f.SampleRate = StreamSampleRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	return f
}

// Chunk is a window of normalized mono audio flowing through the pipeline.
// A Chunk is immutable once produced; consumers must not modify Samples.
type Chunk struct {
	// Samples are normalized floats in [-1.0, 1.0].
	Samples []float32

	// SampleRate in Hz. Always [StreamSampleRate] for chunks produced by [NormalizeChunk].
	SampleRate int

	// Timestamp marks the start of this chunk, relative to session start.
	Timestamp time.Duration
}

// Duration returns the length of the chunk's audio.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}
