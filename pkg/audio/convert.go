package audio

import (
	"fmt"

	"github.com/cwbudde/algo-dsp/dsp/resample"
)

// Downmix averages each interleaved frame of channels samples into one mono
// sample. A trailing partial frame is discarded. channels <= 1 returns the
// input unchanged.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resampler converts one mono stream from a capture rate to
// [StreamSampleRate] through a band-limited polyphase FIR. The filter history
// carries across calls, so consecutive chunks of a stream join without edge
// transients. A Resampler is not safe for concurrent use.
type Resampler struct {
	src int
	rs  *resample.Resampler // nil when src is already StreamSampleRate
}

// NewResampler creates a resampler for a stream captured at srcRate Hz.
func NewResampler(srcRate int) (*Resampler, error) {
	if srcRate <= 0 {
		return nil, fmt.Errorf("audio: sample rate must be positive, got %d", srcRate)
	}
	r := &Resampler{src: srcRate}
	if srcRate == StreamSampleRate {
		return r, nil
	}
	rs, err := resample.NewForRates(float64(srcRate), StreamSampleRate)
	if err != nil {
		return nil, fmt.Errorf("audio: resampler %d Hz: %w", srcRate, err)
	}
	r.rs = rs
	return r, nil
}

// SourceRate is the capture rate the resampler was built for.
func (r *Resampler) SourceRate() int { return r.src }

// Process resamples the next block of the stream.
func (r *Resampler) Process(samples []float32) []float32 {
	if r.rs == nil || len(samples) == 0 {
		return samples
	}
	out := r.rs.Process(Float64s(samples))
	res := make([]float32, len(out))
	for i, v := range out {
		res[i] = float32(v)
	}
	return res
}
