// Package opus decodes Opus packets into the 16-bit PCM layout accepted by
// [audio.Normalizer]. Browser capture clients that stream Opus instead of
// raw PCM are routed through a [Decoder] per session.
package opus

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/Thetason/obiwan-sub003/pkg/audio"
)

// Opus capture is 48 kHz with 20 ms frames by convention.
const (
	SampleRate  = 48000
	frameSizeMs = 20
	// frameSize is the maximum number of samples per channel per packet.
	frameSize = SampleRate * frameSizeMs / 1000 // 960
)

// Decoder wraps a gopus decoder for a single capture stream. Decoder state
// carries across consecutive packets, so one stream must not share a Decoder
// with another. A Decoder is not safe for concurrent use.
type Decoder struct {
	dec      *gopus.Decoder
	channels int
	norm     *audio.Normalizer
}

// NewDecoder creates a decoder for a stream with the given channel count (1 or 2).
func NewDecoder(channels int) (*Decoder, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("opus: channels must be 1 or 2, got %d", channels)
	}
	dec, err := gopus.NewDecoder(SampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	d := &Decoder{dec: dec, channels: channels}
	if d.norm, err = audio.NewNormalizer(d.Format()); err != nil {
		return nil, fmt.Errorf("opus: %w", err)
	}
	return d, nil
}

// Format returns the PCM format produced by [Decoder.Decode].
func (d *Decoder) Format() audio.Format {
	return audio.Format{SampleRate: SampleRate, Channels: d.channels}
}

// Decode decodes one Opus packet into interleaved little-endian int16 PCM.
func (d *Decoder) Decode(packet []byte) ([]byte, error) {
	if len(packet) == 0 {
		return nil, fmt.Errorf("opus: decode: empty packet")
	}
	pcm, err := d.dec.Decode(packet, frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// DecodeChunk decodes packet and normalizes it into a 16 kHz mono chunk. The
// resampling filter continues from the previous packet of the stream.
func (d *Decoder) DecodeChunk(packet []byte) (audio.Chunk, error) {
	pcm, err := d.Decode(packet)
	if err != nil {
		return audio.Chunk{}, err
	}
	return d.norm.Normalize(pcm)
}

// int16sToBytes converts int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
