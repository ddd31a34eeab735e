package pitch

import "time"

// MultiplePitch is one simultaneous pitch reported by a polyphonic-capable engine.
type MultiplePitch struct {
	// Frequency in Hz.
	Frequency float64 `json:"frequency"`

	// Strength in [0, 1]; the relative salience of this pitch in the window.
	Strength float64 `json:"strength"`
}

// Frame is one per-frame estimate inside an analyzed window.
type Frame struct {
	// Offset from the start of the analyzed window.
	Offset time.Duration `json:"offset"`

	// Frequency in Hz; <= 0 means unvoiced.
	Frequency float64 `json:"frequency"`

	// Confidence in [0, 1].
	Confidence float64 `json:"confidence"`
}

// Result is one engine's answer for one audio window.
type Result struct {
	// Engine is the Name of the engine that produced the result.
	Engine string `json:"engine"`

	// Frequency is the main pitch in Hz. Zero or negative means unvoiced.
	Frequency float64 `json:"frequency"`

	// Confidence of the main pitch in [0, 1].
	Confidence float64 `json:"confidence"`

	// Pitches lists simultaneous pitches. Only polyphonic-capable engines fill it.
	Pitches []MultiplePitch `json:"pitches,omitempty"`

	// Track holds the per-frame estimates the main pitch was derived from, if
	// the engine reports them.
	Track []Frame `json:"track,omitempty"`
}

// Voiced reports whether the result carries a detected pitch.
func (r Result) Voiced() bool {
	return r.Frequency > 0
}
