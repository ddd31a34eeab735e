// Package analysis holds the per-session pitch history and the feature
// analyzers fed from it.
//
// All types here are single-writer: the streaming coordinator's worker
// appends, and analyzers only read. Nothing in this package locks.
package analysis

import "time"

// DefaultHistorySize is the default capacity of a [History].
const DefaultHistorySize = 100

// PitchSample is one point of the fused pitch time series. Unvoiced chunks
// still produce a sample, with Frequency 0.
type PitchSample struct {
	// Frequency in Hz; 0 when unvoiced.
	Frequency float64 `json:"frequency"`

	// Confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// Cents is the signed offset from the session's target pitch.
	Cents float64 `json:"cents"`

	// Timestamp relative to session start.
	Timestamp time.Duration `json:"timestamp"`

	// Amplitude is the RMS level of the chunk the sample came from.
	Amplitude float64 `json:"amplitude"`
}

// Voiced reports whether the sample carries a pitch.
func (s PitchSample) Voiced() bool { return s.Frequency > 0 }

// History is the bounded, chronologically ordered pitch history of one
// session. Samples whose timestamp precedes the newest stored sample are
// rejected.
type History struct {
	ring    *Ring[PitchSample]
	evicted int
}

// NewHistory returns an empty history with the given capacity. Non-positive
// capacities select [DefaultHistorySize].
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{ring: NewRing[PitchSample](capacity)}
}

// Append adds s as the newest sample. It returns false, leaving the history
// unchanged, if s is older than the newest stored sample.
func (h *History) Append(s PitchSample) bool {
	if last, ok := h.ring.Last(); ok && s.Timestamp < last.Timestamp {
		return false
	}
	if h.ring.Push(s) {
		h.evicted++
	}
	return true
}

// Len returns the number of stored samples.
func (h *History) Len() int { return h.ring.Len() }

// Cap returns the history capacity.
func (h *History) Cap() int { return h.ring.Cap() }

// Evicted returns how many samples were dropped on overflow.
func (h *History) Evicted() int { return h.evicted }

// Samples returns a copy of the stored samples from oldest to newest.
func (h *History) Samples() []PitchSample { return h.ring.Values() }

// Last returns the newest sample.
func (h *History) Last() (PitchSample, bool) { return h.ring.Last() }
