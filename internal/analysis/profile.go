package analysis

import (
	"math"

	"github.com/Thetason/obiwan-sub003/pkg/provider/pitch"
)

// ProfileBins is the number of pitch classes in a [Profile].
const ProfileBins = 12

// Profile accumulates a confidence-weighted pitch-class histogram (C..B) over
// a session. It is used to find sessions sung in a similar key.
type Profile struct {
	bins [ProfileBins]float64
}

// Add accumulates freq with the given weight. Unvoiced frequencies and
// non-positive weights are ignored.
func (p *Profile) Add(freq, weight float64) {
	pc := pitch.PitchClass(freq)
	if pc < 0 || weight <= 0 {
		return
	}
	p.bins[pc] += weight
}

// Empty reports whether nothing was accumulated.
func (p *Profile) Empty() bool {
	for _, b := range p.bins {
		if b > 0 {
			return false
		}
	}
	return true
}

// Vector returns the histogram scaled to unit L2 norm. An empty profile
// returns all zeros.
func (p *Profile) Vector() []float32 {
	var norm float64
	for _, b := range p.bins {
		norm += b * b
	}
	norm = math.Sqrt(norm)
	out := make([]float32, ProfileBins)
	if norm == 0 {
		return out
	}
	for i, b := range p.bins {
		out[i] = float32(b / norm)
	}
	return out
}

// Dominant returns the pitch class with the largest weight, or -1 if empty.
func (p *Profile) Dominant() int {
	best := -1
	for i, b := range p.bins {
		if b > 0 && (best < 0 || b > p.bins[best]) {
			best = i
		}
	}
	return best
}
