// Package fusion merges the answers of the monophonic and polyphonic pitch
// engines into one ranked result.
//
// [Fuser.Fuse] is a pure function of its inputs: only voiced engine results
// contribute, a polyphonic chord takes priority over single-pitch selection,
// and the fused quality score is halved when only one engine contributed.
package fusion

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/Thetason/obiwan-sub003/pkg/provider/pitch"
)

// DefaultChordThreshold is the minimum strength a simultaneous pitch needs to
// count towards chord detection.
const DefaultChordThreshold = 0.15

// singleSourcePenalty scales the quality score when only one engine contributed.
const singleSourcePenalty = 0.5

// Source records which engines contributed to a fused result.
type Source int

const (
	// SourceNone means neither engine produced a voiced result.
	SourceNone Source = iota
	// SourceMono means only the monophonic engine contributed.
	SourceMono
	// SourcePoly means only the polyphonic engine contributed.
	SourcePoly
	// SourceBoth means both engines contributed.
	SourceBoth
)

// String returns the lower-case name of the source.
func (s Source) String() string {
	switch s {
	case SourceNone:
		return "none"
	case SourceMono:
		return "mono"
	case SourcePoly:
		return "poly"
	case SourceBoth:
		return "both"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Descriptor explains how a fused result was reached.
type Descriptor struct {
	// Source lists the contributing engines.
	Source Source `json:"source"`

	// Chord reports whether chord detection fired.
	Chord bool `json:"chord"`

	// Selected names the engine whose pitch became the best pitch, empty if none.
	Selected string `json:"selected,omitempty"`

	// Explanation is a short human-readable summary.
	Explanation string `json:"explanation"`
}

// Result is the fused answer for one chunk. A Result is never modified after
// [Fuser.Fuse] returns it.
type Result struct {
	// Frequency is the best pitch in Hz; 0 when nothing was voiced.
	Frequency float64 `json:"frequency"`

	// Confidence of the best pitch in [0, 1].
	Confidence float64 `json:"confidence"`

	// IsChord reports whether two or more simultaneous pitches exceeded the
	// chord threshold.
	IsChord bool `json:"is_chord"`

	// Pitches are the detected pitches ordered by strength descending, then
	// frequency ascending.
	Pitches []pitch.MultiplePitch `json:"pitches"`

	// Quality is the fused quality score in [0, 1].
	Quality float64 `json:"quality"`

	// Analysis describes which engines contributed.
	Analysis Descriptor `json:"analysis"`

	// Mono and Poly retain the raw engine results for diagnostics. Either may be nil.
	Mono *pitch.Result `json:"mono,omitempty"`
	Poly *pitch.Result `json:"poly,omitempty"`
}

// Fuser merges engine results with a fixed chord threshold. The zero value
// uses [DefaultChordThreshold].
type Fuser struct {
	threshold float64
}

// New returns a Fuser with the given chord threshold. Non-positive values
// select [DefaultChordThreshold].
func New(threshold float64) *Fuser {
	return &Fuser{threshold: threshold}
}

// Threshold returns the effective chord threshold.
func (f *Fuser) Threshold() float64 {
	if f == nil || f.threshold <= 0 {
		return DefaultChordThreshold
	}
	return f.threshold
}

// Fuse merges mono and poly into a single Result. Either argument may be nil.
// Results whose main pitch is <= 0 are treated as unvoiced and do not
// contribute.
func (f *Fuser) Fuse(mono, poly *pitch.Result) Result {
	out := Result{Mono: clone(mono), Poly: clone(poly)}
	threshold := f.Threshold()

	monoVoiced := mono != nil && mono.Voiced()
	polyVoiced := poly != nil && poly.Voiced()

	switch {
	case monoVoiced && polyVoiced:
		out.Analysis.Source = SourceBoth
		out.Quality = (mono.Confidence + poly.Confidence) / 2

		if strong := strongPitches(poly.Pitches, threshold); len(strong) >= 2 {
			out.IsChord = true
			out.Pitches = strong
			out.Frequency = strong[0].Frequency
			out.Confidence = poly.Confidence
			out.Analysis.Selected = poly.Engine
			out.Analysis.Explanation = fmt.Sprintf("chord of %d pitches detected by %s, confirmed by %s", len(strong), engineName(poly, "poly"), engineName(mono, "mono"))
			break
		}

		chosen, other := mono, poly
		if poly.Confidence > mono.Confidence {
			chosen, other = poly, mono
		}
		out.Frequency = chosen.Frequency
		out.Confidence = chosen.Confidence
		out.Pitches = []pitch.MultiplePitch{{Frequency: chosen.Frequency, Strength: chosen.Confidence}}
		out.Analysis.Selected = chosen.Engine
		out.Analysis.Explanation = fmt.Sprintf("both engines voiced; %s selected over %s by confidence", engineName(chosen, "engine"), engineName(other, "engine"))

	case monoVoiced:
		out.Analysis.Source = SourceMono
		single(&out, mono, threshold, "mono")

	case polyVoiced:
		out.Analysis.Source = SourcePoly
		single(&out, poly, threshold, "poly")

	default:
		out.Analysis.Source = SourceNone
		out.Analysis.Explanation = "no voiced pitch from any engine"
	}

	out.Analysis.Chord = out.IsChord
	return out
}

// single fills out from the only voiced contributor r.
func single(out *Result, r *pitch.Result, threshold float64, role string) {
	out.Frequency = r.Frequency
	out.Confidence = r.Confidence
	out.Quality = r.Confidence * singleSourcePenalty
	out.Analysis.Selected = r.Engine

	if strong := strongPitches(r.Pitches, threshold); len(strong) >= 2 {
		out.IsChord = true
		out.Pitches = strong
		out.Analysis.Explanation = fmt.Sprintf("chord of %d pitches detected by %s only", len(strong), engineName(r, role))
		return
	}
	out.Pitches = []pitch.MultiplePitch{{Frequency: r.Frequency, Strength: r.Confidence}}
	out.Analysis.Explanation = fmt.Sprintf("single pitch from %s only", engineName(r, role))
}

// strongPitches returns the voiced pitches whose strength exceeds threshold,
// sorted by strength descending with lower frequency first on ties.
func strongPitches(ps []pitch.MultiplePitch, threshold float64) []pitch.MultiplePitch {
	var out []pitch.MultiplePitch
	for _, p := range ps {
		if p.Frequency > 0 && p.Strength > threshold {
			out = append(out, p)
		}
	}
	slices.SortStableFunc(out, func(a, b pitch.MultiplePitch) int {
		if c := cmp.Compare(b.Strength, a.Strength); c != 0 {
			return c
		}
		return cmp.Compare(a.Frequency, b.Frequency)
	})
	return out
}

func engineName(r *pitch.Result, fallback string) string {
	if r == nil || r.Engine == "" {
		return fallback
	}
	return r.Engine
}

// clone copies r so the fused result does not alias engine-owned slices.
func clone(r *pitch.Result) *pitch.Result {
	if r == nil {
		return nil
	}
	c := *r
	c.Pitches = slices.Clone(r.Pitches)
	c.Track = slices.Clone(r.Track)
	return &c
}
