// Package feedback turns fused pitch results into user-facing tuning feedback.
//
// [Generate] is a pure function of a fused result and a target pitch. Tuning
// error is measured in cents, 1200·log2(detected/target), with the ratio
// clamped to [0.1, 10] so wildly distant pitches stay bounded.
package feedback

import (
	"fmt"
	"math"
	"strings"

	"github.com/Thetason/obiwan-sub003/internal/fusion"
	"github.com/Thetason/obiwan-sub003/pkg/provider/pitch"
)

// Category buckets the feedback.
type Category string

const (
	NoVoice     Category = "no_voice"
	Chord       Category = "chord"
	InTune      Category = "in_tune"
	SlightlyOff Category = "slightly_off"
	FarOff      Category = "far_off"
)

// Direction tells which way the detected pitch deviates from the target.
type Direction string

const (
	// Level means no direction applies (in tune, chord, or no voice).
	Level Direction = ""
	// Sharp means the detected pitch is above the target.
	Sharp Direction = "sharp"
	// Flat means the detected pitch is below the target.
	Flat Direction = "flat"
)

// Category thresholds in absolute cents.
const (
	InTuneCents      = 5.0
	SlightlyOffCents = 20.0
)

// Ratio clamp applied before converting to cents.
const (
	minRatio = 0.1
	maxRatio = 10.0
)

// Feedback is the tuning feedback for one fused result.
type Feedback struct {
	Category  Category  `json:"category"`
	Direction Direction `json:"direction,omitempty"`

	// Cents is the signed tuning error; positive means sharp. Zero unless
	// Category is InTune, SlightlyOff, or FarOff.
	Cents float64 `json:"cents"`

	// TargetHz is the target actually used. It equals the nearest
	// equal-tempered note when no target was supplied.
	TargetHz float64 `json:"target_hz,omitempty"`

	DetectedNote string `json:"detected_note,omitempty"`
	TargetNote   string `json:"target_note,omitempty"`

	// PitchCount is the number of chord pitches for the Chord category.
	PitchCount int `json:"pitch_count,omitempty"`

	Message string `json:"message"`
}

// Cents returns the clamped cents offset of detected from target. Either
// argument <= 0 yields 0.
func Cents(detected, target float64) float64 {
	if detected <= 0 || target <= 0 {
		return 0
	}
	ratio := math.Max(minRatio, math.Min(maxRatio, detected/target))
	return 1200 * math.Log2(ratio)
}

// Generate maps r and targetHz to feedback. A non-positive targetHz selects
// the equal-tempered note nearest to the detected pitch.
func Generate(r fusion.Result, targetHz float64) Feedback {
	if r.Frequency <= 0 {
		return Feedback{Category: NoVoice, Message: "No voice detected"}
	}
	if r.IsChord {
		names := make([]string, len(r.Pitches))
		for i, p := range r.Pitches {
			names[i] = pitch.NoteName(p.Frequency)
		}
		return Feedback{
			Category:     Chord,
			PitchCount:   len(r.Pitches),
			DetectedNote: pitch.NoteName(r.Frequency),
			Message:      fmt.Sprintf("Chord detected: %d pitches (%s)", len(r.Pitches), strings.Join(names, ", ")),
		}
	}

	if targetHz <= 0 {
		targetHz = pitch.NearestNote(r.Frequency)
	}
	cents := Cents(r.Frequency, targetHz)
	fb := Feedback{
		Cents:        cents,
		TargetHz:     targetHz,
		DetectedNote: pitch.NoteName(r.Frequency),
		TargetNote:   pitch.NoteName(targetHz),
	}

	abs := math.Abs(cents)
	switch {
	case abs < InTuneCents:
		fb.Category = InTune
		fb.Message = fmt.Sprintf("In tune on %s", fb.TargetNote)
		return fb
	case abs < SlightlyOffCents:
		fb.Category = SlightlyOff
	default:
		fb.Category = FarOff
	}

	fb.Direction = Flat
	rel := "below"
	if cents > 0 {
		fb.Direction = Sharp
		rel = "above"
	}
	adverb := "Slightly"
	if fb.Category == FarOff {
		adverb = "Far"
	}
	fb.Message = fmt.Sprintf("%s %s: %.0f cents %s %s", adverb, fb.Direction, abs, rel, fb.TargetNote)
	return fb
}
