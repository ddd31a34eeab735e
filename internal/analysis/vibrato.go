package analysis

import (
	"math"

	dsptime "github.com/cwbudde/algo-dsp/stats/time"
)

// VibratoConfig tunes the [VibratoAnalyzer].
type VibratoConfig struct {
	// Window is the number of samples kept in the rolling window.
	Window int

	// MinRate and MaxRate bound the accepted oscillation rate in Hz.
	MinRate float64
	MaxRate float64

	// MinCycles is the minimum number of full cycles required.
	MinCycles float64

	// MinExtent is the noise floor in cents below which no vibrato is reported.
	MinExtent float64
}

// DefaultVibratoConfig returns the default vibrato detection parameters.
func DefaultVibratoConfig() VibratoConfig {
	return VibratoConfig{Window: 256, MinRate: 4, MaxRate: 8, MinCycles: 3, MinExtent: 5}
}

func (c VibratoConfig) withDefaults() VibratoConfig {
	d := DefaultVibratoConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MinRate <= 0 {
		c.MinRate = d.MinRate
	}
	if c.MaxRate <= c.MinRate {
		c.MaxRate = max(d.MaxRate, c.MinRate*2)
	}
	if c.MinCycles <= 0 {
		c.MinCycles = d.MinCycles
	}
	if c.MinExtent <= 0 {
		c.MinExtent = d.MinExtent
	}
	return c
}

// VibratoKind classifies a detected vibrato.
type VibratoKind string

const (
	VibratoNone    VibratoKind = "none"
	VibratoNatural VibratoKind = "natural"
	VibratoFast    VibratoKind = "fast"
	VibratoNarrow  VibratoKind = "narrow"
	VibratoWide    VibratoKind = "wide"
)

// Reasons reported when no vibrato is detected.
const (
	ReasonInsufficientSamples = "insufficient samples"
	ReasonTooFewCycles        = "too few cycles"
	ReasonIrregular           = "irregular oscillation"
	ReasonRateOutOfBand       = "rate outside vibrato band"
	ReasonBelowNoiseFloor     = "extent below noise floor"
)

// minVibratoSamples is the shortest voiced run worth inspecting.
const minVibratoSamples = 8

// maxHalfPeriodCV is the largest half-period variation still considered periodic.
const maxHalfPeriodCV = 0.5

// VibratoResult describes the oscillation found in the vibrato window.
// When Detected is false, Rate, Extent, and Regularity are zero and Reason
// says why.
type VibratoResult struct {
	Detected bool `json:"detected"`

	// Rate in Hz.
	Rate float64 `json:"rate"`

	// Extent is half the peak-to-peak excursion, in cents.
	Extent float64 `json:"extent"`

	// Regularity in [0, 1]; 1 means perfectly even half periods.
	Regularity float64 `json:"regularity"`

	Kind   VibratoKind `json:"kind"`
	Reason string      `json:"reason,omitempty"`
}

func noVibrato(reason string) VibratoResult {
	return VibratoResult{Kind: VibratoNone, Reason: reason}
}

// VibratoAnalyzer detects periodic pitch oscillation over a rolling window of
// samples. It is not safe for concurrent use.
type VibratoAnalyzer struct {
	cfg    VibratoConfig
	window *Ring[PitchSample]
}

// NewVibratoAnalyzer returns an analyzer with cfg; zero fields take defaults.
func NewVibratoAnalyzer(cfg VibratoConfig) *VibratoAnalyzer {
	cfg = cfg.withDefaults()
	return &VibratoAnalyzer{cfg: cfg, window: NewRing[PitchSample](cfg.Window)}
}

// Add appends s to the window. Samples not newer than the last one are dropped.
func (a *VibratoAnalyzer) Add(s PitchSample) {
	if last, ok := a.window.Last(); ok && s.Timestamp <= last.Timestamp {
		return
	}
	a.window.Push(s)
}

// Len returns the number of samples in the window.
func (a *VibratoAnalyzer) Len() int { return a.window.Len() }

// Analyze inspects the most recent run of voiced samples.
func (a *VibratoAnalyzer) Analyze() VibratoResult {
	return DetectVibrato(a.window.Values(), a.cfg)
}

// DetectVibrato looks for a sign-alternating oscillation in the pitch of the
// trailing voiced run of samples. Pitch is expressed in cents around the run's
// trend line; the rate comes from the spacing of interpolated zero crossings
// and the extent from the mean absolute peak between crossings.
func DetectVibrato(samples []PitchSample, cfg VibratoConfig) VibratoResult {
	cfg = cfg.withDefaults()

	end := len(samples)
	start := end
	for start > 0 && samples[start-1].Voiced() {
		start--
	}
	run := samples[start:end]
	if len(run) < minVibratoSamples {
		return noVibrato(ReasonInsufficientSamples)
	}

	ref := run[0].Frequency
	ts := make([]float64, len(run))
	cents := make([]float64, len(run))
	for i, s := range run {
		ts[i] = (s.Timestamp - run[0].Timestamp).Seconds()
		cents[i] = 1200 * math.Log2(s.Frequency/ref)
	}
	d := detrend(ts, cents)
	if float64(dsptime.ZeroCrossings(d)) < 2*cfg.MinCycles+1 {
		return noVibrato(ReasonTooFewCycles)
	}

	// Interpolated zero crossings and the indices where they occur.
	var crossings []float64
	var crossIdx []int
	for i := 1; i < len(d); i++ {
		a, b := d[i-1], d[i]
		if (a < 0 && b >= 0) || (a > 0 && b <= 0) {
			if b == 0 && i+1 < len(d) && math.Signbit(d[i+1]) == math.Signbit(a) {
				continue
			}
			crossings = append(crossings, ts[i-1]+(ts[i]-ts[i-1])*a/(a-b))
			crossIdx = append(crossIdx, i)
		}
	}

	cycles := float64(len(crossings)-1) / 2
	if len(crossings) < 2 || cycles < cfg.MinCycles {
		return noVibrato(ReasonTooFewCycles)
	}

	dur := crossings[len(crossings)-1] - crossings[0]
	if dur <= 0 {
		return noVibrato(ReasonTooFewCycles)
	}

	halves := make([]float64, len(crossings)-1)
	for i := range halves {
		halves[i] = crossings[i+1] - crossings[i]
	}
	meanHalf, stdHalf := meanStd(halves)
	cv := stdHalf / meanHalf
	if cv >= maxHalfPeriodCV {
		return noVibrato(ReasonIrregular)
	}

	rate := cycles / dur
	if rate < cfg.MinRate || rate > cfg.MaxRate {
		return noVibrato(ReasonRateOutOfBand)
	}

	peaks := make([]float64, 0, len(crossIdx)-1)
	for k := 0; k+1 < len(crossIdx); k++ {
		peak := 0.0
		for i := crossIdx[k]; i < crossIdx[k+1]; i++ {
			peak = math.Max(peak, math.Abs(d[i]))
		}
		peaks = append(peaks, peak)
	}
	extent, _ := meanStd(peaks)
	if extent < cfg.MinExtent {
		return noVibrato(ReasonBelowNoiseFloor)
	}

	return VibratoResult{
		Detected:   true,
		Rate:       rate,
		Extent:     extent,
		Regularity: clamp01(1 - cv),
		Kind:       classifyVibrato(rate, extent),
	}
}

func classifyVibrato(rate, extent float64) VibratoKind {
	switch {
	case rate > 7:
		return VibratoFast
	case extent < 20:
		return VibratoNarrow
	case extent > 100:
		return VibratoWide
	default:
		return VibratoNatural
	}
}
