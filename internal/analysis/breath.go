package analysis

import (
	"math"
	"time"
)

// BreathConfig tunes [AnalyzeBreath].
type BreathConfig struct {
	// MinVoiced is the number of voiced samples required before a score is computed.
	MinVoiced int

	// MinConfidence is the confidence a sample needs to count as voiced.
	MinConfidence float64
}

// DefaultBreathConfig returns the default breath analysis parameters.
func DefaultBreathConfig() BreathConfig {
	return BreathConfig{MinVoiced: 10, MinConfidence: 0.1}
}

// BreathGrade buckets a breath support score.
type BreathGrade string

const (
	BreathInsufficient BreathGrade = "insufficient"
	BreathExcellent    BreathGrade = "excellent"
	BreathGood         BreathGrade = "good"
	BreathAdequate     BreathGrade = "adequate"
	BreathWeak         BreathGrade = "weak"
	BreathPoor         BreathGrade = "poor"
)

// pitchStabilityRange is the cents deviation at which pitch stability reaches 0.
const pitchStabilityRange = 100.0

// BreathResult characterizes breath support over the pitch history. When
// Sufficient is false only VoicedSamples and Grade are meaningful.
type BreathResult struct {
	Sufficient bool `json:"sufficient"`

	// Score in [0, 1]: the mean of VoicedFraction, PitchStability, and
	// AmplitudeStability.
	Score float64 `json:"score"`

	VoicedFraction     float64 `json:"voiced_fraction"`
	PitchStability     float64 `json:"pitch_stability"`
	AmplitudeStability float64 `json:"amplitude_stability"`

	// Sustain is the duration of the longest uninterrupted voiced run.
	Sustain time.Duration `json:"sustain"`

	VoicedSamples int         `json:"voiced_samples"`
	Grade         BreathGrade `json:"grade"`
}

// AnalyzeBreath scores breath support over samples. Fewer than
// cfg.MinVoiced voiced samples yields the insufficient sentinel.
//
// Amplitude stability is 1 minus the coefficient of variation of the voiced
// samples' amplitude. When no amplitude was recorded the confidence series is
// used instead.
func AnalyzeBreath(samples []PitchSample, cfg BreathConfig) BreathResult {
	if cfg.MinVoiced <= 0 {
		cfg.MinVoiced = DefaultBreathConfig().MinVoiced
	}
	voiced := func(s PitchSample) bool {
		return s.Voiced() && s.Confidence >= cfg.MinConfidence
	}

	var freqs, amps, confs []float64
	var sustain time.Duration
	runStart := -1
	for i, s := range samples {
		if !voiced(s) {
			runStart = -1
			continue
		}
		freqs = append(freqs, s.Frequency)
		amps = append(amps, s.Amplitude)
		confs = append(confs, s.Confidence)
		if runStart < 0 {
			runStart = i
		}
		sustain = max(sustain, s.Timestamp-samples[runStart].Timestamp)
	}

	if len(freqs) < cfg.MinVoiced {
		return BreathResult{VoicedSamples: len(freqs), Grade: BreathInsufficient}
	}

	meanFreq, _ := meanStd(freqs)
	cents := make([]float64, len(freqs))
	for i, f := range freqs {
		cents[i] = 1200 * math.Log2(f/meanFreq)
	}
	_, stdCents := meanStd(cents)

	r := BreathResult{
		Sufficient:         true,
		VoicedFraction:     float64(len(freqs)) / float64(len(samples)),
		PitchStability:     clamp01(1 - stdCents/pitchStabilityRange),
		AmplitudeStability: stability(amps, confs),
		Sustain:            sustain,
		VoicedSamples:      len(freqs),
	}
	r.Score = (r.VoicedFraction + r.PitchStability + r.AmplitudeStability) / 3
	r.Grade = gradeBreath(r.Score)
	return r
}

func stability(amps, fallback []float64) float64 {
	mean, std := meanStd(amps)
	if mean <= 0 {
		mean, std = meanStd(fallback)
		if mean <= 0 {
			return 0
		}
	}
	return clamp01(1 - std/mean)
}

func gradeBreath(score float64) BreathGrade {
	switch {
	case score > 0.8:
		return BreathExcellent
	case score > 0.6:
		return BreathGood
	case score > 0.4:
		return BreathAdequate
	case score > 0.2:
		return BreathWeak
	default:
		return BreathPoor
	}
}
