package analysis

import (
	"math"

	dsptime "github.com/cwbudde/algo-dsp/stats/time"
)

// meanStd returns the mean and population standard deviation of xs.
func meanStd(xs []float64) (mean, std float64) {
	mean, variance, _, _ := dsptime.Moments(xs)
	return mean, math.Sqrt(variance)
}

// clamp01 bounds v to [0, 1].
func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// detrend removes the least-squares line through (ts[i], ys[i]) from ys.
func detrend(ts, ys []float64) []float64 {
	n := float64(len(ys))
	out := make([]float64, len(ys))
	if len(ys) == 0 {
		return out
	}
	var st, sy, stt, sty float64
	for i := range ys {
		st += ts[i]
		sy += ys[i]
		stt += ts[i] * ts[i]
		sty += ts[i] * ys[i]
	}
	den := n*stt - st*st
	slope := 0.0
	if den != 0 {
		slope = (n*sty - st*sy) / den
	}
	intercept := (sy - slope*st) / n
	for i := range ys {
		out[i] = ys[i] - (intercept + slope*ts[i])
	}
	return out
}
