package pitch

import (
	"math"
	"strconv"
)

// A4 is the reference tuning frequency in Hz.
const A4 = 440.0

// c0 is the frequency of C0 relative to A4 = 440 Hz.
var c0 = A4 * math.Pow(2, -4.75)

var noteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// semitone returns the nearest equal-tempered semitone index above C0.
func semitone(freq float64) int {
	return int(math.Round(12 * math.Log2(freq/c0)))
}

// NoteName returns the scientific pitch name of the equal-tempered note
// nearest to freq, e.g. "A4" for 440 Hz. Non-positive frequencies return "Rest".
func NoteName(freq float64) string {
	if freq <= 0 {
		return "Rest"
	}
	n := semitone(freq)
	octave := n / 12
	idx := n % 12
	if idx < 0 {
		idx += 12
		octave--
	}
	return noteNames[idx] + strconv.Itoa(octave)
}

// NearestNote returns the frequency of the equal-tempered note nearest to
// freq, or 0 for non-positive input.
func NearestNote(freq float64) float64 {
	if freq <= 0 {
		return 0
	}
	return c0 * math.Pow(2, float64(semitone(freq))/12)
}

// PitchClass returns the pitch class (0 = C ... 11 = B) nearest to freq,
// or -1 for non-positive input.
func PitchClass(freq float64) int {
	if freq <= 0 {
		return -1
	}
	pc := semitone(freq) % 12
	if pc < 0 {
		pc += 12
	}
	return pc
}

// Cents returns the signed distance from ref to freq in cents. Positive
// values mean freq is above ref. Either argument <= 0 yields 0.
func Cents(freq, ref float64) float64 {
	if freq <= 0 || ref <= 0 {
		return 0
	}
	return 1200 * math.Log2(freq/ref)
}

// PitchClassName returns the name of pitch class pc ("C" ... "B"), or "" if
// pc is out of range.
func PitchClassName(pc int) string {
	if pc < 0 || pc >= len(noteNames) {
		return ""
	}
	return noteNames[pc]
}
