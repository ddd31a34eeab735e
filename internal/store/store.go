// Package store persists per-session summaries written when a recording
// session stops, and finds past sessions sung in a similar key.
//
// Three backends implement [Store]: [Memory] (default), [FileStore] (JSON
// lines on local disk) and the PostgreSQL/pgvector store in the postgres
// subpackage.
package store

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/Thetason/obiwan-sub003/internal/analysis"
)

// DefaultSimilarLimit is used when a non-positive limit is passed to
// [Store.Similar].
const DefaultSimilarLimit = 5

// ErrNotFound is returned when no session with the requested ID exists.
var ErrNotFound = errors.New("store: session not found")

// SessionRecord summarizes one finished recording session.
type SessionRecord struct {
	ID        string    `json:"id"`
	Mode      string    `json:"mode"`
	TargetHz  float64   `json:"target_hz,omitempty"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`

	// Chunks counts chunks accepted into the queue.
	Chunks int `json:"chunks"`
	// Results counts fused results emitted.
	Results int `json:"results"`
	// Skipped counts chunks where no engine answered.
	Skipped int `json:"skipped"`
	// Rejected counts chunks refused by backpressure or failing to decode.
	Rejected int `json:"rejected"`
	Chords   int `json:"chords"`

	// MeanPitch is the mean fused pitch of voiced results, in Hz.
	MeanPitch float64 `json:"mean_pitch"`

	// DominantNote is the pitch-class name with the most weight, "" if none.
	DominantNote string `json:"dominant_note,omitempty"`

	Vibrato analysis.VibratoResult `json:"vibrato"`
	Breath  analysis.BreathResult  `json:"breath"`

	// Profile is the unit-length 12-bin pitch-class profile, nil when the
	// session had no voiced results.
	Profile []float32 `json:"profile,omitempty"`
}

// Duration returns the wall-clock length of the session.
func (r SessionRecord) Duration() time.Duration { return r.StoppedAt.Sub(r.StartedAt) }

// Match is a past session together with its cosine distance to the query.
type Match struct {
	Record   SessionRecord `json:"record"`
	Distance float64       `json:"distance"`
}

// Store persists session records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Save inserts or replaces the record with r.ID.
	Save(ctx context.Context, r SessionRecord) error

	// Get returns the record with id or [ErrNotFound].
	Get(ctx context.Context, id string) (SessionRecord, error)

	// Similar returns up to limit other sessions ordered by ascending cosine
	// distance between pitch-class profiles. Sessions without a profile are
	// never matched. It returns [ErrNotFound] if id does not exist.
	Similar(ctx context.Context, id string, limit int) ([]Match, error)
}

// cosineDistance returns 1 - cos(a, b). Mismatched or zero vectors give 1.
func cosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
