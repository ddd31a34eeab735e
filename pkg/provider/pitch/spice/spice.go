// Package spice provides the polyphonic-capable pitch engine client for a
// SPICE inference server.
//
// The client calls POST /analyze_polyphonic, which returns the frames of the
// left channel plus, per frame, the set of simultaneous pitches the server
// separated. Simultaneous pitches are grouped by nearest equal-tempered
// semitone; a group's strength is the share of voiced frames that contain it
// and its frequency is the mean of its members.
//
// SPICE is known to report pitches off by a constant factor on some model
// builds. [WithFrequencyScale] multiplies every reported frequency.
package spice

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/Thetason/obiwan-sub003/pkg/audio"
	"github.com/Thetason/obiwan-sub003/pkg/provider/pitch"
	"github.com/Thetason/obiwan-sub003/pkg/provider/pitch/internal/wire"
)

const (
	defaultName    = "spice"
	defaultTimeout = 3 * time.Second

	// frameStep is the SPICE server's frame interval.
	frameStep = 32 * time.Millisecond
)

var _ pitch.Engine = (*Engine)(nil)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithName overrides the engine name reported in results and metrics.
func WithName(name string) Option {
	return func(e *Engine) {
		e.name = name
	}
}

// WithTimeout sets the HTTP client timeout. Defaults to 3 s.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = c
	}
}

// WithFrequencyScale multiplies every frequency reported by the server by
// factor. Non-positive factors are ignored. Defaults to 1.
func WithFrequencyScale(factor float64) Option {
	return func(e *Engine) {
		if factor > 0 {
			e.scale = factor
		}
	}
}

// Engine is a pitch.Engine backed by a SPICE HTTP server.
type Engine struct {
	name       string
	baseURL    string
	scale      float64
	httpClient *http.Client
}

// New creates an Engine for the SPICE server at baseURL. baseURL must be non-empty.
func New(baseURL string, opts ...Option) (*Engine, error) {
	if baseURL == "" {
		return nil, errors.New("spice: baseURL must not be empty")
	}
	e := &Engine{
		name:       defaultName,
		baseURL:    strings.TrimRight(baseURL, "/"),
		scale:      1,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Name implements pitch.Engine.
func (e *Engine) Name() string { return e.name }

// Probe implements pitch.Engine.
func (e *Engine) Probe(ctx context.Context) error {
	if err := wire.Probe(ctx, e.httpClient, e.baseURL); err != nil {
		return fmt.Errorf("spice: probe: %w", err)
	}
	return nil
}

type channelResult struct {
	Pitches     []float64 `json:"pitches"`
	Confidences []float64 `json:"confidences"`
	Timestamps  []float64 `json:"timestamps"`
}

type polyResponse struct {
	PolyphonicPitches [][]float64   `json:"polyphonic_pitches"`
	LeftChannel       channelResult `json:"left_channel"`
	Error             string        `json:"error"`
}

// Analyze implements pitch.Engine.
func (e *Engine) Analyze(ctx context.Context, chunk audio.Chunk) (pitch.Result, error) {
	res := pitch.Result{Engine: e.name}
	if len(chunk.Samples) == 0 {
		return res, nil
	}

	var body polyResponse
	if err := wire.PostJSON(ctx, e.httpClient, e.baseURL+"/analyze_polyphonic", wire.NewAnalyzeRequest(chunk), &body); err != nil {
		return pitch.Result{}, fmt.Errorf("spice: analyze: %w", err)
	}
	if body.Error != "" {
		return pitch.Result{}, fmt.Errorf("spice: analyze: server error: %s", body.Error)
	}

	left := body.LeftChannel
	track, err := wire.Track(left.Pitches, left.Confidences, left.Timestamps, frameStep)
	if err != nil {
		return pitch.Result{}, fmt.Errorf("spice: analyze: %w", err)
	}
	for i := range track {
		track[i].Frequency *= e.scale
	}
	res.Track = track
	if i := wire.Best(track); i >= 0 {
		res.Frequency = track[i].Frequency
		res.Confidence = track[i].Confidence
	}
	res.Pitches = groupPitches(body.PolyphonicPitches, e.scale)
	return res, nil
}

// groupPitches collapses per-frame pitch sets into semitone groups. The result
// is sorted by strength descending, then frequency ascending.
func groupPitches(frames [][]float64, scale float64) []pitch.MultiplePitch {
	type group struct {
		sum    float64
		n      int
		frames int
	}
	groups := make(map[int]*group)
	voiced := 0
	for _, frame := range frames {
		seen := make(map[int]bool, len(frame))
		hasPitch := false
		for _, f := range frame {
			if f <= 0 {
				continue
			}
			f *= scale
			hasPitch = true
			key := int(math.Round(12 * math.Log2(f/pitch.A4)))
			g := groups[key]
			if g == nil {
				g = &group{}
				groups[key] = g
			}
			g.sum += f
			g.n++
			if !seen[key] {
				seen[key] = true
				g.frames++
			}
		}
		if hasPitch {
			voiced++
		}
	}
	if voiced == 0 {
		return nil
	}

	out := make([]pitch.MultiplePitch, 0, len(groups))
	for _, g := range groups {
		out = append(out, pitch.MultiplePitch{
			Frequency: g.sum / float64(g.n),
			Strength:  float64(g.frames) / float64(voiced),
		})
	}
	slices.SortFunc(out, func(a, b pitch.MultiplePitch) int {
		if c := cmp.Compare(b.Strength, a.Strength); c != 0 {
			return c
		}
		return cmp.Compare(a.Frequency, b.Frequency)
	})
	return out
}
