// Package crepe provides the monophonic pitch engine client for a CREPE
// inference server.
//
// The server exposes GET /health and POST /analyze. Each analysis request
// carries one window of 16 kHz mono float32 audio; the server answers with
// per-frame pitches and confidences (10 ms step), already filtered to
// confident frames. The client reports the highest-confidence frame as the
// main pitch and keeps every frame as the result's Track.
//
// Usage:
//
//	e, err := crepe.New("http://localhost:5002", crepe.WithTimeout(3*time.Second))
//	res, err := e.Analyze(ctx, chunk)
package crepe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Thetason/obiwan-sub003/pkg/audio"
	"github.com/Thetason/obiwan-sub003/pkg/provider/pitch"
	"github.com/Thetason/obiwan-sub003/pkg/provider/pitch/internal/wire"
)

const (
	defaultName    = "crepe"
	defaultTimeout = 3 * time.Second

	// frameStep is the CREPE server's analysis hop.
	frameStep = 10 * time.Millisecond
)

// Compile-time assertion that Engine implements pitch.Engine.
var _ pitch.Engine = (*Engine)(nil)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithName overrides the engine name reported in results and metrics.
func WithName(name string) Option {
	return func(e *Engine) {
		e.name = name
	}
}

// WithTimeout sets the HTTP client timeout. Callers usually also bound each
// call with a context deadline; whichever is shorter wins. Defaults to 3 s.
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

// Engine is a pitch.Engine backed by a CREPE HTTP server.
type Engine struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

// New creates an Engine for the CREPE server at baseURL
// (e.g., "http://localhost:5002"). baseURL must be non-empty.
func New(baseURL string, opts ...Option) (*Engine, error) {
	if baseURL == "" {
		return nil, errors.New("crepe: baseURL must not be empty")
	}
	e := &Engine{
		name:       defaultName,
		baseURL:    strings.TrimRight(baseURL, "/"),
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
		return fmt.Errorf("crepe: probe: %w", err)
	}
	return nil
}

type analyzeResponse struct {
	Pitches     []float64 `json:"pitches"`
	Confidences []float64 `json:"confidences"`
	Timestamps  []float64 `json:"timestamps"`
	Error       string    `json:"error"`
}

// Analyze implements pitch.Engine. An empty chunk is answered locally as
// unvoiced without a network round trip.
func (e *Engine) Analyze(ctx context.Context, chunk audio.Chunk) (pitch.Result, error) {
	res := pitch.Result{Engine: e.name}
	if len(chunk.Samples) == 0 {
		return res, nil
	}

	var body analyzeResponse
	if err := wire.PostJSON(ctx, e.httpClient, e.baseURL+"/analyze", wire.NewAnalyzeRequest(chunk), &body); err != nil {
		return pitch.Result{}, fmt.Errorf("crepe: analyze: %w", err)
	}
	if body.Error != "" {
		return pitch.Result{}, fmt.Errorf("crepe: analyze: server error: %s", body.Error)
	}

	track, err := wire.Track(body.Pitches, body.Confidences, body.Timestamps, frameStep)
	if err != nil {
		return pitch.Result{}, fmt.Errorf("crepe: analyze: %w", err)
	}
	res.Track = track
	if i := wire.Best(track); i >= 0 {
		res.Frequency = track[i].Frequency
		res.Confidence = track[i].Confidence
	}
	return res, nil
}
