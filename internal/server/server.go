// Package server exposes the pitch fusion pipeline over HTTP and WebSocket.
//
// Routes:
//
//	GET  /healthz, /readyz         process health
//	GET  /metrics                  Prometheus scrape endpoint
//	GET  /v1/engines               cached engine health summary
//	POST /v1/engines/check         fresh engine probe
//	GET  /v1/stream                WebSocket recording session
//	POST /v1/analyze               one-shot analysis of a PCM16 body
//	GET  /v1/sessions              active sessions
//	GET  /v1/sessions/{id}         stored session summary
//	GET  /v1/sessions/{id}/similar sessions with a similar pitch profile
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Thetason/obiwan-sub003/internal/analysis"
	"github.com/Thetason/obiwan-sub003/internal/dispatch"
	"github.com/Thetason/obiwan-sub003/internal/feedback"
	"github.com/Thetason/obiwan-sub003/internal/fusion"
	"github.com/Thetason/obiwan-sub003/internal/health"
	"github.com/Thetason/obiwan-sub003/internal/observe"
	"github.com/Thetason/obiwan-sub003/internal/store"
	"github.com/Thetason/obiwan-sub003/internal/stream"
	"github.com/Thetason/obiwan-sub003/pkg/audio"
)

// maxAnalyzeBody bounds the PCM body of a one-shot analysis request.
const maxAnalyzeBody = 10 << 20

// Settings are the per-session values taken from the live configuration
// when a session starts.
type Settings struct {
	Mode           dispatch.Mode
	ChordThreshold float64
	HistorySize    int
	QueueSize      int
	Vibrato        analysis.VibratoConfig
	Breath         analysis.BreathConfig
}

// Config holds the collaborators of a [Server].
type Config struct {
	Client  *dispatch.Client
	Monitor *health.Monitor
	Store   store.Store
	Health  *health.Handler
	Metrics *observe.Metrics

	// Settings returns the current session settings. It is called once per
	// new session and per one-shot request.
	Settings func() Settings

	// MetricsHandler serves /metrics. Defaults to promhttp.Handler().
	MetricsHandler http.Handler

	// OriginPatterns lists the cross-origin hosts allowed to open /v1/stream.
	// Same-origin requests are always accepted.
	OriginPatterns []string
}

// Server serves the HTTP surface. It tracks live WebSocket sessions so they
// can be stopped on shutdown.
type Server struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*stream.Coordinator
	wg       sync.WaitGroup
}

// New returns a Server. Client, Monitor, and Store are required.
func New(cfg Config) *Server {
	if cfg.Settings == nil {
		cfg.Settings = func() Settings { return Settings{} }
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Health == nil {
		cfg.Health = health.New(cfg.Monitor.Checker())
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}
	return &Server{cfg: cfg, sessions: make(map[string]*stream.Coordinator)}
}

// Handler returns the instrumented route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.cfg.Health.Register(mux)
	mux.Handle("GET /metrics", s.cfg.MetricsHandler)
	mux.HandleFunc("GET /v1/engines", s.handleEngines)
	mux.HandleFunc("POST /v1/engines/check", s.handleEnginesCheck)
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("POST /v1/analyze", s.handleAnalyze)
	mux.HandleFunc("GET /v1/sessions", s.handleSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /v1/sessions/{id}/similar", s.handleSimilar)
	return observe.Middleware(s.cfg.Metrics)(mux)
}

// ActiveSessions returns the number of live WebSocket sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown stops every live session and waits for them to finish or ctx to
// expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.sessions {
		c.Stop()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) newCoordinator(opts ...stream.Option) *stream.Coordinator {
	set := s.cfg.Settings()
	c := stream.New(s.cfg.Client, stream.Config{
		Mode:           set.Mode,
		QueueSize:      set.QueueSize,
		HistorySize:    set.HistorySize,
		ChordThreshold: set.ChordThreshold,
		Vibrato:        set.Vibrato,
		Breath:         set.Breath,
	}, append([]stream.Option{
		stream.WithHealth(s.cfg.Monitor),
		stream.WithStore(s.cfg.Store),
		stream.WithMetrics(s.cfg.Metrics),
	}, opts...)...)

	s.mu.Lock()
	s.sessions[c.ID()] = c
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		<-c.Done()
		s.mu.Lock()
		delete(s.sessions, c.ID())
		s.mu.Unlock()
		s.wg.Done()
	}()
	return c
}

func (s *Server) handleEngines(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Monitor.Summary())
}

func (s *Server) handleEnginesCheck(w http.ResponseWriter, r *http.Request) {
	sum := s.cfg.Monitor.CheckStatus(r.Context())
	writeJSON(w, http.StatusOK, sum)
}

type sessionInfo struct {
	ID    string        `json:"id"`
	State stream.State  `json:"state"`
	Mode  dispatch.Mode `json:"mode"`
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := make([]sessionInfo, 0, len(s.sessions))
	for id, c := range s.sessions {
		out = append(out, sessionInfo{ID: id, State: c.State(), Mode: c.Mode()})
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	matches, err := s.cfg.Store.Similar(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if matches == nil {
		matches = []store.Match{}
	}
	writeJSON(w, http.StatusOK, matches)
}

// analyzeResponse is the body returned by POST /v1/analyze.
type analyzeResponse struct {
	Mode      dispatch.Mode     `json:"mode"`
	Amplitude float64           `json:"amplitude"`
	Fused     fusion.Result     `json:"fused"`
	Feedback  feedback.Feedback `json:"feedback"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	set := s.cfg.Settings()

	mode := set.Mode
	if v := q.Get("mode"); v != "" {
		m, err := dispatch.ParseMode(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		mode = m
	}
	target, err := queryFloat(q.Get("target_hz"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "target_hz must be a number")
		return
	}
	rate, err1 := queryInt(q.Get("sample_rate"))
	channels, err2 := queryInt(q.Get("channels"))
	if err1 != nil || err2 != nil || rate < 0 || channels < 0 {
		writeError(w, http.StatusBadRequest, "sample_rate and channels must be positive integers")
		return
	}

	var body []byte
	if body, err = readBody(w, r); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	chunk, err := audio.NormalizeChunk(body, audio.Format{SampleRate: rate, Channels: channels})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mono, poly := s.cfg.Client.Analyze(r.Context(), chunk, mode, s.cfg.Monitor.Summary())
	if mono == nil && poly == nil {
		s.cfg.Metrics.RecordChunkSkipped(r.Context(), stream.SkipNoResult)
		writeError(w, http.StatusServiceUnavailable, dispatch.ErrEngineUnavailable.Error())
		return
	}
	fused := fusion.New(set.ChordThreshold).Fuse(mono, poly)
	writeJSON(w, http.StatusOK, analyzeResponse{
		Mode:      mode,
		Amplitude: audio.RMS(chunk.Samples),
		Fused:     fused,
		Feedback:  feedback.Generate(fused, target),
	})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAnalyzeBody)
	return io.ReadAll(r.Body)
}

func queryFloat(v string) (float64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseFloat(v, 64)
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	slog.Error("server: store request failed", "err", err)
	writeError(w, http.StatusInternalServerError, "store unavailable")
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: write response", "err", err)
	}
}
