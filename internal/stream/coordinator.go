// Package stream owns the lifecycle of one recording session: it accepts
// audio chunks, runs them through dispatch and fusion, feeds the pitch
// history and feature analyzers, and emits results to subscribers in
// submission order.
//
// A Coordinator moves Idle -> Recording -> Stopped exactly once. A single
// worker goroutine drains a bounded queue, so results leave in the order
// chunks were accepted no matter how engine latency varies.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Thetason/obiwan-sub003/internal/analysis"
	"github.com/Thetason/obiwan-sub003/internal/dispatch"
	"github.com/Thetason/obiwan-sub003/internal/feedback"
	"github.com/Thetason/obiwan-sub003/internal/fusion"
	"github.com/Thetason/obiwan-sub003/internal/health"
	"github.com/Thetason/obiwan-sub003/internal/observe"
	"github.com/Thetason/obiwan-sub003/internal/store"
	"github.com/Thetason/obiwan-sub003/pkg/audio"
	"github.com/Thetason/obiwan-sub003/pkg/provider/pitch"
)

const (
	// DefaultQueueSize bounds the chunks waiting for the worker.
	DefaultQueueSize = 32

	// DefaultSubscriberBuffer is the channel capacity given to subscribers.
	DefaultSubscriberBuffer = 64

	saveTimeout = 5 * time.Second
)

// Skip reasons recorded on [observe.Metrics.ChunksSkipped].
const (
	SkipNoResult     = "no_engine_result"
	SkipBackpressure = "backpressure"
	SkipDecode       = "decode_error"
)

// Dispatcher sends one chunk to the pitch engines. *dispatch.Client
// implements it.
type Dispatcher interface {
	Analyze(ctx context.Context, chunk audio.Chunk, mode dispatch.Mode, summary health.Summary) (mono, poly *pitch.Result)
}

// HealthSource provides the cached engine summary. *health.Monitor
// implements it.
type HealthSource interface {
	Summary() health.Summary
}

// Config holds per-session settings. Zero values take defaults.
type Config struct {
	// ID names the session; a random UUID is used when empty.
	ID string

	Mode     dispatch.Mode
	TargetHz float64

	QueueSize        int
	SubscriberBuffer int
	HistorySize      int
	ChordThreshold   float64

	Vibrato analysis.VibratoConfig
	Breath  analysis.BreathConfig
}

// Option configures optional collaborators of a [Coordinator].
type Option func(*Coordinator)

// WithHealth sets the health summary consulted for every chunk. Without it
// dispatch sees an unknown summary and Auto calls both engines.
func WithHealth(h HealthSource) Option {
	return func(c *Coordinator) { c.health = h }
}

// WithStore saves the session summary to s when the session ends.
func WithStore(s store.Store) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

type job struct {
	seq    uint64
	chunk  audio.Chunk
	ts     time.Duration
	mode   dispatch.Mode
	target float64
}

// Coordinator runs one recording session. All exported methods are safe for
// concurrent use.
type Coordinator struct {
	id         string
	cfg        Config
	dispatcher Dispatcher
	health     HealthSource
	store      store.Store
	metrics    *observe.Metrics
	fuser      *fusion.Fuser

	mu      sync.Mutex
	state   State
	mode    dispatch.Mode
	target  float64
	seq     uint64
	offset  time.Duration
	queue   chan job
	subs    []chan Event
	closed  bool
	missed  int
	record  store.SessionRecord
	ctx     context.Context
	stopCtx func() bool
	log     *slog.Logger

	done chan struct{}

	normMu sync.Mutex
	norm   *audio.Normalizer

	// Owned by the worker goroutine.
	history   *analysis.History
	vibrato   *analysis.VibratoAnalyzer
	profile   analysis.Profile
	pitchSum  float64
	voicedCnt int
}

// New returns an idle Coordinator.
func New(d Dispatcher, cfg Config, opts ...Option) *Coordinator {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if cfg.Breath == (analysis.BreathConfig{}) {
		cfg.Breath = analysis.DefaultBreathConfig()
	}
	c := &Coordinator{
		id:         cfg.ID,
		cfg:        cfg,
		dispatcher: d,
		fuser:      fusion.New(cfg.ChordThreshold),
		mode:       cfg.Mode,
		target:     cfg.TargetHz,
		done:       make(chan struct{}),
		history:    analysis.NewHistory(cfg.HistorySize),
		vibrato:    analysis.NewVibratoAnalyzer(cfg.Vibrato),
		log:        slog.Default().With("session_id", cfg.ID),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.record = store.SessionRecord{ID: c.id, Mode: c.mode.String(), TargetHz: c.target}
	return c
}

// ID returns the session ID.
func (c *Coordinator) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Mode returns the mode applied to the next submitted chunk.
func (c *Coordinator) Mode() dispatch.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode changes the analysis mode starting with the next submitted chunk.
// It is valid in every state.
func (c *Coordinator) SetMode(m dispatch.Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = m
}

// SetTarget changes the target pitch used for feedback starting with the
// next submitted chunk. Non-positive values select the nearest note of each
// detected pitch.
func (c *Coordinator) SetTarget(hz float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = hz
}

// Subscribe returns a channel receiving every later event. The channel is
// closed once the session has finished. A subscriber that falls behind by
// more than its buffer misses events.
func (c *Coordinator) Subscribe() <-chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan Event, c.cfg.SubscriberBuffer)
	if c.closed {
		close(ch)
		return ch
	}
	c.subs = append(c.subs, ch)
	return ch
}

// Start moves Idle to Recording and starts the worker. Calling Start while
// Recording is a no-op. The session stops when ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateRecording:
		return nil
	case StateStopped:
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, c.state)
	}

	c.ctx = ctx
	c.log = observe.SessionLogger(ctx, c.id)
	c.queue = make(chan job, c.cfg.QueueSize)
	c.state = StateRecording
	c.record.StartedAt = time.Now().UTC()
	c.record.Mode = c.mode.String()
	c.record.TargetHz = c.target
	c.stopCtx = context.AfterFunc(ctx, c.Stop)
	c.metrics.ActiveSessions.Add(ctx, 1)
	c.emitLocked(Event{Type: EventState, State: c.state, Mode: c.mode})

	go c.run(c.queue)
	c.log.Info("session started", "mode", c.mode.String(), "target_hz", c.target)
	return nil
}

// AddChunk queues a normalized chunk and returns its sequence number. It
// fails with [ErrInvalidTransition] outside Recording and with
// [ErrBackpressure] when the queue is full; neither affects the session.
func (c *Coordinator) AddChunk(chunk audio.Chunk) (uint64, error) {
	if chunk.SampleRate == 0 {
		chunk.SampleRate = audio.StreamSampleRate
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRecording {
		return 0, fmt.Errorf("%w: chunk while %s", ErrInvalidTransition, c.state)
	}

	ts := c.offset
	c.offset += chunk.Duration()
	chunk.Timestamp = ts

	j := job{seq: c.seq + 1, chunk: chunk, ts: ts, mode: c.mode, target: c.target}
	select {
	case c.queue <- j:
		c.seq = j.seq
		c.record.Chunks++
		return j.seq, nil
	default:
		c.record.Rejected++
		c.metrics.RecordChunkSkipped(c.ctx, SkipBackpressure)
		c.log.Debug("chunk dropped", "err", ErrBackpressure, "queue", cap(c.queue))
		return 0, ErrBackpressure
	}
}

// AddPCM normalizes a raw PCM16 chunk captured in format f and queues it.
// Consecutive chunks in the same format share one resampling filter; a
// format change starts a new one. Malformed input returns an
// [*audio.DecodeError] and is dropped.
func (c *Coordinator) AddPCM(pcm []byte, f audio.Format) (uint64, error) {
	if st := c.State(); st != StateRecording {
		return 0, fmt.Errorf("%w: chunk while %s", ErrInvalidTransition, st)
	}
	chunk, err := c.normalize(pcm, f)
	if err != nil {
		c.mu.Lock()
		c.record.Rejected++
		c.mu.Unlock()
		c.metrics.RecordChunkSkipped(c.ctx, SkipDecode)
		c.log.Debug("chunk rejected", "err", err)
		return 0, err
	}
	return c.AddChunk(chunk)
}

func (c *Coordinator) normalize(pcm []byte, f audio.Format) (audio.Chunk, error) {
	c.normMu.Lock()
	defer c.normMu.Unlock()
	if c.norm == nil || c.norm.Format() != f.WithDefaults() {
		n, err := audio.NewNormalizer(f)
		if err != nil {
			return audio.Chunk{}, err
		}
		c.norm = n
	}
	return c.norm.Normalize(pcm)
}

// Stop ends the session. It returns immediately; chunks still queued are
// discarded and a chunk being processed finishes without emitting. Stop is
// idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateStopped:
		return
	case StateIdle:
		c.state = StateStopped
		c.closeSubsLocked()
		close(c.done)
		return
	}

	c.state = StateStopped
	c.record.StoppedAt = time.Now().UTC()
	if c.stopCtx != nil {
		c.stopCtx()
	}
	c.emitLocked(Event{Type: EventState, State: c.state, Mode: c.mode})
	close(c.queue)
	c.log.Info("session stopping", "accepted", c.record.Chunks, "emitted", c.record.Results)
}

// Done is closed once the session has fully finished and its summary has
// been saved.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Summary returns the session record. It is final once [Coordinator.Done]
// is closed.
func (c *Coordinator) Summary() store.SessionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.record
	r.Profile = append([]float32(nil), r.Profile...)
	return r
}

func (c *Coordinator) run(queue <-chan job) {
	defer close(c.done)

	for j := range queue {
		if c.State() != StateRecording {
			continue
		}
		c.process(j)
	}
	c.finish()
}

func (c *Coordinator) process(j job) {
	start := time.Now()
	ctx, span := observe.StartSpan(c.ctx, "stream.chunk",
		attribute.String("session.id", c.id), attribute.Int64("seq", int64(j.seq)))
	defer span.End()

	var summary health.Summary
	if c.health != nil {
		summary = c.health.Summary()
	}
	mono, poly := c.dispatcher.Analyze(ctx, j.chunk, j.mode, summary)
	if mono == nil && poly == nil {
		// No event is emitted, but the history still gets an unvoiced sample
		// so breath and vibrato see the gap.
		gap := analysis.PitchSample{Timestamp: j.ts, Amplitude: audio.RMS(j.chunk.Samples)}
		c.history.Append(gap)
		c.vibrato.Add(gap)
		c.metrics.RecordChunkSkipped(ctx, SkipNoResult)
		c.mu.Lock()
		c.record.Skipped++
		c.mu.Unlock()
		c.log.Debug("chunk skipped", "seq", j.seq, "err", dispatch.ErrEngineUnavailable)
		return
	}

	fused := c.fuser.Fuse(mono, poly)
	fb := feedback.Generate(fused, j.target)
	amp := audio.RMS(j.chunk.Samples)

	sample := analysis.PitchSample{
		Frequency:  fused.Frequency,
		Confidence: fused.Confidence,
		Cents:      fb.Cents,
		Timestamp:  j.ts,
		Amplitude:  amp,
	}
	c.history.Append(sample)
	c.feedVibrato(j.ts, fused, sample)
	c.accumulate(fused)

	res := &Result{
		Seq:       j.seq,
		Timestamp: j.ts,
		Amplitude: amp,
		Fused:     fused,
		Feedback:  fb,
		Vibrato:   c.vibrato.Analyze(),
		Breath:    analysis.AnalyzeBreath(c.history.Samples(), c.cfg.Breath),
	}
	c.metrics.ChunkDuration.Record(ctx, time.Since(start).Seconds())
	if fused.IsChord {
		c.metrics.ChordsDetected.Add(ctx, 1)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRecording {
		return
	}
	c.record.Results++
	if fused.IsChord {
		c.record.Chords++
	}
	c.record.Vibrato = res.Vibrato
	c.record.Breath = res.Breath
	c.emitLocked(Event{Type: EventResult, State: c.state, Mode: j.mode, Result: res})
}

// feedVibrato adds the selected engine's per-frame track to the vibrato
// window, or the chunk-level sample when no track is available.
func (c *Coordinator) feedVibrato(ts time.Duration, fused fusion.Result, sample analysis.PitchSample) {
	frames := trackSamples(ts, fused, sample.Amplitude)
	if len(frames) == 0 {
		c.vibrato.Add(sample)
		return
	}
	for _, f := range frames {
		c.vibrato.Add(f)
	}
}

// trackSamples turns the selected engine's frame track into pitch samples
// placed at chunk start ts, with cents measured against the fused pitch.
func trackSamples(ts time.Duration, fused fusion.Result, amp float64) []analysis.PitchSample {
	track := selectedTrack(fused)
	out := make([]analysis.PitchSample, 0, len(track))
	for _, f := range track {
		out = append(out, analysis.PitchSample{
			Frequency:  f.Frequency,
			Confidence: f.Confidence,
			Cents:      feedback.Cents(f.Frequency, fused.Frequency),
			Timestamp:  ts + f.Offset,
			Amplitude:  amp,
		})
	}
	return out
}

func selectedTrack(fused fusion.Result) []pitch.Frame {
	for _, r := range []*pitch.Result{fused.Mono, fused.Poly} {
		if r != nil && r.Voiced() && r.Engine == fused.Analysis.Selected && len(r.Track) > 0 {
			return r.Track
		}
	}
	return nil
}

func (c *Coordinator) accumulate(fused fusion.Result) {
	if fused.Frequency <= 0 {
		return
	}
	c.pitchSum += fused.Frequency
	c.voicedCnt++
	if fused.IsChord {
		for _, p := range fused.Pitches {
			c.profile.Add(p.Frequency, p.Strength)
		}
		return
	}
	c.profile.Add(fused.Frequency, fused.Confidence)
}

// finish runs on the worker after the queue is closed.
func (c *Coordinator) finish() {
	ctx := context.WithoutCancel(c.ctx)
	c.metrics.ActiveSessions.Add(ctx, -1)

	c.mu.Lock()
	if c.voicedCnt > 0 {
		c.record.MeanPitch = c.pitchSum / float64(c.voicedCnt)
	}
	if !c.profile.Empty() {
		c.record.Profile = c.profile.Vector()
		c.record.DominantNote = pitch.PitchClassName(c.profile.Dominant())
	}
	r := c.record
	missed := c.missed
	c.closeSubsLocked()
	c.mu.Unlock()

	if c.store != nil {
		saveCtx, cancel := context.WithTimeout(ctx, saveTimeout)
		defer cancel()
		if err := c.store.Save(saveCtx, r); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn("failed to save session summary", "err", err)
		}
	}
	c.log.Info("session stopped",
		"results", r.Results, "skipped", r.Skipped, "rejected", r.Rejected,
		"chords", r.Chords, "missed_events", missed, "duration", r.Duration())
}

// emitLocked delivers ev without blocking. c.mu must be held.
func (c *Coordinator) emitLocked(ev Event) {
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.missed++
			c.log.Debug("subscriber lagging, event dropped", "type", ev.Type)
		}
	}
}

func (c *Coordinator) closeSubsLocked() {
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
}
