package stream_test

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Thetason/obiwan-sub003/internal/dispatch"
	"github.com/Thetason/obiwan-sub003/internal/feedback"
	"github.com/Thetason/obiwan-sub003/internal/health"
	"github.com/Thetason/obiwan-sub003/internal/store"
	"github.com/Thetason/obiwan-sub003/internal/stream"
	"github.com/Thetason/obiwan-sub003/pkg/audio"
	"github.com/Thetason/obiwan-sub003/pkg/provider/pitch"
	"github.com/Thetason/obiwan-sub003/pkg/provider/pitch/mock"
)

// chunk returns 100 ms of silence at the stream rate.
func chunk() audio.Chunk {
	return audio.Chunk{Samples: make([]float32, 1600), SampleRate: audio.StreamSampleRate}
}

func voiced(hz, conf float64) []pitch.Result {
	return []pitch.Result{{Frequency: hz, Confidence: conf}}
}

// results reads result events until n arrived or the deadline passed.
func results(t *testing.T, events <-chan stream.Event, n int) []*stream.Result {
	t.Helper()
	var out []*stream.Result
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("events closed after %d of %d results", len(out), n)
			}
			if ev.Type == stream.EventResult {
				out = append(out, ev.Result)
			}
		case <-deadline:
			t.Fatalf("timed out after %d of %d results", len(out), n)
		}
	}
	return out
}

// drain consumes the remaining events and returns them.
func drain(t *testing.T, events <-chan stream.Event) []stream.Event {
	t.Helper()
	var out []stream.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("events channel never closed")
		}
	}
}

func waitDone(t *testing.T, c *stream.Coordinator) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCoordinator_ChunkBeforeStart(t *testing.T) {
	t.Parallel()

	mono := &mock.Engine{Results: voiced(440, 0.9)}
	c := stream.New(dispatch.New(mono, nil), stream.Config{})

	if _, err := c.AddChunk(chunk()); !errors.Is(err, stream.ErrInvalidTransition) {
		t.Fatalf("AddChunk err = %v, want ErrInvalidTransition", err)
	}
	if got := c.Summary(); got.Chunks != 0 || got.Results != 0 {
		t.Errorf("summary mutated: %+v", got)
	}
	if c.State() != stream.StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
	if mono.AnalyzeCallCount() != 0 {
		t.Error("engine called for rejected chunk")
	}
}

func TestCoordinator_StartIsIdempotent(t *testing.T) {
	t.Parallel()

	c := stream.New(dispatch.New(&mock.Engine{}, nil), stream.Config{})
	events := c.Subscribe()
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("second Start = %v, want nil", err)
	}
	c.Stop()
	waitDone(t, c)

	var states []stream.State
	for _, ev := range drain(t, events) {
		if ev.Type == stream.EventState {
			states = append(states, ev.State)
		}
	}
	if len(states) != 2 || states[0] != stream.StateRecording || states[1] != stream.StateStopped {
		t.Errorf("state events = %v, want [recording stopped]", states)
	}
}

func TestCoordinator_StoppedIsTerminal(t *testing.T) {
	t.Parallel()

	c := stream.New(dispatch.New(&mock.Engine{}, nil), stream.Config{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Stop()
	c.Stop()
	waitDone(t, c)

	if err := c.Start(context.Background()); !errors.Is(err, stream.ErrInvalidTransition) {
		t.Errorf("Start after stop = %v, want ErrInvalidTransition", err)
	}
	if _, err := c.AddChunk(chunk()); !errors.Is(err, stream.ErrInvalidTransition) {
		t.Errorf("AddChunk after stop = %v, want ErrInvalidTransition", err)
	}
	if ch := c.Subscribe(); ch != nil {
		if _, ok := <-ch; ok {
			t.Error("subscription after finish should be closed")
		}
	}
}

func TestCoordinator_StopFromIdle(t *testing.T) {
	t.Parallel()

	c := stream.New(dispatch.New(nil, nil), stream.Config{})
	events := c.Subscribe()
	c.Stop()
	waitDone(t, c)
	if len(drain(t, events)) != 0 {
		t.Error("idle stop should emit nothing")
	}
}

func TestCoordinator_OrderedEmission(t *testing.T) {
	t.Parallel()

	const n = 5
	rng := rand.New(rand.NewPCG(1, 2))
	latency := make([]time.Duration, 2*n)
	for i := range latency {
		latency[i] = time.Duration(rng.IntN(25)) * time.Millisecond
	}
	mono := &mock.Engine{Results: voiced(440, 0.9), Latency: func(i int) time.Duration { return latency[i] }}
	poly := &mock.Engine{Results: voiced(220, 0.5), Latency: func(i int) time.Duration { return latency[n+i] }}

	c := stream.New(dispatch.New(mono, poly), stream.Config{Mode: dispatch.ModeBoth})
	events := c.Subscribe()
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= n; i++ {
		seq, err := c.AddChunk(chunk())
		if err != nil {
			t.Fatalf("AddChunk %d: %v", i, err)
		}
		if seq != uint64(i) {
			t.Fatalf("seq = %d, want %d", seq, i)
		}
	}

	got := results(t, events, n)
	for i, r := range got {
		if r.Seq != uint64(i+1) {
			t.Errorf("result %d has seq %d", i, r.Seq)
		}
		if want := time.Duration(i) * 100 * time.Millisecond; r.Timestamp != want {
			t.Errorf("result %d timestamp = %v, want %v", i, r.Timestamp, want)
		}
	}
	c.Stop()
	waitDone(t, c)
}

func TestCoordinator_SkipsWhenNoEngineAnswers(t *testing.T) {
	t.Parallel()

	down := errors.New("connection refused")
	c := stream.New(dispatch.New(&mock.Engine{AnalyzeErr: down}, &mock.Engine{AnalyzeErr: down}), stream.Config{})
	events := c.Subscribe()
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if _, err := c.AddChunk(chunk()); err != nil {
			t.Fatal(err)
		}
	}
	eventually(t, func() bool { return c.Summary().Skipped == 3 })
	if c.State() != stream.StateRecording {
		t.Errorf("state = %v, session should keep recording", c.State())
	}
	c.Stop()
	waitDone(t, c)

	for _, ev := range drain(t, events) {
		if ev.Type == stream.EventResult {
			t.Errorf("unexpected result %+v", ev.Result)
		}
	}
}

// gapDispatcher answers every chunk except calls whose 1-based index lies in
// [from, to], for which both slots come back empty.
type gapDispatcher struct {
	from, to int
	calls    atomic.Int64
}

func (d *gapDispatcher) Analyze(context.Context, audio.Chunk, dispatch.Mode, health.Summary) (*pitch.Result, *pitch.Result) {
	n := int(d.calls.Add(1))
	if n >= d.from && n <= d.to {
		return nil, nil
	}
	return &pitch.Result{Engine: "crepe", Frequency: 440, Confidence: 0.9}, nil
}

func TestCoordinator_SkippedChunksLeaveUnvoicedSamples(t *testing.T) {
	t.Parallel()

	c := stream.New(&gapDispatcher{from: 11, to: 15}, stream.Config{Mode: dispatch.ModeMono})
	events := c.Subscribe()
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 20; i++ {
		if _, err := c.AddChunk(chunk()); err != nil {
			t.Fatalf("AddChunk %d: %v", i, err)
		}
	}

	got := results(t, events, 15)
	c.Stop()
	waitDone(t, c)

	last := got[len(got)-1]
	if last.Seq != 20 {
		t.Fatalf("last seq = %d, want 20", last.Seq)
	}
	if got[10].Seq != 16 || got[10].Timestamp != 1500*time.Millisecond {
		t.Errorf("first result after the gap = seq %d at %v, want seq 16 at 1.5s", got[10].Seq, got[10].Timestamp)
	}
	b := last.Breath
	if b.VoicedSamples != 15 {
		t.Errorf("voiced samples = %d, want 15", b.VoicedSamples)
	}
	if math.Abs(b.VoicedFraction-0.75) > 1e-9 {
		t.Errorf("voiced fraction = %v, want 0.75", b.VoicedFraction)
	}
	if c.Summary().Skipped != 5 {
		t.Errorf("Skipped = %d, want 5", c.Summary().Skipped)
	}
}

func TestCoordinator_StopDiscardsInFlight(t *testing.T) {
	t.Parallel()

	mono := &mock.Engine{Results: voiced(440, 0.9), Latency: func(int) time.Duration { return 150 * time.Millisecond }}
	c := stream.New(dispatch.New(mono, nil), stream.Config{Mode: dispatch.ModeMono})
	events := c.Subscribe()
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if _, err := c.AddChunk(chunk()); err != nil {
			t.Fatal(err)
		}
	}
	eventually(t, func() bool { return mono.AnalyzeCallCount() == 1 })
	c.Stop()
	waitDone(t, c)

	for _, ev := range drain(t, events) {
		if ev.Type == stream.EventResult {
			t.Errorf("result emitted after stop: seq %d", ev.Result.Seq)
		}
	}
	if got := mono.AnalyzeCallCount(); got != 1 {
		t.Errorf("engine calls = %d, queued chunks should be discarded", got)
	}
	if got := c.Summary(); got.Results != 0 || got.Chunks != 3 {
		t.Errorf("summary = %+v", got)
	}
}

func TestCoordinator_Backpressure(t *testing.T) {
	t.Parallel()

	mono := &mock.Engine{Results: voiced(440, 0.9), Latency: func(int) time.Duration { return 100 * time.Millisecond }}
	c := stream.New(dispatch.New(mono, nil), stream.Config{QueueSize: 1})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { c.Stop(); waitDone(t, c) }()

	var rejected int
	var seqs []uint64
	for range 3 {
		seq, err := c.AddChunk(chunk())
		switch {
		case errors.Is(err, stream.ErrBackpressure):
			rejected++
		case err != nil:
			t.Fatal(err)
		default:
			seqs = append(seqs, seq)
		}
	}
	if rejected == 0 {
		t.Fatal("expected at least one chunk refused by backpressure")
	}
	for i, s := range seqs {
		if s != uint64(i+1) {
			t.Errorf("accepted seqs = %v, want contiguous from 1", seqs)
			break
		}
	}
	if got := c.Summary().Rejected; got != rejected {
		t.Errorf("Rejected = %d, want %d", got, rejected)
	}
}

func TestCoordinator_SetModeAppliesToNextChunk(t *testing.T) {
	t.Parallel()

	mono := &mock.Engine{Results: voiced(440, 0.9)}
	poly := &mock.Engine{Results: voiced(440, 0.8)}
	c := stream.New(dispatch.New(mono, poly), stream.Config{Mode: dispatch.ModeMono})
	events := c.Subscribe()
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := c.AddChunk(chunk()); err != nil {
		t.Fatal(err)
	}
	c.SetMode(dispatch.ModePoly)
	if _, err := c.AddChunk(chunk()); err != nil {
		t.Fatal(err)
	}
	got := results(t, events, 2)
	c.Stop()
	waitDone(t, c)

	if mono.AnalyzeCallCount() != 1 || poly.AnalyzeCallCount() != 1 {
		t.Errorf("calls mono=%d poly=%d, want 1/1", mono.AnalyzeCallCount(), poly.AnalyzeCallCount())
	}
	if got[0].Fused.Mono == nil || got[1].Fused.Poly == nil || got[1].Fused.Mono != nil {
		t.Error("mode switch did not change the contributing engine")
	}
}

func TestCoordinator_FeedbackAndSummary(t *testing.T) {
	t.Parallel()

	mem := store.NewMemory()
	mono := &mock.Engine{NameValue: "crepe", Results: voiced(440, 0.9)}
	c := stream.New(dispatch.New(mono, nil), stream.Config{ID: "s1", TargetHz: 440}, stream.WithStore(mem))
	events := c.Subscribe()
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if _, err := c.AddChunk(chunk()); err != nil {
			t.Fatal(err)
		}
	}
	got := results(t, events, 3)
	if got[0].Feedback.Category != feedback.InTune {
		t.Errorf("feedback = %+v, want in tune", got[0].Feedback)
	}
	if got[2].Breath.Sufficient {
		t.Error("breath should be insufficient with 3 samples")
	}
	c.Stop()
	waitDone(t, c)

	rec, err := mem.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("summary not saved: %v", err)
	}
	if rec.Results != 3 || rec.Chunks != 3 || math.Abs(rec.MeanPitch-440) > 1e-9 {
		t.Errorf("record = %+v", rec)
	}
	if rec.DominantNote != "A" || len(rec.Profile) != 12 {
		t.Errorf("profile = %v %q", rec.Profile, rec.DominantNote)
	}
	if rec.StoppedAt.Before(rec.StartedAt) {
		t.Errorf("stopped %v before started %v", rec.StoppedAt, rec.StartedAt)
	}
}

func TestCoordinator_AddPCMDecodeError(t *testing.T) {
	t.Parallel()

	c := stream.New(dispatch.New(&mock.Engine{}, nil), stream.Config{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { c.Stop(); waitDone(t, c) }()

	_, err := c.AddPCM([]byte{1, 2, 3}, audio.Format{})
	var de *audio.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want *audio.DecodeError", err)
	}
	if c.Summary().Rejected != 1 || c.State() != stream.StateRecording {
		t.Errorf("decode error should only drop the chunk: %+v", c.Summary())
	}
	if _, err := c.AddPCM([]byte{0, 0, 0, 0}, audio.Format{}); err != nil {
		t.Errorf("valid PCM rejected: %v", err)
	}
}

func TestCoordinator_VibratoFromTrack(t *testing.T) {
	t.Parallel()

	track := make([]pitch.Frame, 100)
	for i := range track {
		off := time.Duration(i) * 10 * time.Millisecond
		cents := 20 * math.Sin(2*math.Pi*6*off.Seconds())
		track[i] = pitch.Frame{Offset: off, Frequency: 440 * math.Pow(2, cents/1200), Confidence: 0.9}
	}
	mono := &mock.Engine{Results: []pitch.Result{{Frequency: 440, Confidence: 0.9, Track: track}}}
	c := stream.New(dispatch.New(mono, nil), stream.Config{Mode: dispatch.ModeMono})
	events := c.Subscribe()
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	one := audio.Chunk{Samples: make([]float32, audio.StreamSampleRate), SampleRate: audio.StreamSampleRate}
	if _, err := c.AddChunk(one); err != nil {
		t.Fatal(err)
	}
	got := results(t, events, 1)[0]
	c.Stop()
	waitDone(t, c)

	if !got.Vibrato.Detected {
		t.Fatalf("vibrato not detected: %+v", got.Vibrato)
	}
	if math.Abs(got.Vibrato.Rate-6) > 0.5 || math.Abs(got.Vibrato.Extent-20) > 3 {
		t.Errorf("vibrato = %+v, want ≈6 Hz ≈20 cents", got.Vibrato)
	}
}

func TestCoordinator_ContextCancelStops(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	c := stream.New(dispatch.New(&mock.Engine{}, nil), stream.Config{})
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	waitDone(t, c)
	if c.State() != stream.StateStopped {
		t.Errorf("state = %v, want stopped", c.State())
	}
}
