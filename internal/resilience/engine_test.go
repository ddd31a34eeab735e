package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Thetason/obiwan-sub003/pkg/audio"
	"github.com/Thetason/obiwan-sub003/pkg/provider/pitch"
	"github.com/Thetason/obiwan-sub003/pkg/provider/pitch/mock"
)

var chunk = audio.Chunk{Samples: []float32{0.1}, SampleRate: audio.StreamSampleRate}

func TestEngine_FailsOverToReplica(t *testing.T) {
	t.Parallel()
	primary := &mock.Engine{NameValue: "crepe-a", AnalyzeErr: errors.New("down")}
	backup := &mock.Engine{NameValue: "crepe-b", Results: []pitch.Result{{Frequency: 440, Confidence: 0.9}}}
	e := NewEngine("crepe", Config{MaxFailures: 2, ResetTimeout: time.Hour}, primary, backup)

	for range 3 {
		res, err := e.Analyze(context.Background(), chunk)
		if err != nil {
			t.Fatalf("Analyze: %v", err)
		}
		if res.Frequency != 440 || res.Engine != "crepe-b" {
			t.Errorf("result = %+v, want backup's answer", res)
		}
	}
	// After two failures the primary's breaker is open and it is skipped.
	if got := primary.AnalyzeCallCount(); got != 2 {
		t.Errorf("primary calls = %d, want 2", got)
	}
	if e.Breaker(0).State() != StateOpen {
		t.Errorf("primary breaker = %v, want open", e.Breaker(0).State())
	}
}

func TestEngine_AllReplicasFail(t *testing.T) {
	t.Parallel()
	e := NewEngine("spice", Config{}, &mock.Engine{AnalyzeErr: errors.New("boom")})
	_, err := e.Analyze(context.Background(), chunk)
	if !errors.Is(err, ErrAllReplicasFailed) {
		t.Fatalf("err = %v, want ErrAllReplicasFailed", err)
	}
}

func TestEngine_ProbeResetsOpenBreaker(t *testing.T) {
	t.Parallel()
	m := &mock.Engine{AnalyzeErr: errors.New("boom")}
	e := NewEngine("crepe", Config{MaxFailures: 1, ResetTimeout: time.Hour}, m)
	_, _ = e.Analyze(context.Background(), chunk)
	if e.Breaker(0).State() != StateOpen {
		t.Fatalf("breaker = %v, want open", e.Breaker(0).State())
	}
	if err := e.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if e.Breaker(0).State() != StateClosed {
		t.Errorf("breaker = %v, want closed after healthy probe", e.Breaker(0).State())
	}
}

func TestEngine_ProbeAllFail(t *testing.T) {
	t.Parallel()
	e := NewEngine("crepe", Config{},
		&mock.Engine{ProbeErr: errors.New("a down")},
		&mock.Engine{ProbeErr: errors.New("b down")},
	)
	if err := e.Probe(context.Background()); err == nil {
		t.Fatal("expected error when every replica is down")
	}
	if e.Replicas() != 2 || e.Name() != "crepe" {
		t.Errorf("Replicas=%d Name=%q", e.Replicas(), e.Name())
	}
}
