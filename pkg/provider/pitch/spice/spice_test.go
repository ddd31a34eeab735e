package spice

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Thetason/obiwan-sub003/pkg/audio"
)

func serve(t *testing.T, body string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy","model":"SPICE"}`))
	})
	mux.HandleFunc("POST /analyze_polyphonic", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

var testChunk = audio.Chunk{Samples: []float32{0.1, 0.2, 0.3}, SampleRate: 16000}

func TestAnalyze_Polyphonic(t *testing.T) {
	t.Parallel()
	srv := serve(t, `{
		"polyphonic_pitches": [[440, 220], [441, 221], [439], []],
		"left_channel": {"pitches": [440, 441, 439, 0], "confidences": [0.8, 0.9, 0.7, 0.99]}
	}`)
	e, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := e.Analyze(context.Background(), testChunk)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Frequency != 441 || res.Confidence != 0.9 {
		t.Errorf("main pitch = %v @ %v, want 441 @ 0.9", res.Frequency, res.Confidence)
	}
	if len(res.Pitches) != 2 {
		t.Fatalf("len(Pitches) = %d, want 2: %+v", len(res.Pitches), res.Pitches)
	}
	if math.Abs(res.Pitches[0].Frequency-440) > 1e-9 || res.Pitches[0].Strength != 1 {
		t.Errorf("Pitches[0] = %+v, want 440 @ 1", res.Pitches[0])
	}
	if math.Abs(res.Pitches[1].Frequency-220.5) > 1e-9 || math.Abs(res.Pitches[1].Strength-2.0/3.0) > 1e-9 {
		t.Errorf("Pitches[1] = %+v, want 220.5 @ 0.667", res.Pitches[1])
	}
}

func TestAnalyze_FrequencyScale(t *testing.T) {
	t.Parallel()
	srv := serve(t, `{"polyphonic_pitches": [[100]], "left_channel": {"pitches": [100], "confidences": [0.9]}}`)
	e, _ := New(srv.URL, WithFrequencyScale(2.64))
	res, err := e.Analyze(context.Background(), testChunk)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if math.Abs(res.Frequency-264) > 1e-9 {
		t.Errorf("Frequency = %v, want 264", res.Frequency)
	}
	if len(res.Pitches) != 1 || math.Abs(res.Pitches[0].Frequency-264) > 1e-9 {
		t.Errorf("Pitches = %+v", res.Pitches)
	}
}

func TestAnalyze_MismatchedArrays(t *testing.T) {
	t.Parallel()
	srv := serve(t, `{"polyphonic_pitches": [], "left_channel": {"pitches": [100, 200], "confidences": [0.9]}}`)
	e, _ := New(srv.URL)
	if _, err := e.Analyze(context.Background(), testChunk); err == nil {
		t.Fatal("expected error for mismatched arrays")
	}
}

func TestAnalyze_Silence(t *testing.T) {
	t.Parallel()
	srv := serve(t, `{"polyphonic_pitches": [[], []], "left_channel": {"pitches": [0, 0], "confidences": [0.2, 0.1]}}`)
	e, _ := New(srv.URL)
	res, err := e.Analyze(context.Background(), testChunk)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Voiced() || len(res.Pitches) != 0 {
		t.Errorf("expected unvoiced result without pitches, got %+v", res)
	}
}

func TestProbe(t *testing.T) {
	t.Parallel()
	srv := serve(t, `{}`)
	e, _ := New(srv.URL)
	if err := e.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
}

func TestGroupPitches_Ordering(t *testing.T) {
	t.Parallel()
	got := groupPitches([][]float64{{330, 262}, {330, 262}}, 1)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	// Equal strength breaks ties on lower frequency.
	if got[0].Frequency != 262 || got[1].Frequency != 330 {
		t.Errorf("order = %v, %v; want 262, 330", got[0].Frequency, got[1].Frequency)
	}
}
