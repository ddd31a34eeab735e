// Package mock provides a test double for the pitch.Engine interface.
//
// Engine returns scripted results in call order and records every chunk it was
// asked to analyze. Latency lets tests simulate slow or varying engines; the
// delay honours ctx cancellation so per-call timeouts behave as with a real
// network engine.
//
// Example:
//
//	e := &mock.Engine{
//	    NameValue: "crepe",
//	    Results:   []pitch.Result{{Frequency: 440, Confidence: 0.9}},
//	}
//	res, _ := e.Analyze(ctx, chunk)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/Thetason/obiwan-sub003/pkg/audio"
	"github.com/Thetason/obiwan-sub003/pkg/provider/pitch"
)

// AnalyzeCall records a single invocation of Engine.Analyze.
type AnalyzeCall struct {
	// Chunk is the chunk passed to Analyze.
	Chunk audio.Chunk
}

// Engine is a mock implementation of pitch.Engine.
type Engine struct {
	mu sync.Mutex

	// NameValue is returned by Name. Defaults to "mock".
	NameValue string

	// ProbeErr, if non-nil, is returned by every Probe call.
	ProbeErr error

	// ProbeDelay delays every Probe call, bounded by ctx.
	ProbeDelay time.Duration

	// Results are returned by successive Analyze calls. Once exhausted, the
	// last entry is repeated. If empty, Analyze returns a zero Result.
	Results []pitch.Result

	// AnalyzeErr, if non-nil, is returned by every Analyze call.
	AnalyzeErr error

	// Latency, if non-nil, returns the delay to apply to the n-th (0-based)
	// Analyze call, bounded by ctx.
	Latency func(n int) time.Duration

	// --- Call records ---

	// AnalyzeCalls records every call to Analyze in order.
	AnalyzeCalls []AnalyzeCall

	// ProbeCallCount is the number of times Probe was called.
	ProbeCallCount int
}

// Name returns NameValue, or "mock" if unset.
func (e *Engine) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.NameValue == "" {
		return "mock"
	}
	return e.NameValue
}

// Probe records the call, waits ProbeDelay, and returns ProbeErr.
func (e *Engine) Probe(ctx context.Context) error {
	e.mu.Lock()
	e.ProbeCallCount++
	delay, err := e.ProbeDelay, e.ProbeErr
	e.mu.Unlock()

	if err := sleep(ctx, delay); err != nil {
		return err
	}
	return err
}

// Analyze records the call, waits the scripted latency, and returns the next
// scripted result or AnalyzeErr.
func (e *Engine) Analyze(ctx context.Context, chunk audio.Chunk) (pitch.Result, error) {
	e.mu.Lock()
	n := len(e.AnalyzeCalls)
	e.AnalyzeCalls = append(e.AnalyzeCalls, AnalyzeCall{Chunk: chunk})
	var delay time.Duration
	if e.Latency != nil {
		delay = e.Latency(n)
	}
	var res pitch.Result
	if len(e.Results) > 0 {
		res = e.Results[min(n, len(e.Results)-1)]
	}
	err := e.AnalyzeErr
	name := e.NameValue
	e.mu.Unlock()

	if err := sleep(ctx, delay); err != nil {
		return pitch.Result{}, err
	}
	if err != nil {
		return pitch.Result{}, err
	}
	if res.Engine == "" {
		res.Engine = name
	}
	return res, nil
}

// AnalyzeCallCount returns the number of Analyze calls. Thread-safe.
func (e *Engine) AnalyzeCallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.AnalyzeCalls)
}

// Calls returns a copy of the recorded Analyze calls. Thread-safe.
func (e *Engine) Calls() []AnalyzeCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AnalyzeCall, len(e.AnalyzeCalls))
	copy(out, e.AnalyzeCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.AnalyzeCalls = nil
	e.ProbeCallCount = 0
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Ensure Engine implements pitch.Engine at compile time.
var _ pitch.Engine = (*Engine)(nil)
