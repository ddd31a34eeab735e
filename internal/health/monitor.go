package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Thetason/obiwan-sub003/pkg/provider/pitch"
)

// DefaultProbeTimeout bounds one engine probe.
const DefaultProbeTimeout = 3 * time.Second

// Role distinguishes the two engine slots.
type Role string

const (
	RoleMono Role = "mono"
	RolePoly Role = "poly"
)

// statusNotConfigured is reported for an empty engine slot.
const statusNotConfigured = "not configured"

// EngineHealth is the last known reachability of one engine.
type EngineHealth struct {
	Name    string        `json:"name"`
	Role    Role          `json:"role"`
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`

	// Status is "healthy", "not configured", or the probe error text.
	Status string `json:"status"`

	// CheckedAt is zero until the first probe completes.
	CheckedAt time.Time `json:"checked_at"`

	// started orders overlapping checks of the same slot.
	started time.Time
}

// Checked reports whether the engine has been probed at least once.
func (e EngineHealth) Checked() bool { return !e.CheckedAt.IsZero() }

// Unhealthy reports whether a probe has positively failed. Engines that were
// never probed are not unhealthy.
func (e EngineHealth) Unhealthy() bool { return e.Checked() && !e.Healthy }

// Summary aggregates both engines.
type Summary struct {
	Mono EngineHealth `json:"mono"`
	Poly EngineHealth `json:"poly"`
}

// AnyHealthy reports whether at least one engine is healthy.
func (s Summary) AnyHealthy() bool { return s.Mono.Healthy || s.Poly.Healthy }

// BothHealthy reports whether both engines are healthy.
func (s Summary) BothHealthy() bool { return s.Mono.Healthy && s.Poly.Healthy }

// MonitorOption configures a [Monitor].
type MonitorOption func(*Monitor)

// WithProbeTimeout sets the per-engine probe timeout.
func WithProbeTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithInterval sets the period used by [Monitor.Run]. Zero disables
// periodic probing.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.interval = d
	}
}

// WithObserver registers fn to be called with every probe outcome. fn may be
// called concurrently for the two engines.
func WithObserver(fn func(EngineHealth)) MonitorOption {
	return func(m *Monitor) {
		m.observe = fn
	}
}

// Monitor probes the engines and caches the combined [Summary]. It is safe
// for concurrent use; the cache is written only by [Monitor.CheckStatus].
type Monitor struct {
	mono, poly pitch.Engine
	timeout    time.Duration
	interval   time.Duration
	observe    func(EngineHealth)

	mu      sync.RWMutex
	summary Summary
}

// NewMonitor creates a monitor for the given engines. Either may be nil, in
// which case its slot is permanently reported as not configured.
func NewMonitor(mono, poly pitch.Engine, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		mono:    mono,
		poly:    poly,
		timeout: DefaultProbeTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	m.summary = Summary{
		Mono: initial(mono, RoleMono),
		Poly: initial(poly, RolePoly),
	}
	return m
}

func initial(e pitch.Engine, role Role) EngineHealth {
	if e == nil {
		return EngineHealth{Role: role, Status: statusNotConfigured}
	}
	return EngineHealth{Name: e.Name(), Role: role, Status: "unknown"}
}

// CheckStatus probes both engines concurrently, each under its own timeout,
// updates the cache, and returns the cached summary. A failing or slow engine
// never affects the other's result. When calls overlap, each slot keeps the
// outcome of the most recently started check, so a slow check finishing late
// cannot overwrite a newer result.
func (m *Monitor) CheckStatus(ctx context.Context) Summary {
	var mono, poly EngineHealth
	var g errgroup.Group
	g.Go(func() error {
		mono = m.probe(ctx, m.mono, RoleMono)
		return nil
	})
	g.Go(func() error {
		poly = m.probe(ctx, m.poly, RolePoly)
		return nil
	})
	_ = g.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.summary.Mono = fresher(m.summary.Mono, mono)
	m.summary.Poly = fresher(m.summary.Poly, poly)
	return m.summary
}

func fresher(cached, next EngineHealth) EngineHealth {
	if next.started.Before(cached.started) {
		return cached
	}
	return next
}

func (m *Monitor) probe(ctx context.Context, e pitch.Engine, role Role) EngineHealth {
	start := time.Now()
	if e == nil {
		return EngineHealth{Role: role, Status: statusNotConfigured, CheckedAt: start, started: start}
	}

	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := e.Probe(pctx)
	h := EngineHealth{
		Name:      e.Name(),
		Role:      role,
		Healthy:   err == nil,
		Latency:   time.Since(start),
		Status:    "healthy",
		CheckedAt: time.Now(),
		started:   start,
	}
	if err != nil {
		h.Status = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			h.Status = "probe timed out"
		}
		slog.Debug("health: engine probe failed", "engine", h.Name, "role", role, "err", err)
	}
	if m.observe != nil {
		m.observe(h)
	}
	return h
}

// Summary returns the cached summary without probing.
func (m *Monitor) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.summary
}

// Run probes immediately and then every interval until ctx is cancelled.
// With a zero interval it probes once and returns.
func (m *Monitor) Run(ctx context.Context) {
	m.CheckStatus(ctx)
	if m.interval <= 0 {
		return
	}
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.CheckStatus(ctx)
		}
	}
}

// ErrNoHealthyEngine is returned by the readiness checker when neither engine
// answered its last probe.
var ErrNoHealthyEngine = errors.New("health: no healthy pitch engine")

// Checker returns a readiness [Checker] backed by the cached summary.
func (m *Monitor) Checker() Checker {
	return Checker{
		Name: "engines",
		Check: func(context.Context) error {
			if !m.Summary().AnyHealthy() {
				return ErrNoHealthyEngine
			}
			return nil
		},
	}
}
