// Package app wires the pitch fusion subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the health monitor,
// dispatch client, session store, and HTTP server; Run serves until ctx is
// cancelled; Shutdown stops live sessions and tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore, WithMetrics).
// When an option is not provided, New creates real implementations from the
// config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Thetason/obiwan-sub003/internal/config"
	"github.com/Thetason/obiwan-sub003/internal/dispatch"
	"github.com/Thetason/obiwan-sub003/internal/health"
	"github.com/Thetason/obiwan-sub003/internal/observe"
	"github.com/Thetason/obiwan-sub003/internal/server"
	"github.com/Thetason/obiwan-sub003/internal/store"
	"github.com/Thetason/obiwan-sub003/internal/store/postgres"
)

const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	engines *Engines

	metrics  *observe.Metrics
	monitor  *health.Monitor
	client   *dispatch.Client
	store    store.Store
	server   *server.Server
	httpSrv  *http.Server
	level    *slog.LevelVar

	metricsHandler http.Handler
	settings atomic.Pointer[server.Settings]

	addrMu sync.Mutex
	addr   net.Addr
	ready  chan struct{}

	// checkers are readiness checks beyond engine health.
	checkers []health.Checker

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a session store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects metric instruments instead of the global ones.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served at /metrics. Without it the
// default Prometheus registry is served.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets configuration reloads change the log level of the
// handler built around v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The engines come
// from main.go (built via [BuildEngines]).
func New(ctx context.Context, cfg *config.Config, engines *Engines, opts ...Option) (*App, error) {
	if engines == nil {
		return nil, errors.New("app: engines are required")
	}
	a := &App{cfg: cfg, engines: engines, ready: make(chan struct{})}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Health monitor ────────────────────────────────────────────────
	a.monitor = health.NewMonitor(engines.Mono, engines.Poly,
		health.WithProbeTimeout(cfg.Health.ProbeTimeout),
		health.WithInterval(cfg.Health.Interval),
		health.WithObserver(func(h health.EngineHealth) {
			a.metrics.RecordEngineHealth(context.Background(), h.Name, h.Healthy)
		}),
	)

	// ── 2. Dispatch client ───────────────────────────────────────────────
	a.client = dispatch.New(engines.Mono, engines.Poly,
		dispatch.WithTimeouts(cfg.Engines.Mono.Timeout, cfg.Engines.Poly.Timeout),
		dispatch.WithMetrics(a.metrics),
	)

	// ── 3. Session store ─────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.settings.Store(settingsFrom(cfg))
	a.server = server.New(server.Config{
		Client:   a.client,
		Monitor:  a.monitor,
		Store:    a.store,
		Metrics:  a.metrics,
		Health:   health.New(append([]health.Checker{a.monitor.Checker()}, a.checkers...)...),
		Settings: a.Settings,

		MetricsHandler: a.metricsHandler,
	})
	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return a, nil
}

// initStore selects PostgreSQL, then a JSON lines file, then memory, unless
// a store was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	switch sc := a.cfg.Store; {
	case sc.PostgresDSN != "":
		pg, err := postgres.NewStore(ctx, sc.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = pg
		a.checkers = append(a.checkers, health.Checker{Name: "store", Check: pg.Ping})
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
		slog.Info("session store ready", "backend", "postgres")
	case sc.FilePath != "":
		fs, err := store.OpenFileStore(sc.FilePath)
		if err != nil {
			return err
		}
		a.store = fs
		slog.Info("session store ready", "backend", "file", "path", sc.FilePath)
	default:
		a.store = store.NewMemory()
		slog.Info("session store ready", "backend", "memory")
	}
	return nil
}

func settingsFrom(cfg *config.Config) *server.Settings {
	an := cfg.Analysis
	return &server.Settings{
		Mode:           an.Mode(),
		ChordThreshold: an.ChordThreshold,
		HistorySize:    an.HistorySize,
		QueueSize:      an.QueueSize,
		Vibrato:        an.Vibrato.Analyzer(),
		Breath:         an.Breath.Analyzer(),
	}
}

// Settings returns the session settings currently applied to new sessions.
func (a *App) Settings() server.Settings { return *a.settings.Load() }

// Handler returns the HTTP handler served by Run.
func (a *App) Handler() http.Handler { return a.httpSrv.Handler }

// Monitor returns the engine health monitor.
func (a *App) Monitor() *health.Monitor { return a.monitor }

// Addr returns the address Run is listening on, or nil before it listens.
func (a *App) Addr() net.Addr {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
}

// Ready is closed once Run is accepting connections.
func (a *App) Ready() <-chan struct{} { return a.ready }

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new.
// Live sessions keep their settings; new sessions use the updated ones.
// It is shaped to be passed to [config.NewWatcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ModeChanged || d.ChordThresholdChanged || d.AnalysisChanged {
		a.settings.Store(settingsFrom(new))
		slog.Info("analysis settings reloaded",
			"mode", new.Analysis.DefaultMode,
			"chord_threshold", new.Analysis.ChordThreshold)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run probes the engines, starts background health checks, and serves HTTP
// until ctx is cancelled. It returns ctx.Err() on cancellation or the serve
// error if the listener fails.
func (a *App) Run(ctx context.Context) error {
	sum := a.monitor.CheckStatus(ctx)
	slog.Info("engine status",
		"mono", sum.Mono.Name, "mono_healthy", sum.Mono.Healthy,
		"poly", sum.Poly.Name, "poly_healthy", sum.Poly.Healthy)
	if !sum.AnyHealthy() {
		slog.Warn("no pitch engine is reachable; sessions will skip chunks until one recovers")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.monitor.Run(ctx)
	}()
	defer wg.Wait()

	ln, err := net.Listen("tcp", a.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	a.addrMu.Lock()
	a.addr = ln.Addr()
	a.addrMu.Unlock()
	close(a.ready)

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.Serve(ln)
		}
		serveErr <- err
	}()

	slog.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return ctx.Err()
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops live sessions, drains HTTP connections, and closes the
// store. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.server.ActiveSessions(), "closers", len(a.closers))

		// Sessions save their summaries before the store closes.
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("sessions did not stop in time", "err", err)
			shutdownErr = err
		}
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = errors.Join(shutdownErr, err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = errors.Join(shutdownErr, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
