// Command pitchfusion serves the dual-engine pitch fusion pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Thetason/obiwan-sub003/internal/app"
	"github.com/Thetason/obiwan-sub003/internal/config"
	"github.com/Thetason/obiwan-sub003/internal/observe"
	"github.com/Thetason/obiwan-sub003/pkg/provider/pitch"
	"github.com/Thetason/obiwan-sub003/pkg/provider/pitch/crepe"
	"github.com/Thetason/obiwan-sub003/pkg/provider/pitch/spice"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload hot settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "pitchfusion: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "pitchfusion: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(level))

	slog.Info("pitchfusion starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.Setup(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Engines ───────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinEngines(reg)

	engines, err := app.BuildEngines(cfg, reg)
	if err != nil {
		slog.Error("failed to build engines", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, engines,
		app.WithLevelVar(level),
		app.WithMetricsHandler(tel.MetricsHandler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
			go reloadOnHangup(ctx, w)
		}
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	code := 0
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Engine wiring ─────────────────────────────────────────────────────────────

// registerBuiltinEngines wires the engine clients that ship with pitchfusion
// into reg. Each factory receives the slot's entry and one replica URL.
func registerBuiltinEngines(reg *config.Registry) {
	reg.RegisterEngine("crepe", func(entry config.EngineEntry, baseURL string) (pitch.Engine, error) {
		return crepe.New(baseURL, crepe.WithTimeout(entry.Timeout))
	})

	reg.RegisterEngine("spice", func(entry config.EngineEntry, baseURL string) (pitch.Engine, error) {
		opts := []spice.Option{spice.WithTimeout(entry.Timeout)}
		if scale, ok := optFloat(entry.Options, "frequency_scale"); ok {
			opts = append(opts, spice.WithFrequencyScale(scale))
		}
		return spice.New(baseURL, opts...)
	})

	for _, name := range reg.Names() {
		slog.Debug("registered engine", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       pitchfusion startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEngine("Mono", cfg.Engines.Mono)
	printEngine("Poly", cfg.Engines.Poly)
	fmt.Printf("║  Default mode    : %-19s ║\n", cfg.Analysis.DefaultMode)
	fmt.Printf("║  Chord threshold : %-19.2f ║\n", cfg.Analysis.ChordThreshold)
	fmt.Printf("║  Session store   : %-19s ║\n", storeBackend(cfg.Store))
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEngine(slot string, e config.EngineEntry) {
	value := "(not configured)"
	if e.Configured() {
		value = e.Name
		if n := len(e.FallbackURLs); n > 0 {
			value = fmt.Sprintf("%s (+%d replicas)", e.Name, n)
		}
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", slot, value)
}

func storeBackend(sc config.StoreConfig) string {
	switch {
	case sc.PostgresDSN != "":
		return "postgres"
	case sc.FilePath != "":
		return "file"
	}
	return "memory"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optFloat extracts a numeric value from an engine Options map. YAML decodes
// whole numbers as int, so both int and float64 are accepted.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// reloadOnHangup re-reads the config file each time the process receives
// SIGHUP, without waiting for the next poll.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if changed, err := w.Reload(); err == nil && !changed {
				slog.Info("SIGHUP: configuration unchanged")
			}
		}
	}
}
