package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/Thetason/obiwan-sub003/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Engines: config.EnginesConfig{
			Mono: config.EngineEntry{Name: "crepe", BaseURL: "http://a", Options: map[string]any{"x": []any{1}}},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChange(t *testing.T) {
	t.Parallel()
	if d := config.Diff(baseConfig(), baseConfig()); d.Changed() {
		t.Errorf("diff of equal configs = %+v", d)
	}
}

func TestDiff_HotFields(t *testing.T) {
	t.Parallel()

	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug
	new.Analysis.DefaultMode = "mono"
	new.Analysis.ChordThreshold = 0.3
	new.Analysis.Vibrato.MinExtentCents = 10

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if !d.ModeChanged || d.NewMode != "mono" {
		t.Errorf("mode diff = %+v", d)
	}
	if !d.ChordThresholdChanged || d.NewChordThreshold != 0.3 {
		t.Errorf("threshold diff = %+v", d)
	}
	if !d.AnalysisChanged {
		t.Error("vibrato change not reported")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	old, new := baseConfig(), baseConfig()
	new.Engines.Mono.FallbackURLs = []string{"http://b"}
	new.Health.Interval = time.Minute
	new.Store.FilePath = "/tmp/s.jsonl"
	new.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}

	d := config.Diff(old, new)
	for _, key := range []string{"server", "engines", "health", "store"} {
		if !slices.Contains(d.RestartRequired, key) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, key)
		}
	}
	if d.LogLevelChanged || d.ModeChanged {
		t.Errorf("unexpected hot changes: %+v", d)
	}
}
