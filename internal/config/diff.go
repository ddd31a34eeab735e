package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Hot fields are
// applied to new sessions without a restart; everything else is reported in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ModeChanged bool
	NewMode     string

	ChordThresholdChanged bool
	NewChordThreshold     float64

	// AnalysisChanged is true when vibrato, breath, history, or queue
	// settings changed. New sessions pick them up.
	AnalysisChanged bool

	// RestartRequired lists top-level keys whose change only takes effect
	// after a restart.
	RestartRequired []string
}

// Changed reports whether any field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ModeChanged || d.ChordThresholdChanged || d.AnalysisChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Analysis.DefaultMode != new.Analysis.DefaultMode {
		d.ModeChanged = true
		d.NewMode = new.Analysis.DefaultMode
	}
	if old.Analysis.ChordThreshold != new.Analysis.ChordThreshold {
		d.ChordThresholdChanged = true
		d.NewChordThreshold = new.Analysis.ChordThreshold
	}

	oa, na := old.Analysis, new.Analysis
	if oa.Vibrato != na.Vibrato || oa.Breath != na.Breath ||
		oa.HistorySize != na.HistorySize || oa.QueueSize != na.QueueSize || oa.SampleRate != na.SampleRate {
		d.AnalysisChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !equalTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !equalEngine(old.Engines.Mono, new.Engines.Mono) || !equalEngine(old.Engines.Poly, new.Engines.Poly) {
		d.RestartRequired = append(d.RestartRequired, "engines")
	}
	if old.Health != new.Health {
		d.RestartRequired = append(d.RestartRequired, "health")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalEngine(a, b EngineEntry) bool {
	if a.Name != b.Name || a.BaseURL != b.BaseURL || a.Timeout != b.Timeout {
		return false
	}
	return slices.Equal(a.FallbackURLs, b.FallbackURLs) && reflect.DeepEqual(a.Options, b.Options)
}
