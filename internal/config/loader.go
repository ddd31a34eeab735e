package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/Thetason/obiwan-sub003/internal/dispatch"
)

// ValidEngineNames lists the built-in engine names per slot. [Validate]
// warns about other names, which may still come from a custom registry.
var ValidEngineNames = map[string][]string{
	"mono": {"crepe"},
	"poly": {"spice"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	for slot, e := range map[string]EngineEntry{"mono": cfg.Engines.Mono, "poly": cfg.Engines.Poly} {
		if !e.Configured() {
			continue
		}
		validateEngineName(slot, e.Name)
		for i, u := range e.URLs() {
			field := fmt.Sprintf("engines.%s.base_url", slot)
			if i > 0 {
				field = fmt.Sprintf("engines.%s.fallback_urls[%d]", slot, i-1)
			}
			if err := validateURL(u); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", field, err))
			}
		}
		if e.Timeout < 0 {
			errs = append(errs, fmt.Errorf("engines.%s.timeout must not be negative", slot))
		}
	}
	if !cfg.Engines.Mono.Configured() && !cfg.Engines.Poly.Configured() {
		slog.Warn("no pitch engine configured; every chunk will be skipped")
	}

	if _, err := dispatch.ParseMode(cfg.Analysis.DefaultMode); err != nil {
		errs = append(errs, fmt.Errorf("analysis.default_mode %q is invalid; valid values: auto, mono, poly, both", cfg.Analysis.DefaultMode))
	}
	if t := cfg.Analysis.ChordThreshold; t < 0 || t >= 1 {
		errs = append(errs, fmt.Errorf("analysis.chord_threshold %.2f is out of range [0, 1)", t))
	}
	if h := cfg.Analysis.HistorySize; h < 0 || h > 10000 {
		errs = append(errs, fmt.Errorf("analysis.history_size %d is out of range [0, 10000]", h))
	}
	if v := cfg.Analysis.Vibrato; v.MaxRateHz != 0 && v.MaxRateHz <= v.MinRateHz {
		errs = append(errs, fmt.Errorf("analysis.vibrato.max_rate_hz %.1f must exceed min_rate_hz %.1f", v.MaxRateHz, v.MinRateHz))
	}
	if c := cfg.Analysis.Breath.MinConfidence; c < 0 || c > 1 {
		errs = append(errs, fmt.Errorf("analysis.breath.min_confidence %.2f is out of range [0, 1]", c))
	}

	if p := cfg.Health.ProbeTimeout; p > 0 && (p < DefaultProbeTimeout/3 || p > 2*DefaultProbeTimeout) {
		slog.Warn("health.probe_timeout outside the recommended 1s-6s range", "probe_timeout", p)
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}

// validateEngineName logs a warning if name is not a built-in engine for
// slot.
func validateEngineName(slot, name string) {
	known := ValidEngineNames[slot]
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown engine name; may be a typo or a custom engine",
		"slot", slot,
		"name", name,
		"known", known,
	)
}
