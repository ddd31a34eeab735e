package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/Thetason/obiwan-sub003/internal/config"
	"github.com/Thetason/obiwan-sub003/internal/resilience"
	"github.com/Thetason/obiwan-sub003/pkg/provider/pitch"
)

// Engines holds one engine per slot. Nil means the slot is not configured.
type Engines struct {
	Mono pitch.Engine
	Poly pitch.Engine
}

// BuildEngines creates both engine slots named in cfg using reg. Each slot
// wraps its replicas in a [resilience.Engine], so every replica gets its own
// circuit breaker. An unregistered name is an error; an unnamed slot is left
// nil.
func BuildEngines(cfg *config.Config, reg *config.Registry) (*Engines, error) {
	mono, err := buildSlot("mono", cfg.Engines.Mono, cfg.Resilience, reg)
	if err != nil {
		return nil, err
	}
	poly, err := buildSlot("poly", cfg.Engines.Poly, cfg.Resilience, reg)
	if err != nil {
		return nil, err
	}
	if mono == nil && poly == nil {
		return nil, errors.New("app: no pitch engine configured")
	}
	return &Engines{Mono: mono, Poly: poly}, nil
}

func buildSlot(slot string, entry config.EngineEntry, rc config.ResilienceConfig, reg *config.Registry) (pitch.Engine, error) {
	if !entry.Configured() {
		slog.Info("engine slot not configured", "slot", slot)
		return nil, nil
	}
	replicas, err := reg.CreateEngine(entry)
	if err != nil {
		return nil, fmt.Errorf("app: create %s engine: %w", slot, err)
	}

	bc := rc.Breaker()
	bc.OnStateChange = func(name string, from, to resilience.State) {
		slog.Warn("engine circuit changed", "replica", name, "from", from.String(), "to", to.String())
	}
	slog.Info("engine created", "slot", slot, "name", entry.Name, "replicas", len(replicas))
	return resilience.NewEngine(entry.Name, bc, replicas[0], replicas[1:]...), nil
}
