package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/Thetason/obiwan-sub003/pkg/provider/pitch"
)

// ErrEngineNotRegistered is returned by [Registry.CreateEngine] when no
// factory has been registered under the requested name.
var ErrEngineNotRegistered = errors.New("config: engine not registered")

// EngineFactory builds one engine client for baseURL. The entry carries the
// remaining settings (timeout, options); its BaseURL is not necessarily the
// one being built, since replicas share an entry.
type EngineFactory func(entry EngineEntry, baseURL string) (pitch.Engine, error)

// Registry maps engine names to constructors. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]EngineFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]EngineFactory)}
}

// RegisterEngine registers factory under name. A later registration with the
// same name replaces the earlier one.
func (r *Registry) RegisterEngine(name string, factory EngineFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = factory
}

// Names returns the registered engine names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for n := range r.engines {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// CreateEngine builds one client per URL of entry (BaseURL first, then
// FallbackURLs) using the factory registered under entry.Name.
func (r *Registry) CreateEngine(entry EngineEntry) ([]pitch.Engine, error) {
	r.mu.RLock()
	factory, ok := r.engines[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEngineNotRegistered, entry.Name)
	}

	var out []pitch.Engine
	for _, u := range entry.URLs() {
		e, err := factory(entry, u)
		if err != nil {
			return nil, fmt.Errorf("config: create engine %q at %s: %w", entry.Name, u, err)
		}
		out = append(out, e)
	}
	return out, nil
}
