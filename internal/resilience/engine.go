package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Thetason/obiwan-sub003/pkg/audio"
	"github.com/Thetason/obiwan-sub003/pkg/provider/pitch"
)

// ErrAllReplicasFailed is returned by [Engine.Analyze] when every replica
// failed or had an open breaker.
var ErrAllReplicasFailed = errors.New("all engine replicas failed")

type replica struct {
	engine  pitch.Engine
	breaker *Breaker
}

// Engine is a pitch.Engine that spreads calls over replicas of the same
// engine. Replicas are tried in registration order; a replica whose breaker
// is open is skipped without a network call.
type Engine struct {
	name     string
	replicas []replica
}

var _ pitch.Engine = (*Engine)(nil)

// NewEngine wraps primary and any additional replicas. Each replica gets its
// own [Breaker] built from cfg; cfg.Name is replaced with "<name>/<index>".
func NewEngine(name string, cfg Config, primary pitch.Engine, more ...pitch.Engine) *Engine {
	e := &Engine{name: name}
	for i, p := range append([]pitch.Engine{primary}, more...) {
		c := cfg
		c.Name = fmt.Sprintf("%s/%d", name, i)
		e.replicas = append(e.replicas, replica{engine: p, breaker: NewBreaker(c)})
	}
	return e
}

// Name implements pitch.Engine.
func (e *Engine) Name() string { return e.name }

// Replicas returns the number of wrapped replicas.
func (e *Engine) Replicas() int { return len(e.replicas) }

// Breaker returns the breaker guarding replica i.
func (e *Engine) Breaker(i int) *Breaker { return e.replicas[i].breaker }

// Probe implements pitch.Engine. It succeeds if any replica answers its
// health check. A replica that answers closes its breaker, so a recovered
// server is used again without waiting for the reset timeout.
func (e *Engine) Probe(ctx context.Context) error {
	var errs []error
	healthy := false
	for _, r := range e.replicas {
		if err := r.engine.Probe(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		healthy = true
		if r.breaker.State() != StateClosed {
			r.breaker.Reset()
		}
	}
	if healthy {
		return nil
	}
	return errors.Join(errs...)
}

// Analyze implements pitch.Engine.
func (e *Engine) Analyze(ctx context.Context, chunk audio.Chunk) (pitch.Result, error) {
	var lastErr error
	for _, r := range e.replicas {
		var res pitch.Result
		err := r.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			res, err = r.engine.Analyze(ctx, chunk)
			return err
		})
		if err == nil {
			if res.Engine == "" {
				res.Engine = e.name
			}
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping replica (circuit open)", "engine", r.engine.Name())
		} else if len(e.replicas) > 1 {
			slog.Warn("resilience: replica failed, trying next", "engine", r.engine.Name(), "err", err)
		}
	}
	return pitch.Result{}, fmt.Errorf("%s: %w: %w", e.name, ErrAllReplicasFailed, lastErr)
}
