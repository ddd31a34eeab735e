// Package dispatch implements the dual engine client: it sends one audio
// chunk to the monophonic and/or polyphonic pitch engine according to the
// active [Mode] and the cached engine health, and collects whatever each
// engine returns within its own timeout.
//
// A slot whose call fails or that was never dispatched comes back nil. Partial
// results are normal; a chunk where both slots are nil is skipped by the
// caller rather than treated as a failure.
package dispatch

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Thetason/obiwan-sub003/internal/health"
	"github.com/Thetason/obiwan-sub003/internal/observe"
	"github.com/Thetason/obiwan-sub003/internal/resilience"
	"github.com/Thetason/obiwan-sub003/pkg/audio"
	"github.com/Thetason/obiwan-sub003/pkg/provider/pitch"
)

// DefaultTimeout bounds one engine call when no per-engine timeout is set.
const DefaultTimeout = 3 * time.Second

// ErrEngineUnavailable marks a slot that produced no result. It is logged,
// never returned from [Client.Analyze].
var ErrEngineUnavailable = errors.New("dispatch: engine unavailable")

// Plan records which engine slots are called for one chunk.
type Plan struct {
	Mono bool
	Poly bool
}

// None reports whether no engine is called.
func (p Plan) None() bool { return !p.Mono && !p.Poly }

// PlanFor decides the slots to call for mode given the cached summary.
//
// Forced modes ignore health; the caller asked for that engine and gets a nil
// slot if it is down. Auto drops an engine whose last probe failed. When both
// probes failed Auto still calls both, since the summary may be stale and
// each call is bounded anyway.
func PlanFor(mode Mode, s health.Summary) Plan {
	switch mode {
	case ModeMono:
		return Plan{Mono: true}
	case ModePoly:
		return Plan{Poly: true}
	case ModeBoth:
		return Plan{Mono: true, Poly: true}
	}
	monoDown, polyDown := s.Mono.Unhealthy(), s.Poly.Unhealthy()
	switch {
	case polyDown && !monoDown:
		return Plan{Mono: true}
	case monoDown && !polyDown:
		return Plan{Poly: true}
	}
	return Plan{Mono: true, Poly: true}
}

// Option configures a [Client].
type Option func(*Client)

// WithTimeouts sets the per-call timeout of each engine. Non-positive values
// keep [DefaultTimeout].
func WithTimeouts(mono, poly time.Duration) Option {
	return func(c *Client) {
		if mono > 0 {
			c.monoTimeout = mono
		}
		if poly > 0 {
			c.polyTimeout = poly
		}
	}
}

// WithMetrics sets the instruments used to record engine calls. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client is the dual engine client. It holds no per-chunk state and is safe
// for concurrent use by many sessions.
type Client struct {
	mono, poly  pitch.Engine
	monoTimeout time.Duration
	polyTimeout time.Duration
	metrics     *observe.Metrics
}

// New creates a Client. Either engine may be nil; its slot is then always
// nil.
func New(mono, poly pitch.Engine, opts ...Option) *Client {
	c := &Client{
		mono:        mono,
		poly:        poly,
		monoTimeout: DefaultTimeout,
		polyTimeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Mono returns the monophonic engine, or nil.
func (c *Client) Mono() pitch.Engine { return c.mono }

// Poly returns the polyphonic engine, or nil.
func (c *Client) Poly() pitch.Engine { return c.poly }

// Analyze sends chunk to the engines selected by [PlanFor] concurrently and
// waits for both calls to finish or time out. It never returns an error.
func (c *Client) Analyze(ctx context.Context, chunk audio.Chunk, mode Mode, summary health.Summary) (mono, poly *pitch.Result) {
	plan := PlanFor(mode, summary)

	var g errgroup.Group
	if plan.Mono {
		g.Go(func() error {
			mono = c.call(ctx, health.RoleMono, c.mono, c.monoTimeout, chunk)
			return nil
		})
	}
	if plan.Poly {
		g.Go(func() error {
			poly = c.call(ctx, health.RolePoly, c.poly, c.polyTimeout, chunk)
			return nil
		})
	}
	_ = g.Wait()
	return mono, poly
}

func (c *Client) call(ctx context.Context, role health.Role, e pitch.Engine, timeout time.Duration, chunk audio.Chunk) *pitch.Result {
	log := observe.Logger(ctx).With("role", string(role))
	if e == nil {
		log.Debug("slot skipped", "err", ErrEngineUnavailable)
		return nil
	}
	name := e.Name()

	ctx, span := observe.StartSpan(ctx, "engine.analyze",
		attribute.String("engine", name), attribute.String("role", string(role)))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := e.Analyze(callCtx, chunk)
	elapsed := time.Since(start)

	status := classify(err)
	c.metrics.RecordEngineCall(ctx, name, status, elapsed)
	if err != nil {
		observe.FailSpan(span, err, status)
		switch {
		case ctx.Err() != nil:
			// Session cancelled; nobody is waiting for this result.
		case status == observe.StatusOpen:
			log.Debug("engine skipped", "engine", name, "err", err)
		default:
			log.Warn("engine call failed", "engine", name, "status", status, "elapsed", elapsed, "err", err)
		}
		return nil
	}
	if res.Engine == "" {
		res.Engine = name
	}
	return &res
}

func classify(err error) string {
	switch {
	case err == nil:
		return observe.StatusOK
	case errors.Is(err, resilience.ErrCircuitOpen):
		return observe.StatusOpen
	case errors.Is(err, context.DeadlineExceeded):
		return observe.StatusTimeout
	default:
		return observe.StatusError
	}
}
