// Package pitch defines the Engine interface for remote pitch-inference backends.
//
// An Engine wraps one inference service (a monophonic tracker such as CREPE, or
// a polyphonic-capable one such as SPICE) and exposes two logical operations: a
// lightweight liveness probe and a request/response analysis of one normalized
// mono audio window. Transport details stay inside the implementation packages
// under pkg/provider/pitch/.
//
// Implementations must be safe for concurrent use. Every call must honour ctx
// cancellation so callers can bound each request independently.
package pitch

import (
	"context"

	"github.com/Thetason/obiwan-sub003/pkg/audio"
)

// Engine is the abstraction over pitch-inference backends.
type Engine interface {
	// Name returns a short identifier for logs and metrics (e.g., "crepe").
	Name() string

	// Probe performs a liveness check. A nil error means the engine answered
	// its health endpoint with a healthy status within the ctx deadline.
	Probe(ctx context.Context) error

	// Analyze estimates the pitch content of chunk. A returned Result with
	// Frequency <= 0 is a valid answer meaning "unvoiced"; an error means the
	// engine produced no answer at all.
	Analyze(ctx context.Context, chunk audio.Chunk) (Result, error)
}
