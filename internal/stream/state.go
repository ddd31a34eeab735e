package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/Thetason/obiwan-sub003/internal/analysis"
	"github.com/Thetason/obiwan-sub003/internal/dispatch"
	"github.com/Thetason/obiwan-sub003/internal/feedback"
	"github.com/Thetason/obiwan-sub003/internal/fusion"
)

var (
	// ErrInvalidTransition is returned for a call the current state does not
	// allow, such as a chunk submitted outside Recording.
	ErrInvalidTransition = errors.New("stream: invalid state transition")

	// ErrBackpressure is returned when the session queue is full. The chunk
	// is dropped.
	ErrBackpressure = errors.New("stream: session queue full")
)

// State is the lifecycle state of a [Coordinator].
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// EventType discriminates [Event] payloads.
type EventType string

const (
	EventState  EventType = "state"
	EventResult EventType = "result"
)

// Event is delivered to subscribers in emission order.
type Event struct {
	Type EventType `json:"type"`

	// State is set for EventState.
	State State `json:"state"`

	// Mode is the analysis mode in effect when the event was emitted.
	Mode dispatch.Mode `json:"mode"`

	// Result is set for EventResult.
	Result *Result `json:"result,omitempty"`
}

// Result is the outcome of one processed chunk.
type Result struct {
	// Seq is the chunk's submission number, starting at 1.
	Seq uint64 `json:"seq"`

	// Timestamp is the chunk's start offset in session audio time.
	Timestamp time.Duration `json:"timestamp"`

	// Amplitude is the RMS level of the chunk.
	Amplitude float64 `json:"amplitude"`

	Fused    fusion.Result          `json:"fused"`
	Feedback feedback.Feedback      `json:"feedback"`
	Vibrato  analysis.VibratoResult `json:"vibrato"`
	Breath   analysis.BreathResult  `json:"breath"`
}
