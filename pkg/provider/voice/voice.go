// Package voice defines the provider-neutral contract for the streaming
// conversational AI binding: a duplex connection that accepts customer audio
// and text injections and produces transcripts, synthesized audio, and turn
// boundaries.
package voice

import (
	"context"
	"errors"
)

// State is the lifecycle phase of a [Binding].
type State int32

const (
	StateConnecting State = iota
	StateReady
	StatePaused
	StateClosed
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ErrNotReady is returned by sends attempted outside the READY state. Audio
// sends drop silently instead; text sends surface the error so commands like
// injectContext can be rejected.
var ErrNotReady = errors.New("voice: binding not ready")

// EventType tags an inbound provider event.
type EventType int

const (
	// EventSetupComplete fires once, when the provider handshake succeeds.
	EventSetupComplete EventType = iota

	// EventInputTranscript carries a partial transcript of the customer's
	// speech in Text.
	EventInputTranscript

	// EventOutputTranscript carries a partial transcript of the AI's
	// synthesized speech in Text.
	EventOutputTranscript

	// EventAudio carries a chunk of synthesized audio (PCM s16le 24 kHz mono)
	// in Audio.
	EventAudio

	// EventTurnComplete marks the end of an AI turn.
	EventTurnComplete

	// EventError carries a provider-level failure in Err. The binding is
	// FAILED after this event.
	EventError
)

// Event is a single inbound provider event. Exactly one payload field is set,
// per Type.
type Event struct {
	Type  EventType
	Text  string
	Audio []byte
	Err   error
}

// SessionConfig carries the per-session provider parameters.
type SessionConfig struct {
	// Instructions is the system prompt for the voice agent.
	Instructions string

	// Voice selects a prebuilt synthesis voice; provider-specific, optional.
	Voice string
}

// Binding is one duplex connection to the provider. The state machine is
// CONNECTING → READY → (PAUSED ↔ READY) → CLOSED, with any state able to
// transition to FAILED on provider error. Reopen is not automatic.
type Binding interface {
	// SendAudio forwards a raw customer audio frame (PCM s16le 16 kHz mono).
	// Frames are dropped silently while paused or not READY.
	SendAudio(frame []byte) error

	// SendText injects a text turn into the conversation. Returns
	// [ErrNotReady] while paused or not READY.
	SendText(text string) error

	// Pause gates both directions without closing the connection: outbound
	// audio is dropped before the wire, inbound audio events are dropped
	// before delivery.
	Pause()

	// Resume lifts the gate.
	Resume()

	// State returns the current lifecycle phase.
	State() State

	// Events returns the inbound event stream. Closed when the binding
	// terminates.
	Events() <-chan Event

	// Close terminates the binding. Idempotent.
	Close() error
}

// Provider constructs bindings.
type Provider interface {
	// Connect opens a binding and performs the setup handshake. The ctx
	// deadline bounds the handshake; the binding emits EventSetupComplete
	// and enters READY once the provider acknowledges.
	Connect(ctx context.Context, cfg SessionConfig) (Binding, error)
}
