// Package mock provides test doubles for the voice package interfaces.
//
// Use Provider to verify Connect calls and feed controlled bindings. Use
// Binding to drive the inbound event stream and inspect which methods were
// invoked by the session loop.
//
// Example:
//
//	b := mock.NewBinding()
//	p := &mock.Provider{Binding: b}
//	handle, _ := p.Connect(ctx, cfg)
//	b.EventsCh <- voice.Event{Type: voice.EventAudio, Audio: pcm}
package mock

import (
	"context"
	"sync"

	"github.com/voicebridge/voicebridge/pkg/provider/voice"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg voice.SessionConfig
}

// Provider is a mock implementation of voice.Provider.
type Provider struct {
	mu sync.Mutex

	// Binding is returned by Connect. If nil, Connect returns a new default
	// Binding in the READY state.
	Binding voice.Binding

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Binding, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg voice.SessionConfig) (voice.Binding, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Binding != nil {
		return p.Binding, nil
	}
	return NewBinding(), nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
}

// Ensure Provider implements voice.Provider at compile time.
var _ voice.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Binding.SendAudio.
type SendAudioCall struct {
	// Frame is a copy of the audio bytes that were passed to SendAudio.
	Frame []byte
}

// SendTextCall records a single invocation of Binding.SendText.
type SendTextCall struct {
	// Text is the string passed to SendText.
	Text string
}

// Binding is a mock implementation of voice.Binding. Tests feed inbound
// events through EventsCh and close it to signal termination.
type Binding struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events(). Callers own this channel.
	EventsCh chan voice.Event

	// CurrentState is returned by State(); mutated by Pause/Resume/Close and
	// settable directly via SetState.
	CurrentState voice.State

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// SendTextCalls records every call to SendText in order.
	SendTextCalls []SendTextCall

	// PauseCallCount is the number of times Pause was called.
	PauseCallCount int

	// ResumeCallCount is the number of times Resume was called.
	ResumeCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewBinding returns a Binding in the READY state with a buffered event
// channel.
func NewBinding() *Binding {
	return &Binding{
		EventsCh:     make(chan voice.Event, 64),
		CurrentState: voice.StateReady,
	}
}

// SendAudio records the call and returns SendAudioErr.
func (b *Binding) SendAudio(frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	b.SendAudioCalls = append(b.SendAudioCalls, SendAudioCall{Frame: cp})
	return b.SendAudioErr
}

// SendText records the call and returns SendTextErr.
func (b *Binding) SendText(text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.SendTextCalls = append(b.SendTextCalls, SendTextCall{Text: text})
	return b.SendTextErr
}

// Pause records the call and moves READY to PAUSED.
func (b *Binding) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.PauseCallCount++
	if b.CurrentState == voice.StateReady {
		b.CurrentState = voice.StatePaused
	}
}

// Resume records the call and moves PAUSED to READY.
func (b *Binding) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ResumeCallCount++
	if b.CurrentState == voice.StatePaused {
		b.CurrentState = voice.StateReady
	}
}

// State returns CurrentState. Thread-safe.
func (b *Binding) State() voice.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.CurrentState
}

// SetState overrides the state. Thread-safe.
func (b *Binding) SetState(s voice.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CurrentState = s
}

// Events returns EventsCh.
func (b *Binding) Events() <-chan voice.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.EventsCh
}

// Close records the call, moves to CLOSED, and returns CloseErr.
func (b *Binding) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CloseCallCount++
	if b.CurrentState != voice.StateFailed {
		b.CurrentState = voice.StateClosed
	}
	return b.CloseErr
}

// SentAudio returns a copy of every frame passed to SendAudio. Thread-safe.
func (b *Binding) SentAudio() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	frames := make([][]byte, len(b.SendAudioCalls))
	for i, c := range b.SendAudioCalls {
		frames[i] = c.Frame
	}
	return frames
}

// SentTexts returns a copy of every string passed to SendText. Thread-safe.
func (b *Binding) SentTexts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	texts := make([]string, len(b.SendTextCalls))
	for i, c := range b.SendTextCalls {
		texts[i] = c.Text
	}
	return texts
}

// ResetCalls clears all recorded calls. Thread-safe.
func (b *Binding) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.SendAudioCalls = nil
	b.SendTextCalls = nil
	b.PauseCallCount = 0
	b.ResumeCallCount = 0
	b.CloseCallCount = 0
}

// Ensure Binding implements voice.Binding at compile time.
var _ voice.Binding = (*Binding)(nil)
