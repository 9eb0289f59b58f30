// Package gemini implements the voice.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Customer audio is transmitted as base64-encoded PCM chunks;
// transcripts, synthesized audio, and turn boundaries are surfaced as
// [voice.Event] values.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/voicebridge/voicebridge/pkg/provider/voice"
)

// Compile-time assertions that Provider and binding satisfy the voice interfaces.
var _ voice.Provider = (*Provider)(nil)
var _ voice.Binding = (*binding)(nil)

const (
	defaultModel          = "gemini-2.0-flash-live-001"
	defaultBaseURL        = "wss://generativelanguage.googleapis.com/ws"
	defaultConnectTimeout = 10 * time.Second

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// eventBuffer bounds the inbound event channel; overflowing audio events
	// are dropped rather than blocking the socket read loop.
	eventBuffer = 128

	// defaultAudioOutbox bounds the outbound audio queue; overflowing frames
	// are dropped rather than blocking the caller.
	defaultAudioOutbox = 128
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for bindings.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithConnectTimeout bounds how long a new binding may stay CONNECTING before
// it transitions to FAILED.
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Provider) { p.connectTimeout = d }
}

// WithAudioOutbox sets the outbound audio queue capacity per binding.
func WithAudioOutbox(capacity int) Option {
	return func(p *Provider) {
		if capacity > 0 {
			p.audioOutbox = capacity
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements voice.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey         string
	model          string
	baseURL        string
	connectTimeout time.Duration
	audioOutbox    int
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:         apiKey,
		model:          defaultModel,
		baseURL:        defaultBaseURL,
		connectTimeout: defaultConnectTimeout,
		audioOutbox:    defaultAudioOutbox,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new Gemini Live binding with the given configuration.
// The returned binding is CONNECTING until the provider acknowledges the
// setup message; it transitions to FAILED if no acknowledgement arrives
// within the connect timeout.
func (p *Provider) Connect(ctx context.Context, cfg voice.SessionConfig) (voice.Binding, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	dialCtx, dialCancel := context.WithTimeout(ctx, p.connectTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	bindCtx, bindCancel := context.WithCancel(context.Background())
	b := &binding{
		conn:   conn,
		events: make(chan voice.Event, eventBuffer),
		outbox: make(chan []byte, p.audioOutbox),
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
		ctx:    bindCtx,
		cancel: bindCancel,
	}
	b.state.Store(int32(voice.StateConnecting))

	if err := b.sendSetup(p.model, cfg); err != nil {
		bindCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go b.receiveLoop()
	go b.sendLoop()
	go b.keepaliveLoop()
	go b.setupWatchdog(p.connectTimeout)

	return b, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── binding ────────────────────────────────────────────────────────────────────

type binding struct {
	conn   *websocket.Conn
	events chan voice.Event
	outbox chan []byte

	state        atomic.Int32
	paused       atomic.Bool
	droppedAudio atomic.Uint64

	mu     sync.Mutex
	closed bool

	done      chan struct{}
	ready     chan struct{} // closed on setupComplete
	readyOnce sync.Once

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (b *binding) sendSetup(model string, cfg voice.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	return b.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (b *binding) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return b.conn.Write(b.ctx, websocket.MessageText, data)
}

// setupWatchdog fails the binding if the provider never acknowledges setup.
func (b *binding) setupWatchdog(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-b.ready:
	case <-b.ctx.Done():
	case <-timer.C:
		b.fail(fmt.Errorf("gemini: setup not acknowledged within %s", timeout))
	}
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns the events channel: it closes it when it exits.
func (b *binding) receiveLoop() {
	defer close(b.events)

	for {
		_, data, err := b.conn.Read(b.ctx)
		if err != nil {
			// If the binding context was cancelled, exit cleanly.
			if b.ctx.Err() != nil {
				return
			}
			if b.State() != voice.StateClosed {
				b.fail(fmt.Errorf("gemini: read: %w", err))
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		b.handleServerMessage(&msg)
	}
}

func (b *binding) handleServerMessage(msg *serverMessage) {
	if msg.Error != nil {
		text := "unknown error"
		if msg.Error.Message != "" {
			text = msg.Error.Message
		}
		b.fail(fmt.Errorf("gemini: %s", text))
		return
	}
	if msg.SetupComplete != nil {
		b.readyOnce.Do(func() {
			b.state.CompareAndSwap(int32(voice.StateConnecting), int32(voice.StateReady))
			close(b.ready)
		})
		b.emit(voice.Event{Type: voice.EventSetupComplete})
	}
	if msg.ServerContent != nil {
		b.handleServerContent(msg.ServerContent)
	}
}

func (b *binding) handleServerContent(sc *serverContent) {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				audioData, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(audioData) == 0 {
					continue
				}
				// The pause gate drops synthesized audio before delivery.
				if b.paused.Load() {
					continue
				}
				b.emitAudio(audioData)
			}
			if p.Text != "" {
				b.emit(voice.Event{Type: voice.EventOutputTranscript, Text: p.Text})
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		b.emit(voice.Event{Type: voice.EventInputTranscript, Text: sc.InputTranscription.Text})
	}

	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		b.emit(voice.Event{Type: voice.EventOutputTranscript, Text: sc.OutputTranscription.Text})
	}

	if sc.TurnComplete {
		b.emit(voice.Event{Type: voice.EventTurnComplete})
	}
}

// emit delivers a non-audio event, blocking until the consumer accepts it or
// the binding shuts down.
func (b *binding) emit(ev voice.Event) {
	select {
	case b.events <- ev:
	case <-b.ctx.Done():
	}
}

// emitAudio delivers an audio event, dropping the frame when the consumer is
// behind. Audio must never stall the socket read loop.
func (b *binding) emitAudio(data []byte) {
	select {
	case b.events <- voice.Event{Type: voice.EventAudio, Audio: data}:
	default:
	}
}

// fail transitions the binding to FAILED exactly once, surfaces the error,
// and tears down the connection.
func (b *binding) fail(err error) {
	prev := b.State()
	if prev == voice.StateFailed || prev == voice.StateClosed {
		return
	}
	b.state.Store(int32(voice.StateFailed))

	select {
	case b.events <- voice.Event{Type: voice.EventError, Err: err}:
	default:
	}

	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		b.cancel()
		close(b.done)
		b.conn.Close(websocket.StatusInternalError, "provider failure")
	})
}

// sendLoop writes queued audio frames to the socket in order. Keeping the
// writes off the caller means a stalled provider socket backs up the outbox,
// where overflow is shed at enqueue time instead of freezing the session.
func (b *binding) sendLoop() {
	for {
		select {
		case frame := <-b.outbox:
			msg := realtimeInputMessage{
				RealtimeInput: realtimeInput{
					MediaChunks: []mediaChunk{
						{MIMEType: "audio/pcm;rate=16000", Data: base64.StdEncoding.EncodeToString(frame)},
					},
				},
			}
			if err := b.writeJSON(msg); err != nil {
				if b.ctx.Err() == nil && b.State() != voice.StateClosed {
					b.fail(fmt.Errorf("gemini: write audio: %w", err))
				}
				return
			}
		case <-b.ctx.Done():
			return
		}
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (b *binding) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(b.ctx, keepaliveTimeout)
			_ = b.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── Binding methods ────────────────────────────────────────────────────────────

// SendAudio queues a raw PCM audio chunk (16 kHz, s16le, mono) for delivery
// to the model. It never blocks: frames are dropped silently while paused or
// not READY, and when the outbound queue is full the frame is shed and
// counted.
func (b *binding) SendAudio(frame []byte) error {
	if b.paused.Load() || b.State() != voice.StateReady {
		return nil
	}
	select {
	case b.outbox <- frame:
	default:
		b.droppedAudio.Add(1)
	}
	return nil
}

// DroppedAudio returns how many outbound frames were shed to a full queue.
func (b *binding) DroppedAudio() uint64 { return b.droppedAudio.Load() }

// SendText injects a text turn as clientContent.
func (b *binding) SendText(text string) error {
	if b.paused.Load() || b.State() != voice.StateReady {
		return voice.ErrNotReady
	}

	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{
				{Role: "user", Parts: []part{{Text: text}}},
			},
			TurnComplete: true,
		},
	}
	return b.writeJSON(msg)
}

// Pause gates both directions without closing the connection.
func (b *binding) Pause() {
	b.paused.Store(true)
	b.state.CompareAndSwap(int32(voice.StateReady), int32(voice.StatePaused))
}

// Resume lifts the gate.
func (b *binding) Resume() {
	b.paused.Store(false)
	b.state.CompareAndSwap(int32(voice.StatePaused), int32(voice.StateReady))
}

// State returns the current lifecycle phase.
func (b *binding) State() voice.State {
	return voice.State(b.state.Load())
}

// Events returns the inbound event stream.
func (b *binding) Events() <-chan voice.Event { return b.events }

// Close terminates the binding and releases all resources. Idempotent.
func (b *binding) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.state.Store(int32(voice.StateClosed))
	b.closeOnce.Do(func() {
		b.cancel()
		close(b.done)
		b.conn.Close(websocket.StatusNormalClosure, "binding closed")
	})
	return nil
}
