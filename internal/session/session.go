// Package session implements the mediation core: one loop per live call that
// owns all session state, routes audio and transcripts between the customer,
// the AI binding and the supervisors, and drives takeover, handback and
// end-of-call.
//
// The loop is the single mutator. Transport pumps, the AI binding and
// analytics tasks are strictly producers that post tagged events onto the
// loop's bounded channel; the loop itself never blocks on outbound I/O — it
// enqueues on per-peer outboxes and returns.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voicebridge/voicebridge/internal/analytics"
	"github.com/voicebridge/voicebridge/internal/observe"
	"github.com/voicebridge/voicebridge/internal/transcript"
	"github.com/voicebridge/voicebridge/internal/transport"
	"github.com/voicebridge/voicebridge/pkg/provider/voice"
	"github.com/voicebridge/voicebridge/pkg/store"
	"github.com/voicebridge/voicebridge/pkg/wire"
)

// Status is the session lifecycle phase. ENDED is terminal.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

// defaultEventBuffer bounds the loop's inbound event channel.
const defaultEventBuffer = 256

// maxProtocolViolations is how many consecutive unparseable frames a customer
// may send before its connection is closed.
const maxProtocolViolations = 5

// Entry is one transcript line.
type Entry struct {
	Role      string    `json:"role"` // "customer", "ai" or "supervisor"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Frustration is the aggregated sentiment signal for one session.
type Frustration struct {
	Score     int    `json:"score"`
	Sentiment string `json:"sentiment"`
	Reason    string `json:"reason,omitempty"`
	Max       int    `json:"max"`
	Samples   int    `json:"samples"`
}

// Snapshot is the serializable view of a session: no transport handles, no
// AI binding.
type Snapshot struct {
	ID                string      `json:"id"`
	CreatedAt         time.Time   `json:"createdAt"`
	Status            Status      `json:"status"`
	Mode              string      `json:"mode"`
	CustomerConnected bool        `json:"customerConnected"`
	ControllerID      string      `json:"controllerId,omitempty"`
	TranscriptLength  int         `json:"transcriptLength"`
	LastMessage       string      `json:"lastMessage,omitempty"`
	Frustration       Frustration `json:"frustration"`
}

// Broadcaster fans session events out to every attached supervisor.
// [fanout.Hub] is the production implementation.
type Broadcaster interface {
	Broadcast(ev wire.Event)
	BroadcastAudio(ev wire.Event)
}

// EndResult carries everything the manager needs to summarise and persist a
// finished session. EndedEvent is the pre-sequenced sessionUpdate that must
// be broadcast only after the summary row is written; no event for this
// session carries a higher sequence number.
type EndResult struct {
	ID        string
	Reason    string
	CreatedAt time.Time
	EndedAt   time.Time

	Transcript     []Entry
	FirstMessageAt time.Time
	LastMessageAt  time.Time

	FrustrationAvg   float64
	FrustrationMax   int
	EscalationAlerts []store.EscalationAlert

	Interventions    int
	LastControllerID string
	TakeoverDuration time.Duration

	EndedEvent wire.Event
}

// Config carries per-session tunables.
type Config struct {
	Instructions          string
	Voice                 string
	TranscriptionDebounce time.Duration
	EchoWindow            time.Duration
	EventBuffer           int
}

// Deps are the session's process-wide collaborators. Metrics may be nil.
type Deps struct {
	Analyzer         *analytics.Analyzer
	AnalyticsTimeout time.Duration
	Hub              Broadcaster
	Metrics          *observe.Metrics
	Logger           *slog.Logger
	OnEnd            func(EndResult)
}

// ── loop events ─────────────────────────────────────────────────────────────

type evCustomerMsg struct{ msg *wire.ClientMessage }
type evCustomerGone struct{ reason string }
type evAI struct{ ev voice.Event }
type evInputFinal struct{ text string }
type evAnalytics struct{ res analytics.Result }
type evCommand struct{ cmd any }
type evSnapshot struct{ reply chan Snapshot }
type evTranscript struct{ reply chan []Entry }
type evEnd struct{ reason, message string }

// ── supervisor commands ─────────────────────────────────────────────────────

// ReplyFunc delivers a direct reply to the command's issuing supervisor. It
// must not block; callers enqueue on the supervisor's outbox.
type ReplyFunc func(ev wire.Event)

// Takeover switches the session to HUMAN mode with the caller as controller.
type Takeover struct {
	SupervisorID string
	Reply        ReplyFunc
}

// Handback returns the session to AI mode, optionally priming the AI with
// context about what happened during the human segment.
type Handback struct {
	SupervisorID string
	Context      string
	Reply        ReplyFunc
}

// InjectContext feeds a supervisor-authored user turn into the AI stream
// without switching modes.
type InjectContext struct {
	SupervisorID string
	Context      string
	Reply        ReplyFunc
}

// Message is a supervisor text message relayed to the customer while HUMAN.
type Message struct {
	SupervisorID string
	Content      string
	Reply        ReplyFunc
}

// Audio is a supervisor voice frame relayed to the customer while HUMAN.
type Audio struct {
	SupervisorID string
	Data         string // base64 PCM
	Reply        ReplyFunc
}

// EndCall terminates the session on supervisor request.
type EndCall struct {
	SupervisorID string
	Reply        ReplyFunc
}

// ── session ─────────────────────────────────────────────────────────────────

// Session is one mediated call. All fields below the channel block are owned
// by the loop goroutine.
type Session struct {
	id     string
	cfg    Config
	logger *slog.Logger

	events chan any
	done   chan struct{}

	customer *transport.Peer
	binding  voice.Binding
	hub      Broadcaster
	metrics  *observe.Metrics
	onEnd    func(EndResult)

	dispatcher *analytics.Dispatcher
	assembler  *transcript.SentenceAssembler
	debouncer  *transcript.Debouncer
	echo       *transcript.EchoFilter

	// Loop-owned state.
	createdAt      time.Time
	endedAt        time.Time
	status         Status
	mode           string
	controllerID   string
	takenOverAt    time.Time
	takeoverTotal  time.Duration
	lastController string
	interventions  int
	entries        []Entry
	firstMessageAt time.Time
	lastMessageAt  time.Time
	frustration    Frustration
	frustrationSum int
	escalations    []store.EscalationAlert
	analysis       *analytics.Analysis
	coaching       *analytics.Coaching
	seq            uint64

	final  atomic.Pointer[Snapshot]
	result EndResult
}

// New assembles a session around an attached customer and a connected (or
// still connecting) AI binding. Call [Session.Start] to begin routing.
func New(id string, customer *transport.Peer, binding voice.Binding, cfg Config, deps Deps) *Session {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Session{
		id:        id,
		cfg:       cfg,
		logger:    deps.Logger.With("sessionId", id),
		events:    make(chan any, cfg.EventBuffer),
		done:      make(chan struct{}),
		customer:  customer,
		binding:   binding,
		hub:       deps.Hub,
		metrics:   deps.Metrics,
		onEnd:     deps.OnEnd,
		assembler: &transcript.SentenceAssembler{},
		echo:      transcript.NewEchoFilter(cfg.EchoWindow),
		createdAt: time.Now(),
		status:    StatusWaiting,
		mode:      wire.ModeAI,
	}
	s.debouncer = transcript.NewDebouncer(cfg.TranscriptionDebounce, func(text string) {
		s.post(evInputFinal{text: text})
	})

	var dopts []analytics.DispatcherOption
	if deps.AnalyticsTimeout > 0 {
		dopts = append(dopts, analytics.WithTimeout(deps.AnalyticsTimeout))
	}
	dopts = append(dopts, analytics.WithLogger(s.logger))
	s.dispatcher = analytics.NewDispatcher(deps.Analyzer, func(r analytics.Result) {
		s.post(evAnalytics{res: r})
	}, dopts...)

	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Done is closed when the session loop has terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start launches the loop and the two receive pumps, and greets the customer.
func (s *Session) Start() {
	s.sendCustomer(wire.NewEvent(wire.TypeSessionInit, s.id, map[string]any{
		"mode": s.mode,
	}))
	go s.run()
	go s.customerPump()
	go s.aiPump()
}

// Command posts a supervisor command to the loop. It reports false when the
// session has already ended.
func (s *Session) Command(cmd any) bool {
	return s.post(evCommand{cmd: cmd})
}

// End asks the loop to terminate the session.
func (s *Session) End(reason, message string) {
	s.post(evEnd{reason: reason, message: message})
}

// Snapshot returns the serializable session view, served by the loop. After
// the session has ended it returns the final snapshot.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case s.events <- evSnapshot{reply: reply}:
	case <-s.done:
		return *s.final.Load(), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-s.done:
		return *s.final.Load(), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// FullTranscript returns an ordered copy of the transcript, served by the
// loop. After the session has ended it returns the final transcript.
func (s *Session) FullTranscript(ctx context.Context) ([]Entry, error) {
	reply := make(chan []Entry, 1)
	select {
	case s.events <- evTranscript{reply: reply}:
	case <-s.done:
		return s.result.Transcript, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case entries := <-reply:
		return entries, nil
	case <-s.done:
		return s.result.Transcript, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Turns converts transcript entries for the analysis collaborator.
func Turns(entries []Entry) []analytics.Turn {
	turns := make([]analytics.Turn, len(entries))
	for i, e := range entries {
		turns[i] = analytics.Turn{Role: e.Role, Content: e.Content}
	}
	return turns
}

func (s *Session) post(ev any) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// ── pumps ───────────────────────────────────────────────────────────────────

// customerPump reads inbound customer frames until the connection drops.
// Malformed frames draw an error reply; repeated violations close the peer.
func (s *Session) customerPump() {
	violations := 0
	for {
		raw, err := s.customer.Recv(context.Background())
		if err != nil {
			s.post(evCustomerGone{reason: "customerDisconnected"})
			return
		}
		msg, err := wire.Decode(raw)
		if err == nil {
			err = wire.ValidateCustomer(msg)
		}
		if err != nil {
			violations++
			s.logger.Warn("customer protocol violation", "error", err, "count", violations)
			s.replyCustomerError(err.Error())
			if violations >= maxProtocolViolations {
				s.customer.Close("protocol violations")
				s.post(evCustomerGone{reason: "protocolViolation"})
				return
			}
			continue
		}
		violations = 0
		if !s.post(evCustomerMsg{msg: msg}) {
			return
		}
	}
}

// aiPump forwards provider events into the loop until the binding closes.
func (s *Session) aiPump() {
	for ev := range s.binding.Events() {
		if !s.post(evAI{ev: ev}) {
			return
		}
	}
}

// ── the loop ────────────────────────────────────────────────────────────────

func (s *Session) run() {
	for s.status != StatusEnded {
		s.dispatch(<-s.events)
	}
	close(s.done)
	go s.dispatcher.Close()
	if s.onEnd != nil {
		s.onEnd(s.result)
	}
}

func (s *Session) dispatch(ev any) {
	switch ev := ev.(type) {
	case evCustomerMsg:
		s.handleCustomer(ev.msg)
	case evCustomerGone:
		s.end(ev.reason, "")
	case evAI:
		s.handleAI(ev.ev)
	case evInputFinal:
		s.handleInputFinal(ev.text)
	case evAnalytics:
		s.handleAnalytics(ev.res)
	case evCommand:
		s.handleCommand(ev.cmd)
	case evSnapshot:
		ev.reply <- s.snapshot()
	case evTranscript:
		entries := make([]Entry, len(s.entries))
		copy(entries, s.entries)
		ev.reply <- entries
	case evEnd:
		s.end(ev.reason, ev.message)
	}
}

// ── customer inbound ────────────────────────────────────────────────────────

func (s *Session) handleCustomer(msg *wire.ClientMessage) {
	s.markActive()

	switch msg.Type {
	case wire.TypeAudio:
		frame, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			s.logger.Warn("undecodable customer audio frame", "error", err)
			return
		}
		s.countAudio("customer_in")
		if s.mode == wire.ModeHuman {
			// The controller (and any observer) hears the customer through
			// the fan-out's audio path; the AI does not.
			s.broadcast(wire.TypeCustomerAudio, map[string]any{"data": msg.Data})
			return
		}
		// Dropped silently by the binding while CONNECTING or paused.
		_ = s.binding.SendAudio(frame)

	case wire.TypeText:
		s.append("customer", msg.Content)
		s.broadcast(wire.TypeCustomerMessage, map[string]any{"content": msg.Content})
		if s.mode == wire.ModeHuman {
			return
		}
		if err := s.binding.SendText(msg.Content); err != nil {
			s.logger.Debug("customer text dropped", "error", err)
		}

	case wire.TypeTranscript:
		// Client-side caption for diagnostics; never forwarded to the AI.
		s.append("customer", msg.Content)
		s.broadcast(wire.TypeCustomerMessage, map[string]any{"content": msg.Content})
	}
}

func (s *Session) markActive() {
	if s.status != StatusWaiting {
		return
	}
	s.status = StatusActive
	s.broadcast(wire.TypeSessionUpdate, map[string]any{"session": s.snapshot()})
}

// ── AI inbound ──────────────────────────────────────────────────────────────

func (s *Session) handleAI(ev voice.Event) {
	switch ev.Type {
	case voice.EventSetupComplete:
		s.logger.Info("ai binding ready")
		s.broadcast(wire.TypeSessionUpdate, map[string]any{"session": s.snapshot()})

	case voice.EventOutputTranscript:
		for _, sentence := range s.assembler.Add(ev.Text) {
			s.handleAISentence(sentence)
		}

	case voice.EventInputTranscript:
		s.debouncer.Add(ev.Text)

	case voice.EventAudio:
		if s.mode == wire.ModeHuman {
			return
		}
		s.countAudio("ai_out")
		s.sendCustomer(wire.NewEvent(wire.TypeAudio, "", map[string]any{
			"data": base64.StdEncoding.EncodeToString(ev.Audio),
		}))

	case voice.EventTurnComplete:
		if text := s.debouncer.Take(); text != "" {
			s.handleInputFinal(text)
		}
		if residual := s.assembler.Flush(); residual != "" {
			s.handleAISentence(residual)
		}

	case voice.EventError:
		s.handleAIFailure(ev.Err)
	}
}

func (s *Session) handleAISentence(sentence string) {
	s.echo.Remember(sentence)
	s.countSentence("ai")
	s.append("ai", sentence)
	s.broadcast(wire.TypeAIResponse, map[string]any{"content": sentence})
	if s.mode == wire.ModeHuman {
		// Residual AI output during a human segment stays off the customer UI;
		// supervisors still see it in the transcript stream.
		return
	}
	s.sendCustomer(wire.NewEvent(wire.TypeAIResponse, "", map[string]any{
		"data": map[string]any{"type": "text", "content": sentence},
	}))
}

// handleInputFinal applies the script and echo filters to a finalized customer
// sentence, then appends, broadcasts and triggers analytics.
func (s *Session) handleInputFinal(text string) {
	if !transcript.IsEnglish(text) {
		s.logger.Debug("input transcript rejected by script filter", "text", text)
		return
	}
	if s.echo.IsEcho(text) {
		s.logger.Debug("input transcript rejected as ai echo", "text", text)
		return
	}

	s.countSentence("customer")
	s.append("customer", text)
	s.broadcast(wire.TypeCustomerMessage, map[string]any{"content": text})
	s.sendCustomer(wire.NewEvent(wire.TypeCustomerTranscription, "", map[string]any{
		"content": text,
	}))
	s.triggerAnalytics(text)
}

func (s *Session) triggerAnalytics(trigger string) {
	recent := Turns(tailEntries(s.entries, 5))
	full := Turns(s.entries)
	s.dispatcher.Dispatch(analytics.Request{Kind: analytics.KindSentiment, LastMessage: trigger, Recent: recent})
	s.dispatcher.Dispatch(analytics.Request{Kind: analytics.KindAnalysis, Full: full})
	s.dispatcher.Dispatch(analytics.Request{Kind: analytics.KindCoaching, LastMessage: trigger, Recent: recent})
}

func (s *Session) handleAIFailure(err error) {
	s.logger.Error("ai binding failed", "error", err)
	if s.mode == wire.ModeHuman {
		// The human controller carries the call; the session survives.
		s.broadcast(wire.TypeError, map[string]any{
			"message": "ai binding failed; session continues under human control",
		})
		return
	}
	s.end("aiUnavailable", "The assistant is unavailable right now. Please call back shortly.")
}

// ── analytics results ───────────────────────────────────────────────────────

func (s *Session) handleAnalytics(res analytics.Result) {
	switch res.Kind {
	case analytics.KindSentiment:
		sig := res.Sentiment
		s.frustration.Score = sig.Score
		s.frustration.Sentiment = sig.Sentiment
		s.frustration.Reason = sig.Reason
		s.frustration.Samples++
		s.frustrationSum += sig.Score
		if sig.Score > s.frustration.Max {
			s.frustration.Max = sig.Score
		}
		s.broadcast(wire.TypeFrustrationUpdate, map[string]any{
			"score":     sig.Score,
			"sentiment": sig.Sentiment,
			"reason":    sig.Reason,
		})
		if sig.ShouldEscalate {
			s.escalations = append(s.escalations, store.EscalationAlert{
				Score:  sig.Score,
				Reason: sig.Reason,
				At:     time.Now(),
			})
			if s.metrics != nil {
				s.metrics.Escalations.Add(context.Background(), 1)
			}
			s.broadcast(wire.TypeEscalationAlert, map[string]any{
				"score":  sig.Score,
				"reason": sig.Reason,
			})
		}

	case analytics.KindAnalysis:
		s.analysis = res.Analysis
		s.broadcast(wire.TypeAnalyticsUpdate, map[string]any{
			"intent":         res.Analysis.Intent,
			"sentiment":      res.Analysis.Sentiment,
			"sentimentScore": res.Analysis.SentimentScore,
			"escalationRisk": res.Analysis.EscalationRisk,
			"keyIssues":      res.Analysis.KeyIssues,
		})

	case analytics.KindCoaching:
		s.coaching = res.Coaching
		s.broadcast(wire.TypeCoachingUpdate, map[string]any{
			"coachingTip":        res.Coaching.CoachingTip,
			"suggestedResponses": res.Coaching.SuggestedResponses,
			"tone":               res.Coaching.Tone,
			"priority":           res.Coaching.Priority,
		})
	}
}

// ── supervisor commands ─────────────────────────────────────────────────────

func (s *Session) handleCommand(cmd any) {
	switch cmd := cmd.(type) {
	case Takeover:
		s.handleTakeover(cmd)
	case Handback:
		s.handleHandback(cmd)
	case InjectContext:
		s.handleInject(cmd)
	case Message:
		s.handleSupervisorMessage(cmd)
	case Audio:
		s.handleSupervisorAudio(cmd)
	case EndCall:
		s.end("endedBySupervisor", "This call has been ended by a supervisor.")
		reply(cmd.Reply, wire.NewEvent(wire.TypeSessionEnded, s.id, nil))
	}
}

func (s *Session) handleTakeover(cmd Takeover) {
	if s.status != StatusActive || s.mode != wire.ModeAI {
		reply(cmd.Reply, wire.ErrorEvent(s.id, "wrongMode"))
		return
	}

	s.mode = wire.ModeHuman
	s.controllerID = cmd.SupervisorID
	s.lastController = cmd.SupervisorID
	s.takenOverAt = time.Now()
	s.interventions++
	s.binding.Pause()
	if s.metrics != nil {
		s.metrics.Takeovers.Add(context.Background(), 1)
	}

	s.sendCustomer(wire.NewEvent(wire.TypeModeChange, "", map[string]any{
		"mode":    wire.ModeHuman,
		"message": "A support specialist has joined the call.",
	}))
	s.broadcast(wire.TypeSessionUpdate, map[string]any{"session": s.snapshot()})
}

func (s *Session) handleHandback(cmd Handback) {
	if s.mode != wire.ModeHuman || cmd.SupervisorID != s.controllerID {
		reply(cmd.Reply, wire.ErrorEvent(s.id, "wrongMode"))
		return
	}

	s.takeoverTotal += time.Since(s.takenOverAt)
	s.controllerID = ""
	s.mode = wire.ModeAI
	s.binding.Resume()
	if cmd.Context != "" {
		if err := s.binding.SendText(contextPrompt(cmd.Context)); err != nil {
			s.logger.Warn("handback context dropped", "error", err)
		}
	}

	s.sendCustomer(wire.NewEvent(wire.TypeModeChange, "", map[string]any{
		"mode":    wire.ModeAI,
		"message": "The AI assistant has rejoined the call.",
	}))
	s.broadcast(wire.TypeSessionUpdate, map[string]any{"session": s.snapshot()})
}

func (s *Session) handleInject(cmd InjectContext) {
	if s.mode != wire.ModeAI {
		reply(cmd.Reply, wire.ErrorEvent(s.id, "wrongMode"))
		return
	}
	if s.binding.State() != voice.StateReady {
		reply(cmd.Reply, wire.ErrorEvent(s.id, "aiNotReady"))
		return
	}
	if err := s.binding.SendText(contextPrompt(cmd.Context)); err != nil {
		reply(cmd.Reply, wire.ErrorEvent(s.id, fmt.Sprintf("contextInjectionFailed: %v", err)))
		return
	}

	// Treated as a synthetic customer turn, analytics included.
	s.append("customer", cmd.Context)
	s.broadcast(wire.TypeCustomerMessage, map[string]any{"content": cmd.Context})
	s.triggerAnalytics(cmd.Context)
	reply(cmd.Reply, wire.NewEvent(wire.TypeContextInjected, s.id, nil))
}

func (s *Session) handleSupervisorMessage(cmd Message) {
	if s.mode != wire.ModeHuman {
		reply(cmd.Reply, wire.ErrorEvent(s.id, "wrongMode"))
		return
	}
	s.append("supervisor", cmd.Content)
	s.sendCustomer(wire.NewEvent(wire.TypeSupervisorMessage, "", map[string]any{
		"content": cmd.Content,
	}))
	s.broadcast(wire.TypeSessionUpdate, map[string]any{"session": s.snapshot()})
}

func (s *Session) handleSupervisorAudio(cmd Audio) {
	// Only the controller's voice reaches the customer; anything else is
	// silently ignored.
	if s.mode != wire.ModeHuman || cmd.SupervisorID != s.controllerID {
		return
	}
	s.countAudio("supervisor_in")
	s.sendCustomer(wire.NewEvent(wire.TypeAudio, "", map[string]any{
		"data": cmd.Data,
	}))
}

// ── end of call ─────────────────────────────────────────────────────────────

func (s *Session) end(reason, message string) {
	if s.status == StatusEnded {
		return
	}
	s.status = StatusEnded
	s.endedAt = time.Now()
	s.debouncer.Stop()

	if message != "" {
		s.sendCustomer(wire.NewEvent(wire.TypeSessionEnded, "", map[string]any{
			"reason":  reason,
			"message": message,
		}))
	}
	s.customer.Close(reason)
	if err := s.binding.Close(); err != nil {
		s.logger.Debug("ai binding close", "error", err)
	}
	if s.mode == wire.ModeHuman {
		s.takeoverTotal += time.Since(s.takenOverAt)
	}

	snap := s.snapshot()
	s.final.Store(&snap)

	avg := 0.0
	if s.frustration.Samples > 0 {
		avg = float64(s.frustrationSum) / float64(s.frustration.Samples)
	}
	s.result = EndResult{
		ID:               s.id,
		Reason:           reason,
		CreatedAt:        s.createdAt,
		EndedAt:          s.endedAt,
		Transcript:       s.entries,
		FirstMessageAt:   s.firstMessageAt,
		LastMessageAt:    s.lastMessageAt,
		FrustrationAvg:   avg,
		FrustrationMax:   s.frustration.Max,
		EscalationAlerts: s.escalations,
		Interventions:    s.interventions,
		LastControllerID: s.lastController,
		TakeoverDuration: s.takeoverTotal,
		EndedEvent: s.sessionEvent(wire.TypeSessionUpdate, map[string]any{
			"status": string(StatusEnded),
			"reason": reason,
		}),
	}
	if s.metrics != nil {
		s.metrics.RecordSessionEnd(context.Background(), reason)
	}
	s.logger.Info("session ended", "reason", reason, "transcriptLength", len(s.entries))
}

// ── loop-internal helpers ───────────────────────────────────────────────────

func (s *Session) append(role, content string) {
	now := time.Now()
	s.entries = append(s.entries, Entry{Role: role, Content: content, Timestamp: now})
	if s.firstMessageAt.IsZero() {
		s.firstMessageAt = now
	}
	s.lastMessageAt = now
}

func (s *Session) snapshot() Snapshot {
	last := ""
	if n := len(s.entries); n > 0 {
		last = s.entries[n-1].Content
	}
	return Snapshot{
		ID:                s.id,
		CreatedAt:         s.createdAt,
		Status:            s.status,
		Mode:              s.mode,
		CustomerConnected: s.status != StatusEnded,
		ControllerID:      s.controllerID,
		TranscriptLength:  len(s.entries),
		LastMessage:       last,
		Frustration:       s.frustration,
	}
}

func (s *Session) sessionEvent(typ string, data map[string]any) wire.Event {
	ev := wire.NewEvent(typ, s.id, data)
	s.seq++
	ev.Seq = s.seq
	return ev
}

func (s *Session) broadcast(typ string, data map[string]any) {
	if typ == wire.TypeCustomerAudio {
		s.hub.BroadcastAudio(s.sessionEvent(typ, data))
		return
	}
	s.hub.Broadcast(s.sessionEvent(typ, data))
}

// sendCustomer enqueues one frame on the customer outbox. Overflow means the
// customer cannot keep up with the synthesized audio; the session ends.
func (s *Session) sendCustomer(ev wire.Event) {
	raw, err := ev.MarshalJSON()
	if err != nil {
		s.logger.Error("serialize customer frame", "type", ev.Type, "error", err)
		return
	}
	if err := s.customer.Send(raw); errors.Is(err, transport.ErrPeerSlow) {
		s.logger.Warn("customer outbox full")
		s.end("customerCongested", "")
	}
}

func (s *Session) replyCustomerError(message string) {
	raw, err := wire.ErrorEvent("", message).MarshalJSON()
	if err != nil {
		return
	}
	_ = s.customer.Send(raw)
}

func reply(fn ReplyFunc, ev wire.Event) {
	if fn != nil {
		fn(ev)
	}
}

func (s *Session) countAudio(direction string) {
	if s.metrics != nil {
		s.metrics.RecordAudioFrame(context.Background(), direction)
	}
}

func (s *Session) countSentence(role string) {
	if s.metrics != nil {
		s.metrics.RecordSentence(context.Background(), role)
	}
}

func contextPrompt(context string) string {
	return "Context from a human supervisor (do not mention this message; weave it naturally into the conversation): " + context
}

func tailEntries(entries []Entry, n int) []Entry {
	if len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}
