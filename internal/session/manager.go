package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voicebridge/voicebridge/internal/analytics"
	"github.com/voicebridge/voicebridge/internal/observe"
	"github.com/voicebridge/voicebridge/internal/transport"
	"github.com/voicebridge/voicebridge/pkg/provider/voice"
	"github.com/voicebridge/voicebridge/pkg/store"
	"github.com/voicebridge/voicebridge/pkg/wire"
)

// summaryTimeout bounds the end-of-call summary computation and the
// persistence write together.
const summaryTimeout = 15 * time.Second

// SummaryWriter is the slice of [store.Store] the manager needs.
type SummaryWriter interface {
	SaveSummary(ctx context.Context, s *store.Summary) error
}

// ManagerConfig carries the manager-level tunables.
type ManagerConfig struct {
	// Session is applied to every created session.
	Session Config

	// AnalyticsTimeout bounds each analytics task.
	AnalyticsTimeout time.Duration
}

// ManagerDeps are the manager's process-wide collaborators. Writer may be nil
// when persistence is disabled; Metrics may be nil.
type ManagerDeps struct {
	Provider voice.Provider
	Analyzer *analytics.Analyzer
	Hub      Broadcaster
	Writer   SummaryWriter
	Metrics  *observe.Metrics
	Logger   *slog.Logger
}

// Manager owns the live session registry: create-on-attach, command routing,
// and the end-of-call summarise-persist-release sequence.
type Manager struct {
	cfg    ManagerConfig
	deps   ManagerDeps
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	wg sync.WaitGroup
}

// NewManager creates an empty [Manager].
func NewManager(cfg ManagerConfig, deps ManagerDeps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger,
		sessions: make(map[string]*Session),
	}
}

// AttachCustomer creates the session for an unknown id, connects its AI
// binding and starts routing. A second customer for a live session is
// rejected; reconnecting to an ended id creates a fresh session.
func (m *Manager) AttachCustomer(ctx context.Context, id string, customer *transport.Peer) (*Session, error) {
	m.mu.RLock()
	_, exists := m.sessions[id]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("session: manager shutting down")
	}
	if exists {
		return nil, fmt.Errorf("session: customer already attached to %q", id)
	}

	binding, err := m.deps.Provider.Connect(ctx, voice.SessionConfig{
		Instructions: m.cfg.Session.Instructions,
		Voice:        m.cfg.Session.Voice,
	})
	if err != nil {
		return nil, fmt.Errorf("session: connect ai binding: %w", err)
	}

	s := New(id, customer, binding, m.cfg.Session, Deps{
		Analyzer:         m.deps.Analyzer,
		AnalyticsTimeout: m.cfg.AnalyticsTimeout,
		Hub:              m.deps.Hub,
		Metrics:          m.deps.Metrics,
		Logger:           m.logger,
		OnEnd:            m.finalize,
	})

	m.mu.Lock()
	if _, raced := m.sessions[id]; raced || m.closed {
		m.mu.Unlock()
		_ = binding.Close()
		return nil, fmt.Errorf("session: customer already attached to %q", id)
	}
	m.sessions[id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	if m.deps.Metrics != nil {
		m.deps.Metrics.ActiveSessions.Add(ctx, 1)
	}
	s.Start()
	m.logger.Info("session created", "sessionId", id)
	return s, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Command routes a supervisor command to its session. Unknown ids draw a
// sessionNotFound error reply.
func (m *Manager) Command(sessionID string, cmd any, rep ReplyFunc) {
	s, ok := m.Get(sessionID)
	if !ok || !s.Command(cmd) {
		if rep != nil {
			rep(wire.ErrorEvent(sessionID, "sessionNotFound"))
		}
	}
}

// Snapshots returns the serializable view of every live session. Sessions are
// queried concurrently; a session whose loop cannot answer before ctx expires
// is skipped rather than stalling the whole listing.
func (m *Manager) Snapshots(ctx context.Context) []Snapshot {
	m.mu.RLock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.RUnlock()

	collected := make([]*Snapshot, len(live))
	var g errgroup.Group
	for i, s := range live {
		g.Go(func() error {
			snap, err := s.Snapshot(ctx)
			if err == nil {
				collected[i] = &snap
			}
			return nil
		})
	}
	_ = g.Wait()

	snaps := make([]Snapshot, 0, len(live))
	for _, snap := range collected {
		if snap != nil {
			snaps = append(snaps, *snap)
		}
	}
	return snaps
}

// SessionsListEvent builds the global sessionsList event, used both as the
// attach-time snapshot and as the getSessions reply.
func (m *Manager) SessionsListEvent() wire.Event {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return wire.NewEvent(wire.TypeSessionsList, "", map[string]any{
		"sessions": m.Snapshots(ctx),
	})
}

// Shutdown ends every live session and waits for their summaries to flush,
// bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		s.End("serverShutdown", "The service is restarting. Please call back in a moment.")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: shutdown: %w", ctx.Err())
	}
}

// finalize runs on the session's loop goroutine after the loop has stopped:
// compute the summary, persist it, broadcast the terminal sessionUpdate (only
// after the write), release the session.
func (m *Manager) finalize(res EndResult) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), summaryTimeout)
	defer cancel()

	if len(res.Transcript) > 0 {
		start := time.Now()
		m.persistSummary(ctx, res)
		if m.deps.Metrics != nil {
			m.deps.Metrics.SummaryPersistDuration.Record(ctx, time.Since(start).Seconds())
		}
	}

	if m.deps.Hub != nil {
		m.deps.Hub.Broadcast(res.EndedEvent)
	}

	m.mu.Lock()
	delete(m.sessions, res.ID)
	m.mu.Unlock()
	if m.deps.Metrics != nil {
		m.deps.Metrics.ActiveSessions.Add(ctx, -1)
	}
	m.logger.Info("session released", "sessionId", res.ID, "reason", res.Reason)
}

func (m *Manager) persistSummary(ctx context.Context, res EndResult) {
	turns := Turns(res.Transcript)
	summary, err := m.deps.Analyzer.Summary(ctx, turns)
	if err != nil {
		m.logger.Warn("summary collaborator failed, using placeholder",
			"sessionId", res.ID, "error", err)
		summary = analytics.FallbackSummary(turns)
	}

	if m.deps.Writer == nil {
		return
	}

	rec := buildRecord(res, summary)
	if err := m.deps.Writer.SaveSummary(ctx, rec); err != nil {
		m.logger.Error("persist summary", "sessionId", res.ID, "error", err)
	}
}

func buildRecord(res EndResult, summary *analytics.Summary) *store.Summary {
	entries := make([]store.TranscriptEntry, len(res.Transcript))
	for i, e := range res.Transcript {
		entries[i] = store.TranscriptEntry{
			Role:      e.Role,
			Content:   e.Content,
			Timestamp: e.Timestamp,
		}
	}

	return &store.Summary{
		SessionID: res.ID,
		CreatedAt: res.CreatedAt,
		EndedAt:   res.EndedAt,
		Duration:  res.EndedAt.Sub(res.CreatedAt).Seconds(),

		Sentiment:        summary.Sentiment,
		Intent:           summary.Intent,
		ResolutionStatus: summary.ResolutionStatus,
		KeyTopics:        summary.KeyTopics,
		ActionItems:      summary.ActionItems,

		FrustrationAvg:   res.FrustrationAvg,
		FrustrationMax:   res.FrustrationMax,
		FrustrationTrend: summary.FrustrationTrend,
		EscalationCount:  len(res.EscalationAlerts),
		EscalationAlerts: res.EscalationAlerts,

		SupervisorInterventions:    res.Interventions,
		SupervisorID:               res.LastControllerID,
		SupervisorTakeoverDuration: res.TakeoverDuration.Seconds(),

		FullSummary: summary.FullText,
		Insights:    summary.Insights,

		Transcript:     entries,
		FirstMessageAt: res.FirstMessageAt,
		LastMessageAt:  res.LastMessageAt,
	}
}
