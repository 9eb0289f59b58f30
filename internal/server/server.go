// Package server is the control surface of the mediation server: the
// dashboard HTTP API, the Prometheus and health endpoints, and the customer
// and supervisor WebSocket upgrade points.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicebridge/voicebridge/internal/analytics"
	"github.com/voicebridge/voicebridge/internal/fanout"
	"github.com/voicebridge/voicebridge/internal/health"
	"github.com/voicebridge/voicebridge/internal/observe"
	"github.com/voicebridge/voicebridge/internal/session"
	"github.com/voicebridge/voicebridge/pkg/store"
)

// recentTurns is how much trailing context the on-demand coaching endpoint
// hands the collaborator.
const recentTurns = 5

// Config carries the server-level tunables.
type Config struct {
	// SupervisorToken, when non-empty, is required as a bearer token (header
	// or ?token= query parameter) on supervisor upgrades.
	SupervisorToken string

	// SupervisorOutbox is the per-supervisor outbound queue capacity.
	SupervisorOutbox int

	// CustomerOutbox is the per-customer outbound queue capacity.
	CustomerOutbox int
}

// Deps are the server's collaborators. Store may be nil when persistence is
// disabled; the history endpoints then answer 503.
type Deps struct {
	Manager  *session.Manager
	Hub      *fanout.Hub
	Store    store.Store
	Analyzer *analytics.Analyzer
	Health   *health.Handler
	Metrics  *observe.Metrics
	Logger   *slog.Logger
}

// Server serves the control surface.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// New creates a [Server]. Zero queue capacities fall back to the config
// package defaults at the call sites that build peers.
func New(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.SupervisorOutbox <= 0 {
		cfg.SupervisorOutbox = 256
	}
	if cfg.CustomerOutbox <= 0 {
		cfg.CustomerOutbox = 64
	}
	return &Server{cfg: cfg, deps: deps, logger: deps.Logger}
}

// Handler returns the root handler for the control surface. Every route sits
// behind the observability middleware, including the WebSocket upgrade points:
// the middleware serves upgrade requests on the bare writer so the handshake
// keeps its http.Hijacker.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/customer", s.handleCustomerWS)
	mux.HandleFunc("GET /ws/supervisor", s.handleSupervisorWS)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /summaries", s.handleSummaries)
	mux.HandleFunc("GET /summary/{id}", s.handleSummary)
	mux.HandleFunc("POST /coaching", s.handleCoaching)
	mux.HandleFunc("POST /analyze", s.handleAnalyze)
	mux.HandleFunc("POST /summary", s.handleSummarize)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.deps.Health != nil {
		s.deps.Health.Register(mux)
	}

	if s.deps.Metrics != nil {
		return observe.Middleware(s.deps.Metrics)(mux)
	}
	return mux
}

// ── dashboard endpoints ─────────────────────────────────────────────────────

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Manager.Snapshots(r.Context()))
}

// sessionDetail is the GET /sessions/{id} response body.
type sessionDetail struct {
	Session    session.Snapshot `json:"session"`
	Transcript []session.Entry  `json:"transcript"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.deps.Manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "sessionNotFound")
		return
	}
	snap, err := sess.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, "sessionBusy")
		return
	}
	entries, err := sess.FullTranscript(r.Context())
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, "sessionBusy")
		return
	}
	if entries == nil {
		entries = []session.Entry{}
	}
	writeJSON(w, http.StatusOK, sessionDetail{Session: snap, Transcript: entries})
}

// summariesPage is the GET /summaries response body.
type summariesPage struct {
	Summaries []*store.Summary `json:"summaries"`
	Stats     *store.Stats     `json:"stats"`
}

func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "persistenceDisabled")
		return
	}
	q := r.URL.Query()
	f := store.Filter{
		Sentiment:  q.Get("sentiment"),
		Intent:     q.Get("intent"),
		Resolution: q.Get("resolution"),
		SortBy:     q.Get("sortBy"),
		SortOrder:  q.Get("sortOrder"),
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	recs, stats, err := s.deps.Store.ListSummaries(r.Context(), f)
	if err != nil {
		s.logger.Error("list summaries", "error", err)
		writeError(w, http.StatusBadRequest, "invalidQuery")
		return
	}
	if recs == nil {
		recs = []*store.Summary{}
	}
	writeJSON(w, http.StatusOK, summariesPage{Summaries: recs, Stats: stats})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "persistenceDisabled")
		return
	}
	rec, err := s.deps.Store.GetSummary(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "summaryNotFound")
		return
	}
	if err != nil {
		s.logger.Error("get summary", "error", err)
		writeError(w, http.StatusInternalServerError, "storeUnavailable")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ── on-demand analytics endpoints ───────────────────────────────────────────

type analyticsRequest struct {
	SessionID       string `json:"sessionId"`
	CustomerMessage string `json:"customerMessage,omitempty"`
}

// liveTurns resolves the request body to a live session's transcript. A nil
// return means the response has already been written.
func (s *Server) liveTurns(w http.ResponseWriter, r *http.Request) (*analyticsRequest, []analytics.Turn) {
	var req analyticsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalidRequest")
		return nil, nil
	}
	sess, ok := s.deps.Manager.Get(req.SessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "sessionNotFound")
		return nil, nil
	}
	entries, err := sess.FullTranscript(r.Context())
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, "sessionBusy")
		return nil, nil
	}
	return &req, session.Turns(entries)
}

func (s *Server) handleCoaching(w http.ResponseWriter, r *http.Request) {
	req, turns := s.liveTurns(w, r)
	if req == nil {
		return
	}
	if n := len(turns); n > recentTurns {
		turns = turns[n-recentTurns:]
	}
	coaching, err := s.deps.Analyzer.CoachingSuggestions(r.Context(), turns, req.CustomerMessage)
	if err != nil {
		s.logger.Warn("coaching collaborator failed", "sessionId", req.SessionID, "error", err)
		writeError(w, http.StatusBadGateway, "analysisFailed")
		return
	}
	writeJSON(w, http.StatusOK, coaching)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	req, turns := s.liveTurns(w, r)
	if req == nil {
		return
	}
	analysis, err := s.deps.Analyzer.Conversation(r.Context(), turns)
	if err != nil {
		s.logger.Warn("analysis collaborator failed", "sessionId", req.SessionID, "error", err)
		writeJSON(w, http.StatusOK, analytics.FallbackAnalysis(turns))
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	req, turns := s.liveTurns(w, r)
	if req == nil {
		return
	}
	summary, err := s.deps.Analyzer.Summary(r.Context(), turns)
	if err != nil {
		s.logger.Warn("summary collaborator failed", "sessionId", req.SessionID, "error", err)
		writeJSON(w, http.StatusOK, analytics.FallbackSummary(turns))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ── helpers ─────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
