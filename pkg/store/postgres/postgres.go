// Package postgres provides the PostgreSQL-backed [store.Store]. All writes
// are serialized through a single writer task with a bounded queue, so a slow
// database never has more than one summary insert in flight; callers still
// observe a synchronous SaveSummary.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voicebridge/voicebridge/pkg/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

const (
	// writeQueueSize bounds how many summary saves may wait on the writer.
	writeQueueSize = 64

	// maxSaveAttempts bounds the retries on a failed insert.
	maxSaveAttempts = 3

	// retryBaseDelay is doubled on every failed attempt.
	retryBaseDelay = 100 * time.Millisecond
)

const ddlCallSummaries = `
CREATE TABLE IF NOT EXISTS call_summaries (
    id                           BIGSERIAL    PRIMARY KEY,
    session_id                   TEXT         NOT NULL UNIQUE,
    created_at                   TIMESTAMPTZ  NOT NULL,
    ended_at                     TIMESTAMPTZ  NOT NULL,
    duration_seconds             DOUBLE PRECISION NOT NULL DEFAULT 0,
    sentiment                    TEXT         NOT NULL DEFAULT '',
    intent                       TEXT         NOT NULL DEFAULT '',
    resolution_status            TEXT         NOT NULL DEFAULT '',
    key_topics                   JSONB        NOT NULL DEFAULT '[]',
    action_items                 JSONB        NOT NULL DEFAULT '[]',
    frustration_avg              DOUBLE PRECISION NOT NULL DEFAULT 0,
    frustration_max              INT          NOT NULL DEFAULT 0,
    frustration_trend            TEXT         NOT NULL DEFAULT '',
    escalation_count             INT          NOT NULL DEFAULT 0,
    escalation_alerts            JSONB        NOT NULL DEFAULT '[]',
    supervisor_interventions     INT          NOT NULL DEFAULT 0,
    supervisor_id                TEXT         NOT NULL DEFAULT '',
    supervisor_takeover_seconds  DOUBLE PRECISION NOT NULL DEFAULT 0,
    full_summary                 TEXT         NOT NULL DEFAULT '',
    insights                     TEXT         NOT NULL DEFAULT '',
    transcript                   JSONB        NOT NULL DEFAULT '[]',
    first_message_at             TIMESTAMPTZ,
    last_message_at              TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_call_summaries_created_at
    ON call_summaries (created_at);

CREATE INDEX IF NOT EXISTS idx_call_summaries_sentiment
    ON call_summaries (sentiment);

CREATE INDEX IF NOT EXISTS idx_call_summaries_intent
    ON call_summaries (intent);
`

// Migrate creates the call_summaries table and its indexes. Idempotent; safe
// to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlCallSummaries); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

type saveReq struct {
	rec   *store.Summary
	reply chan error
}

// Store is the PostgreSQL-backed summary store.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	writes chan saveReq
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Option is a functional option for [Store].
type Option func(*Store)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore connects to the database at dsn, runs [Migrate] and starts the
// single writer task.
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	writerCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:   pool,
		logger: slog.Default(),
		writes: make(chan saveReq, writeQueueSize),
		ctx:    writerCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.writer()
	return s, nil
}

// Ping probes database connectivity, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveSummary queues one record on the writer and waits for the outcome.
// A record for an already-saved session id succeeds without modifying the
// stored row (session_id is UNIQUE, insert is ON CONFLICT DO NOTHING).
func (s *Store) SaveSummary(ctx context.Context, rec *store.Summary) error {
	req := saveReq{rec: rec, reply: make(chan error, 1)}
	select {
	case s.writes <- req:
	case <-ctx.Done():
		return fmt.Errorf("postgres store: save queue: %w", ctx.Err())
	case <-s.ctx.Done():
		return fmt.Errorf("postgres store: closed")
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return fmt.Errorf("postgres store: save: %w", ctx.Err())
	}
}

// writer is the single task allowed to insert summaries.
func (s *Store) writer() {
	defer close(s.done)
	for {
		select {
		case req := <-s.writes:
			req.reply <- s.saveWithRetry(req.rec)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Store) saveWithRetry(rec *store.Summary) error {
	var err error
	delay := retryBaseDelay
	for attempt := 1; attempt <= maxSaveAttempts; attempt++ {
		if err = s.insert(rec); err == nil {
			return nil
		}
		s.logger.Warn("summary insert failed",
			"sessionId", rec.SessionID, "attempt", attempt, "error", err)
		if attempt < maxSaveAttempts {
			select {
			case <-time.After(delay):
			case <-s.ctx.Done():
				return fmt.Errorf("postgres store: closed during retry: %w", err)
			}
			delay *= 2
		}
	}
	return fmt.Errorf("postgres store: save summary %q: %w", rec.SessionID, err)
}

func (s *Store) insert(rec *store.Summary) error {
	keyTopics, err := json.Marshal(orEmpty(rec.KeyTopics))
	if err != nil {
		return fmt.Errorf("marshal key topics: %w", err)
	}
	actionItems, err := json.Marshal(orEmpty(rec.ActionItems))
	if err != nil {
		return fmt.Errorf("marshal action items: %w", err)
	}
	alerts, err := json.Marshal(rec.EscalationAlerts)
	if err != nil {
		return fmt.Errorf("marshal escalation alerts: %w", err)
	}
	transcript, err := json.Marshal(rec.Transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	_, err = s.pool.Exec(ctx, `
INSERT INTO call_summaries (
    session_id, created_at, ended_at, duration_seconds,
    sentiment, intent, resolution_status, key_topics, action_items,
    frustration_avg, frustration_max, frustration_trend,
    escalation_count, escalation_alerts,
    supervisor_interventions, supervisor_id, supervisor_takeover_seconds,
    full_summary, insights, transcript, first_message_at, last_message_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
ON CONFLICT (session_id) DO NOTHING`,
		rec.SessionID, rec.CreatedAt, rec.EndedAt, rec.Duration,
		rec.Sentiment, rec.Intent, rec.ResolutionStatus, keyTopics, actionItems,
		rec.FrustrationAvg, rec.FrustrationMax, rec.FrustrationTrend,
		rec.EscalationCount, alerts,
		rec.SupervisorInterventions, rec.SupervisorID, rec.SupervisorTakeoverDuration,
		rec.FullSummary, rec.Insights, transcript, rec.FirstMessageAt, rec.LastMessageAt,
	)
	return err
}

const summaryColumns = `
    session_id, created_at, ended_at, duration_seconds,
    sentiment, intent, resolution_status, key_topics, action_items,
    frustration_avg, frustration_max, frustration_trend,
    escalation_count, escalation_alerts,
    supervisor_interventions, supervisor_id, supervisor_takeover_seconds,
    full_summary, insights, transcript, first_message_at, last_message_at`

// GetSummary returns one record by session id.
func (s *Store) GetSummary(ctx context.Context, sessionID string) (*store.Summary, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+summaryColumns+` FROM call_summaries WHERE session_id = $1`, sessionID)
	rec, err := scanSummary(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get summary %q: %w", sessionID, err)
	}
	return rec, nil
}

// sortColumns whitelists the ORDER BY targets.
var sortColumns = map[string]string{
	"":               "created_at",
	"createdAt":      "created_at",
	"duration":       "duration_seconds",
	"frustrationMax": "frustration_max",
}

// ListSummaries returns one page of records plus aggregates over the whole
// filtered set.
func (s *Store) ListSummaries(ctx context.Context, f store.Filter) ([]*store.Summary, *store.Stats, error) {
	where := ""
	args := []any{}
	addFilter := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		if where == "" {
			where = fmt.Sprintf(" WHERE %s = $%d", col, len(args))
			return
		}
		where += fmt.Sprintf(" AND %s = $%d", col, len(args))
	}
	addFilter("sentiment", f.Sentiment)
	addFilter("intent", f.Intent)
	addFilter("resolution_status", f.Resolution)

	sortCol, ok := sortColumns[f.SortBy]
	if !ok {
		return nil, nil, fmt.Errorf("postgres store: unknown sort column %q", f.SortBy)
	}
	order := "DESC"
	if f.SortOrder == "asc" {
		order = "ASC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT` + summaryColumns + ` FROM call_summaries` + where +
		fmt.Sprintf(" ORDER BY %s %s LIMIT %d OFFSET %d", sortCol, order, limit, max(f.Offset, 0))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres store: list summaries: %w", err)
	}
	defer rows.Close()

	var recs []*store.Summary
	for rows.Next() {
		rec, err := scanSummary(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store: scan summary: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("postgres store: list summaries: %w", err)
	}

	stats, err := s.stats(ctx, where, args)
	if err != nil {
		return nil, nil, err
	}
	return recs, stats, nil
}

func (s *Store) stats(ctx context.Context, where string, args []any) (*store.Stats, error) {
	var st store.Stats
	err := s.pool.QueryRow(ctx, `
SELECT
    COUNT(*),
    COALESCE(AVG(duration_seconds), 0),
    COALESCE(AVG(frustration_avg), 0),
    COUNT(*) FILTER (WHERE escalation_count > 0),
    COUNT(*) FILTER (WHERE resolution_status = 'resolved'),
    COALESCE(AVG(CASE WHEN supervisor_interventions > 0 THEN 1.0 ELSE 0.0 END), 0)
FROM call_summaries`+where, args...).Scan(
		&st.TotalCalls, &st.AvgDuration, &st.AvgFrustration,
		&st.EscalatedCalls, &st.ResolvedCalls, &st.InterventionRate,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres store: stats: %w", err)
	}
	return &st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (*store.Summary, error) {
	var (
		rec         store.Summary
		keyTopics   []byte
		actionItems []byte
		alerts      []byte
		transcript  []byte
	)
	err := row.Scan(
		&rec.SessionID, &rec.CreatedAt, &rec.EndedAt, &rec.Duration,
		&rec.Sentiment, &rec.Intent, &rec.ResolutionStatus, &keyTopics, &actionItems,
		&rec.FrustrationAvg, &rec.FrustrationMax, &rec.FrustrationTrend,
		&rec.EscalationCount, &alerts,
		&rec.SupervisorInterventions, &rec.SupervisorID, &rec.SupervisorTakeoverDuration,
		&rec.FullSummary, &rec.Insights, &transcript, &rec.FirstMessageAt, &rec.LastMessageAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(keyTopics, &rec.KeyTopics); err != nil {
		return nil, fmt.Errorf("decode key topics: %w", err)
	}
	if err := json.Unmarshal(actionItems, &rec.ActionItems); err != nil {
		return nil, fmt.Errorf("decode action items: %w", err)
	}
	if err := json.Unmarshal(alerts, &rec.EscalationAlerts); err != nil {
		return nil, fmt.Errorf("decode escalation alerts: %w", err)
	}
	if err := json.Unmarshal(transcript, &rec.Transcript); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return &rec, nil
}

// Close stops the writer and releases the pool.
func (s *Store) Close() error {
	s.cancel()
	<-s.done
	s.pool.Close()
	return nil
}

// orEmpty keeps JSONB arrays non-null for nil slices.
func orEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
