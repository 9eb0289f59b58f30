// Package store defines the persistence contract for post-call summaries.
// Implementations live in subpackages; [postgres.Store] is the production one.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a summary lookup for an unknown session id.
var ErrNotFound = errors.New("store: summary not found")

// TranscriptEntry is one transcript line as persisted with a summary.
type TranscriptEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// EscalationAlert is one escalation event as persisted with a summary.
type EscalationAlert struct {
	Score  int       `json:"score"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Summary is one persisted post-call record. SessionID is unique; a second
// save for the same session is a no-op.
type Summary struct {
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
	EndedAt   time.Time `json:"endedAt"`
	Duration  float64   `json:"duration"` // seconds

	Sentiment        string   `json:"sentiment"`
	Intent           string   `json:"intent"`
	ResolutionStatus string   `json:"resolutionStatus"`
	KeyTopics        []string `json:"keyTopics"`
	ActionItems      []string `json:"actionItems"`

	FrustrationAvg   float64           `json:"frustrationAvg"`
	FrustrationMax   int               `json:"frustrationMax"`
	FrustrationTrend string            `json:"frustrationTrend"`
	EscalationCount  int               `json:"escalationCount"`
	EscalationAlerts []EscalationAlert `json:"escalationAlerts"`

	SupervisorInterventions    int     `json:"supervisorInterventions"`
	SupervisorID               string  `json:"supervisorId,omitempty"`
	SupervisorTakeoverDuration float64 `json:"supervisorTakeoverDuration"` // seconds

	FullSummary string `json:"fullSummary"`
	Insights    string `json:"insights"`

	Transcript     []TranscriptEntry `json:"transcript"`
	FirstMessageAt time.Time         `json:"firstMessageAt"`
	LastMessageAt  time.Time         `json:"lastMessageAt"`
}

// Filter selects and orders summaries for listing.
type Filter struct {
	Limit  int
	Offset int

	// Sentiment, Intent and Resolution filter on equality when non-empty.
	Sentiment  string
	Intent     string
	Resolution string

	// SortBy is one of "createdAt", "duration", "frustrationMax";
	// empty means "createdAt".
	SortBy string

	// SortOrder is "asc" or "desc"; empty means "desc".
	SortOrder string
}

// Stats are the aggregates returned alongside a summary listing.
type Stats struct {
	TotalCalls       int     `json:"totalCalls"`
	AvgDuration      float64 `json:"avgDuration"`
	AvgFrustration   float64 `json:"avgFrustration"`
	EscalatedCalls   int     `json:"escalatedCalls"`
	ResolvedCalls    int     `json:"resolvedCalls"`
	InterventionRate float64 `json:"interventionRate"`
}

// Store persists and serves post-call summaries.
type Store interface {
	// SaveSummary persists one record. Saving an already-persisted session
	// id succeeds without modifying the stored row.
	SaveSummary(ctx context.Context, s *Summary) error

	// GetSummary returns one record, or [ErrNotFound].
	GetSummary(ctx context.Context, sessionID string) (*Summary, error)

	// ListSummaries returns a page of records plus aggregates over the
	// whole (filtered) set.
	ListSummaries(ctx context.Context, f Filter) ([]*Summary, *Stats, error)

	// Close releases the underlying resources.
	Close() error
}
