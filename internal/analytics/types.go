// Package analytics runs best-effort conversation analysis over session
// transcripts: sentiment scoring, whole-conversation analysis, and supervisor
// coaching hints. Tasks are launched by a per-session [Dispatcher] that keeps
// at most one task per kind in flight and posts results back as messages.
//
// Analysis failures are logged and swallowed; a deterministic keyword
// classifier ([ClassifyIntent]) covers intent when the collaborator is
// unavailable.
package analytics

// Turn is one transcript entry as seen by the analysis collaborator.
type Turn struct {
	// Role is "customer", "ai" or "supervisor".
	Role string `json:"role"`

	// Content is the finalized sentence text.
	Content string `json:"content"`
}

// Sentiment is the result of a sentiment task over the latest customer
// sentence.
type Sentiment struct {
	// Score is the frustration score in [0,100].
	Score int `json:"score"`

	// Sentiment is a label such as "neutral", "frustrated" or "angry".
	Sentiment string `json:"sentiment"`

	// Reason is a short free-text justification.
	Reason string `json:"reason"`

	// ShouldEscalate is true when the score or label crosses the
	// escalation policy.
	ShouldEscalate bool `json:"shouldEscalate"`
}

// Analysis is the result of a whole-conversation analysis task.
type Analysis struct {
	Intent         string   `json:"intent"`
	Sentiment      string   `json:"sentiment"`
	SentimentScore int      `json:"sentimentScore"`
	EscalationRisk string   `json:"escalationRisk"`
	KeyIssues      []string `json:"keyIssues"`
}

// Coaching is the result of a coaching task: a hint for the supervisor on how
// to handle the customer next.
type Coaching struct {
	CoachingTip        string   `json:"coachingTip"`
	SuggestedResponses []string `json:"suggestedResponses"`
	Tone               string   `json:"tone"`
	Priority           string   `json:"priority"`
}

// Summary is the end-of-call summary computed over the full transcript.
type Summary struct {
	Sentiment        string   `json:"sentiment"`
	Intent           string   `json:"intent"`
	ResolutionStatus string   `json:"resolutionStatus"`
	KeyTopics        []string `json:"keyTopics"`
	ActionItems      []string `json:"actionItems"`
	FrustrationTrend string   `json:"frustrationTrend"`
	FullText         string   `json:"fullText"`
	Insights         string   `json:"insights"`
}
