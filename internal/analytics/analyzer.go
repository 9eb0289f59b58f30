package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/voicebridge/voicebridge/pkg/provider/llm"
)

// DefaultEscalationThreshold is the frustration score at and above which a
// sentiment result triggers an escalation alert.
const DefaultEscalationThreshold = 70

// recentTurns is how many trailing transcript entries the sentiment and
// coaching prompts receive.
const recentTurns = 5

const sentimentPrompt = `You analyse one customer message from a live support call.
Respond with a single JSON object, no prose:
{"score": <0-100 frustration score>, "sentiment": "<calm|neutral|confused|frustrated|angry>", "reason": "<one short sentence>"}`

const analysisPrompt = `You analyse a full support-call transcript.
Respond with a single JSON object, no prose:
{"intent": "<complaint|cancellation|purchase|support|inquiry|feedback>", "sentiment": "<calm|neutral|confused|frustrated|angry>", "sentimentScore": <0-100>, "escalationRisk": "<low|medium|high>", "keyIssues": ["<issue>", ...]}`

const coachingPrompt = `You coach a human support supervisor who is watching a live call.
Given the recent conversation and the customer's latest message, respond with a single JSON object, no prose:
{"coachingTip": "<one actionable tip>", "suggestedResponses": ["<reply>", ...], "tone": "<empathetic|professional|apologetic|assertive>", "priority": "<low|medium|high>"}`

const summaryPrompt = `You write the post-call summary for a finished support call.
Respond with a single JSON object, no prose:
{"sentiment": "<calm|neutral|confused|frustrated|angry>", "intent": "<complaint|cancellation|purchase|support|inquiry|feedback>", "resolutionStatus": "<resolved|unresolved|escalated>", "keyTopics": ["<topic>", ...], "actionItems": ["<item>", ...], "frustrationTrend": "<improving|stable|worsening>", "fullText": "<two or three sentence summary>", "insights": "<one sentence of advice for next contact>"}`

// Option is a functional option for [Analyzer].
type Option func(*Analyzer)

// WithEscalationThreshold overrides [DefaultEscalationThreshold].
func WithEscalationThreshold(score int) Option {
	return func(a *Analyzer) { a.escalateAt = score }
}

// Analyzer turns transcript slices into structured analytics results by
// prompting the analysis collaborator for JSON and repairing whatever it
// returns.
type Analyzer struct {
	llm        llm.Provider
	escalateAt int
}

// NewAnalyzer creates an [Analyzer] backed by the given provider.
func NewAnalyzer(provider llm.Provider, opts ...Option) *Analyzer {
	a := &Analyzer{
		llm:        provider,
		escalateAt: DefaultEscalationThreshold,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Sentiment scores the latest customer sentence against the recent
// conversation. The escalation decision is recomputed locally from the score
// and label, so a collaborator cannot suppress an alert.
func (a *Analyzer) Sentiment(ctx context.Context, lastMessage string, recent []Turn) (*Sentiment, error) {
	var sb strings.Builder
	if len(recent) > 0 {
		sb.WriteString("Recent conversation:\n")
		formatTurns(&sb, tail(recent, recentTurns))
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Latest customer message: %s", lastMessage)

	var out Sentiment
	if err := a.complete(ctx, sentimentPrompt, sb.String(), &out); err != nil {
		return nil, fmt.Errorf("analytics: sentiment: %w", err)
	}
	out.Score = clampScore(out.Score)
	out.ShouldEscalate = out.Score >= a.escalateAt ||
		out.Sentiment == "frustrated" || out.Sentiment == "angry"
	return &out, nil
}

// Conversation analyses the full transcript for intent, overall sentiment and
// escalation risk.
func (a *Analyzer) Conversation(ctx context.Context, full []Turn) (*Analysis, error) {
	var sb strings.Builder
	formatTurns(&sb, full)

	var out Analysis
	if err := a.complete(ctx, analysisPrompt, sb.String(), &out); err != nil {
		return nil, fmt.Errorf("analytics: conversation: %w", err)
	}
	out.SentimentScore = clampScore(out.SentimentScore)
	return &out, nil
}

// CoachingSuggestions produces a supervisor hint for the triggering customer
// sentence in the context of the recent conversation.
func (a *Analyzer) CoachingSuggestions(ctx context.Context, recent []Turn, trigger string) (*Coaching, error) {
	var sb strings.Builder
	if len(recent) > 0 {
		sb.WriteString("Recent conversation:\n")
		formatTurns(&sb, tail(recent, recentTurns))
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Customer just said: %s", trigger)

	var out Coaching
	if err := a.complete(ctx, coachingPrompt, sb.String(), &out); err != nil {
		return nil, fmt.Errorf("analytics: coaching: %w", err)
	}
	return &out, nil
}

// Summary computes the end-of-call summary over the full transcript. Callers
// fall back to [FallbackSummary] when it fails.
func (a *Analyzer) Summary(ctx context.Context, full []Turn) (*Summary, error) {
	var sb strings.Builder
	formatTurns(&sb, full)

	var out Summary
	if err := a.complete(ctx, summaryPrompt, sb.String(), &out); err != nil {
		return nil, fmt.Errorf("analytics: summary: %w", err)
	}
	return &out, nil
}

// complete runs one completion and decodes the (possibly malformed) JSON
// reply into v.
func (a *Analyzer) complete(ctx context.Context, system, user string, v any) error {
	resp, err := a.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: "user", Content: user}},
		Temperature:  0.3,
	})
	if err != nil {
		return err
	}
	return decodeJSON(resp.Content, v)
}

// decodeJSON unmarshals a model reply, repairing malformed JSON (code fences,
// trailing commas, bare keys) before giving up.
func decodeJSON(content string, v any) error {
	raw := strings.TrimSpace(content)
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}
	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return fmt.Errorf("repair response: %w", err)
	}
	if err := json.Unmarshal([]byte(fixed), v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// NeutralSentiment is the fallback used when the sentiment task fails.
func NeutralSentiment() *Sentiment {
	return &Sentiment{Score: 0, Sentiment: "neutral", ShouldEscalate: false}
}

// FallbackAnalysis builds a degraded [Analysis] from the deterministic keyword
// classifier when the collaborator fails on a non-empty conversation.
func FallbackAnalysis(full []Turn) *Analysis {
	return &Analysis{
		Intent:         ClassifyIntent(JoinText(full)),
		Sentiment:      "neutral",
		EscalationRisk: "low",
	}
}

// FallbackSummary builds a neutral placeholder [Summary] when the end-of-call
// collaborator fails.
func FallbackSummary(full []Turn) *Summary {
	return &Summary{
		Sentiment:        "neutral",
		Intent:           ClassifyIntent(JoinText(full)),
		ResolutionStatus: "unresolved",
		FrustrationTrend: "stable",
		FullText:         "Summary unavailable for this call.",
	}
}

// JoinText concatenates turn contents for keyword classification.
func JoinText(turns []Turn) string {
	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		parts = append(parts, t.Content)
	}
	return strings.Join(parts, " ")
}

func formatTurns(sb *strings.Builder, turns []Turn) {
	for _, t := range turns {
		fmt.Fprintf(sb, "[%s]: %s\n", t.Role, t.Content)
	}
}

func tail(turns []Turn, n int) []Turn {
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
