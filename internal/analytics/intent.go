package analytics

import "strings"

// intentPattern maps one intent to the keywords that select it. Patterns are
// evaluated in order; the first keyword hit wins.
type intentPattern struct {
	intent   string
	keywords []string
}

var intentPatterns = []intentPattern{
	{"complaint", []string{"complain", "terrible", "worst", "awful", "unacceptable", "disappointed", "angry", "furious", "hate", "never work"}},
	{"cancellation", []string{"cancel", "unsubscribe", "terminate", "end my", "stop my", "close my account"}},
	{"purchase", []string{"buy", "purchase", "order", "pricing", "cost", "how much", "subscribe", "sign up"}},
	{"support", []string{"help", "issue", "problem", "not working", "broken", "fix", "trouble", "error", "stuck"}},
	{"inquiry", []string{"what is", "how do", "where can", "when will", "tell me about", "information", "question", "wondering"}},
	{"feedback", []string{"suggestion", "feedback", "improve", "recommend", "better if", "would be nice"}},
}

// ClassifyIntent runs the deterministic keyword classifier over a concatenated
// transcript. With no keyword hit, conversations longer than 20 characters
// classify as "inquiry", anything shorter as "unknown".
func ClassifyIntent(text string) string {
	lower := strings.ToLower(text)
	for _, p := range intentPatterns {
		for _, kw := range p.keywords {
			if strings.Contains(lower, kw) {
				return p.intent
			}
		}
	}
	if len(text) > 20 {
		return "inquiry"
	}
	return "unknown"
}
