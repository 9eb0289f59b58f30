package analytics

import "testing"

func TestClassifyIntent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want string
	}{
		{"complaint keyword", "This is absolutely unacceptable service", "complaint"},
		{"cancellation keyword", "I would like to close my account today", "cancellation"},
		{"purchase keyword", "how much does the premium plan cost", "purchase"},
		{"support keyword", "the app is not working on my phone", "support"},
		{"inquiry keyword", "tell me about your opening hours", "inquiry"},
		{"feedback keyword", "it would be nice to have dark mode", "feedback"},
		{"order wins over later patterns", "I hate that I need help with this error", "complaint"},
		{"case insensitive", "CANCEL my plan", "cancellation"},
		{"long unmatched falls back to inquiry", "the quick brown fox jumps over lazy dogs", "inquiry"},
		{"short unmatched is unknown", "hi there", "unknown"},
		{"unmatched at 20 chars is unknown", "zebra quartz vexes y", "unknown"},
		{"unmatched at 21 chars is inquiry", "zebra quartz vexes yo", "inquiry"},
		{"empty is unknown", "", "unknown"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ClassifyIntent(tc.text); got != tc.want {
				t.Errorf("ClassifyIntent(%q) = %q, want %q", tc.text, got, tc.want)
			}
		})
	}
}
