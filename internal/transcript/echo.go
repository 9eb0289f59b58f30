package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
)

// maxLevenshtein is the edit-distance ceiling under which two normalized
// sentences of similar length count as the same utterance. Catches the
// recognizer transcribing the AI's own speech with one or two word slips that
// defeat the containment test.
const maxLevenshtein = 2

// EchoFilter suppresses customer transcripts that are really the AI's own
// synthesized speech picked up by the microphone. It keeps a ring of the AI's
// recently emitted sentences (normalized, timestamped), evicting entries
// older than the window on every mutation.
//
// Safe for concurrent use.
type EchoFilter struct {
	window time.Duration

	mu      sync.Mutex
	entries []echoEntry

	// now is replaceable in tests.
	now func() time.Time
}

type echoEntry struct {
	text string // normalized
	at   time.Time
}

// NewEchoFilter creates a filter with the given suppression window.
func NewEchoFilter(window time.Duration) *EchoFilter {
	return &EchoFilter{window: window, now: time.Now}
}

// Remember records an AI-emitted sentence.
func (f *EchoFilter) Remember(sentence string) {
	norm := normalize(sentence)
	if norm == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, echoEntry{text: norm, at: f.now()})
	f.evict()
}

// IsEcho reports whether candidate matches a live AI sentence. The test is
// bidirectional containment on the normalized forms, plus a small
// edit-distance check for near-verbatim echoes.
func (f *EchoFilter) IsEcho(candidate string) bool {
	norm := normalize(candidate)
	if norm == "" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evict()

	for _, e := range f.entries {
		if strings.Contains(e.text, norm) || strings.Contains(norm, e.text) {
			return true
		}
		if abs(len(e.text)-len(norm)) <= maxLevenshtein &&
			matchr.Levenshtein(e.text, norm) <= maxLevenshtein {
			return true
		}
	}
	return false
}

// evict drops entries older than the window. Must be called with f.mu held.
// Survivors are copied to a fresh backing array so evicted strings do not pin
// memory for the session's lifetime.
func (f *EchoFilter) evict() {
	cutoff := f.now().Add(-f.window)
	start := 0
	for start < len(f.entries) && f.entries[start].at.Before(cutoff) {
		start++
	}
	if start == 0 {
		return
	}
	fresh := make([]echoEntry, len(f.entries)-start)
	copy(fresh, f.entries[start:])
	f.entries = fresh
}

// normalize lowercases and strips ASCII punctuation, collapsing whitespace.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= '!' && r <= '/', r >= ':' && r <= '@', r >= '[' && r <= '`', r >= '{' && r <= '~':
			// ASCII punctuation.
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
