// Package transcript implements the transcription pipelines that sit between
// the raw provider events and the session loop: sentence assembly for the
// AI's output transcript, debounced finalization for the customer's input
// transcript, and the script and echo filters that gate what reaches the
// session transcript.
package transcript

import (
	"regexp"
	"strings"
)

// Meta-commentary the provider sometimes interleaves with spoken text, e.g.
// "[laughs]" or "*clears throat*". Stripped before a sentence is emitted.
var (
	bracketedRe = regexp.MustCompile(`\[[^\]]*\]`)
	starredRe   = regexp.MustCompile(`\*[^*]*\*`)
)

// Clean strips bracketed and starred meta-commentary tokens and collapses the
// surrounding whitespace.
func Clean(s string) string {
	s = bracketedRe.ReplaceAllString(s, "")
	s = starredRe.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}

// SentenceAssembler accumulates partial output-transcript chunks and emits
// whole sentences. A sentence is emitted as soon as the buffer ends in one of
// ". ! ?"; any residual buffer is emitted on [SentenceAssembler.Flush], which
// callers invoke at turn completion.
//
// Not safe for concurrent use; each assembler is owned by one pump.
type SentenceAssembler struct {
	buf strings.Builder
}

// Add appends a chunk and returns the sentences completed by it, cleaned and
// in order. The returned slice is nil when no sentence boundary was reached.
func (a *SentenceAssembler) Add(chunk string) []string {
	a.buf.WriteString(chunk)

	text := a.buf.String()
	trimmed := strings.TrimRight(text, " \t\n")
	if trimmed == "" || !isSentenceEnd(trimmed[len(trimmed)-1]) {
		return nil
	}
	a.buf.Reset()

	var out []string
	start := 0
	for i := 0; i < len(trimmed); i++ {
		if !isSentenceEnd(trimmed[i]) {
			continue
		}
		// Consume a run of terminators ("?!", "...") as one boundary.
		end := i + 1
		for end < len(trimmed) && isSentenceEnd(trimmed[end]) {
			end++
		}
		if s := Clean(trimmed[start:end]); s != "" {
			out = append(out, s)
		}
		start = end
		i = end - 1
	}
	return out
}

// Flush returns the cleaned residual buffer, or "" when nothing is pending.
func (a *SentenceAssembler) Flush() string {
	text := a.buf.String()
	a.buf.Reset()
	return Clean(text)
}

// Pending reports whether the assembler holds an incomplete sentence.
func (a *SentenceAssembler) Pending() bool {
	return strings.TrimSpace(a.buf.String()) != ""
}

func isSentenceEnd(c byte) bool {
	return c == '.' || c == '!' || c == '?'
}
