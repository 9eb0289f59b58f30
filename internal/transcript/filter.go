package transcript

import "unicode"

// Indic script blocks the provider's recognizer occasionally hallucinates on
// noisy English audio. Any character in these ranges rejects the candidate.
var indicRanges = []struct{ lo, hi rune }{
	{0x0900, 0x097F}, // Devanagari
	{0x0980, 0x09FF}, // Bengali
	{0x0A80, 0x0AFF}, // Gujarati
	{0x0B00, 0x0B7F}, // Oriya
	{0x0C00, 0x0C7F}, // Telugu
	{0x0C80, 0x0CFF}, // Kannada
	{0x0D00, 0x0D7F}, // Malayalam
}

// minASCIILetterRatio is the minimum share of ASCII letters among
// non-whitespace characters for a candidate to count as English.
const minASCIILetterRatio = 0.30

// IsEnglish reports whether a finalized input transcript should be kept.
// Empty or all-whitespace candidates are rejected, as are candidates with any
// Indic-script character or with too few ASCII letters.
func IsEnglish(s string) bool {
	var letters, nonSpace int
	for _, r := range s {
		for _, rng := range indicRanges {
			if r >= rng.lo && r <= rng.hi {
				return false
			}
		}
		if unicode.IsSpace(r) {
			continue
		}
		nonSpace++
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			letters++
		}
	}
	if nonSpace == 0 {
		return false
	}
	return float64(letters)/float64(nonSpace) >= minASCIILetterRatio
}
