package transcript

import (
	"reflect"
	"testing"
)

func TestCleanStripsMetaCommentary(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"Hello [laughs] there.", "Hello there."},
		{"*clears throat* Let me check.", "Let me check."},
		{"Plain sentence.", "Plain sentence."},
		{"[only meta]", ""},
		{"Nested  [a] *b*  spaces.", "Nested spaces."},
	}
	for _, tc := range cases {
		if got := Clean(tc.in); got != tc.want {
			t.Errorf("Clean(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestAssemblerEmitsOnSentenceEnd(t *testing.T) {
	t.Parallel()

	var a SentenceAssembler
	if got := a.Add("Hello the"); got != nil {
		t.Fatalf("Add(partial) = %v, want nil", got)
	}
	got := a.Add("re. ")
	if want := []string{"Hello there."}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Add(terminator) = %v, want %v", got, want)
	}
	if a.Pending() {
		t.Error("Pending() = true after emit")
	}
}

func TestAssemblerSplitsMultipleSentences(t *testing.T) {
	t.Parallel()

	var a SentenceAssembler
	got := a.Add("One. Two! Three?")
	want := []string{"One.", "Two!", "Three?"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Add() = %v, want %v", got, want)
	}
}

func TestAssemblerTreatsTerminatorRunAsOneBoundary(t *testing.T) {
	t.Parallel()

	var a SentenceAssembler
	got := a.Add("Really?! Yes...")
	want := []string{"Really?!", "Yes..."}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Add() = %v, want %v", got, want)
	}
}

func TestAssemblerFlushReturnsResidual(t *testing.T) {
	t.Parallel()

	var a SentenceAssembler
	a.Add("trailing words without a terminator")
	if !a.Pending() {
		t.Fatal("Pending() = false with buffered text")
	}
	if got := a.Flush(); got != "trailing words without a terminator" {
		t.Errorf("Flush() = %q", got)
	}
	if got := a.Flush(); got != "" {
		t.Errorf("second Flush() = %q, want empty", got)
	}
}
