package pipeline

import "testing"

func TestSentenceBufferSplitsAtBoundary(t *testing.T) {
	var sb sentenceBuffer

	if got := sb.Add("Hello there"); got != "" {
		t.Fatalf("no boundary yet, got %q", got)
	}
	if got := sb.Add(". How"); got != "Hello there." {
		t.Fatalf("expected first sentence, got %q", got)
	}
	if got := sb.Flush(); got != "How" {
		t.Fatalf("expected remainder, got %q", got)
	}
}

func TestSentenceBufferPeriodInsideWord(t *testing.T) {
	var sb sentenceBuffer

	// A period without trailing whitespace (3.14, example.com) is no boundary.
	if got := sb.Add("pi is 3.14159"); got != "" {
		t.Fatalf("decimal point treated as boundary: %q", got)
	}
	if got := sb.Flush(); got != "pi is 3.14159" {
		t.Fatalf("expected full text on flush, got %q", got)
	}
}

func TestSentenceBufferMultipleSentences(t *testing.T) {
	var sb sentenceBuffer

	got := sb.Add("One. Two! Three? Four")
	if got != "One. Two! Three?" {
		t.Fatalf("expected all complete sentences, got %q", got)
	}
	if got = sb.Flush(); got != "Four" {
		t.Fatalf("expected remainder, got %q", got)
	}
}

func TestFlushEmptyBuffer(t *testing.T) {
	var sb sentenceBuffer
	if got := sb.Flush(); got != "" {
		t.Fatalf("expected empty flush, got %q", got)
	}
}

func TestNoiseTranscriptDetection(t *testing.T) {
	noisy := []string{"*crunching*", "[inaudible]", "(static)", "you", "Um", "background noise"}
	for _, s := range noisy {
		if !isNoiseTranscript(s) {
			t.Errorf("%q should be filtered as noise", s)
		}
	}
	speech := []string{"you there?", "what is the weather", "yes please"}
	for _, s := range speech {
		if isNoiseTranscript(s) {
			t.Errorf("%q should not be filtered", s)
		}
	}
}
