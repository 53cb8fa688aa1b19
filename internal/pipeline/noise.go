package pipeline

import "strings"

// noisePatterns are transcripts speech recognizers commonly hallucinate from
// background noise. Matched against the full lowercased transcript only, so
// real short answers like "yes" pass through.
var noisePatterns = map[string]bool{
	"crunching": true, "static": true, "silence": true, "noise": true,
	"inaudible": true, "unintelligible": true, "background noise": true,
	"music": true, "typing": true, "breathing": true, "sigh": true,
	"cough": true, "sneeze": true, "laughter": true, "applause": true,
	"you": true, "the": true, "a": true, "um": true, "uh": true,
	"hmm": true, "ah": true, "oh": true, "mhm": true,
}

// isNoiseTranscript reports whether a transcript is likely background noise
// rather than speech.
func isNoiseTranscript(text string) bool {
	if strings.HasPrefix(text, "*") && strings.HasSuffix(text, "*") {
		return true
	}
	if strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]") {
		return true
	}
	if strings.HasPrefix(text, "(") && strings.HasSuffix(text, ")") {
		return true
	}
	return noisePatterns[strings.ToLower(text)]
}
