package pipeline

import "strings"

// sentenceBuffer accumulates streamed response chunks and splits at sentence
// boundaries so synthesis can start before generation finishes.
type sentenceBuffer struct {
	buf strings.Builder
}

// Add appends a chunk and returns any complete sentence ready for synthesis.
// Returns empty string if no sentence boundary has been reached yet.
func (s *sentenceBuffer) Add(chunk string) string {
	s.buf.WriteString(chunk)
	text := s.buf.String()
	complete, remainder := splitAtSentence(text)
	if complete == "" {
		return ""
	}
	s.buf.Reset()
	s.buf.WriteString(remainder)
	return complete
}

// Flush returns any remaining text in the buffer.
func (s *sentenceBuffer) Flush() string {
	text := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return text
}

var sentenceEnders = map[byte]bool{'.': true, '!': true, '?': true}

// splitAtSentence finds the last sentence boundary in text. A boundary is a
// sentence ender (.!?) followed by whitespace. Returns (completeSentences,
// remainder); without a boundary, ("", text).
func splitAtSentence(text string) (string, string) {
	lastIdx := -1
	for i := range len(text) - 1 {
		if sentenceEnders[text[i]] && isWordBoundary(text[i+1]) {
			lastIdx = i + 1
		}
	}
	if lastIdx < 0 {
		return "", text
	}
	return strings.TrimSpace(text[:lastIdx]), text[lastIdx:]
}

func isWordBoundary(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\t'
}
