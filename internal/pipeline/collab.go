package pipeline

import (
	"context"

	"github.com/voicegate/gateway/internal/convcache"
)

// Transcriber turns a finished utterance's PCM (16 kHz mono float32) into
// text. onPartial receives interim hypotheses when the backend streams them;
// it may be nil.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []float32, onPartial func(string)) (*TranscribeResult, error)
}

// TranscribeResult holds the final transcription.
type TranscribeResult struct {
	Text      string  `json:"text"`
	LatencyMs float64 `json:"latency_ms"`
}

// Reasoner streams a reply to the user's transcript. memoryContext is
// long-term context retrieved out of band; history is the recent-turn window
// for this session. onChunk receives each streamed text chunk.
type Reasoner interface {
	Generate(ctx context.Context, systemPrompt, memoryContext string, history []convcache.Turn,
		userText string, onChunk func(string)) (*GenerateResult, error)
}

// GenerateResult holds the complete reply with timing.
type GenerateResult struct {
	Text               string  `json:"text"`
	LatencyMs          float64 `json:"latency_ms"`
	TimeToFirstTokenMs float64 `json:"ttft_ms"`
}

// Synthesizer converts one sentence of text to audio, streaming encoded audio
// to onAudio as it arrives from the backend.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, onAudio func([]byte)) (*SynthesizeResult, error)
}

// SynthesizeResult holds synthesis timing and output size.
type SynthesizeResult struct {
	Bytes     int     `json:"bytes"`
	LatencyMs float64 `json:"latency_ms"`
}

// MemoryClient retrieves long-term conversation context for a user. Callers
// bound it with a short deadline and treat failure as an empty context.
type MemoryClient interface {
	GetContext(ctx context.Context, userID, agentID, query string) (string, error)
}
