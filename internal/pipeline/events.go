package pipeline

import (
	"errors"
	"time"
)

// Sentinel causes for terminal run outcomes.
var (
	ErrRunActive    = errors.New("a pipeline run is already active")
	ErrCancelled    = errors.New("run cancelled")
	ErrSuperseded   = errors.New("run superseded by newer utterance")
	ErrStageTimeout = errors.New("stage timeout")
)

// Stage names one phase of a pipeline run.
type Stage string

const (
	StageSTT       Stage = "stt"
	StageReasoning Stage = "reasoning"
	StageSynthesis Stage = "synthesis"
)

// EndReason records why the detector closed an utterance.
type EndReason string

const (
	EndReasonSilence     EndReason = "silence_detected"
	EndReasonMaxDuration EndReason = "max_utterance_timeout"
)

// Utterance is one finalized speech segment ready for the pipeline.
type Utterance struct {
	ID        string
	Seq       uint64
	PCM       []float32 // 16 kHz mono
	EndReason EndReason
	EndedAt   time.Time
}

// EventKind discriminates pipeline events.
type EventKind string

const (
	EventPartialTranscript EventKind = "partial_transcript"
	EventFinalTranscript   EventKind = "final_transcript"
	EventResponseChunk     EventKind = "response_chunk"
	EventResponseComplete  EventKind = "response_complete"
	EventBotSpeaking       EventKind = "bot_speaking"
	EventTTSStart          EventKind = "tts_start"
	EventAudio             EventKind = "audio"
	EventTTSComplete       EventKind = "tts_complete"
	EventTerminal          EventKind = "terminal"
)

// Event is one pipeline output. The terminal event is always the last one on
// a run's channel, which is then closed.
type Event struct {
	Kind     EventKind
	Text     string
	Audio    []byte
	Bytes    int
	Speaking bool
	Status   string // terminal: completed | cancelled | failed
	Stage    Stage
	Err      error
}
