package trace

import "time"

// Session represents one WebSocket connection.
type Session struct {
	ID        string     `json:"id"`
	Metadata  string     `json:"metadata"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	RunCount  int        `json:"run_count,omitempty"`
}

// Run represents one utterance through the STT→reasoning→synthesis pipeline.
type Run struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	UtteranceID string    `json:"utterance_id"`
	StartedAt   time.Time `json:"started_at"`
	DurationMs  float64   `json:"duration_ms,omitempty"`
	Transcript  string    `json:"transcript,omitempty"`
	Response    string    `json:"response,omitempty"`
	Status      string    `json:"status"`
	Checkpoints int       `json:"checkpoint_count,omitempty"`
}

// Checkpoint marks a named point in a run's timeline. Latency phases are
// derived from the deltas between consecutive checkpoints, not stored.
type Checkpoint struct {
	ID       string    `json:"id"`
	RunID    string    `json:"run_id"`
	Name     string    `json:"name"`
	At       time.Time `json:"at"`
	OffsetMs float64   `json:"offset_ms"`
}

// Checkpoint names recorded along the pipeline. The utterance end mark is the
// zero point every downstream latency is measured against.
const (
	CheckpointUtteranceEnd        = "utterance_end"
	CheckpointSTTConnected        = "stt_connected"
	CheckpointFirstPartial        = "first_partial_transcript"
	CheckpointTranscriptFinal     = "transcript_final"
	CheckpointReasoningFirstToken = "reasoning_first_token"
	CheckpointReasoningComplete   = "reasoning_complete"
	CheckpointTTSFirstByte        = "tts_first_byte"
	CheckpointPlaybackComplete    = "playback_complete"
)

// Run terminal statuses.
const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)
