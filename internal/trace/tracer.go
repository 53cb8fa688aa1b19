package trace

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voicegate/gateway/internal/metrics"
)

const maxIOLen = 500

type traceMsg struct {
	kind string // "run_create", "run_update", "checkpoint"
	// run fields
	runID       string
	sessionID   string
	utteranceID string
	durationMs  float64
	transcript  string
	response    string
	status      string
	// checkpoint fields
	cp Checkpoint
}

// Tracer records latency checkpoints for pipeline runs. Checkpoints update
// in-memory state synchronously so phase durations can be derived at run end;
// persistence happens asynchronously via a buffered channel so a slow trace
// database never sits on the audio path. All methods are nil-safe.
type Tracer struct {
	store     *Store
	sessionID string
	logger    *zap.Logger

	mu   sync.Mutex
	runs map[string]*runState

	ch   chan traceMsg
	done chan struct{}
}

type runState struct {
	startedAt time.Time
	marks     map[string]time.Time
}

// NewTracer creates a tracer bound to a session. store may be nil when trace
// persistence is disabled; checkpoints are still derived and logged. Must
// call Close when done.
func NewTracer(store *Store, sessionID string, logger *zap.Logger) *Tracer {
	t := &Tracer{
		store:     store,
		sessionID: sessionID,
		logger:    logger,
		runs:      make(map[string]*runState),
		ch:        make(chan traceMsg, 64),
		done:      make(chan struct{}),
	}
	go t.drain()
	return t
}

func (t *Tracer) drain() {
	defer close(t.done)
	for msg := range t.ch {
		t.handle(msg)
	}
}

func (t *Tracer) handle(m traceMsg) {
	if t.store == nil {
		return
	}
	var err error
	switch m.kind {
	case "run_create":
		err = t.store.CreateRun(m.runID, m.sessionID, m.utteranceID)
	case "run_update":
		err = t.store.UpdateRun(m.runID, m.durationMs, m.transcript, m.response, m.status)
	case "checkpoint":
		err = t.store.CreateCheckpoint(m.cp)
	default:
		return
	}
	if err != nil {
		t.logger.Warn("trace write failed", zap.String("kind", m.kind), zap.Error(err))
	}
}

// StartRun begins a new run for an utterance and returns the run ID.
func (t *Tracer) StartRun(utteranceID string) string {
	if t == nil {
		return ""
	}
	id := uuid.NewString()

	t.mu.Lock()
	t.runs[id] = &runState{startedAt: time.Now(), marks: make(map[string]time.Time)}
	t.mu.Unlock()

	t.ch <- traceMsg{kind: "run_create", runID: id, sessionID: t.sessionID, utteranceID: utteranceID}
	return id
}

// Checkpoint marks a named point in the run's timeline. The first mark for a
// name wins; repeated marks (retries) are ignored.
func (t *Tracer) Checkpoint(runID, name string) {
	if t == nil || runID == "" {
		return
	}
	now := time.Now()

	t.mu.Lock()
	rs, ok := t.runs[runID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if _, seen := rs.marks[name]; seen {
		t.mu.Unlock()
		return
	}
	rs.marks[name] = now
	offset := now.Sub(rs.startedAt)
	t.mu.Unlock()

	t.ch <- traceMsg{kind: "checkpoint", cp: Checkpoint{
		ID:       uuid.NewString(),
		RunID:    runID,
		Name:     name,
		At:       now,
		OffsetMs: float64(offset.Microseconds()) / 1000,
	}}
}

// EndRun finalizes a run, derives phase latencies from its checkpoints, and
// emits them to the log and the stage histograms.
func (t *Tracer) EndRun(runID, status, transcript, response string) {
	if t == nil || runID == "" {
		return
	}
	now := time.Now()

	t.mu.Lock()
	rs, ok := t.runs[runID]
	if ok {
		delete(t.runs, runID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	metrics.RunsTerminal.WithLabelValues(status).Inc()
	fields := []zap.Field{
		zap.String("run_id", runID),
		zap.String("status", status),
		zap.Duration("total", now.Sub(rs.startedAt)),
	}
	for _, ph := range derivePhases(rs.marks) {
		metrics.StageDuration.WithLabelValues(ph.name).Observe(ph.d.Seconds())
		fields = append(fields, zap.Duration(ph.name, ph.d))
	}
	if e2e, ok := phaseBetween(rs.marks, CheckpointUtteranceEnd, CheckpointPlaybackComplete); ok {
		metrics.E2EDuration.Observe(e2e.Seconds())
		fields = append(fields, zap.Duration("voice_to_voice", e2e))
	}
	t.logger.Info("run finished", fields...)

	t.ch <- traceMsg{
		kind:       "run_update",
		runID:      runID,
		durationMs: float64(now.Sub(rs.startedAt).Microseconds()) / 1000,
		transcript: truncate(transcript, maxIOLen),
		response:   truncate(response, maxIOLen),
		status:     status,
	}
}

// Close drains pending writes and stops the background goroutine.
func (t *Tracer) Close() {
	if t == nil {
		return
	}
	close(t.ch)
	<-t.done
}

type phase struct {
	name string
	d    time.Duration
}

// derivePhases computes the latency segments the checkpoint timeline implies.
// Missing checkpoints (cancelled or failed runs) simply drop their phases.
func derivePhases(marks map[string]time.Time) []phase {
	pairs := []struct {
		name string
		from string
		to   string
	}{
		{"stt_connect", CheckpointUtteranceEnd, CheckpointSTTConnected},
		{"stt_first_partial", CheckpointSTTConnected, CheckpointFirstPartial},
		{"stt_total", CheckpointUtteranceEnd, CheckpointTranscriptFinal},
		{"reasoning_first_token", CheckpointTranscriptFinal, CheckpointReasoningFirstToken},
		{"reasoning_total", CheckpointTranscriptFinal, CheckpointReasoningComplete},
		{"tts_first_byte", CheckpointReasoningFirstToken, CheckpointTTSFirstByte},
		{"playback", CheckpointTTSFirstByte, CheckpointPlaybackComplete},
	}

	var out []phase
	for _, p := range pairs {
		if d, ok := phaseBetween(marks, p.from, p.to); ok {
			out = append(out, phase{p.name, d})
		}
	}
	return out
}

func phaseBetween(marks map[string]time.Time, from, to string) (time.Duration, bool) {
	a, okA := marks[from]
	b, okB := marks[to]
	if !okA || !okB || b.Before(a) {
		return 0, false
	}
	return b.Sub(a), true
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
