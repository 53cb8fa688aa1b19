// Package session drives one voice conversation: decoded audio in, detector
// boundaries to pipeline runs, pipeline events back out to the transport.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voicegate/gateway/internal/audio"
	"github.com/voicegate/gateway/internal/metrics"
	"github.com/voicegate/gateway/internal/pipeline"
	"github.com/voicegate/gateway/internal/turn"
)

// State is the session's conversational phase.
type State int

const (
	StateIdle State = iota
	StateListening
	StateFinalizing
	StateResponding
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateFinalizing:
		return "finalizing"
	case StateResponding:
		return "responding"
	case StateDisconnected:
		return "disconnected"
	default:
		return "idle"
	}
}

// Outbound is one event for the client. Audio is carried as a binary frame,
// never inside the JSON payload.
type Outbound struct {
	Type        string  `json:"type,omitempty"`
	Text        string  `json:"text,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	UtteranceID string  `json:"utterance_id,omitempty"`
	IsSpeaking  *bool   `json:"is_speaking,omitempty"`
	AudioBytes  int     `json:"audio_bytes,omitempty"`
	DurationS   float64 `json:"duration_s,omitempty"`
	SilenceMS   int64   `json:"silence_duration_ms,omitempty"`
	ElapsedMS   int64   `json:"elapsed_ms,omitempty"`
	MaxMS       int64   `json:"max_ms,omitempty"`
	Stage       string  `json:"stage,omitempty"`
	Message     string  `json:"message,omitempty"`
	Audio       []byte  `json:"-"`
}

// Config holds per-session policy.
type Config struct {
	SessionID            string
	UserID               string
	DiscardWarnThreshold int     // consecutive discarded frames before one warning
	BargeIn              bool    // cancel bot playback on sustained user speech
	BargeInFrames        int     // consecutive energetic frames that trigger barge-in
	BargeInThresholdDB   float64 // energy floor for barge-in frames
}

// DefaultConfig returns the stock session policy.
func DefaultConfig() Config {
	return Config{
		DiscardWarnThreshold: 50,
		BargeInFrames:        10, // 200 ms of sustained speech
		BargeInThresholdDB:   -40,
	}
}

// Machine owns one session's decoding, segmentation, and pipeline handoff.
// HandleAudio is called from the single transport read loop; pipeline events
// arrive on a separate goroutine, so shared state is mutex-guarded.
type Machine struct {
	cfg      Config
	decoder  *audio.FrameDecoder
	detector *audio.SilenceDetector
	lock     *turn.SpeakerLock
	orch     *pipeline.Orchestrator
	emit     func(Outbound)
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	seq            uint64
	runGen         uint64
	discardRun     int
	totalDiscarded uint64
	bargeRun       int
	lastFrameAt    time.Time
	speechStartAt  time.Time
	runActive      bool

	runWG sync.WaitGroup
}

// NewMachine wires a session state machine. emit delivers outbound events to
// the transport and must be safe for concurrent use.
func NewMachine(cfg Config, decoder *audio.FrameDecoder, detector *audio.SilenceDetector,
	lock *turn.SpeakerLock, orch *pipeline.Orchestrator, emit func(Outbound), logger *zap.Logger) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		cfg:      cfg,
		decoder:  decoder,
		detector: detector,
		lock:     lock,
		orch:     orch,
		emit:     emit,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateIdle,
	}
}

// HandleAudio ingests one binary chunk from the client. A returned error is
// fatal for the session (corrupt stream); per-packet decode noise is absorbed
// by the decoder.
func (m *Machine) HandleAudio(data []byte) error {
	metrics.AudioChunks.Inc()

	frames, err := m.decoder.Feed(data)
	if err != nil {
		m.emit(Outbound{Type: "service_error", Stage: "decode", Message: err.Error()})
		return fmt.Errorf("decode: %w", err)
	}

	for _, frame := range frames {
		m.handleFrame(frame, time.Now())
	}
	return nil
}

func (m *Machine) handleFrame(frame []float32, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateDisconnected {
		return
	}
	if m.state == StateIdle {
		m.state = StateListening
	}
	m.lastFrameAt = now

	if holder, _ := m.lock.Holder(); holder == turn.PartyBot {
		m.discardFrame(frame)
		return
	}
	m.endDiscardStretch()

	switch m.detector.Observe(frame, now) {
	case audio.BoundarySpeechStart:
		m.speechStartAt = now
		m.lock.TryAcquire(turn.PartyUser)
	case audio.BoundarySilenceElapsed:
		m.finalizeLocked(pipeline.EndReasonSilence)
	case audio.BoundaryMaxDuration:
		m.finalizeLocked(pipeline.EndReasonMaxDuration)
	}
}

// discardFrame counts a frame dropped while the bot holds the floor, and in
// barge-in mode watches for sustained user speech to cancel the run instead.
func (m *Machine) discardFrame(frame []float32) {
	m.discardRun++
	m.totalDiscarded++
	metrics.FramesDiscarded.Inc()
	if m.discardRun == m.cfg.DiscardWarnThreshold {
		m.logger.Warn("discarding user audio while bot speaks",
			zap.Int("consecutive_frames", m.discardRun))
	}

	if !m.cfg.BargeIn {
		return
	}
	if audio.EnergyDB(frame) >= m.cfg.BargeInThresholdDB {
		m.bargeRun++
	} else {
		m.bargeRun = 0
	}
	if m.bargeRun >= m.cfg.BargeInFrames {
		m.bargeRun = 0
		if m.orch.Cancel(pipeline.ErrSuperseded) {
			m.logger.Info("barge-in: cancelling bot response")
		}
	}
}

func (m *Machine) endDiscardStretch() {
	if m.discardRun > 0 {
		m.logger.Debug("discard stretch ended", zap.Int("frames", m.discardRun))
	}
	m.discardRun = 0
	m.bargeRun = 0
}

// finalizeLocked closes the current utterance and hands it to the pipeline.
// Caller holds m.mu.
func (m *Machine) finalizeLocked(reason pipeline.EndReason) {
	m.state = StateFinalizing
	pcm := m.detector.Take()
	m.lock.Release(turn.PartyUser)
	metrics.Utterances.WithLabelValues(string(reason)).Inc()

	m.seq++
	utt := pipeline.Utterance{
		ID:        uuid.NewString(),
		Seq:       m.seq,
		PCM:       pcm,
		EndReason: reason,
		EndedAt:   time.Now(),
	}
	stop := Outbound{Type: "stop_listening", Reason: string(reason), UtteranceID: utt.ID}
	detCfg := m.detector.Config()
	switch reason {
	case pipeline.EndReasonSilence:
		stop.SilenceMS = detCfg.SilenceTimeout.Milliseconds()
	case pipeline.EndReasonMaxDuration:
		if !m.speechStartAt.IsZero() {
			stop.ElapsedMS = time.Since(m.speechStartAt).Milliseconds()
		}
		stop.MaxMS = detCfg.MaxUtterance.Milliseconds()
	}
	m.emit(stop)

	// A boundary never fires while a run is active except through barge-in;
	// if a cancelled run is still tearing down, wait it out before resubmitting.
	if m.runActive {
		m.orch.Cancel(pipeline.ErrSuperseded)
		m.orch.Wait()
	}

	events, err := m.orch.Submit(m.ctx, utt)
	if err != nil {
		m.logger.Error("submit utterance", zap.Error(err))
		m.emit(Outbound{Type: "service_error", Stage: "submit", Message: err.Error()})
		m.state = StateListening
		return
	}
	m.state = StateResponding
	m.runActive = true
	m.runGen++
	m.runWG.Add(1)
	go m.consumeRunEvents(m.runGen, events)
}

// consumeRunEvents translates pipeline events into wire events until the run
// reaches its terminal state.
func (m *Machine) consumeRunEvents(gen uint64, events <-chan pipeline.Event) {
	defer m.runWG.Done()

	var ttsStartAt time.Time
	for ev := range events {
		switch ev.Kind {
		case pipeline.EventPartialTranscript:
			m.emit(Outbound{Type: "partial_transcript", Text: ev.Text})
		case pipeline.EventFinalTranscript:
			m.emit(Outbound{Type: "final_transcript", Text: ev.Text})
		case pipeline.EventResponseChunk:
			m.emit(Outbound{Type: "ai_response_chunk", Text: ev.Text})
		case pipeline.EventResponseComplete:
			m.emit(Outbound{Type: "ai_response_complete", Text: ev.Text})
		case pipeline.EventBotSpeaking:
			speaking := ev.Speaking
			m.emit(Outbound{Type: "bot_speaking_state_changed", IsSpeaking: &speaking})
		case pipeline.EventTTSStart:
			ttsStartAt = time.Now()
			m.emit(Outbound{Type: "tts_start"})
		case pipeline.EventAudio:
			m.emit(Outbound{Audio: ev.Audio})
		case pipeline.EventTTSComplete:
			duration := 0.0
			if !ttsStartAt.IsZero() {
				duration = time.Since(ttsStartAt).Seconds()
			}
			m.emit(Outbound{Type: "tts_complete", AudioBytes: ev.Bytes, DurationS: duration})
		case pipeline.EventTerminal:
			if ev.Status == "failed" {
				errMsg := ""
				if ev.Err != nil {
					errMsg = ev.Err.Error()
				}
				m.emit(Outbound{Type: "service_error", Stage: string(ev.Stage), Message: errMsg})
			}
			m.mu.Lock()
			// A superseded run's terminal must not clobber its successor.
			if m.runGen == gen {
				m.runActive = false
				if m.state == StateResponding {
					m.state = StateListening
				}
			}
			m.mu.Unlock()
		}
	}
}

// Health is a point-in-time view for the watchdog.
type Health struct {
	SessionID   string
	State       State
	LastFrameAt time.Time
	RunActive   bool
	Stage       pipeline.Stage
	StageSince  time.Time
	LockHolder  turn.Party
	LockSince   time.Time
}

// Snapshot reports the session's liveness state.
func (m *Machine) Snapshot() Health {
	m.mu.Lock()
	h := Health{
		SessionID:   m.cfg.SessionID,
		State:       m.state,
		LastFrameAt: m.lastFrameAt,
		RunActive:   m.runActive,
	}
	m.mu.Unlock()

	if stage, since, ok := m.orch.Active(); ok {
		h.Stage = stage
		h.StageSince = since
	}
	h.LockHolder, h.LockSince = m.lock.Holder()
	return h
}

// ForceReset is the watchdog's recovery hammer: cancel the run, free the
// lock, and return the session to listening.
func (m *Machine) ForceReset() {
	m.orch.Cancel(pipeline.ErrCancelled)
	m.orch.Wait()
	m.lock.ForceRelease()
	m.detector.Reset()

	m.mu.Lock()
	if m.state != StateDisconnected {
		m.state = StateListening
	}
	m.runActive = false
	m.discardRun = 0
	m.bargeRun = 0
	m.mu.Unlock()

	m.logger.Warn("session force-reset")
}

// DiscardedFrames reports how many frames were dropped while the bot spoke.
func (m *Machine) DiscardedFrames() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalDiscarded
}

// State returns the current phase.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close tears the session down: the active run is cancelled and the machine
// stops accepting frames.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.mu.Unlock()

	m.orch.Cancel(pipeline.ErrCancelled)
	m.cancel()
	m.runWG.Wait()
	m.lock.ForceRelease()
}
