package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voicegate/gateway/internal/convcache"
	"github.com/voicegate/gateway/internal/metrics"
	"github.com/voicegate/gateway/internal/trace"
	"github.com/voicegate/gateway/internal/turn"
)

// Timeouts bound each pipeline stage. A stage that exhausts its bound moves
// the run to failed; it never hangs.
type Timeouts struct {
	TranscriptTotal     time.Duration // per STT attempt (one retry)
	ReasoningFirstToken time.Duration
	ReasoningTotal      time.Duration
	TTSFirstByte        time.Duration
	MemoryContext       time.Duration
}

// DefaultTimeouts returns the stock stage bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		TranscriptTotal:     15 * time.Second,
		ReasoningFirstToken: 8 * time.Second,
		ReasoningTotal:      45 * time.Second,
		TTSFirstByte:        6 * time.Second,
		MemoryContext:       750 * time.Millisecond,
	}
}

// OrchestratorConfig wires one session's collaborators and policy.
type OrchestratorConfig struct {
	SystemPrompt string
	UserID       string
	AgentID      string
	Timeouts     Timeouts

	Transcriber Transcriber
	Reasoner    Reasoner
	Synthesizer Synthesizer
	Memory      MemoryClient // nil disables memory context

	STTBreaker *Breaker
	LLMBreaker *Breaker
	TTSBreaker *Breaker

	Lock    *turn.SpeakerLock
	Tracer  *trace.Tracer
	History *convcache.Context
	Logger  *zap.Logger
}

// Orchestrator runs one utterance at a time through transcribe → reason →
// synthesize → playback. Submission of a new run while another is active is
// refused; barge-in goes through Cancel.
type Orchestrator struct {
	cfg OrchestratorConfig

	mu     sync.Mutex
	active *run
}

type run struct {
	cancel        context.CancelFunc
	cancelCauseMu sync.Mutex
	cancelCause   error

	stageMu    sync.Mutex
	stage      Stage
	stageSince time.Time

	done chan struct{}
}

func (r *run) setStage(s Stage) {
	r.stageMu.Lock()
	r.stage = s
	r.stageSince = time.Now()
	r.stageMu.Unlock()
}

func (r *run) cancelWith(cause error) {
	r.cancelCauseMu.Lock()
	if r.cancelCause == nil {
		r.cancelCause = cause
	}
	r.cancelCauseMu.Unlock()
	r.cancel()
}

func (r *run) cause() error {
	r.cancelCauseMu.Lock()
	defer r.cancelCauseMu.Unlock()
	return r.cancelCause
}

// NewOrchestrator creates the per-session orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Timeouts == (Timeouts{}) {
		cfg.Timeouts = DefaultTimeouts()
	}
	return &Orchestrator{cfg: cfg}
}

// Submit starts a run for the utterance. The returned channel delivers
// pipeline events and is closed after the terminal event. Submission fails
// with ErrRunActive while a previous run is non-terminal.
func (o *Orchestrator) Submit(ctx context.Context, utt Utterance) (<-chan Event, error) {
	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		return nil, ErrRunActive
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	r.setStage(StageSTT)
	o.active = r
	o.mu.Unlock()

	events := make(chan Event, 64)
	go o.execute(runCtx, r, utt, events)
	return events, nil
}

// Cancel aborts the in-flight run with the given cause (ErrCancelled for
// disconnects, ErrSuperseded for barge-in). Reports whether a run was active.
func (o *Orchestrator) Cancel(cause error) bool {
	o.mu.Lock()
	r := o.active
	o.mu.Unlock()
	if r == nil {
		return false
	}
	if cause == nil {
		cause = ErrCancelled
	}
	r.cancelWith(cause)
	return true
}

// Active reports the in-flight run's stage and how long it has been there.
func (o *Orchestrator) Active() (Stage, time.Time, bool) {
	o.mu.Lock()
	r := o.active
	o.mu.Unlock()
	if r == nil {
		return "", time.Time{}, false
	}
	r.stageMu.Lock()
	defer r.stageMu.Unlock()
	return r.stage, r.stageSince, true
}

// Wait blocks until the in-flight run (if any) reaches its terminal state.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	r := o.active
	o.mu.Unlock()
	if r != nil {
		<-r.done
	}
}

func (o *Orchestrator) execute(ctx context.Context, r *run, utt Utterance, events chan<- Event) {
	botHolds := false
	defer func() {
		if botHolds {
			o.cfg.Lock.Release(turn.PartyBot)
			events <- Event{Kind: EventBotSpeaking, Speaking: false}
		}
		o.mu.Lock()
		o.active = nil
		o.mu.Unlock()
		close(r.done)
		close(events)
		r.cancel()
	}()

	log := o.cfg.Logger.With(zap.String("utterance_id", utt.ID), zap.Uint64("seq", utt.Seq))
	tracer := o.cfg.Tracer
	runID := tracer.StartRun(utt.ID)
	tracer.Checkpoint(runID, trace.CheckpointUtteranceEnd)

	fail := func(stage Stage, err error) {
		log.Error("run failed", zap.String("stage", string(stage)), zap.Error(err))
		tracer.EndRun(runID, trace.StatusFailed, "", "")
		events <- Event{Kind: EventTerminal, Status: trace.StatusFailed, Stage: stage, Err: err}
	}
	cancelled := func(stage Stage, transcript, response string) {
		cause := r.cause()
		if cause == nil {
			cause = ErrCancelled
		}
		log.Info("run cancelled", zap.String("stage", string(stage)), zap.Error(cause))
		tracer.EndRun(runID, trace.StatusCancelled, transcript, response)
		events <- Event{Kind: EventTerminal, Status: trace.StatusCancelled, Stage: stage, Err: cause}
	}

	// STT
	transcript, err := o.transcribe(ctx, r, runID, utt.PCM, events)
	if ctx.Err() != nil {
		cancelled(StageSTT, "", "")
		return
	}
	if err != nil {
		fail(StageSTT, err)
		return
	}
	events <- Event{Kind: EventFinalTranscript, Text: transcript}
	tracer.Checkpoint(runID, trace.CheckpointTranscriptFinal)

	// Empty or noise-only transcripts skip reasoning and synthesis but still
	// deliver the terminal event pair the client sequences on.
	if transcript == "" || isNoiseTranscript(transcript) {
		log.Info("transcript filtered", zap.String("text", transcript))
		events <- Event{Kind: EventResponseComplete, Text: ""}
		events <- Event{Kind: EventTTSComplete, Bytes: 0}
		tracer.EndRun(runID, trace.StatusCompleted, transcript, "")
		events <- Event{Kind: EventTerminal, Status: trace.StatusCompleted}
		return
	}
	log.Info("transcript", zap.String("text", transcript))

	memoryContext := o.fetchMemoryContext(ctx, transcript, log)

	// Reasoning and synthesis, sentence-pipelined.
	r.setStage(StageReasoning)
	response, bytesOut, err := o.reasonAndSpeak(ctx, r, runID, transcript, memoryContext, events, &botHolds)
	if ctx.Err() != nil {
		cancelled(StageReasoning, transcript, response)
		return
	}
	if err != nil {
		var stage Stage = StageReasoning
		if errors.Is(err, errSynthesis) {
			stage = StageSynthesis
		}
		fail(stage, err)
		return
	}

	if o.cfg.History != nil {
		o.cfg.History.Append(transcript, response)
	}

	tracer.Checkpoint(runID, trace.CheckpointPlaybackComplete)
	events <- Event{Kind: EventTTSComplete, Bytes: bytesOut}
	tracer.EndRun(runID, trace.StatusCompleted, transcript, response)
	events <- Event{Kind: EventTerminal, Status: trace.StatusCompleted}
}

// transcribe runs STT with one retry. Transcription of a fixed buffer is
// idempotent, so a failed or timed-out attempt is safe to repeat.
func (o *Orchestrator) transcribe(ctx context.Context, r *run, runID string, pcm []float32, events chan<- Event) (string, error) {
	tracer := o.cfg.Tracer

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if err := o.cfg.STTBreaker.Allow(); err != nil {
			return "", fmt.Errorf("stt: %w", err)
		}
		if attempt > 0 {
			metrics.StageRetries.WithLabelValues(string(StageSTT)).Inc()
		}

		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.TranscriptTotal)
		tracer.Checkpoint(runID, trace.CheckpointSTTConnected)

		var partialOnce sync.Once
		result, err := o.cfg.Transcriber.Transcribe(attemptCtx, pcm, func(partial string) {
			partialOnce.Do(func() { tracer.Checkpoint(runID, trace.CheckpointFirstPartial) })
			if partial != "" {
				events <- Event{Kind: EventPartialTranscript, Text: partial}
			}
		})
		cancel()

		if err == nil {
			o.cfg.STTBreaker.Record(nil)
			return strings.TrimSpace(result.Text), nil
		}
		if ctx.Err() != nil {
			// Run cancelled, not a backend fault.
			return "", ctx.Err()
		}
		if attemptCtx.Err() != nil {
			err = fmt.Errorf("stt: %w: %w", ErrStageTimeout, err)
		}
		o.cfg.STTBreaker.Record(err)
		lastErr = err
	}
	return "", lastErr
}

func (o *Orchestrator) fetchMemoryContext(ctx context.Context, query string, log *zap.Logger) string {
	if o.cfg.Memory == nil {
		return ""
	}
	memCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.MemoryContext)
	defer cancel()

	memoryContext, err := o.cfg.Memory.GetContext(memCtx, o.cfg.UserID, o.cfg.AgentID, query)
	if err != nil {
		metrics.MemoryContextFailures.Inc()
		log.Warn("memory context unavailable, continuing without it", zap.Error(err))
		return ""
	}
	return memoryContext
}

var errSynthesis = errors.New("synthesis failed")

// reasonAndSpeak streams the reply while a consumer goroutine synthesizes
// completed sentences, so the first audio reaches the client before
// generation finishes.
func (o *Orchestrator) reasonAndSpeak(ctx context.Context, r *run, runID, transcript, memoryContext string, events chan<- Event, botHolds *bool) (string, int, error) {
	tracer := o.cfg.Tracer

	if err := o.cfg.LLMBreaker.Allow(); err != nil {
		return "", 0, fmt.Errorf("reasoning: %w", err)
	}

	genCtx, genCancel := context.WithTimeout(ctx, o.cfg.Timeouts.ReasoningTotal)
	defer genCancel()
	firstTokenTimer := time.AfterFunc(o.cfg.Timeouts.ReasoningFirstToken, genCancel)
	defer firstTokenTimer.Stop()

	sentenceCh := make(chan string, 4)
	synthDone := make(chan synthOutcome, 1)
	go func() {
		out := o.consumeSentences(genCtx, r, runID, sentenceCh, events, botHolds)
		if out.err != nil {
			genCancel()
		}
		// Keep draining so the producer's sentence sends never block.
		for range sentenceCh {
		}
		synthDone <- out
	}()

	var history []convcache.Turn
	if o.cfg.History != nil {
		history = o.cfg.History.Snapshot()
	}

	var sb sentenceBuffer
	var firstChunk sync.Once
	result, genErr := o.cfg.Reasoner.Generate(genCtx, o.cfg.SystemPrompt, memoryContext, history, transcript, func(chunk string) {
		firstChunk.Do(func() {
			firstTokenTimer.Stop()
			tracer.Checkpoint(runID, trace.CheckpointReasoningFirstToken)
		})
		events <- Event{Kind: EventResponseChunk, Text: chunk}
		if s := sb.Add(chunk); s != "" {
			sentenceCh <- s
		}
	})

	if genErr == nil {
		if remainder := sb.Flush(); remainder != "" {
			sentenceCh <- remainder
		}
	}
	close(sentenceCh)
	outcome := <-synthDone

	if genErr != nil {
		if ctx.Err() != nil {
			return "", outcome.bytes, ctx.Err()
		}
		if genCtx.Err() != nil {
			genErr = fmt.Errorf("reasoning: %w: %w", ErrStageTimeout, genErr)
		}
		o.cfg.LLMBreaker.Record(genErr)
		return "", outcome.bytes, genErr
	}
	o.cfg.LLMBreaker.Record(nil)

	tracer.Checkpoint(runID, trace.CheckpointReasoningComplete)
	events <- Event{Kind: EventResponseComplete, Text: result.Text}

	if outcome.err != nil && ctx.Err() == nil {
		return result.Text, outcome.bytes, fmt.Errorf("%w: %w", errSynthesis, outcome.err)
	}
	return result.Text, outcome.bytes, nil
}

type synthOutcome struct {
	bytes int
	err   error
}

// consumeSentences synthesizes each completed sentence as it arrives. The
// speaker lock is taken as the bot immediately before the first audio byte is
// forwarded and held until playback ends.
func (o *Orchestrator) consumeSentences(ctx context.Context, r *run, runID string, sentenceCh <-chan string, events chan<- Event, botHolds *bool) synthOutcome {
	tracer := o.cfg.Tracer
	total := 0
	spoke := false

	for sentence := range sentenceCh {
		if ctx.Err() != nil {
			// Drain remaining sentences so the producer never blocks.
			continue
		}
		if err := o.cfg.TTSBreaker.Allow(); err != nil {
			return synthOutcome{total, fmt.Errorf("synthesis: %w", err)}
		}
		r.setStage(StageSynthesis)

		synthCtx, synthCancel := context.WithCancel(ctx)
		firstByteTimer := time.AfterFunc(o.cfg.Timeouts.TTSFirstByte, synthCancel)

		var firstByte sync.Once
		var lockErr error
		_, err := o.cfg.Synthesizer.Synthesize(synthCtx, sentence, func(chunk []byte) {
			firstByte.Do(func() {
				firstByteTimer.Stop()
				if !spoke {
					if !o.cfg.Lock.TryAcquire(turn.PartyBot) {
						lockErr = ErrSuperseded
						synthCancel()
						return
					}
					*botHolds = true
					spoke = true
					events <- Event{Kind: EventBotSpeaking, Speaking: true}
					events <- Event{Kind: EventTTSStart}
					tracer.Checkpoint(runID, trace.CheckpointTTSFirstByte)
				}
			})
			if lockErr != nil {
				return
			}
			total += len(chunk)
			events <- Event{Kind: EventAudio, Audio: chunk}
		})
		firstByteTimer.Stop()
		synthCancel()

		if lockErr != nil {
			r.cancelWith(lockErr)
			return synthOutcome{total, lockErr}
		}
		if err != nil {
			if ctx.Err() != nil {
				return synthOutcome{total, ctx.Err()}
			}
			if synthCtx.Err() != nil {
				err = fmt.Errorf("%w: %w", ErrStageTimeout, err)
			}
			o.cfg.TTSBreaker.Record(err)
			return synthOutcome{total, err}
		}
		o.cfg.TTSBreaker.Record(nil)
		r.setStage(StageReasoning)
	}
	return synthOutcome{total, nil}
}
