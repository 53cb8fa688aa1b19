package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voicegate/gateway/internal/convcache"
	"github.com/voicegate/gateway/internal/trace"
	"github.com/voicegate/gateway/internal/turn"
)

type transcriberFunc func(ctx context.Context, pcm []float32, onPartial func(string)) (*TranscribeResult, error)

func (f transcriberFunc) Transcribe(ctx context.Context, pcm []float32, onPartial func(string)) (*TranscribeResult, error) {
	return f(ctx, pcm, onPartial)
}

type reasonerFunc func(ctx context.Context, systemPrompt, memoryContext string, history []convcache.Turn, userText string, onChunk func(string)) (*GenerateResult, error)

func (f reasonerFunc) Generate(ctx context.Context, systemPrompt, memoryContext string, history []convcache.Turn, userText string, onChunk func(string)) (*GenerateResult, error) {
	return f(ctx, systemPrompt, memoryContext, history, userText, onChunk)
}

type synthesizerFunc func(ctx context.Context, text string, onAudio func([]byte)) (*SynthesizeResult, error)

func (f synthesizerFunc) Synthesize(ctx context.Context, text string, onAudio func([]byte)) (*SynthesizeResult, error) {
	return f(ctx, text, onAudio)
}

func fixedTranscriber(text string) transcriberFunc {
	return func(_ context.Context, _ []float32, _ func(string)) (*TranscribeResult, error) {
		return &TranscribeResult{Text: text}, nil
	}
}

func chunkedReasoner(chunks ...string) reasonerFunc {
	return func(ctx context.Context, _, _ string, _ []convcache.Turn, _ string, onChunk func(string)) (*GenerateResult, error) {
		var full string
		for _, c := range chunks {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			onChunk(c)
			full += c
		}
		return &GenerateResult{Text: full}, nil
	}
}

func chunkSynthesizer(bytesPerSentence int) synthesizerFunc {
	return func(ctx context.Context, _ string, onAudio func([]byte)) (*SynthesizeResult, error) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		onAudio(make([]byte, bytesPerSentence))
		return &SynthesizeResult{Bytes: bytesPerSentence}, nil
	}
}

func newTestOrchestrator(stt Transcriber, llm Reasoner, tts Synthesizer) *Orchestrator {
	return NewOrchestrator(OrchestratorConfig{
		SystemPrompt: "be brief",
		UserID:       "user-1",
		AgentID:      "agent-1",
		Timeouts: Timeouts{
			TranscriptTotal:     time.Second,
			ReasoningFirstToken: time.Second,
			ReasoningTotal:      2 * time.Second,
			TTSFirstByte:        time.Second,
			MemoryContext:       100 * time.Millisecond,
		},
		Transcriber: stt,
		Reasoner:    llm,
		Synthesizer: tts,
		STTBreaker:  NewBreaker("stt-test", DefaultBreakerConfig()),
		LLMBreaker:  NewBreaker("llm-test", DefaultBreakerConfig()),
		TTSBreaker:  NewBreaker("tts-test", DefaultBreakerConfig()),
		Lock:        turn.NewSpeakerLock(),
		Logger:      zap.NewNop(),
	})
}

func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
}

func findEvent(events []Event, kind EventKind) (Event, bool) {
	for _, ev := range events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

func testUtterance() Utterance {
	return Utterance{ID: "utt-1", Seq: 1, PCM: make([]float32, 320), EndReason: EndReasonSilence, EndedAt: time.Now()}
}

func TestRunHappyPath(t *testing.T) {
	o := newTestOrchestrator(
		fixedTranscriber("what is the weather"),
		chunkedReasoner("It is ", "sunny today. ", "Enjoy!"),
		chunkSynthesizer(256),
	)

	events, err := o.Submit(context.Background(), testUtterance())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := collectEvents(t, events)

	if ev, ok := findEvent(got, EventFinalTranscript); !ok || ev.Text != "what is the weather" {
		t.Fatalf("missing or wrong final transcript: %+v", ev)
	}
	if ev, ok := findEvent(got, EventResponseComplete); !ok || ev.Text != "It is sunny today. Enjoy!" {
		t.Fatalf("missing or wrong response: %+v", ev)
	}
	if _, ok := findEvent(got, EventTTSStart); !ok {
		t.Fatal("missing tts_start")
	}
	if ev, ok := findEvent(got, EventTTSComplete); !ok || ev.Bytes == 0 {
		t.Fatalf("missing tts_complete with audio bytes: %+v", ev)
	}

	last := got[len(got)-1]
	if last.Kind != EventTerminal || last.Status != trace.StatusCompleted {
		t.Fatalf("expected completed terminal event last, got %+v", last)
	}
	if h, _ := o.cfg.Lock.Holder(); h != turn.PartyNone {
		t.Fatalf("speaker lock leaked, holder %v", h)
	}
}

func TestBotSpeakingBracketsPlayback(t *testing.T) {
	o := newTestOrchestrator(
		fixedTranscriber("hello"),
		chunkedReasoner("Hi there."),
		chunkSynthesizer(64),
	)

	events, err := o.Submit(context.Background(), testUtterance())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := collectEvents(t, events)

	speakingIdx, audioIdx, doneIdx := -1, -1, -1
	for i, ev := range got {
		switch {
		case ev.Kind == EventBotSpeaking && ev.Speaking && speakingIdx < 0:
			speakingIdx = i
		case ev.Kind == EventAudio && audioIdx < 0:
			audioIdx = i
		case ev.Kind == EventBotSpeaking && !ev.Speaking:
			doneIdx = i
		}
	}
	if speakingIdx < 0 || audioIdx < 0 || doneIdx < 0 {
		t.Fatalf("missing speaking/audio events: %d %d %d", speakingIdx, audioIdx, doneIdx)
	}
	if !(speakingIdx < audioIdx && audioIdx < doneIdx) {
		t.Fatalf("bot_speaking must bracket audio: speaking=%d audio=%d done=%d", speakingIdx, audioIdx, doneIdx)
	}
}

func TestSubmitRefusedWhileActive(t *testing.T) {
	release := make(chan struct{})
	o := newTestOrchestrator(
		fixedTranscriber("hello"),
		reasonerFunc(func(ctx context.Context, _, _ string, _ []convcache.Turn, _ string, _ func(string)) (*GenerateResult, error) {
			select {
			case <-release:
				return &GenerateResult{Text: "ok"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}),
		chunkSynthesizer(16),
	)

	events, err := o.Submit(context.Background(), testUtterance())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Wait until the run is past STT so it is definitely active.
	deadline := time.Now().Add(time.Second)
	for {
		if _, _, ok := o.Active(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never became active")
		}
	}

	if _, err = o.Submit(context.Background(), testUtterance()); !errors.Is(err, ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}

	close(release)
	collectEvents(t, events)
}

func TestCancelResolvesCancelled(t *testing.T) {
	started := make(chan struct{})
	o := newTestOrchestrator(
		fixedTranscriber("hello"),
		reasonerFunc(func(ctx context.Context, _, _ string, _ []convcache.Turn, _ string, _ func(string)) (*GenerateResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		chunkSynthesizer(16),
	)

	events, err := o.Submit(context.Background(), testUtterance())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	if !o.Cancel(ErrSuperseded) {
		t.Fatal("Cancel found no active run")
	}
	got := collectEvents(t, events)

	last := got[len(got)-1]
	if last.Kind != EventTerminal || last.Status != trace.StatusCancelled {
		t.Fatalf("expected cancelled terminal, got %+v", last)
	}
	if !errors.Is(last.Err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded cause, got %v", last.Err)
	}
	if o.Cancel(nil) {
		t.Fatal("Cancel after terminal should find nothing")
	}
}

func TestNoiseTranscriptShortCircuits(t *testing.T) {
	reasonerCalled := atomic.Bool{}
	o := newTestOrchestrator(
		fixedTranscriber("*static*"),
		reasonerFunc(func(ctx context.Context, _, _ string, _ []convcache.Turn, _ string, _ func(string)) (*GenerateResult, error) {
			reasonerCalled.Store(true)
			return &GenerateResult{}, nil
		}),
		chunkSynthesizer(16),
	)

	events, err := o.Submit(context.Background(), testUtterance())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := collectEvents(t, events)

	if reasonerCalled.Load() {
		t.Fatal("reasoner must not run on a noise transcript")
	}
	// The client still needs its terminal event pair to resequence.
	if ev, ok := findEvent(got, EventResponseComplete); !ok || ev.Text != "" {
		t.Fatalf("expected empty response_complete, got %+v", ev)
	}
	if ev, ok := findEvent(got, EventTTSComplete); !ok || ev.Bytes != 0 {
		t.Fatalf("expected zero-byte tts_complete, got %+v", ev)
	}
	if last := got[len(got)-1]; last.Status != trace.StatusCompleted {
		t.Fatalf("expected completed terminal, got %+v", last)
	}
}

func TestTranscribeRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	o := newTestOrchestrator(
		transcriberFunc(func(_ context.Context, _ []float32, _ func(string)) (*TranscribeResult, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("connection refused")
			}
			return &TranscribeResult{Text: "hello"}, nil
		}),
		chunkedReasoner("Hi."),
		chunkSynthesizer(16),
	)

	events, err := o.Submit(context.Background(), testUtterance())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := collectEvents(t, events)

	if calls.Load() != 2 {
		t.Fatalf("expected 2 transcribe attempts, got %d", calls.Load())
	}
	if last := got[len(got)-1]; last.Status != trace.StatusCompleted {
		t.Fatalf("expected completed after retry, got %+v", last)
	}
}

func TestTranscribeExhaustionFailsRun(t *testing.T) {
	var calls atomic.Int32
	o := newTestOrchestrator(
		transcriberFunc(func(_ context.Context, _ []float32, _ func(string)) (*TranscribeResult, error) {
			calls.Add(1)
			return nil, errors.New("connection refused")
		}),
		chunkedReasoner("Hi."),
		chunkSynthesizer(16),
	)

	events, err := o.Submit(context.Background(), testUtterance())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := collectEvents(t, events)

	if calls.Load() != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", calls.Load())
	}
	last := got[len(got)-1]
	if last.Status != trace.StatusFailed || last.Stage != StageSTT {
		t.Fatalf("expected failed terminal in stt stage, got %+v", last)
	}
}

func TestReasoningFirstTokenTimeout(t *testing.T) {
	o := newTestOrchestrator(
		fixedTranscriber("hello"),
		reasonerFunc(func(ctx context.Context, _, _ string, _ []convcache.Turn, _ string, _ func(string)) (*GenerateResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		chunkSynthesizer(16),
	)
	o.cfg.Timeouts.ReasoningFirstToken = 30 * time.Millisecond

	events, err := o.Submit(context.Background(), testUtterance())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := collectEvents(t, events)

	last := got[len(got)-1]
	if last.Status != trace.StatusFailed {
		t.Fatalf("expected failed terminal, got %+v", last)
	}
	if !errors.Is(last.Err, ErrStageTimeout) {
		t.Fatalf("expected ErrStageTimeout, got %v", last.Err)
	}
}

func TestOpenBreakerFailsFast(t *testing.T) {
	o := newTestOrchestrator(
		fixedTranscriber("hello"),
		chunkedReasoner("Hi."),
		chunkSynthesizer(16),
	)
	for range DefaultBreakerConfig().FailureThreshold {
		o.cfg.STTBreaker.Record(errors.New("down"))
	}

	start := time.Now()
	events, err := o.Submit(context.Background(), testUtterance())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := collectEvents(t, events)

	last := got[len(got)-1]
	if last.Status != trace.StatusFailed || !errors.Is(last.Err, ErrBreakerOpen) {
		t.Fatalf("expected fast breaker failure, got %+v", last)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("open breaker should fail without burning the stage timeout")
	}
}

func TestUserHoldingLockSupersedesPlayback(t *testing.T) {
	o := newTestOrchestrator(
		fixedTranscriber("hello"),
		chunkedReasoner("Hi there."),
		chunkSynthesizer(64),
	)
	o.cfg.Lock.TryAcquire(turn.PartyUser)

	events, err := o.Submit(context.Background(), testUtterance())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := collectEvents(t, events)

	last := got[len(got)-1]
	if last.Status != trace.StatusCancelled {
		t.Fatalf("expected cancelled terminal when user holds the floor, got %+v", last)
	}
	if _, ok := findEvent(got, EventAudio); ok {
		t.Fatal("no playback audio may be emitted while the user holds the lock")
	}
	if h, _ := o.cfg.Lock.Holder(); h != turn.PartyUser {
		t.Fatalf("user lock must be untouched, holder %v", h)
	}
}

func TestHistoryAppendedOnCompletion(t *testing.T) {
	reg := convcache.NewRegistry(convcache.RegistryConfig{TTL: time.Minute, MaxTurns: 5, SweepInterval: time.Hour}, zap.NewNop())
	defer reg.Close()
	hist := reg.Acquire("sess-1")

	o := newTestOrchestrator(
		fixedTranscriber("remember my name is Ada"),
		chunkedReasoner("Noted, Ada."),
		chunkSynthesizer(16),
	)
	o.cfg.History = hist

	events, err := o.Submit(context.Background(), testUtterance())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	collectEvents(t, events)

	turns := hist.Snapshot()
	if len(turns) != 1 || turns[0].User != "remember my name is Ada" || turns[0].Assistant != "Noted, Ada." {
		t.Fatalf("expected completed turn in history, got %+v", turns)
	}
}
