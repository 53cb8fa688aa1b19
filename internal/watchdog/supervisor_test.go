package watchdog

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voicegate/gateway/internal/audio"
	"github.com/voicegate/gateway/internal/convcache"
	"github.com/voicegate/gateway/internal/pipeline"
	"github.com/voicegate/gateway/internal/session"
	"github.com/voicegate/gateway/internal/turn"
)

type idleTranscriber struct{}

func (idleTranscriber) Transcribe(_ context.Context, _ []float32, _ func(string)) (*pipeline.TranscribeResult, error) {
	return &pipeline.TranscribeResult{Text: "ok"}, nil
}

type idleReasoner struct{}

func (idleReasoner) Generate(_ context.Context, _, _ string, _ []convcache.Turn, _ string, _ func(string)) (*pipeline.GenerateResult, error) {
	return &pipeline.GenerateResult{Text: "ok"}, nil
}

type idleSynthesizer struct{}

func (idleSynthesizer) Synthesize(_ context.Context, _ string, onAudio func([]byte)) (*pipeline.SynthesizeResult, error) {
	onAudio(make([]byte, 8))
	return &pipeline.SynthesizeResult{Bytes: 8}, nil
}

func newStuckSession(t *testing.T) (*session.Machine, *turn.SpeakerLock) {
	t.Helper()
	logger := zap.NewNop()

	decoder, err := audio.NewFrameDecoder(audio.DefaultFrameDecoderConfig(), logger)
	if err != nil {
		t.Fatalf("NewFrameDecoder: %v", err)
	}
	lock := turn.NewSpeakerLock()
	orch := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		Transcriber: idleTranscriber{},
		Reasoner:    idleReasoner{},
		Synthesizer: idleSynthesizer{},
		STTBreaker:  pipeline.NewBreaker("stt-wd-test", pipeline.DefaultBreakerConfig()),
		LLMBreaker:  pipeline.NewBreaker("llm-wd-test", pipeline.DefaultBreakerConfig()),
		TTSBreaker:  pipeline.NewBreaker("tts-wd-test", pipeline.DefaultBreakerConfig()),
		Lock:        lock,
		Logger:      logger,
	})

	cfg := session.DefaultConfig()
	cfg.SessionID = "sess-stuck"
	m := session.NewMachine(cfg, decoder, audio.NewSilenceDetector(audio.DefaultDetectorConfig()),
		lock, orch, func(session.Outbound) {}, logger)
	return m, lock
}

func TestSweepForceResetsLockPastCeiling(t *testing.T) {
	m, lock := newStuckSession(t)
	defer m.Close()

	reg := session.NewRegistry()
	reg.Add(m)

	lock.TryAcquire(turn.PartyBot)

	cfg := DefaultConfig()
	cfg.LockCeiling = 10 * time.Millisecond
	s := New(cfg, reg, zap.NewNop())

	time.Sleep(20 * time.Millisecond)
	s.sweep(time.Now())

	if h, _ := lock.Holder(); h != turn.PartyNone {
		t.Fatalf("expected lock freed by force reset, holder %v", h)
	}
}

func TestSweepLeavesHealthyLockAlone(t *testing.T) {
	m, lock := newStuckSession(t)
	defer m.Close()

	reg := session.NewRegistry()
	reg.Add(m)

	lock.TryAcquire(turn.PartyBot)

	s := New(DefaultConfig(), reg, zap.NewNop())
	s.sweep(time.Now())

	if h, _ := lock.Holder(); h != turn.PartyBot {
		t.Fatalf("healthy lock must not be touched, holder %v", h)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	reg := session.NewRegistry()
	s := New(Config{Interval: time.Millisecond}, reg, zap.NewNop())
	s.Start()
	time.Sleep(5 * time.Millisecond)
	s.Stop()
	s.Stop()
}
