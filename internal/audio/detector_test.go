package audio

import (
	"testing"
	"time"
)

const testFrameSamples = 320 // 20 ms at 16 kHz

func loudFrame() []float32 {
	f := make([]float32, testFrameSamples)
	for i := range f {
		f[i] = 0.5
	}
	return f
}

func quietFrame() []float32 {
	return make([]float32, testFrameSamples)
}

func testDetector() *SilenceDetector {
	cfg := DefaultDetectorConfig()
	cfg.SilenceTimeout = 800 * time.Millisecond
	cfg.MaxUtterance = 45 * time.Second
	return NewSilenceDetector(cfg)
}

// feedFor feeds frames of the given kind for a duration, advancing the clock
// 20 ms per frame, and returns every non-None boundary observed.
func feedFor(d *SilenceDetector, loud bool, dur time.Duration, start time.Time) ([]Boundary, time.Time) {
	var events []Boundary
	now := start
	frames := int(dur / (20 * time.Millisecond))
	for range frames {
		frame := quietFrame()
		if loud {
			frame = loudFrame()
		}
		if b := d.Observe(frame, now); b != BoundaryNone {
			events = append(events, b)
		}
		now = now.Add(20 * time.Millisecond)
	}
	return events, now
}

func TestSilenceElapsedAfterSpeech(t *testing.T) {
	d := testDetector()
	start := time.Now()

	events, now := feedFor(d, true, 2*time.Second, start)
	if len(events) != 1 || events[0] != BoundarySpeechStart {
		t.Fatalf("expected exactly one speech_start during speech, got %v", events)
	}

	events, _ = feedFor(d, false, 900*time.Millisecond, now)
	silences := 0
	for _, e := range events {
		if e == BoundarySilenceElapsed {
			silences++
		} else {
			t.Errorf("unexpected event during silence: %v", e)
		}
	}
	if silences != 1 {
		t.Fatalf("expected exactly one silence_elapsed, got %d", silences)
	}

	pcm := d.Take()
	if len(pcm) == 0 {
		t.Error("expected buffered utterance audio after boundary")
	}
	if d.Speaking() {
		t.Error("detector should be reset after boundary")
	}
}

func TestMaxDurationCeiling(t *testing.T) {
	d := testDetector()

	events, _ := feedFor(d, true, 46*time.Second, time.Now())

	var starts, maxed, silences int
	for _, e := range events {
		switch e {
		case BoundarySpeechStart:
			starts++
		case BoundaryMaxDuration:
			maxed++
		case BoundarySilenceElapsed:
			silences++
		}
	}
	if maxed != 1 {
		t.Errorf("expected exactly one max_duration_exceeded, got %d", maxed)
	}
	if silences != 0 {
		t.Errorf("expected no silence_elapsed under continuous speech, got %d", silences)
	}
	// 46 s of speech with a 45 s ceiling leaves <800 ms after the boundary,
	// so a second utterance may begin but cannot terminate.
	if starts < 1 {
		t.Errorf("expected at least one speech_start, got %d", starts)
	}
}

func TestSilentFramesIdempotent(t *testing.T) {
	d := testDetector()

	events, _ := feedFor(d, false, 5*time.Second, time.Now())
	if len(events) != 0 {
		t.Fatalf("expected no events for pure silence, got %v", events)
	}
	if got := d.Take(); len(got) != 0 {
		t.Errorf("expected no buffered audio for pure silence, got %d samples", len(got))
	}
}

func TestShortPauseDoesNotEndUtterance(t *testing.T) {
	d := testDetector()
	start := time.Now()

	_, now := feedFor(d, true, 1*time.Second, start)
	events, now := feedFor(d, false, 400*time.Millisecond, now)
	if len(events) != 0 {
		t.Fatalf("400ms pause should not end the utterance, got %v", events)
	}

	// Resumed speech must not fire a second speech_start.
	events, _ = feedFor(d, true, 500*time.Millisecond, now)
	if len(events) != 0 {
		t.Fatalf("resumed speech inside an utterance should be silent, got %v", events)
	}
}

func TestPreSpeechBufferIncluded(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.PreSpeechBuffer = 100 * time.Millisecond
	d := NewSilenceDetector(cfg)
	start := time.Now()

	// Quiet lead-in fills the pre-speech ring.
	_, now := feedFor(d, false, 200*time.Millisecond, start)
	_, now = feedFor(d, true, 1*time.Second, now)
	feedFor(d, false, 900*time.Millisecond, now)

	pcm := d.Take()
	// 1 s speech + 100 ms pre-speech + trailing silence frames.
	minSamples := InternalRate + InternalRate/10
	if len(pcm) < minSamples {
		t.Errorf("expected at least %d samples including pre-speech audio, got %d", minSamples, len(pcm))
	}
}
