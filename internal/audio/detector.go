package audio

import "time"

// Boundary is the utterance-boundary signal produced by the SilenceDetector.
type Boundary int

const (
	BoundaryNone Boundary = iota
	BoundarySpeechStart
	BoundarySilenceElapsed
	BoundaryMaxDuration
)

func (b Boundary) String() string {
	switch b {
	case BoundarySpeechStart:
		return "speech_start"
	case BoundarySilenceElapsed:
		return "silence_elapsed"
	case BoundaryMaxDuration:
		return "max_duration_exceeded"
	default:
		return "none"
	}
}

// DetectorConfig controls utterance endpointing.
type DetectorConfig struct {
	SpeechThresholdDB float64       // frame energy above this counts as speech
	SilenceTimeout    time.Duration // silence after speech that ends the utterance
	MaxUtterance      time.Duration // hard ceiling on utterance duration
	PreSpeechBuffer   time.Duration // audio retained from before speech onset
	SampleRate        int
}

// DefaultDetectorConfig returns endpointing defaults for conversational speech.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		SpeechThresholdDB: -40,
		SilenceTimeout:    800 * time.Millisecond,
		MaxUtterance:      45 * time.Second,
		PreSpeechBuffer:   300 * time.Millisecond,
		SampleRate:        InternalRate,
	}
}

// SilenceDetector consumes PCM frames and emits utterance boundaries: one
// BoundarySpeechStart at speech onset, then exactly one of
// BoundarySilenceElapsed or BoundaryMaxDuration per utterance. Firing a
// terminal boundary returns the detector to its pre-speech state; the
// accumulated utterance audio stays buffered until Take is called.
type SilenceDetector struct {
	cfg DetectorConfig

	inSpeech     bool
	speechStart  time.Time
	lastSpeechAt time.Time

	buffer       []float32
	preSpeech    []float32
	preSpeechLen int
}

// NewSilenceDetector creates a detector with the given config.
func NewSilenceDetector(cfg DetectorConfig) *SilenceDetector {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = InternalRate
	}
	preLen := int(cfg.PreSpeechBuffer.Seconds() * float64(cfg.SampleRate))
	return &SilenceDetector{
		cfg:          cfg,
		preSpeechLen: preLen,
		preSpeech:    make([]float32, 0, preLen),
	}
}

// Observe feeds one PCM frame with its capture timestamp and returns at most
// one boundary event. Repeated silent frames outside speech are idempotent.
func (d *SilenceDetector) Observe(frame []float32, now time.Time) Boundary {
	energy := EnergyDB(frame)

	if d.inSpeech && now.Sub(d.speechStart) >= d.cfg.MaxUtterance {
		// Ceiling check runs before the energy branch so continuous speech
		// cannot postpone it.
		d.buffer = append(d.buffer, frame...)
		d.inSpeech = false
		return BoundaryMaxDuration
	}

	if energy >= d.cfg.SpeechThresholdDB {
		return d.observeSpeech(frame, now)
	}
	return d.observeSilence(frame, now)
}

func (d *SilenceDetector) observeSpeech(frame []float32, now time.Time) Boundary {
	started := false
	if !d.inSpeech {
		d.inSpeech = true
		d.speechStart = now
		d.buffer = append(d.buffer, d.preSpeech...)
		d.preSpeech = d.preSpeech[:0]
		started = true
	}
	d.lastSpeechAt = now
	d.buffer = append(d.buffer, frame...)
	if started {
		return BoundarySpeechStart
	}
	return BoundaryNone
}

func (d *SilenceDetector) observeSilence(frame []float32, now time.Time) Boundary {
	if !d.inSpeech {
		d.updatePreSpeech(frame)
		return BoundaryNone
	}

	d.buffer = append(d.buffer, frame...)
	if now.Sub(d.lastSpeechAt) < d.cfg.SilenceTimeout {
		return BoundaryNone
	}

	d.inSpeech = false
	return BoundarySilenceElapsed
}

func (d *SilenceDetector) updatePreSpeech(frame []float32) {
	d.preSpeech = append(d.preSpeech, frame...)
	if len(d.preSpeech) > d.preSpeechLen {
		excess := len(d.preSpeech) - d.preSpeechLen
		d.preSpeech = d.preSpeech[excess:]
	}
}

// Take drains the buffered utterance audio and resets the detector to its
// pre-speech state.
func (d *SilenceDetector) Take() []float32 {
	pcm := d.buffer
	d.buffer = nil
	d.inSpeech = false
	return pcm
}

// Config returns the detector's endpointing parameters.
func (d *SilenceDetector) Config() DetectorConfig {
	return d.cfg
}

// Speaking reports whether the detector is currently inside an utterance.
func (d *SilenceDetector) Speaking() bool {
	return d.inSpeech
}

// SpeechStartedAt returns the onset time of the current utterance; the zero
// time when not speaking.
func (d *SilenceDetector) SpeechStartedAt() time.Time {
	if !d.inSpeech {
		return time.Time{}
	}
	return d.speechStart
}

// Reset discards all state, including buffered audio.
func (d *SilenceDetector) Reset() {
	d.buffer = nil
	d.preSpeech = d.preSpeech[:0]
	d.inSpeech = false
}
