package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	opus "gopkg.in/hraban/opus.v2"

	"github.com/voicegate/gateway/internal/metrics"
)

// InternalRate is the sample rate all decoded audio is normalized to before
// it reaches the silence detector and the transcription stage.
const InternalRate = 16000

// opusRate is the decode rate for Opus packets; libopus always supports 48 kHz.
const opusRate = 48000

// maxOpusFrameSamples is 120 ms at 48 kHz, the largest frame libopus produces.
const maxOpusFrameSamples = 5760

// maxPacketLen bounds a single framed packet. Anything larger is treated as
// stream corruption and triggers a resync.
const maxPacketLen = 8192

// ErrCorruptStream is returned by Feed when the number of consecutive
// undecodable packets exceeds the configured ceiling. A single bad packet is
// dropped and counted; a storm of them means the stream itself is broken.
var ErrCorruptStream = errors.New("audio: corrupt input stream")

// FrameDecoderConfig controls inbound audio decoding.
type FrameDecoderConfig struct {
	Codec         Codec
	SampleRate    int           // client sample rate for pcm16; ignored for fixed-rate codecs
	FrameDuration time.Duration // duration of one emitted PCM frame
	MaxErrorRun   int           // consecutive decode errors before the stream is fatal
}

// DefaultFrameDecoderConfig returns decoding defaults for browser and telephony clients.
func DefaultFrameDecoderConfig() FrameDecoderConfig {
	return FrameDecoderConfig{
		Codec:         CodecPCM16,
		SampleRate:    16000,
		FrameDuration: 20 * time.Millisecond,
		MaxErrorRun:   25,
	}
}

// FrameDecoder turns the client's framed byte stream into fixed-duration PCM
// frames at InternalRate. Each inbound chunk carries zero or more packets,
// each prefixed with a uint16 big-endian payload length; a packet split
// across chunks is buffered until its remainder arrives. Malformed packets
// are dropped and counted, never fatal on their own.
type FrameDecoder struct {
	cfg    FrameDecoderConfig
	logger *zap.Logger

	opusDec *opus.Decoder
	opusBuf []float32

	raw     []byte    // undecoded packet bytes carried across Feed calls
	pending []float32 // decoded samples at InternalRate, not yet a full frame

	frameSamples int
	errRun       int
	errTotal     uint64
}

// NewFrameDecoder creates a decoder for one session's inbound audio.
func NewFrameDecoder(cfg FrameDecoderConfig, logger *zap.Logger) (*FrameDecoder, error) {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	if cfg.MaxErrorRun <= 0 {
		cfg.MaxErrorRun = 25
	}

	d := &FrameDecoder{
		cfg:          cfg,
		logger:       logger,
		frameSamples: int(cfg.FrameDuration.Seconds() * InternalRate),
	}

	if cfg.Codec == CodecOpus {
		dec, err := opus.NewDecoder(opusRate, 1)
		if err != nil {
			return nil, fmt.Errorf("create opus decoder: %w", err)
		}
		d.opusDec = dec
		d.opusBuf = make([]float32, maxOpusFrameSamples)
	} else if _, ok := pcmDecoders[cfg.Codec]; !ok {
		return nil, fmt.Errorf("unsupported codec: %s", cfg.Codec)
	}

	return d, nil
}

// Feed consumes one inbound chunk and returns zero or more complete PCM
// frames at InternalRate. It never blocks. The returned error is non-nil only
// for unrecoverable stream corruption.
func (d *FrameDecoder) Feed(chunk []byte) ([][]float32, error) {
	d.raw = append(d.raw, chunk...)

	for {
		payload, ok := d.nextPacket()
		if !ok {
			break
		}
		if payload == nil {
			// Oversized length prefix: drop buffered bytes and resync at the
			// next chunk boundary.
			if err := d.recordError("oversized packet"); err != nil {
				return nil, err
			}
			continue
		}

		samples, err := d.decodePacket(payload)
		if err != nil {
			if rErr := d.recordError(err.Error()); rErr != nil {
				return nil, rErr
			}
			continue
		}
		d.errRun = 0
		d.pending = append(d.pending, samples...)
	}

	return d.drainFrames(), nil
}

// nextPacket pops one length-prefixed packet from the raw buffer.
// Returns (nil, true) for a corrupt length that requires a resync, and
// (nil, false) when no complete packet is buffered yet.
func (d *FrameDecoder) nextPacket() ([]byte, bool) {
	if len(d.raw) < 2 {
		return nil, false
	}
	n := int(binary.BigEndian.Uint16(d.raw))
	if n == 0 || n > maxPacketLen {
		d.raw = d.raw[:0]
		return nil, true
	}
	if len(d.raw) < 2+n {
		return nil, false
	}
	payload := d.raw[2 : 2+n]
	d.raw = d.raw[2+n:]
	return payload, true
}

func (d *FrameDecoder) decodePacket(payload []byte) ([]float32, error) {
	if d.cfg.Codec == CodecOpus {
		n, err := d.opusDec.DecodeFloat32(payload, d.opusBuf)
		if err != nil {
			return nil, fmt.Errorf("opus decode: %w", err)
		}
		decoded := make([]float32, n)
		copy(decoded, d.opusBuf[:n])
		return Resample(decoded, opusRate, InternalRate), nil
	}

	dec := pcmDecoders[d.cfg.Codec]
	rate := dec.rate
	if rate == 0 {
		rate = d.cfg.SampleRate
	}
	if d.cfg.Codec == CodecPCM16 && len(payload)%2 != 0 {
		return nil, errors.New("pcm16 packet with odd byte count")
	}
	return Resample(dec.fn(payload), rate, InternalRate), nil
}

func (d *FrameDecoder) drainFrames() [][]float32 {
	var frames [][]float32
	for len(d.pending) >= d.frameSamples {
		frame := make([]float32, d.frameSamples)
		copy(frame, d.pending[:d.frameSamples])
		d.pending = d.pending[d.frameSamples:]
		frames = append(frames, frame)
	}
	return frames
}

func (d *FrameDecoder) recordError(reason string) error {
	d.errTotal++
	d.errRun++
	metrics.DecodeErrors.Inc()
	d.logger.Debug("dropped undecodable packet",
		zap.String("reason", reason),
		zap.Uint64("total_errors", d.errTotal))
	if d.errRun > d.cfg.MaxErrorRun {
		return fmt.Errorf("%w: %d consecutive decode failures", ErrCorruptStream, d.errRun)
	}
	return nil
}

// ErrorCount reports the total number of packets dropped as undecodable.
func (d *FrameDecoder) ErrorCount() uint64 {
	return d.errTotal
}

// FrameSamples reports the number of samples in each emitted frame.
func (d *FrameDecoder) FrameSamples() int {
	return d.frameSamples
}
