package audio

import "fmt"

// Codec identifies the encoding of inbound audio packets.
type Codec string

const (
	CodecPCM16    Codec = "pcm16"
	CodecG711Ulaw Codec = "g711_ulaw"
	CodecG711Alaw Codec = "g711_alaw"
	CodecOpus     Codec = "opus"
)

// pcmDecoder holds a raw codec's decode function and its fixed output sample
// rate. A rate of 0 means "use the caller-supplied sampleRate" (PCM passthrough).
// Opus is stateful and handled by FrameDecoder directly.
type pcmDecoder struct {
	fn   func([]byte) []float32
	rate int
}

var pcmDecoders = map[Codec]pcmDecoder{
	CodecPCM16:    {fn: decodePCM16, rate: 0},
	CodecG711Ulaw: {fn: decodeG711Ulaw, rate: 8000},
	CodecG711Alaw: {fn: decodeG711Alaw, rate: 8000},
}

// ParseCodec validates a codec name from session metadata.
func ParseCodec(name string) (Codec, error) {
	switch c := Codec(name); c {
	case CodecPCM16, CodecG711Ulaw, CodecG711Alaw, CodecOpus:
		return c, nil
	case "":
		return CodecPCM16, nil
	default:
		return "", fmt.Errorf("unsupported codec: %s", name)
	}
}
