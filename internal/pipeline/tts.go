package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voicegate/gateway/internal/metrics"
)

// ttsChunkSize is the playback streaming granularity. Small enough that the
// first byte reaches the client before the full sentence is rendered.
const ttsChunkSize = 4096

// --- Piper backend (local neural TTS, returns WAV) ---

type piperSynthesizer struct {
	url    string
	voice  string
	client *http.Client
}

// NewPiperSynthesizer creates a synthesizer backed by a piper-tts server.
func NewPiperSynthesizer(url, voice string, client *http.Client) Synthesizer {
	return &piperSynthesizer{url: url, voice: voice, client: client}
}

func (p *piperSynthesizer) Synthesize(ctx context.Context, text string, onAudio func([]byte)) (*SynthesizeResult, error) {
	body, err := json.Marshal(struct {
		Text  string `json:"text"`
		Voice string `json:"voice"`
	}{Text: text, Voice: p.voice})
	if err != nil {
		return nil, fmt.Errorf("marshal piper request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.url+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create piper request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return streamTTSResponse(p.client, req, onAudio)
}

// --- ElevenLabs backend (cloud API, returns MP3) ---

type elevenLabsSynthesizer struct {
	apiKey  string
	voiceID string
	modelID string
	client  *http.Client
}

// NewElevenLabsSynthesizer creates a synthesizer backed by the ElevenLabs
// streaming endpoint.
func NewElevenLabsSynthesizer(apiKey, voiceID, modelID string, client *http.Client) Synthesizer {
	return &elevenLabsSynthesizer{apiKey: apiKey, voiceID: voiceID, modelID: modelID, client: client}
}

func (e *elevenLabsSynthesizer) Synthesize(ctx context.Context, text string, onAudio func([]byte)) (*SynthesizeResult, error) {
	body, err := json.Marshal(struct {
		Text    string `json:"text"`
		ModelID string `json:"model_id"`
	}{Text: text, ModelID: e.modelID})
	if err != nil {
		return nil, fmt.Errorf("marshal elevenlabs request: %w", err)
	}

	url := fmt.Sprintf("https://api.elevenlabs.io/v1/text-to-speech/%s/stream", e.voiceID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create elevenlabs request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Accept", "audio/mpeg")

	return streamTTSResponse(e.client, req, onAudio)
}

// streamTTSResponse issues the request and forwards the response body to
// onAudio in chunks as it arrives.
func streamTTSResponse(client *http.Client, req *http.Request, onAudio func([]byte)) (*SynthesizeResult, error) {
	start := time.Now()

	resp, err := client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("synthesis", "http").Inc()
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.Errors.WithLabelValues("synthesis", "status").Inc()
		return nil, fmt.Errorf("tts status %d: %s", resp.StatusCode, respBody)
	}

	total := 0
	buf := make([]byte, ttsChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			total += n
			if onAudio != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onAudio(chunk)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("tts stream: %w", readErr)
		}
	}

	return &SynthesizeResult{
		Bytes:     total,
		LatencyMs: float64(time.Since(start).Milliseconds()),
	}, nil
}
