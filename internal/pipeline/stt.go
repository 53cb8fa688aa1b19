package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/voicegate/gateway/internal/audio"
	"github.com/voicegate/gateway/internal/metrics"
)

// MultipartTranscriber sends utterance audio as multipart WAV to any
// whisper-compatible HTTP endpoint. Backends vary only by endpoint path
// (e.g. /inference for whisper.cpp, /transcribe for faster-whisper servers).
// Servers that stream newline-delimited JSON progress get their interim
// hypotheses surfaced through onPartial; single-object responses behave as a
// final-only transcription.
type MultipartTranscriber struct {
	url      string
	endpoint string
	label    string
	client   *http.Client
}

// NewWhisperTranscriber creates a client for whisper.cpp (/inference endpoint).
func NewWhisperTranscriber(url string, poolSize int) *MultipartTranscriber {
	return &MultipartTranscriber{
		url:      url,
		endpoint: "/inference",
		label:    "whisper",
		client:   NewPooledHTTPClient(poolSize, 30*time.Second),
	}
}

// NewFasterWhisperTranscriber creates a client for faster-whisper servers
// (/transcribe endpoint).
func NewFasterWhisperTranscriber(url string, poolSize int) *MultipartTranscriber {
	return &MultipartTranscriber{
		url:      url,
		endpoint: "/transcribe",
		label:    "faster-whisper",
		client:   NewPooledHTTPClient(poolSize, 60*time.Second),
	}
}

// Warmup sends a tiny silent clip to verify the server is responsive.
func (c *MultipartTranscriber) Warmup(ctx context.Context) error {
	silence := make([]float32, audio.InternalRate) // 1 second of silence
	body, contentType, err := buildMultipartAudio(silence)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.url+c.endpoint, body)
	if err != nil {
		return fmt.Errorf("create warmup request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s warmup: %w", c.label, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s warmup status %d", c.label, resp.StatusCode)
	}
	return nil
}

// Transcribe sends 16 kHz mono samples as multipart WAV and returns the
// transcript. Each streamed response line with a "text" field is reported to
// onPartial; the last one is the final transcript.
func (c *MultipartTranscriber) Transcribe(ctx context.Context, pcm []float32, onPartial func(string)) (*TranscribeResult, error) {
	start := time.Now()

	body, contentType, err := buildMultipartAudio(pcm)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", c.label, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("stt", "http").Inc()
		return nil, fmt.Errorf("%s request: %w", c.label, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.Errors.WithLabelValues("stt", "status").Inc()
		return nil, fmt.Errorf("%s status %d: %s", c.label, resp.StatusCode, string(respBody))
	}

	text, err := consumeTranscript(resp.Body, onPartial)
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", c.label, err)
	}

	latency := time.Since(start)
	return &TranscribeResult{
		Text:      strings.TrimSpace(text),
		LatencyMs: float64(latency.Milliseconds()),
	}, nil
}

type whisperLine struct {
	Text string `json:"text"`
}

// consumeTranscript reads one JSON object per line. Every line before the
// last is an interim hypothesis.
func consumeTranscript(body io.Reader, onPartial func(string)) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var last string
	seen := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var wl whisperLine
		if err := json.Unmarshal(line, &wl); err != nil {
			return "", err
		}
		if seen && onPartial != nil {
			onPartial(strings.TrimSpace(last))
		}
		last = wl.Text
		seen = true
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if !seen {
		return "", fmt.Errorf("empty transcription response")
	}
	return last, nil
}

func buildMultipartAudio(samples []float32) (*bytes.Buffer, string, error) {
	wavData := audio.SamplesToWAV(samples, audio.InternalRate)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}

	if _, err = part.Write(wavData); err != nil {
		return nil, "", fmt.Errorf("write wav data: %w", err)
	}

	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}

	return &body, writer.FormDataContentType(), nil
}
