package ws

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/voicegate/gateway/internal/audio"
	"github.com/voicegate/gateway/internal/auth"
	"github.com/voicegate/gateway/internal/convcache"
	"github.com/voicegate/gateway/internal/pipeline"
	"github.com/voicegate/gateway/internal/session"
)

type wsTranscriber struct{ text string }

func (s wsTranscriber) Transcribe(_ context.Context, _ []float32, _ func(string)) (*pipeline.TranscribeResult, error) {
	return &pipeline.TranscribeResult{Text: s.text}, nil
}

type wsReasoner struct{ reply string }

func (s wsReasoner) Generate(_ context.Context, _, _ string, _ []convcache.Turn, _ string, onChunk func(string)) (*pipeline.GenerateResult, error) {
	onChunk(s.reply)
	return &pipeline.GenerateResult{Text: s.reply}, nil
}

type wsSynthesizer struct{}

func (wsSynthesizer) Synthesize(_ context.Context, _ string, onAudio func([]byte)) (*pipeline.SynthesizeResult, error) {
	onAudio(make([]byte, 256))
	return &pipeline.SynthesizeResult{Bytes: 256}, nil
}

func newTestServer(t *testing.T, maxConcurrent int, jwtKey string) *httptest.Server {
	t.Helper()

	logger := zap.NewNop()
	cache := convcache.NewRegistry(convcache.DefaultRegistryConfig(), logger)
	t.Cleanup(cache.Close)

	detector := audio.DefaultDetectorConfig()
	detector.SilenceTimeout = 50 * time.Millisecond

	handler := NewHandler(HandlerConfig{
		Transcribers: pipeline.NewRouter(map[string]pipeline.Transcriber{
			"whisper": wsTranscriber{text: "hello there"},
		}, "whisper"),
		Reasoners: pipeline.NewRouter(map[string]pipeline.Reasoner{
			"ollama": wsReasoner{reply: "Hi! How can I help?"},
		}, "ollama"),
		Synthesizers: pipeline.NewRouter(map[string]pipeline.Synthesizer{
			"fast": wsSynthesizer{},
		}, "fast"),
		Cache:         cache,
		Sessions:      session.NewRegistry(),
		Auth:          auth.NewValidator(jwtKey),
		MaxConcurrent: maxConcurrent,
		Decoder:       audio.DefaultFrameDecoderConfig(),
		Detector:      detector,
		Session:       session.DefaultConfig(),
		Logger:        logger,
	})

	e := echo.New()
	e.GET("/ws", handler.Handle)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// pcm16Packet builds one length-prefixed frame of constant-amplitude samples.
func pcm16Packet(amplitude int16, samples int) []byte {
	payload := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(payload[i*2:], uint16(amplitude))
	}
	packet := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(packet, uint16(len(payload)))
	copy(packet[2:], payload)
	return packet
}

// collectEvents reads the connection until a tts_complete or service_error
// event arrives, recording JSON event types and binary payload size.
func collectEvents(t *testing.T, conn *websocket.Conn) (map[string]int, int) {
	t.Helper()
	types := make(map[string]int)
	audioBytes := 0

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read event: %v (got so far %v)", err, types)
		}
		if msgType == websocket.BinaryMessage {
			audioBytes += len(data)
			continue
		}
		var ev struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal event %q: %v", data, err)
		}
		types[ev.Type]++
		if ev.Type == "tts_complete" || ev.Type == "service_error" {
			return types, audioBytes
		}
	}
}

func TestSessionRoundTrip(t *testing.T) {
	srv := newTestServer(t, 10, "")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	meta := `{"user_id":"user-1","codec":"pcm16","sample_rate":16000}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(meta)); err != nil {
		t.Fatalf("write metadata: %v", err)
	}

	const frameSamples = 320 // 20 ms at 16 kHz
	loud := pcm16Packet(16000, frameSamples)
	quiet := pcm16Packet(0, frameSamples)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			conn.WriteMessage(websocket.BinaryMessage, loud)
		}
		// The detector measures silence in wall time, so spread the quiet
		// frames past the configured 50 ms timeout.
		for i := 0; i < 10; i++ {
			conn.WriteMessage(websocket.BinaryMessage, quiet)
			time.Sleep(15 * time.Millisecond)
		}
	}()

	types, audioBytes := collectEvents(t, conn)
	wg.Wait()

	for _, want := range []string{"stop_listening", "final_transcript", "ai_response_chunk", "ai_response_complete", "tts_start", "tts_complete"} {
		if types[want] == 0 {
			t.Errorf("missing %q event, got %v", want, types)
		}
	}
	if types["service_error"] != 0 {
		t.Errorf("unexpected service_error, got %v", types)
	}
	if types["bot_speaking_state_changed"] == 0 {
		t.Errorf("missing bot speaking events, got %v", types)
	}
	if audioBytes == 0 {
		t.Error("expected binary playback audio")
	}
}

func TestOverCapacityReturns503(t *testing.T) {
	srv := newTestServer(t, 1, "")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 over capacity, got %d", resp.StatusCode)
	}
}

func TestAuthRejectsMissingToken(t *testing.T) {
	srv := newTestServer(t, 10, "test-signing-key")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err == nil {
		t.Fatal("expected handshake failure without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestAuthAcceptsValidToken(t *testing.T) {
	srv := newTestServer(t, 10, "test-signing-key")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte("test-signing-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	header := http.Header{"Authorization": {"Bearer " + signed}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	conn.Close()
}
