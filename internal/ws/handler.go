// Package ws terminates the client WebSocket: binary audio in, JSON events
// and binary playback audio out.
package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/voicegate/gateway/internal/audio"
	"github.com/voicegate/gateway/internal/auth"
	"github.com/voicegate/gateway/internal/convcache"
	"github.com/voicegate/gateway/internal/metrics"
	"github.com/voicegate/gateway/internal/pipeline"
	"github.com/voicegate/gateway/internal/prompts"
	"github.com/voicegate/gateway/internal/session"
	"github.com/voicegate/gateway/internal/trace"
	"github.com/voicegate/gateway/internal/turn"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds the shared backends for all sessions.
type HandlerConfig struct {
	Transcribers *pipeline.Router[pipeline.Transcriber]
	Reasoners    *pipeline.Router[pipeline.Reasoner]
	Synthesizers *pipeline.Router[pipeline.Synthesizer]
	Memory       pipeline.MemoryClient // nil disables memory context
	Cache        *convcache.Registry
	Sessions     *session.Registry
	TraceStore   *trace.Store    // nil disables persistence
	Auth         *auth.Validator // nil disables auth

	AgentID       string
	MaxConcurrent int
	Timeouts      pipeline.Timeouts
	Breaker       pipeline.BreakerConfig
	Decoder       audio.FrameDecoderConfig // codec and rate overridden per session
	Detector      audio.DetectorConfig
	Session       session.Config // per-session fields overridden per session

	Logger *zap.Logger
}

// Handler manages WebSocket voice sessions with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}

	breakerMu sync.Mutex
	breakers  map[string]*pipeline.Breaker
}

// NewHandler creates the handler with a bounded concurrent-session count.
func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	return &Handler{
		cfg:      cfg,
		sem:      make(chan struct{}, maxConc),
		breakers: make(map[string]*pipeline.Breaker),
	}
}

// breaker returns the process-wide breaker for a collaborator, creating it on
// first use. Breakers are shared across sessions so one client's failures
// protect the rest.
func (h *Handler) breaker(name string) *pipeline.Breaker {
	h.breakerMu.Lock()
	defer h.breakerMu.Unlock()

	if b, ok := h.breakers[name]; ok {
		return b
	}
	b := pipeline.NewBreaker(name, h.cfg.Breaker)
	h.breakers[name] = b
	return b
}

// sessionMetadata is the first text frame sent by the client.
type sessionMetadata struct {
	SessionID    string `json:"session_id"` // optional, set for reconnect
	UserID       string `json:"user_id"`
	Codec        string `json:"codec"`
	SampleRate   int    `json:"sample_rate"`
	STTEngine    string `json:"stt_engine"`
	LLMEngine    string `json:"llm_engine"`
	TTSEngine    string `json:"tts_engine"`
	SystemPrompt string `json:"system_prompt"`
	BargeIn      bool   `json:"barge_in"`
}

// Handle upgrades the connection and runs the voice session. Returns 503
// over capacity and 401 on a bad token when auth is configured.
func (h *Handler) Handle(c echo.Context) error {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		metrics.SessionsRejected.Inc()
		return c.String(http.StatusServiceUnavailable, "at capacity")
	}

	userID := ""
	if h.cfg.Auth != nil {
		claims, err := h.cfg.Auth.FromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			metrics.SessionsRejected.Inc()
			return c.String(http.StatusUnauthorized, "invalid token")
		}
		userID = claims.UserID
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.cfg.Logger.Error("websocket upgrade failed", zap.Error(err))
		return nil
	}
	defer conn.Close()

	metrics.SessionsTotal.Inc()
	h.runSession(conn, userID)
	return nil
}

func (h *Handler) runSession(conn *websocket.Conn, authUserID string) {
	meta, err := readMetadata(conn)
	if err != nil {
		h.cfg.Logger.Error("read session metadata", zap.Error(err))
		return
	}

	if meta.SessionID == "" {
		meta.SessionID = uuid.NewString()
	}
	if authUserID != "" {
		meta.UserID = authUserID
	}
	if meta.SystemPrompt == "" {
		meta.SystemPrompt = prompts.DefaultSystemPrompt
	}

	log := h.cfg.Logger.With(zap.String("session_id", meta.SessionID))

	stt, err := h.cfg.Transcribers.Route(meta.STTEngine)
	if err != nil {
		log.Error("resolve stt engine", zap.Error(err))
		return
	}
	llm, err := h.cfg.Reasoners.Route(meta.LLMEngine)
	if err != nil {
		log.Error("resolve llm engine", zap.Error(err))
		return
	}
	tts, err := h.cfg.Synthesizers.Route(meta.TTSEngine)
	if err != nil {
		log.Error("resolve tts engine", zap.Error(err))
		return
	}

	codec, err := audio.ParseCodec(meta.Codec)
	if err != nil {
		log.Error("resolve codec", zap.Error(err))
		return
	}
	decoderCfg := h.cfg.Decoder
	decoderCfg.Codec = codec
	if meta.SampleRate > 0 {
		decoderCfg.SampleRate = meta.SampleRate
	}
	decoder, err := audio.NewFrameDecoder(decoderCfg, log)
	if err != nil {
		log.Error("create frame decoder", zap.Error(err))
		return
	}

	tracer := trace.NewTracer(h.cfg.TraceStore, meta.SessionID, log)
	defer tracer.Close()
	if h.cfg.TraceStore != nil {
		metaJSON, _ := json.Marshal(meta)
		if err = h.cfg.TraceStore.CreateSession(meta.SessionID, string(metaJSON)); err != nil {
			log.Warn("persist session", zap.Error(err))
		}
		defer func() {
			if err := h.cfg.TraceStore.EndSession(meta.SessionID); err != nil {
				log.Warn("end session record", zap.Error(err))
			}
		}()
	}

	lock := turn.NewSpeakerLock()
	orch := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		SystemPrompt: meta.SystemPrompt,
		UserID:       meta.UserID,
		AgentID:      h.cfg.AgentID,
		Timeouts:     h.cfg.Timeouts,
		Transcriber:  stt,
		Reasoner:     llm,
		Synthesizer:  tts,
		Memory:       h.cfg.Memory,
		STTBreaker:   h.breaker("stt"),
		LLMBreaker:   h.breaker("reasoning"),
		TTSBreaker:   h.breaker("synthesis"),
		Lock:         lock,
		Tracer:       tracer,
		History:      h.cfg.Cache.Acquire(meta.SessionID),
		Logger:       log,
	})

	sender := newEventSender(conn, log)

	sessCfg := h.cfg.Session
	sessCfg.SessionID = meta.SessionID
	sessCfg.UserID = meta.UserID
	sessCfg.BargeIn = sessCfg.BargeIn || meta.BargeIn
	machine := session.NewMachine(sessCfg, decoder,
		audio.NewSilenceDetector(h.cfg.Detector), lock, orch, sender.send, log)
	defer machine.Close()

	if old := h.cfg.Sessions.Add(machine); old != nil {
		log.Info("reconnect replaces live session")
		old.Close()
	}
	defer h.cfg.Sessions.Remove(machine)

	log.Info("session started",
		zap.String("codec", string(decoderCfg.Codec)),
		zap.Int("sample_rate", decoderCfg.SampleRate),
		zap.Bool("barge_in", sessCfg.BargeIn))

	stopPing := sender.keepalive(conn)
	defer stopPing()

	h.readLoop(conn, machine, log)
	log.Info("session ended")
}

// readLoop pumps client frames into the machine until disconnect or a fatal
// stream error.
func (h *Handler) readLoop(conn *websocket.Conn, machine *session.Machine, log *zap.Logger) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Info("connection closed", zap.Error(err))
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if err = machine.HandleAudio(data); err != nil {
			if errors.Is(err, audio.ErrCorruptStream) {
				log.Error("closing session on corrupt stream", zap.Error(err))
				return
			}
			log.Error("handle audio", zap.Error(err))
		}
	}
}

// eventSender serializes all writes to the connection. Playback audio goes
// out as a binary frame; everything else as JSON text.
type eventSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
	log  *zap.Logger
}

func newEventSender(conn *websocket.Conn, log *zap.Logger) *eventSender {
	return &eventSender{conn: conn, log: log}
}

func (s *eventSender) send(ev session.Outbound) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if ev.Audio != nil {
		if err := s.conn.WriteMessage(websocket.BinaryMessage, ev.Audio); err != nil {
			s.log.Debug("write audio", zap.Error(err))
		}
		return
	}

	jsonBytes, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err = s.conn.WriteMessage(websocket.TextMessage, jsonBytes); err != nil {
		s.log.Debug("write event", zap.Error(err))
	}
}

// keepalive pings the peer on a ticker, sharing the write mutex with send.
// The returned func stops the ticker.
func (s *eventSender) keepalive(conn *websocket.Conn) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.mu.Lock()
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				s.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func readMetadata(conn *websocket.Conn) (*sessionMetadata, error) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var meta sessionMetadata
	if err = json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
