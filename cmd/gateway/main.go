package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/voicegate/gateway/internal/auth"
	"github.com/voicegate/gateway/internal/convcache"
	"github.com/voicegate/gateway/internal/pipeline"
	"github.com/voicegate/gateway/internal/session"
	"github.com/voicegate/gateway/internal/trace"
	"github.com/voicegate/gateway/internal/watchdog"
	"github.com/voicegate/gateway/internal/ws"
)

func main() {
	godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := loadConfig()

	// STT backends
	sttBackends := map[string]pipeline.Transcriber{
		"whisper": pipeline.NewWhisperTranscriber(cfg.whisperURL, cfg.sttPoolSize),
	}
	if cfg.fasterWhisperURL != "" {
		sttBackends["faster-whisper"] = pipeline.NewFasterWhisperTranscriber(cfg.fasterWhisperURL, cfg.sttPoolSize)
	}
	transcribers := pipeline.NewRouter(sttBackends, "whisper")

	// LLM backends
	llmBackends := map[string]pipeline.Reasoner{
		"ollama": pipeline.NewOllamaReasoner(cfg.ollamaURL, cfg.ollamaModel, cfg.llmMaxTokens, cfg.llmPoolSize),
	}
	if cfg.openaiAPIKey != "" {
		llmBackends["openai"] = pipeline.NewOpenAIReasoner(cfg.openaiAPIKey, cfg.openaiBaseURL, cfg.openaiModel, cfg.llmMaxTokens)
	}
	reasoners := pipeline.NewRouter(llmBackends, "ollama")

	// TTS backends
	ttsHTTP := pipeline.NewPooledHTTPClient(cfg.ttsPoolSize, 30*time.Second)
	ttsBackends := map[string]pipeline.Synthesizer{
		"fast":    pipeline.NewPiperSynthesizer(cfg.piperURL, cfg.piperFastVoice, ttsHTTP),
		"quality": pipeline.NewPiperSynthesizer(cfg.piperURL, cfg.piperQualityVoice, ttsHTTP),
	}
	if cfg.elevenlabsAPIKey != "" {
		ttsBackends["elevenlabs"] = pipeline.NewElevenLabsSynthesizer(cfg.elevenlabsAPIKey, cfg.elevenlabsVoiceID, cfg.elevenlabsModelID, ttsHTTP)
	}
	synthesizers := pipeline.NewRouter(ttsBackends, "fast")

	var memory pipeline.MemoryClient
	if cfg.memoryURL != "" {
		memory = pipeline.NewHTTPMemoryClient(cfg.memoryURL, cfg.memoryPoolSize)
		logger.Info("memory context enabled", zap.String("url", cfg.memoryURL))
	}

	var traceStore *trace.Store
	if cfg.traceDSN != "" {
		traceStore, err = trace.Open(cfg.traceDSN)
		if err != nil {
			logger.Fatal("open trace store", zap.Error(err))
		}
		defer traceStore.Close()
		logger.Info("latency tracing enabled")
	}

	validator := auth.NewValidator(cfg.jwtKey)
	if validator == nil {
		logger.Warn("JWT_SIGNING_KEY unset, auth disabled")
	}

	cache := convcache.NewRegistry(cfg.cache, logger)
	defer cache.Close()

	sessions := session.NewRegistry()

	handler := ws.NewHandler(ws.HandlerConfig{
		Transcribers:  transcribers,
		Reasoners:     reasoners,
		Synthesizers:  synthesizers,
		Memory:        memory,
		Cache:         cache,
		Sessions:      sessions,
		TraceStore:    traceStore,
		Auth:          validator,
		AgentID:       cfg.agentID,
		MaxConcurrent: cfg.maxConcurrentSessions,
		Timeouts:      cfg.timeouts,
		Breaker:       cfg.breaker,
		Decoder:       cfg.decoder,
		Detector:      cfg.detector,
		Session:       cfg.session,
		Logger:        logger,
	})

	supervisor := watchdog.New(cfg.watchdog, sessions, logger)
	supervisor.Start()
	defer supervisor.Stop()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	registerRoutes(e, deps{
		wsHandler:    handler,
		sessions:     sessions,
		traceStore:   traceStore,
		transcribers: transcribers,
		reasoners:    reasoners,
		synthesizers: synthesizers,
	})

	go func() {
		if err := e.Start(":" + cfg.port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	logger.Info("gateway started",
		zap.String("port", cfg.port),
		zap.Int("max_concurrent", cfg.maxConcurrentSessions),
		zap.Strings("stt_engines", transcribers.Engines()),
		zap.Strings("llm_engines", reasoners.Engines()),
		zap.Strings("tts_engines", synthesizers.Engines()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutting down", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
	defer cancel()

	sessions.CloseAll()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}

	logger.Info("gateway stopped")
}
