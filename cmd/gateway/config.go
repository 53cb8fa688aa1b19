package main

import (
	"time"

	"github.com/voicegate/gateway/internal/audio"
	"github.com/voicegate/gateway/internal/convcache"
	"github.com/voicegate/gateway/internal/env"
	"github.com/voicegate/gateway/internal/pipeline"
	"github.com/voicegate/gateway/internal/session"
	"github.com/voicegate/gateway/internal/watchdog"
)

type config struct {
	port    string
	agentID string

	whisperURL       string
	fasterWhisperURL string
	sttPoolSize      int

	ollamaURL     string
	ollamaModel   string
	openaiAPIKey  string
	openaiBaseURL string
	openaiModel   string
	llmMaxTokens  int
	llmPoolSize   int

	piperURL          string
	piperFastVoice    string
	piperQualityVoice string
	ttsPoolSize       int
	elevenlabsAPIKey  string
	elevenlabsVoiceID string
	elevenlabsModelID string

	memoryURL      string
	memoryPoolSize int

	traceDSN string
	jwtKey   string

	maxConcurrentSessions int
	shutdownTimeout       time.Duration

	decoder  audio.FrameDecoderConfig
	detector audio.DetectorConfig
	timeouts pipeline.Timeouts
	breaker  pipeline.BreakerConfig
	session  session.Config
	cache    convcache.RegistryConfig
	watchdog watchdog.Config
}

func loadConfig() config {
	decoder := audio.DefaultFrameDecoderConfig()
	decoder.FrameDuration = env.Duration("FRAME_DURATION", decoder.FrameDuration)
	decoder.MaxErrorRun = env.Int("DECODE_MAX_ERROR_RUN", decoder.MaxErrorRun)

	detector := audio.DefaultDetectorConfig()
	detector.SpeechThresholdDB = env.Float("SPEECH_THRESHOLD_DB", detector.SpeechThresholdDB)
	detector.SilenceTimeout = env.Duration("SILENCE_TIMEOUT", detector.SilenceTimeout)
	detector.MaxUtterance = env.Duration("MAX_UTTERANCE", detector.MaxUtterance)
	detector.PreSpeechBuffer = env.Duration("PRE_SPEECH_BUFFER", detector.PreSpeechBuffer)

	timeouts := pipeline.DefaultTimeouts()
	timeouts.TranscriptTotal = env.Duration("STT_TIMEOUT", timeouts.TranscriptTotal)
	timeouts.ReasoningFirstToken = env.Duration("LLM_FIRST_TOKEN_TIMEOUT", timeouts.ReasoningFirstToken)
	timeouts.ReasoningTotal = env.Duration("LLM_TIMEOUT", timeouts.ReasoningTotal)
	timeouts.TTSFirstByte = env.Duration("TTS_FIRST_BYTE_TIMEOUT", timeouts.TTSFirstByte)
	timeouts.MemoryContext = env.Duration("MEMORY_TIMEOUT", timeouts.MemoryContext)

	breaker := pipeline.DefaultBreakerConfig()
	breaker.FailureThreshold = env.Int("BREAKER_FAILURE_THRESHOLD", breaker.FailureThreshold)
	breaker.Cooldown = env.Duration("BREAKER_COOLDOWN", breaker.Cooldown)

	sess := session.DefaultConfig()
	sess.DiscardWarnThreshold = env.Int("DISCARD_WARN_THRESHOLD", sess.DiscardWarnThreshold)
	sess.BargeIn = env.Bool("BARGE_IN", false)
	sess.BargeInFrames = env.Int("BARGE_IN_FRAMES", sess.BargeInFrames)
	sess.BargeInThresholdDB = env.Float("BARGE_IN_THRESHOLD_DB", sess.BargeInThresholdDB)

	cache := convcache.DefaultRegistryConfig()
	cache.TTL = env.Duration("CONTEXT_TTL", cache.TTL)
	cache.MaxTurns = env.Int("CONTEXT_MAX_TURNS", cache.MaxTurns)

	wd := watchdog.DefaultConfig()
	wd.Interval = env.Duration("WATCHDOG_INTERVAL", wd.Interval)
	wd.FrameStall = env.Duration("WATCHDOG_FRAME_STALL", wd.FrameStall)
	wd.StageStall = env.Duration("WATCHDOG_STAGE_STALL", wd.StageStall)
	wd.LockCeiling = env.Duration("WATCHDOG_LOCK_CEILING", wd.LockCeiling)

	return config{
		port:    env.Str("GATEWAY_PORT", "8000"),
		agentID: env.Str("AGENT_ID", "default"),

		whisperURL:       env.Str("WHISPER_URL", "http://localhost:8080"),
		fasterWhisperURL: env.Str("FASTER_WHISPER_URL", ""),
		sttPoolSize:      env.Int("STT_POOL_SIZE", 50),

		ollamaURL:     env.Str("OLLAMA_URL", "http://localhost:11434"),
		ollamaModel:   env.Str("OLLAMA_MODEL", "llama3.2:3b"),
		openaiAPIKey:  env.Str("OPENAI_API_KEY", ""),
		openaiBaseURL: env.Str("OPENAI_BASE_URL", ""),
		openaiModel:   env.Str("OPENAI_MODEL", "gpt-4o-mini"),
		llmMaxTokens:  env.Int("LLM_MAX_TOKENS", 150),
		llmPoolSize:   env.Int("LLM_POOL_SIZE", 50),

		piperURL:          env.Str("PIPER_URL", "http://localhost:5100"),
		piperFastVoice:    env.Str("PIPER_FAST_VOICE", "en_US-lessac-low"),
		piperQualityVoice: env.Str("PIPER_QUALITY_VOICE", "en_US-lessac-medium"),
		ttsPoolSize:       env.Int("TTS_POOL_SIZE", 50),
		elevenlabsAPIKey:  env.Str("ELEVENLABS_API_KEY", ""),
		elevenlabsVoiceID: env.Str("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		elevenlabsModelID: env.Str("ELEVENLABS_MODEL_ID", "eleven_turbo_v2_5"),

		memoryURL:      env.Str("MEMORY_URL", ""),
		memoryPoolSize: env.Int("MEMORY_POOL_SIZE", 10),

		traceDSN: env.Str("TRACE_DATABASE_URL", ""),
		jwtKey:   env.Str("JWT_SIGNING_KEY", ""),

		maxConcurrentSessions: env.Int("MAX_CONCURRENT_SESSIONS", 100),
		shutdownTimeout:       env.Duration("SHUTDOWN_TIMEOUT", 30*time.Second),

		decoder:  decoder,
		detector: detector,
		timeouts: timeouts,
		breaker:  breaker,
		session:  sess,
		cache:    cache,
		watchdog: wd,
	}
}
