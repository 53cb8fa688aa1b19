package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_sessions_active",
		Help: "Currently active voice sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_sessions_total",
		Help: "Total voice sessions accepted",
	})

	SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_sessions_rejected_total",
		Help: "Sessions rejected at admission (capacity or auth)",
	})

	AudioChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_audio_chunks_total",
		Help: "Binary audio chunks received from clients",
	})

	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_audio_decode_errors_total",
		Help: "Audio packets dropped as malformed or undecodable",
	})

	FramesDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_frames_discarded_total",
		Help: "PCM frames discarded while the bot held the speaker lock",
	})

	Utterances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_utterances_total",
		Help: "Utterances finalized, by end reason",
	}, []string{"end_reason"})

	RunsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_pipeline_runs_total",
		Help: "Pipeline runs reaching a terminal state",
	}, []string{"status"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_stage_duration_seconds",
		Help:    "Per-stage pipeline latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0, 10.0},
	}, []string{"stage"})

	E2EDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_e2e_duration_seconds",
		Help:    "End-to-end latency from utterance end to playback complete",
		Buckets: []float64{0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0, 10.0},
	})

	StageRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_stage_retries_total",
		Help: "Stage retries by stage name",
	}, []string{"stage"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_errors_total",
		Help: "Error counts by stage and type",
	}, []string{"stage", "error_type"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_breaker_state",
		Help: "Circuit breaker state per collaborator (0=closed, 1=half-open, 2=open)",
	}, []string{"collaborator"})

	WatchdogFindings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_watchdog_findings_total",
		Help: "Watchdog stall detections by kind",
	}, []string{"kind"})

	WatchdogForceResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_watchdog_force_resets_total",
		Help: "Sessions force-reset by the watchdog",
	})

	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_conversation_cache_entries",
		Help: "Live entries in the conversation cache registry",
	})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_conversation_cache_evictions_total",
		Help: "Conversation cache entries evicted by TTL sweep",
	})

	MemoryContextFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_memory_context_failures_total",
		Help: "Memory context fetches that failed soft",
	})
)
