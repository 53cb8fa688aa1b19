// Package watchdog detects stuck sessions and recovers them. A conversation
// that silently hangs is worse than one that errors: the user hears nothing
// and the session leaks its speaker lock.
package watchdog

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voicegate/gateway/internal/metrics"
	"github.com/voicegate/gateway/internal/session"
	"github.com/voicegate/gateway/internal/turn"
)

// Config holds the supervisor's detection thresholds.
type Config struct {
	Interval    time.Duration // tick period
	FrameStall  time.Duration // no decoded frame while listening
	StageStall  time.Duration // run stuck in one stage
	LockCeiling time.Duration // any party holding the lock this long is stuck
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Interval:    2 * time.Second,
		FrameStall:  5 * time.Second,
		StageStall:  90 * time.Second,
		LockCeiling: 90 * time.Second,
	}
}

// Supervisor periodically sweeps the session registry for stalls. Findings
// are logged and counted; a session past the lock ceiling is force-reset.
type Supervisor struct {
	cfg      Config
	registry *session.Registry
	logger   *zap.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a supervisor over the registry. Call Start to begin sweeping.
func New(cfg Config, registry *session.Registry, logger *zap.Logger) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	return &Supervisor{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop.
func (s *Supervisor) Start() {
	go func() {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case now := <-ticker.C:
				s.sweep(now)
			}
		}
	}()
}

// Stop halts the sweep loop.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Supervisor) sweep(now time.Time) {
	s.registry.ForEach(func(m *session.Machine) {
		s.inspect(m.Snapshot(), m, now)
	})
}

func (s *Supervisor) inspect(h session.Health, m *session.Machine, now time.Time) {
	log := s.logger.With(zap.String("session_id", h.SessionID))

	if h.State == session.StateListening && !h.LastFrameAt.IsZero() &&
		now.Sub(h.LastFrameAt) > s.cfg.FrameStall {
		metrics.WatchdogFindings.WithLabelValues("frame_stall").Inc()
		log.Warn("no audio frames while listening",
			zap.Duration("since_last_frame", now.Sub(h.LastFrameAt)))
	}

	if h.RunActive && !h.StageSince.IsZero() && now.Sub(h.StageSince) > s.cfg.StageStall {
		metrics.WatchdogFindings.WithLabelValues("stage_stall").Inc()
		log.Warn("pipeline run stuck in stage",
			zap.String("stage", string(h.Stage)),
			zap.Duration("in_stage", now.Sub(h.StageSince)))
	}

	if h.LockHolder != turn.PartyNone && !h.LockSince.IsZero() &&
		now.Sub(h.LockSince) > s.cfg.LockCeiling {
		metrics.WatchdogFindings.WithLabelValues("lock_ceiling").Inc()
		metrics.WatchdogForceResets.Inc()
		log.Warn("speaker lock held past ceiling, force-resetting session",
			zap.String("holder", h.LockHolder.String()),
			zap.Duration("held", now.Sub(h.LockSince)))
		m.ForceReset()
	}
}
