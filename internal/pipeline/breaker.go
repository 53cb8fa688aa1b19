package pipeline

import (
	"errors"
	"sync"
	"time"

	"github.com/voicegate/gateway/internal/metrics"
)

// ErrBreakerOpen is returned when a collaborator call is refused because its
// breaker is open.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerState is the breaker's admission state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerConfig controls when a collaborator is taken out of rotation.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	Cooldown         time.Duration // open duration before a half-open probe
}

// DefaultBreakerConfig returns the stock thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

// Breaker is a per-collaborator circuit breaker. While open, Allow refuses
// immediately so a dead backend fails a stage without burning its timeout.
// After the cooldown one probe call is admitted; its outcome decides whether
// the breaker closes again.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker. name labels metrics and logs.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	b := &Breaker{name: name, cfg: cfg}
	metrics.BreakerState.WithLabelValues(name).Set(0)
	return b
}

// Allow reports whether a call may proceed. In half-open state only a single
// probe is admitted at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return ErrBreakerOpen
		}
		b.setState(BreakerHalfOpen)
		b.probing = true
		return nil
	default: // half-open
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	}
}

// Record reports a call outcome. Context cancellation is the caller's doing
// and must not be recorded against the collaborator.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.probing = false
	}

	if err == nil {
		b.failures = 0
		b.setState(BreakerClosed)
		return
	}

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.openedAt = time.Now()
		b.setState(BreakerOpen)
	}
}

// State returns the current admission state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	var v float64
	switch s {
	case BreakerHalfOpen:
		v = 1
	case BreakerOpen:
		v = 2
	}
	metrics.BreakerState.WithLabelValues(b.name).Set(v)
}
