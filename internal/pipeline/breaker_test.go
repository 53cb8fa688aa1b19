package pipeline

import (
	"errors"
	"testing"
	"time"
)

var errBackend = errors.New("backend down")

func newTestBreaker(cooldown time.Duration) *Breaker {
	return NewBreaker("test", BreakerConfig{FailureThreshold: 3, Cooldown: cooldown})
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	b := newTestBreaker(time.Minute)

	b.Record(errBackend)
	b.Record(errBackend)
	if b.State() != BreakerClosed {
		t.Fatalf("expected closed below threshold, got %v", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("closed breaker must admit: %v", err)
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := newTestBreaker(time.Minute)

	for range 3 {
		b.Record(errBackend)
	}
	if b.State() != BreakerOpen {
		t.Fatalf("expected open at threshold, got %v", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("open breaker must refuse, got %v", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(time.Minute)

	b.Record(errBackend)
	b.Record(errBackend)
	b.Record(nil)
	b.Record(errBackend)
	b.Record(errBackend)
	if b.State() != BreakerClosed {
		t.Fatalf("interleaved success should reset the run, got %v", b.State())
	}
}

func TestHalfOpenProbeClosesOnSuccess(t *testing.T) {
	b := newTestBreaker(10 * time.Millisecond)

	for range 3 {
		b.Record(errBackend)
	}
	time.Sleep(15 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("expected probe admitted after cooldown: %v", err)
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open during probe, got %v", b.State())
	}
	// A second caller must not sneak in alongside the probe.
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("concurrent probe must be refused, got %v", err)
	}

	b.Record(nil)
	if b.State() != BreakerClosed {
		t.Fatalf("successful probe should close, got %v", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("closed breaker must admit: %v", err)
	}
}

func TestHalfOpenProbeReopensOnFailure(t *testing.T) {
	b := newTestBreaker(10 * time.Millisecond)

	for range 3 {
		b.Record(errBackend)
	}
	time.Sleep(15 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("expected probe admitted after cooldown: %v", err)
	}
	b.Record(errBackend)

	if b.State() != BreakerOpen {
		t.Fatalf("failed probe should reopen, got %v", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("reopened breaker must refuse, got %v", err)
	}
}
