// Package turn arbitrates the conversational floor between the user's
// captured speech and the bot's synthesized playback.
package turn

import (
	"sync"
	"time"
)

// Party identifies who holds the floor.
type Party int

const (
	PartyNone Party = iota
	PartyUser
	PartyBot
)

func (p Party) String() string {
	switch p {
	case PartyUser:
		return "user"
	case PartyBot:
		return "bot"
	default:
		return "none"
	}
}

// SpeakerLock records which party currently holds the floor for one session.
// At most one party holds it at any instant; acquisition is an atomic
// check-and-set with respect to concurrent admission checks.
type SpeakerLock struct {
	mu         sync.Mutex
	holder     Party
	acquiredAt time.Time
}

// NewSpeakerLock creates an unheld lock.
func NewSpeakerLock() *SpeakerLock {
	return &SpeakerLock{}
}

// TryAcquire attempts to take the floor for p. It succeeds when the lock is
// free or p already holds it.
func (l *SpeakerLock) TryAcquire(p Party) bool {
	if p == PartyNone {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder == p {
		return true
	}
	if l.holder != PartyNone {
		return false
	}
	l.holder = p
	l.acquiredAt = time.Now()
	return true
}

// Release frees the lock if p holds it. Releasing a lock held by another
// party (or nobody) is a no-op.
func (l *SpeakerLock) Release(p Party) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder == p {
		l.holder = PartyNone
		l.acquiredAt = time.Time{}
	}
}

// ForceRelease frees the lock regardless of holder. Reserved for the watchdog
// force-reset path; normal code releases as the holding party.
func (l *SpeakerLock) ForceRelease() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holder = PartyNone
	l.acquiredAt = time.Time{}
}

// Holder reports the current holder and when it acquired the lock.
func (l *SpeakerLock) Holder() (Party, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder, l.acquiredAt
}
