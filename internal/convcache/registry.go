// Package convcache is the process-wide registry of short-term conversation
// context, keyed by session ID. Entries survive reconnects with the same
// session ID so multi-turn continuity does not silently break; a background
// sweep evicts entries idle past the TTL.
package convcache

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voicegate/gateway/internal/metrics"
)

// Turn is one completed user→assistant exchange.
type Turn struct {
	User      string
	Assistant string
	At        time.Time
}

// Context holds the recent turns for one session. Each Context carries its
// own mutex so concurrent sessions never contend on a shared lock.
type Context struct {
	mu         sync.Mutex
	sessionID  string
	turns      []Turn
	maxTurns   int
	lastActive time.Time
}

// SessionID returns the session this context belongs to.
func (c *Context) SessionID() string {
	return c.sessionID
}

// Append records a completed turn, evicting the oldest beyond the window.
func (c *Context) Append(userText, assistantText string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.turns = append(c.turns, Turn{User: userText, Assistant: assistantText, At: time.Now()})
	if len(c.turns) > c.maxTurns {
		c.turns = c.turns[len(c.turns)-c.maxTurns:]
	}
	c.lastActive = time.Now()
}

// Snapshot returns a copy of the recent turns, oldest first.
func (c *Context) Snapshot() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastActive = time.Now()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Touch marks the context active without reading it.
func (c *Context) Touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *Context) idleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActive)
}

// RegistryConfig controls cache retention.
type RegistryConfig struct {
	TTL           time.Duration // idle time before an entry is evicted
	MaxTurns      int           // recent-turn window per session
	SweepInterval time.Duration // zero derives interval from TTL
}

// DefaultRegistryConfig returns retention defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		TTL:      15 * time.Minute,
		MaxTurns: 20,
	}
}

// Registry owns every live conversation context. The registry mutex guards
// only the map; per-entry state is guarded by each Context's own lock.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Context

	cfg    RegistryConfig
	logger *zap.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates the registry and starts its eviction sweeper.
func NewRegistry(cfg RegistryConfig, logger *zap.Logger) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 20
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.TTL / 4
	}

	r := &Registry{
		entries: make(map[string]*Context),
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Acquire returns the context for sessionID, creating it on first use or
// reviving it on reconnect within the TTL window.
func (r *Registry) Acquire(sessionID string) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.entries[sessionID]; ok {
		c.Touch()
		return c
	}

	c := &Context{
		sessionID:  sessionID,
		maxTurns:   r.cfg.MaxTurns,
		lastActive: time.Now(),
	}
	r.entries[sessionID] = c
	metrics.CacheEntries.Set(float64(len(r.entries)))
	return c
}

// Len reports the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close stops the eviction sweeper.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, c := range r.entries {
		if c.idleSince(now) >= r.cfg.TTL {
			delete(r.entries, id)
			evicted++
		}
	}
	if evicted > 0 {
		metrics.CacheEvictions.Add(float64(evicted))
		metrics.CacheEntries.Set(float64(len(r.entries)))
		r.logger.Info("conversation cache sweep",
			zap.Int("evicted", evicted),
			zap.Int("remaining", len(r.entries)))
	}
}
