package session

import (
	"sync"

	"github.com/voicegate/gateway/internal/metrics"
)

// Registry tracks live sessions for the watchdog and graceful shutdown.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Machine
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Machine)}
}

// Add registers a session. A reconnect with the same session ID replaces the
// previous machine, which is returned so the caller can close it.
func (r *Registry) Add(m *Machine) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.sessions[m.cfg.SessionID]
	r.sessions[m.cfg.SessionID] = m
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	return old
}

// Remove drops a session. It is a no-op if the registered machine is not m
// (a reconnect already replaced it).
func (r *Registry) Remove(m *Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[m.cfg.SessionID] == m {
		delete(r.sessions, m.cfg.SessionID)
	}
	metrics.SessionsActive.Set(float64(len(r.sessions)))
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ForEach calls fn for every live session. fn runs outside the registry lock.
func (r *Registry) ForEach(fn func(*Machine)) {
	r.mu.Lock()
	list := make([]*Machine, 0, len(r.sessions))
	for _, m := range r.sessions {
		list = append(list, m)
	}
	r.mu.Unlock()

	for _, m := range list {
		fn(m)
	}
}

// CloseAll tears down every live session.
func (r *Registry) CloseAll() {
	r.ForEach(func(m *Machine) { m.Close() })
}
