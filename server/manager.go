// Package server accepts client connections on the TLS listener, runs
// the handshake, and dispatches inbound packets to each connection's
// session source.
package server

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gitmirrors2/xpra/session"
)

// Manager tracks the connected sessions and allocates their ids.
type Manager struct {
	log     *slog.Logger
	counter atomic.Uint64

	mu       sync.RWMutex
	sessions map[uint64]*session.Source
}

// NewManager creates an empty session manager. If log is nil,
// slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		sessions: make(map[uint64]*session.Source),
	}
}

// NextID allocates the next session id. Ids are never reused within a
// server's lifetime.
func (m *Manager) NextID() uint64 {
	return m.counter.Add(1)
}

// Add registers a session under its id.
func (m *Manager) Add(s *session.Source) {
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	m.log.Info("session registered", "session", s.ID(), "uuid", s.UUID())
}

// Remove unregisters a session. Unknown ids are ignored.
func (m *Manager) Remove(id uint64) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if ok {
		m.log.Info("session removed", "session", id)
	}
}

// Get returns the session with the given id, or nil.
func (m *Manager) Get(id uint64) *session.Source {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// List returns all connected sessions.
func (m *Manager) List() []*session.Source {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*session.Source, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of connected sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Infos snapshots every connected session for the info endpoint.
func (m *Manager) Infos() []session.Info {
	sessions := m.List()
	infos := make([]session.Info, len(sessions))
	for i, s := range sessions {
		infos[i] = s.Info()
	}
	return infos
}

// Broadcast sends a setting change to every connected session.
func (m *Manager) Broadcast(setting string, value any) {
	for _, s := range m.List() {
		s.SendSettingChange(setting, value)
	}
}
