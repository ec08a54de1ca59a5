// Package sessions keeps per-conversation state: model selection and the
// message history that feeds the agent loop. Sessions live in memory only
// and are keyed by platform and user identity; a restart starts fresh.
package sessions

import (
	"sort"
	"sync"
	"time"

	"github.com/steiger/concierge/internal/providers"
)

// Session is one conversation.
type Session struct {
	Key       string
	Model     string
	Messages  []providers.Message
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Manager holds the in-memory session table.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{sessions: map[string]*Session{}}
}

// Key builds the canonical session key from the platform and the user
// identity on that platform. The same user shares one conversation across
// all rooms of a surface.
func Key(platform, userID string) string {
	return platform + ":" + userID
}

// GetOrCreate returns the session for key, creating it as needed.
func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s
	}
	now := time.Now()
	s = &Session{Key: key, CreatedAt: now, UpdatedAt: now}
	m.sessions[key] = s
	return s
}

// History returns a copy of the session's messages.
func (m *Manager) History(key string) []providers.Message {
	s := m.GetOrCreate(key)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]providers.Message, len(s.Messages))
	copy(out, s.Messages)
	return out
}

// SetHistory replaces the session's messages.
func (m *Manager) SetHistory(key string, msgs []providers.Message) {
	s := m.GetOrCreate(key)
	m.mu.Lock()
	s.Messages = append([]providers.Message(nil), msgs...)
	s.UpdatedAt = time.Now()
	m.mu.Unlock()
}

// Model returns the session's model override ("" = config default).
func (m *Manager) Model(key string) string {
	s := m.GetOrCreate(key)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return s.Model
}

// SetModel sets the session's model and clears its history: a model change
// starts a fresh conversation.
func (m *Manager) SetModel(key, model string) {
	s := m.GetOrCreate(key)
	m.mu.Lock()
	s.Model = model
	s.Messages = nil
	s.UpdatedAt = time.Now()
	m.mu.Unlock()
}

// Reset clears the session's history but keeps the model selection.
func (m *Manager) Reset(key string) {
	s := m.GetOrCreate(key)
	m.mu.Lock()
	s.Messages = nil
	s.UpdatedAt = time.Now()
	m.mu.Unlock()
}

// List returns the keys of all sessions, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
