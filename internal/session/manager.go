// Package session manages the set of live Pipeline instances a host is
// running, one per agent session. It owns no decision logic itself: it is
// purely a concurrency-safe registry that the operator control surface and
// the main agent loop use to find, reset, and enumerate sessions.
package session

import (
	"fmt"
	"sync"

	"github.com/octoreflex/sentinel/internal/pipeline"
)

// Status is a snapshot of one session's state, used for operator reporting.
type Status struct {
	SessionID   string
	Fingerprint string
	HealthScore float64
	HealthState string
}

// Manager is a thread-safe registry of Pipeline instances keyed by session
// ID. Each Pipeline remains single-threaded internally; Manager only
// guards the map of sessions, never a Pipeline's own Process call.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*pipeline.Pipeline
}

// NewManager creates an empty session Manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*pipeline.Pipeline)}
}

// Register adds a Pipeline under sessionID. Overwrites any existing entry
// for that ID.
func (m *Manager) Register(sessionID string, p *pipeline.Pipeline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = p
}

// Get returns the Pipeline for sessionID, or (nil, false) if not found.
func (m *Manager) Get(sessionID string) (*pipeline.Pipeline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.sessions[sessionID]
	return p, ok
}

// Remove deletes a session from the registry. It does not stop any
// in-flight Process call; callers must ensure the session is idle first.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// Reset resets the Pipeline for sessionID in place. Returns an error if the
// session is not registered.
func (m *Manager) Reset(sessionID string) error {
	m.mu.RLock()
	p, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session: %q not found", sessionID)
	}
	p.Reset()
	return nil
}

// Status returns a snapshot of sessionID's current state.
func (m *Manager) Status(sessionID string) (Status, error) {
	m.mu.RLock()
	p, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return Status{}, fmt.Errorf("session: %q not found", sessionID)
	}
	health := p.Health()
	return Status{
		SessionID:   sessionID,
		Fingerprint: p.Fingerprint(),
		HealthScore: health.Score,
		HealthState: health.Status.String(),
	}, nil
}

// List returns the IDs of every registered session.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
