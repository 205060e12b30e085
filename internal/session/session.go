// Package session holds per-operator console sessions. A session pins the
// tenant and operator identity supplied by the authentication layer at
// login; nothing else in the service reads ambient identity state.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-console/internal/compose"
	"github.com/chirino/chat-console/internal/syncengine"
	"github.com/google/uuid"
)

// Session is one operator's live console state: a sync engine holding the
// session's subscriptions and a composition pipeline stamped with the
// operator's author tag. Created at login, destroyed at logout or after
// idling out.
type Session struct {
	ID         string
	TenantID   string
	OperatorID string
	CreatedAt  time.Time

	Engine   *syncengine.Engine
	Pipeline *compose.Pipeline

	mu       sync.Mutex
	lastSeen time.Time
}

// Touch marks the session as recently used.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Factory builds the engine and pipeline for a new session.
type Factory func(ctx context.Context, tenantID, operatorID string) (*syncengine.Engine, *compose.Pipeline)

// Manager tracks live sessions and reaps idle ones.
type Manager struct {
	factory     Factory
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(factory Factory, idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	return &Manager{
		factory:     factory,
		idleTimeout: idleTimeout,
		sessions:    map[string]*Session{},
	}
}

// Create opens a session for the given identity and starts its engine. An
// empty tenant is allowed: the engine stays idle and the console renders the
// "no tenant selected" state.
func (m *Manager) Create(ctx context.Context, tenantID, operatorID string) *Session {
	engine, pipeline := m.factory(ctx, tenantID, operatorID)
	s := &Session{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		OperatorID: operatorID,
		CreatedAt:  time.Now(),
		Engine:     engine,
		Pipeline:   pipeline,
		lastSeen:   time.Now(),
	}
	engine.Start(ctx)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	log.Info("Session created", "session", s.ID, "tenant", tenantID, "operator", operatorID)
	return s
}

// Get returns the session, or nil when unknown.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Destroy closes the session's engine, releasing all its subscriptions.
func (m *Manager) Destroy(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.Engine.Close()
	log.Info("Session destroyed", "session", id, "tenant", s.TenantID, "operator", s.OperatorID)
	return true
}

// Start runs the idle reaper until ctx is cancelled, then destroys all
// remaining sessions.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.destroyAll()
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

func (m *Manager) reap() {
	cutoff := time.Now().Add(-m.idleTimeout)
	m.mu.Lock()
	var stale []string
	for id, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()
	for _, id := range stale {
		log.Info("Session idle, reaping", "session", id)
		m.Destroy(id)
	}
}

func (m *Manager) destroyAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Destroy(id)
	}
}
