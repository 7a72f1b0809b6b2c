package session

import (
	"context"
	"sync"

	"github.com/lacrypta/checkout/internal/metrics"
)

// Factory builds a fresh idle session wired to the service's collaborators.
type Factory func() *Session

// Manager enforces the single-owner rule: at most one live session per
// order id.
type Manager struct {
	factory Factory

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(factory Factory) *Manager {
	return &Manager{
		factory:  factory,
		sessions: make(map[string]*Session),
	}
}

// NewDraft returns an unregistered session for the checkout flow. Call
// Register once checkout assigns it an order id.
func (m *Manager) NewDraft() *Session {
	return m.factory()
}

// Register binds a session to its order id. If another session already owns
// the id, the newcomer is closed and the existing owner returned.
func (m *Manager) Register(orderID string, s *Session) *Session {
	m.mu.Lock()
	existing, ok := m.sessions[orderID]
	if !ok {
		m.sessions[orderID] = s
	}
	m.mu.Unlock()

	if ok {
		s.Close()
		return existing
	}
	metrics.ActiveSessions.Inc()
	return s
}

// Get returns the live session for an order id, if any.
func (m *Manager) Get(orderID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[orderID]
	return s, ok
}

// Attach returns the live session for an order id, loading the order from
// the relay into a new session when none exists yet.
func (m *Manager) Attach(ctx context.Context, orderID string) (*Session, error) {
	if s, ok := m.Get(orderID); ok {
		return s, nil
	}

	s := m.factory()
	if err := s.SetOrder(ctx, orderID); err != nil {
		s.Close()
		return nil, err
	}
	return m.Register(orderID, s), nil
}

// Release closes and forgets the session for an order id.
func (m *Manager) Release(orderID string) {
	m.mu.Lock()
	s, ok := m.sessions[orderID]
	delete(m.sessions, orderID)
	m.mu.Unlock()

	if ok {
		s.Close()
		metrics.ActiveSessions.Dec()
	}
}

// CloseAll tears down every live session. Used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
		metrics.ActiveSessions.Dec()
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
