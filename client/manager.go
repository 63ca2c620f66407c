package client

import (
	"context"
	"sync"
)

// Manager guarantees at most one live session per room membership. A second
// Connect for the same membership tears the existing session down before
// dialing, so remounts never leave duplicate joins behind.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Connect establishes the session for cfg's membership, replacing any
// existing one.
func (m *Manager) Connect(ctx context.Context, cfg Config) (*Session, error) {
	key := membershipKey(cfg.RoomID, cfg.UserID)

	m.mu.Lock()
	if existing, ok := m.sessions[key]; ok {
		existing.Close()
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	s, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[key]; ok {
		// Lost a connect race; the newer session wins.
		existing.Close()
	}
	m.sessions[key] = s
	m.mu.Unlock()
	return s, nil
}

// Disconnect closes the session for a membership if one is live.
func (m *Manager) Disconnect(roomID, userID string) {
	key := membershipKey(roomID, userID)
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Shutdown closes every live session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for k, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, k)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

func membershipKey(roomID, userID string) string {
	return roomID + "/" + userID
}
