package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Insert(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionID] = s
	return nil
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) TouchActivity(_ context.Context, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = at
	m.sessions[sessionID] = s
	return nil
}

func (m *MemoryStore) Revoke(_ context.Context, sessionID string, at time.Time, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Revoked {
		return false, nil
	}
	m.sessions[sessionID] = revoked(s, at, reason)
	return true, nil
}

func (m *MemoryStore) RevokeAllForUser(_ context.Context, userID int64, exceptSessionID string, at time.Time, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.UserID != userID || s.Revoked || id == exceptSessionID {
			continue
		}
		m.sessions[id] = revoked(s, at, reason)
		n++
	}
	return n, nil
}

func (m *MemoryStore) ListActive(_ context.Context, userID int64, now time.Time) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.Valid(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

func (m *MemoryStore) DeleteStale(_ context.Context, now, revokedBefore time.Time) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expired, old := 0, 0
	for id, s := range m.sessions {
		switch {
		case s.ExpiresAt.Before(now):
			delete(m.sessions, id)
			expired++
		case s.Revoked && s.RevokedAt != nil && s.RevokedAt.Before(revokedBefore):
			delete(m.sessions, id)
			old++
		}
	}
	return expired, old, nil
}

func revoked(s Session, at time.Time, reason string) Session {
	t := at
	s.Revoked = true
	s.RevokedAt = &t
	s.RevokedReason = reason
	return s
}
