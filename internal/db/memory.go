package db

import (
	"context"
	"sort"
	"sync"

	"github.com/manpreetbhatti/codecollab/backend/internal/model"
)

// Memory keeps sessions in process memory only.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*model.Session)}
}

func (m *Memory) CreateSession(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrDuplicate
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// Return a copy so callers never alias stored state
	return m.sessions[id].Clone(), nil
}

func (m *Memory) ListSessions(_ context.Context, limit, offset int) ([]*model.Session, error) {
	m.mu.RLock()
	all := make([]*model.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt != all[j].CreatedAt {
			return all[i].CreatedAt > all[j].CreatedAt
		}
		return all[i].ID < all[j].ID
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *Memory) UpdateSession(_ context.Context, id string, patch model.SessionPatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, nil
	}
	patch.Apply(s)
	return true, nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false, nil
	}
	delete(m.sessions, id)
	return true, nil
}

func (m *Memory) AddUser(_ context.Context, sessionID string, user model.User) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false, nil
	}
	s.Users = append(s.Users, user)
	return true, nil
}

func (m *Memory) RemoveUser(_ context.Context, sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	if i := s.FindUser(userID); i >= 0 {
		s.Users = append(s.Users[:i], s.Users[i+1:]...)
	}
	return nil
}

func (m *Memory) UpdateUser(_ context.Context, sessionID, userID string, patch model.UserPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	if i := s.FindUser(userID); i >= 0 {
		patch.Apply(&s.Users[i])
	}
	return nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{Sessions: len(m.sessions)}
	for _, s := range m.sessions {
		stats.Users += len(s.Users)
	}
	return stats, nil
}

func (m *Memory) Close() error {
	return nil
}
