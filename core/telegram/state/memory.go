package state

import (
	"context"
	"sync"
	"time"
)

type memoryManager struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryManager constructs an in-process Manager. Sessions idle for
// longer than ttl are treated as absent; ttl <= 0 keeps them forever.
func NewMemoryManager(ttl time.Duration) Manager {
	return &memoryManager{
		sessions: make(map[int64]*Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (m *memoryManager) Get(_ context.Context, chatID int64) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[chatID]
	if !ok || m.expired(s) {
		return nil, ErrNotFound
	}
	return s.clone(), nil
}

func (m *memoryManager) Save(_ context.Context, chatID int64, s *Session) error {
	if s == nil {
		return nil
	}
	stored := s.clone()
	stored.UpdatedAt = m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[chatID] = stored
	m.gcLocked()
	return nil
}

func (m *memoryManager) Clear(_ context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, chatID)
	return nil
}

func (m *memoryManager) InProgress(ctx context.Context, chatID int64) bool {
	s, err := m.Get(ctx, chatID)
	return err == nil && s.State != StateIdle
}

func (m *memoryManager) expired(s *Session) bool {
	return m.ttl > 0 && m.now().Sub(s.UpdatedAt) > m.ttl
}

// gcLocked drops expired sessions; callers hold the write lock.
func (m *memoryManager) gcLocked() {
	if m.ttl <= 0 {
		return
	}
	for id, s := range m.sessions {
		if m.expired(s) {
			delete(m.sessions, id)
		}
	}
}
