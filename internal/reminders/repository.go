package reminders

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Repository persists reminders.
type Repository interface {
	Insert(ctx context.Context, rs []Reminder) error
	// Due returns pending reminders with FireAt and RetryAt <= now. Reminders
	// with fewer failed attempts come first, then the oldest.
	Due(ctx context.Context, now time.Time, limit int) ([]Reminder, error)
	// Claim moves a pending reminder to sent. It reports false when the
	// reminder was no longer pending, so a reminder is delivered at most once.
	Claim(ctx context.Context, id string, at time.Time) (bool, error)
	// Release returns a claimed reminder to pending after a failed delivery,
	// counts the attempt and holds it back until retryAt.
	Release(ctx context.Context, id string, retryAt time.Time) error
	MarkExpired(ctx context.Context, id string) error
	// Pending lists a chat's pending reminders ordered by FireAt.
	Pending(ctx context.Context, chatID int64) ([]Reminder, error)
}

type memoryRepository struct {
	mu    sync.Mutex
	items map[string]Reminder
}

// NewMemoryRepository returns a process-local Repository. Reminders are lost
// on restart.
func NewMemoryRepository() Repository {
	return &memoryRepository{items: make(map[string]Reminder)}
}

func (m *memoryRepository) Insert(_ context.Context, rs []Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rs {
		m.items[r.ID] = r
	}
	return nil
}

func (m *memoryRepository) Due(_ context.Context, now time.Time, limit int) ([]Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Reminder
	for _, r := range m.items {
		if r.Status == StatusPending && !r.FireAt.After(now) && !r.RetryAt.After(now) {
			out = append(out, r)
		}
	}
	sortDue(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRepository) Claim(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[id]
	if !ok || r.Status != StatusPending {
		return false, nil
	}
	r.Status, r.SentAt = StatusSent, at
	m.items[id] = r
	return true, nil
}

func (m *memoryRepository) Release(_ context.Context, id string, retryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.items[id]; ok && r.Status == StatusSent {
		r.Status, r.SentAt = StatusPending, time.Time{}
		r.Attempts++
		r.RetryAt = retryAt
		m.items[id] = r
	}
	return nil
}

func (m *memoryRepository) MarkExpired(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.items[id]; ok && r.Status == StatusPending {
		r.Status = StatusExpired
		m.items[id] = r
	}
	return nil
}

func (m *memoryRepository) Pending(_ context.Context, chatID int64) ([]Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Reminder
	for _, r := range m.items {
		if r.ChatID == chatID && r.Status == StatusPending {
			out = append(out, r)
		}
	}
	sortByFireAt(out)
	return out, nil
}

func sortByFireAt(rs []Reminder) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].FireAt.Equal(rs[j].FireAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].FireAt.Before(rs[j].FireAt)
	})
}

func sortDue(rs []Reminder) {
	sortByFireAt(rs)
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Attempts < rs[j].Attempts })
}
