package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a session id is unknown.
	ErrNotFound = errors.New("session: not found")
	// ErrVersionConflict is returned when Save races another writer.
	ErrVersionConflict = errors.New("session: version conflict")
	// ErrExists is returned by Create for a duplicate id.
	ErrExists = errors.New("session: already exists")
)

// Store persists sessions. Save is an atomic replace guarded by Version: it
// succeeds only if the stored version equals s.Version, and returns the
// session with Version incremented.
type Store interface {
	Create(ctx context.Context, s Session) (Session, error)
	Load(ctx context.Context, id string) (Session, error)
	Save(ctx context.Context, s Session) (Session, error)
	// ListIdle returns active sessions not updated since before.
	ListIdle(ctx context.Context, before time.Time, limit int) ([]Session, error)
}

// MemoryStore keeps sessions in process.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Create(ctx context.Context, s Session) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return Session{}, ErrExists
	}
	s.Version = 1
	m.sessions[s.ID] = s.Clone()
	return s, nil
}

func (m *MemoryStore) Load(ctx context.Context, id string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, s Session) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sessions[s.ID]
	if !ok {
		return Session{}, ErrNotFound
	}
	if current.Version != s.Version {
		return Session{}, ErrVersionConflict
	}
	s.Version++
	m.sessions[s.ID] = s.Clone()
	return s, nil
}

func (m *MemoryStore) ListIdle(ctx context.Context, before time.Time, limit int) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, s := range m.sessions {
		if s.Status == StatusActive && s.UpdatedAt.Before(before) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
