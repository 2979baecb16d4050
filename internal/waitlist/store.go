package waitlist

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists waitlist entries.
type Store interface {
	// Add inserts an entry and assigns the next position within its clinic.
	Add(ctx context.Context, e Entry) (Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	// ListActive returns active entries by priority desc, then position.
	ListActive(ctx context.Context, clinicID string) ([]Entry, error)
	MarkNotified(ctx context.Context, id string, opening *Opening, at time.Time) (Entry, error)
	// SetResponse records a response. Accepted and declined fill the entry;
	// no_response clears the notification so the entry can be offered again.
	SetResponse(ctx context.Context, id string, resp Response, at time.Time) (Entry, error)
}

// MemoryStore keeps entries in process.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	next    map[string]int
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry), next: make(map[string]int)}
}

func (m *MemoryStore) Add(ctx context.Context, e Entry) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next[e.ClinicID]++
	e.Position = m.next[e.ClinicID]
	e.Status = StatusActive
	m.entries[e.ID] = e
	return e, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) ListActive(ctx context.Context, clinicID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.ClinicID == clinicID && e.Status == StatusActive {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}

func (m *MemoryStore) MarkNotified(ctx context.Context, id string, opening *Opening, at time.Time) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	e.Notified = true
	e.NotifiedAt = &at
	e.Response = ResponseNone
	e.Offered = opening
	e.UpdatedAt = at
	m.entries[id] = e
	return e, nil
}

func (m *MemoryStore) SetResponse(ctx context.Context, id string, resp Response, at time.Time) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	applyResponse(&e, resp, at)
	m.entries[id] = e
	return e, nil
}

func applyResponse(e *Entry, resp Response, at time.Time) {
	e.UpdatedAt = at
	switch resp {
	case ResponseAccepted, ResponseDeclined:
		e.Response = resp
		e.Status = StatusFilled
	case ResponseNoResponse:
		e.Response = resp
		e.Notified = false
		e.Offered = nil
	}
}
