package session

import (
	"context"
	"sync"
)

// Locks serializes turns per session. Waiting honours context cancellation.
type Locks struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func NewLocks() *Locks {
	return &Locks{slots: make(map[string]*lockSlot)}
}

// Lock blocks until the session's lock is held or ctx is done. The returned
// function releases the lock and must be called exactly once.
func (l *Locks) Lock(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[id]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[id] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(id, slot, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(id, slot, true) })
	}, nil
}

func (l *Locks) release(id string, slot *lockSlot, held bool) {
	if held {
		<-slot.ch
	}
	l.mu.Lock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, id)
	}
	l.mu.Unlock()
}

// Len reports how many sessions currently have holders or waiters.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
