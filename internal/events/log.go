package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCursorExpired means the requested cursor is outside the retained
	// window. The client must restart from seq 0.
	ErrCursorExpired = errors.New("events: cursor outside retention window")
	// ErrSubscriberOverflow means the subscriber fell behind its queue bound
	// and was dropped. The client must resync from its last seq.
	ErrSubscriberOverflow = errors.New("events: subscriber queue overflow")
	// ErrSubscriptionClosed is returned after Close.
	ErrSubscriptionClosed = errors.New("events: subscription closed")
)

// Log is the append-only per-session event log. Append has a single writer
// per session; Since may be called concurrently by any number of readers.
type Log interface {
	// Append assigns the next seq for the session and stores the event.
	Append(ctx context.Context, sessionID string, p Payload, at time.Time) (Event, error)
	// Since returns retained events with seq > after in order. It returns
	// ErrCursorExpired when events after the cursor have been discarded or
	// the cursor is ahead of the log.
	Since(ctx context.Context, sessionID string, after int64) ([]Event, error)
}

// Retention bounds how long and how many events a log keeps per session.
type Retention struct {
	MaxAge    time.Duration
	MaxEvents int
}

// DefaultRetention keeps a day of events, at most 2000 per session.
var DefaultRetention = Retention{MaxAge: 24 * time.Hour, MaxEvents: 2000}

func (r Retention) normalize() Retention {
	if r.MaxAge <= 0 {
		r.MaxAge = DefaultRetention.MaxAge
	}
	if r.MaxEvents <= 0 {
		r.MaxEvents = DefaultRetention.MaxEvents
	}
	return r
}

// window checks a cursor against the retained range and returns the events after it.
// retained must be sorted by seq; head is the last assigned seq. A zero cursor
// always succeeds with whatever is still retained.
func window(retained []Event, head, after int64) ([]Event, error) {
	if after < 0 || after > head {
		return nil, ErrCursorExpired
	}
	if after == 0 {
		return append([]Event(nil), retained...), nil
	}
	if after == head {
		return nil, nil
	}
	if len(retained) == 0 || retained[0].Seq > after+1 {
		return nil, ErrCursorExpired
	}
	out := make([]Event, 0, len(retained))
	for _, ev := range retained {
		if ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out, nil
}

type memoryStream struct {
	head   int64
	events []Event
}

// MemoryLog is an in-process Log used for tests and single-instance deployments.
type MemoryLog struct {
	mu        sync.RWMutex
	retention Retention
	streams   map[string]*memoryStream
	now       func() time.Time
}

// NewMemoryLog creates an empty log.
func NewMemoryLog(retention Retention) *MemoryLog {
	return &MemoryLog{
		retention: retention.normalize(),
		streams:   make(map[string]*memoryStream),
		now:       time.Now,
	}
}

func (l *MemoryLog) Append(ctx context.Context, sessionID string, p Payload, at time.Time) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if at.IsZero() {
		at = l.now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.streams[sessionID]
	if !ok {
		st = &memoryStream{}
		l.streams[sessionID] = st
	}
	st.head++
	ev := Event{SessionID: sessionID, Seq: st.head, At: at.UTC(), Payload: p}
	st.events = append(st.events, ev)
	st.events = l.trim(st.events, at)
	return ev, nil
}

func (l *MemoryLog) Since(ctx context.Context, sessionID string, after int64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	st, ok := l.streams[sessionID]
	if !ok {
		return window(nil, 0, after)
	}
	return window(l.retained(st.events, l.now()), st.head, after)
}

// Forget drops a session's log entirely.
func (l *MemoryLog) Forget(sessionID string) {
	l.mu.Lock()
	delete(l.streams, sessionID)
	l.mu.Unlock()
}

func (l *MemoryLog) trim(events []Event, now time.Time) []Event {
	events = l.retained(events, now)
	if over := len(events) - l.retention.MaxEvents; over > 0 {
		events = append([]Event(nil), events[over:]...)
	}
	return events
}

func (l *MemoryLog) retained(events []Event, now time.Time) []Event {
	cutoff := now.Add(-l.retention.MaxAge)
	i := 0
	for i < len(events) && events[i].At.Before(cutoff) {
		i++
	}
	return events[i:]
}
