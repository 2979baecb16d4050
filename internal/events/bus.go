package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wolfman30/pearlflow/pkg/logging"
)

// DefaultQueueSize is the per-subscriber buffer when none is configured.
const DefaultQueueSize = 256

// gapGrace is how long a catch-up waits for a missing seq from a concurrent
// writer before skipping past it.
const gapGrace = 2 * time.Second

// Watcher reports sessions whose log was appended to, by this process or
// another. *RedisLog implements it.
type Watcher interface {
	Watch(ctx context.Context) (<-chan string, error)
}

// Observer receives bus activity for metrics.
type Observer interface {
	EventPublished(eventType string)
	SubscriberDropped()
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithQueueSize bounds each subscriber's live queue.
func WithQueueSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) BusOption {
	return func(b *Bus) { b.observer = o }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// Bus appends events to the Log and fans them out to live subscribers.
// Publish never blocks on a subscriber: a subscriber whose queue is full is
// dropped and its next read returns ErrSubscriberOverflow.
type Bus struct {
	log       Log
	logger    *logging.Logger
	observer  Observer
	queueSize int
	now       func() time.Time

	mu        sync.RWMutex
	subs      map[string]map[uint64]*Subscription
	delivered map[string]int64
	nextID    uint64
}

// NewBus panics on a nil log.
func NewBus(log Log, logger *logging.Logger, opts ...BusOption) *Bus {
	if log == nil {
		panic("events: log cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	b := &Bus{
		log:       log,
		logger:    logger,
		queueSize: DefaultQueueSize,
		now:       time.Now,
		subs:      make(map[string]map[uint64]*Subscription),
		delivered: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends p to the session's log and delivers it to subscribers.
func (b *Bus) Publish(ctx context.Context, sessionID string, p Payload) (Event, error) {
	if p == nil {
		return Event{}, fmt.Errorf("events: nil payload")
	}
	ev, err := b.log.Append(ctx, sessionID, p, b.now())
	if err != nil {
		return Event{}, err
	}
	if b.observer != nil {
		b.observer.EventPublished(string(ev.Type()))
	}

	b.deliver(sessionID, []Event{ev})
	return ev, nil
}

// deliver pushes events to the session's local subscribers, skipping any
// seq already delivered.
func (b *Bus) deliver(sessionID string, evs []Event) {
	overflowed := make(map[uint64]*Subscription)
	b.mu.Lock()
	for _, ev := range evs {
		subs := b.subs[sessionID]
		if len(subs) == 0 {
			break
		}
		if ev.Seq <= b.delivered[sessionID] {
			continue
		}
		b.delivered[sessionID] = ev.Seq
		for _, sub := range subs {
			select {
			case sub.live <- ev:
			default:
				overflowed[sub.id] = sub
			}
		}
	}
	b.mu.Unlock()

	for _, sub := range overflowed {
		b.remove(sub, ErrSubscriberOverflow)
		b.logger.Warn("subscriber dropped", "session_id", sessionID, "subscriber", sub.id)
		if b.observer != nil {
			b.observer.SubscriberDropped()
		}
	}
}

// Follow starts delivering events appended by other processes to this bus's
// subscribers. It returns once the watch is established and keeps running
// until ctx ends.
func (b *Bus) Follow(ctx context.Context, w Watcher) error {
	wakes, err := w.Watch(ctx)
	if err != nil {
		return err
	}
	go func() {
		for sessionID := range wakes {
			if err := b.catchUp(ctx, sessionID); err != nil && ctx.Err() == nil {
				b.logger.Warn("event catch-up failed", "session_id", sessionID, "error", err)
			}
		}
	}()
	return nil
}

// catchUp reads the log past the last delivered seq and delivers it. It stops
// at a seq gap until the gap is older than gapGrace.
func (b *Bus) catchUp(ctx context.Context, sessionID string) error {
	b.mu.RLock()
	from, watched := b.delivered[sessionID]
	b.mu.RUnlock()
	if !watched {
		return nil
	}

	evs, err := b.log.Since(ctx, sessionID, from)
	if errors.Is(err, ErrCursorExpired) {
		b.dropAll(sessionID, ErrCursorExpired)
		return nil
	}
	if err != nil {
		return err
	}

	next := from
	ready := evs[:0]
	for _, ev := range evs {
		if ev.Seq != next+1 && b.now().Sub(ev.At) < gapGrace {
			break
		}
		ready = append(ready, ev)
		next = ev.Seq
	}
	b.deliver(sessionID, ready)
	return nil
}

func (b *Bus) dropAll(sessionID string, reason error) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs[sessionID]))
	for _, sub := range b.subs[sessionID] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		b.remove(sub, reason)
	}
}

// Subscribe delivers every event with seq > after, first from the retained
// log and then live. The subscriber is registered before the backlog is read
// so nothing published in between is missed; duplicates are filtered by seq.
func (b *Bus) Subscribe(ctx context.Context, sessionID string, after int64) (*Subscription, error) {
	sub := &Subscription{
		sessionID: sessionID,
		live:      make(chan Event, b.queueSize),
		done:      make(chan struct{}),
		last:      after,
		bus:       b,
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[uint64]*Subscription)
	}
	b.subs[sessionID][sub.id] = sub
	if _, ok := b.delivered[sessionID]; !ok {
		b.delivered[sessionID] = after
	}
	b.mu.Unlock()

	backlog, err := b.log.Since(ctx, sessionID, after)
	if err != nil {
		b.remove(sub, ErrSubscriptionClosed)
		return nil, err
	}
	sub.backlog = backlog
	return sub, nil
}

// Subscribers returns the number of live subscribers for a session.
func (b *Bus) Subscribers(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

// Replay returns retained events after the cursor without subscribing.
func (b *Bus) Replay(ctx context.Context, sessionID string, after int64) ([]Event, error) {
	return b.log.Since(ctx, sessionID, after)
}

func (b *Bus) remove(sub *Subscription, reason error) {
	b.mu.Lock()
	if set, ok := b.subs[sub.sessionID]; ok {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(b.subs, sub.sessionID)
			delete(b.delivered, sub.sessionID)
		}
	}
	b.mu.Unlock()
	sub.terminate(reason)
}

// Subscription is one reader's cursor over a session's events.
type Subscription struct {
	id        uint64
	sessionID string
	bus       *Bus
	backlog   []Event
	live      chan Event
	last      int64

	once sync.Once
	done chan struct{}
	err  error
}

// Next returns the next event in seq order. After the subscription is dropped
// or closed, buffered events are still returned before the terminal error.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for len(s.backlog) > 0 {
		ev := s.backlog[0]
		s.backlog = s.backlog[1:]
		if ev.Seq <= s.last {
			continue
		}
		s.last = ev.Seq
		return ev, nil
	}
	for {
		select {
		case ev := <-s.live:
			if ev.Seq <= s.last {
				continue
			}
			s.last = ev.Seq
			return ev, nil
		case <-s.done:
			select {
			case ev := <-s.live:
				if ev.Seq > s.last {
					s.last = ev.Seq
					return ev, nil
				}
				continue
			default:
			}
			return Event{}, s.err
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Cursor is the seq of the last event returned by Next.
func (s *Subscription) Cursor() int64 { return s.last }

// Done is closed when the subscription is dropped or closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err is the reason the subscription ended, or nil while it is active.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s, ErrSubscriptionClosed)
}

func (s *Subscription) terminate(reason error) {
	s.once.Do(func() {
		s.err = reason
		close(s.done)
	})
}
