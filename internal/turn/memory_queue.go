package turn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrQueueFull is returned by MemoryQueue.Send at capacity.
var ErrQueueFull = errors.New("turn: queue is full")

// MemoryQueue is an in-process Queue with FIFO group semantics: a group's
// next message is not handed out until the previous one is deleted.
type MemoryQueue struct {
	mu       sync.Mutex
	capacity int
	pending  []Message
	inflight map[string]string
	busy     map[string]bool
	wake     chan struct{}
}

// NewMemoryQueue creates a MemoryQueue holding up to capacity messages.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 128
	}
	return &MemoryQueue{
		capacity: capacity,
		inflight: make(map[string]string),
		busy:     make(map[string]bool),
		wake:     make(chan struct{}),
	}
}

func (q *MemoryQueue) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) >= q.capacity {
		return ErrQueueFull
	}
	q.pending = append(q.pending, msg)
	q.signalLocked()
	return nil
}

// Receive blocks until a message is available, ctx is done, or waitSeconds
// elapses. A zero wait blocks until ctx is done.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	var timeout <-chan time.Time
	if waitSeconds > 0 {
		timer := time.NewTimer(time.Duration(waitSeconds) * time.Second)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		q.mu.Lock()
		batch := q.takeLocked(maxMessages)
		wake := q.wake
		q.mu.Unlock()
		if len(batch) > 0 {
			return batch, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, nil
		case <-wake:
		}
	}
}

// Delete acknowledges a received message and releases its group.
func (q *MemoryQueue) Delete(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	group, ok := q.inflight[receiptHandle]
	if !ok {
		return nil
	}
	delete(q.inflight, receiptHandle)
	delete(q.busy, group)
	q.signalLocked()
	return nil
}

// Len returns the number of messages not yet received.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *MemoryQueue) takeLocked(max int) []Message {
	var (
		out  []Message
		keep = q.pending[:0]
	)
	for _, msg := range q.pending {
		if len(out) >= max || (msg.GroupID != "" && q.busy[msg.GroupID]) {
			keep = append(keep, msg)
			continue
		}
		msg.ReceiptHandle = uuid.NewString()
		if msg.GroupID != "" {
			q.busy[msg.GroupID] = true
		}
		q.inflight[msg.ReceiptHandle] = msg.GroupID
		out = append(out, msg)
	}
	q.pending = keep
	return out
}

// signalLocked wakes every waiting receiver.
func (q *MemoryQueue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
