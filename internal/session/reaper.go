package session

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/pearlflow/pkg/logging"
)

// AbandonHook runs after a session is marked abandoned.
type AbandonHook func(ctx context.Context, s Session)

// Reaper marks sessions that have been idle too long as ABANDONED.
type Reaper struct {
	store   Store
	locks   *Locks
	idle    time.Duration
	logger  *logging.Logger
	onClose AbandonHook
	now     func() time.Time
}

func NewReaper(store Store, locks *Locks, idle time.Duration, logger *logging.Logger) *Reaper {
	if store == nil || locks == nil {
		panic("session: reaper requires store and locks")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if idle <= 0 {
		idle = 2 * time.Hour
	}
	return &Reaper{store: store, locks: locks, idle: idle, logger: logger, now: time.Now}
}

// OnAbandon registers a hook, e.g. transcript archival.
func (r *Reaper) OnAbandon(hook AbandonHook) *Reaper {
	r.onClose = hook
	return r
}

// Sweep abandons idle sessions and returns how many were changed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.now().UTC()
	idle, err := r.store.ListIdle(ctx, now.Add(-r.idle), 100)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, candidate := range idle {
		ok, err := r.abandon(ctx, candidate.ID, now)
		if err != nil {
			r.logger.Warn("session: abandon failed", "session_id", candidate.ID, "error", err)
			continue
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

func (r *Reaper) abandon(ctx context.Context, id string, now time.Time) (bool, error) {
	unlock, err := r.locks.Lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	s, err := r.store.Load(ctx, id)
	if err != nil {
		return false, err
	}
	// a turn may have landed while we waited for the lock
	if s.Status != StatusActive || !s.UpdatedAt.Before(now.Add(-r.idle)) {
		return false, nil
	}
	s.Status = StatusAbandoned
	s.UpdatedAt = now
	saved, err := r.store.Save(ctx, s)
	if errors.Is(err, ErrVersionConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.logger.Info("session: abandoned", "session_id", id)
	if r.onClose != nil {
		r.onClose(ctx, saved)
	}
	return true, nil
}

// Start sweeps every interval until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("session: idle sweep failed", "error", err)
			}
		}
	}
}
