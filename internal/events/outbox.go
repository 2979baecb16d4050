package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

// ErrUndeliverable marks a delivery failure that retrying cannot fix, such as
// a payload that no longer decodes. The entry is dead-lettered at once.
var ErrUndeliverable = errors.New("events: undeliverable")

const (
	defaultMaxAttempts = 8
	defaultRetryBase   = 30 * time.Second
	maxRetryDelay      = time.Hour
	maxErrorLength     = 500
)

// OutboxEntry is a queued notification.
type OutboxEntry struct {
	ID           uuid.UUID
	ClinicID     string
	Type         string
	Payload      json.RawMessage
	Attempts     int
	DeliverAfter time.Time
	CreatedAt    time.Time
}

// DeliveryHandler sends a notification to its recipients.
type DeliveryHandler interface {
	Handle(ctx context.Context, entry OutboxEntry) error
}

type outboxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// OutboxStore queues notifications in Postgres so they survive restarts and
// provider outages. Scheduled notifications wait until their delivery time.
type OutboxStore struct {
	db outboxDB
}

func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &OutboxStore{db: pool}
}

func newOutboxStoreWithExec(db outboxDB) *OutboxStore {
	if db == nil {
		panic("events: exec required")
	}
	return &OutboxStore{db: db}
}

// Notify queues n. A Scheduled notification is held until its DeliverAt.
func (s *OutboxStore) Notify(ctx context.Context, clinicID string, n Notification) error {
	if n == nil {
		return fmt.Errorf("events: notification required")
	}
	eventType := strings.TrimSpace(n.EventType())
	if eventType == "" {
		return fmt.Errorf("events: notification type missing")
	}
	var deliverAfter time.Time
	if sch, ok := n.(Scheduled); ok {
		deliverAfter = sch.DeliverAt()
	}
	_, err := s.Insert(ctx, clinicID, eventType, n, deliverAfter)
	return err
}

// Insert queues payload. A zero deliverAfter means as soon as possible.
func (s *OutboxStore) Insert(ctx context.Context, clinicID, eventType string, payload any, deliverAfter time.Time) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("events: marshal payload: %w", err)
	}
	var after *time.Time
	if !deliverAfter.IsZero() {
		t := deliverAfter.UTC()
		after = &t
	}
	id := uuid.New()
	query := `
		INSERT INTO outbox (id, clinic_id, type, payload, deliver_after)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`
	if _, err := s.db.Exec(ctx, query, id, clinicID, eventType, data, after); err != nil {
		return uuid.Nil, fmt.Errorf("events: insert outbox: %w", err)
	}
	return id, nil
}

// FetchDue returns undelivered, live entries whose delivery time has come.
func (s *OutboxStore) FetchDue(ctx context.Context, limit int32) ([]OutboxEntry, error) {
	query := `
		SELECT id, clinic_id, type, payload, attempts, deliver_after, created_at
		FROM outbox
		WHERE delivered_at IS NULL AND dead_at IS NULL AND deliver_after <= now()
		ORDER BY deliver_after, created_at
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("events: fetch due: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var entry OutboxEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.ClinicID, &entry.Type, &payload, &entry.Attempts, &entry.DeliverAfter, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan outbox: %w", err)
		}
		entry.Payload = append([]byte(nil), payload...)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE outbox
		SET delivered_at = now()
		WHERE id = $1 AND delivered_at IS NULL
	`
	ct, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("events: mark delivered: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// Reschedule records a failed attempt and holds the entry until retryAt.
func (s *OutboxStore) Reschedule(ctx context.Context, id uuid.UUID, cause error, retryAt time.Time) error {
	query := `
		UPDATE outbox
		SET attempts = attempts + 1, last_error = $2, deliver_after = $3
		WHERE id = $1 AND delivered_at IS NULL
	`
	if _, err := s.db.Exec(ctx, query, id, errorText(cause), retryAt.UTC()); err != nil {
		return fmt.Errorf("events: reschedule: %w", err)
	}
	return nil
}

// MarkDead records a final failed attempt. Dead entries are kept for
// inspection and never fetched again.
func (s *OutboxStore) MarkDead(ctx context.Context, id uuid.UUID, cause error) error {
	query := `
		UPDATE outbox
		SET attempts = attempts + 1, last_error = $2, dead_at = now()
		WHERE id = $1 AND delivered_at IS NULL
	`
	if _, err := s.db.Exec(ctx, query, id, errorText(cause)); err != nil {
		return fmt.Errorf("events: mark dead: %w", err)
	}
	return nil
}

func errorText(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	return msg
}

// Deliverer polls the outbox and hands due entries to the handler. Failures
// are retried with exponential backoff until maxAttempts, then dead-lettered.
type Deliverer struct {
	store       *OutboxStore
	handler     DeliveryHandler
	logger      *logging.Logger
	batchSize   int32
	interval    time.Duration
	maxAttempts int
	retryBase   time.Duration
	now         func() time.Time
}

func NewDeliverer(store *OutboxStore, handler DeliveryHandler, logger *logging.Logger) *Deliverer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Deliverer{
		store:       store,
		handler:     handler,
		logger:      logger,
		batchSize:   25,
		interval:    2 * time.Second,
		maxAttempts: defaultMaxAttempts,
		retryBase:   defaultRetryBase,
		now:         time.Now,
	}
}

func (d *Deliverer) WithBatchSize(size int32) *Deliverer {
	if size > 0 {
		d.batchSize = size
	}
	return d
}

func (d *Deliverer) WithInterval(interval time.Duration) *Deliverer {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

// WithRetries sets the attempt limit and the first retry delay.
func (d *Deliverer) WithRetries(maxAttempts int, base time.Duration) *Deliverer {
	if maxAttempts > 0 {
		d.maxAttempts = maxAttempts
	}
	if base > 0 {
		d.retryBase = base
	}
	return d
}

// Start drains the outbox on every tick until ctx is cancelled.
func (d *Deliverer) Start(ctx context.Context) {
	if d.store == nil || d.handler == nil {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Drain(ctx)
		}
	}
}

// Drain delivers one batch of due entries and returns how many succeeded.
func (d *Deliverer) Drain(ctx context.Context) int {
	entries, err := d.store.FetchDue(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("outbox fetch failed", "error", err)
		return 0
	}
	delivered := 0
	for _, entry := range entries {
		if err := d.handler.Handle(ctx, entry); err != nil {
			d.failed(ctx, entry, err)
			continue
		}
		if ok, err := d.store.MarkDelivered(ctx, entry.ID); err != nil {
			d.logger.Error("failed to mark outbox delivered", "error", err, "event_id", entry.ID)
		} else if ok {
			delivered++
			d.logger.Debug("outbox delivered", "event_id", entry.ID, "type", entry.Type)
		}
	}
	return delivered
}

func (d *Deliverer) failed(ctx context.Context, entry OutboxEntry, cause error) {
	attempt := entry.Attempts + 1
	if errors.Is(cause, ErrUndeliverable) || attempt >= d.maxAttempts {
		d.logger.Error("outbox entry dead-lettered", "error", cause, "event_id", entry.ID, "type", entry.Type,
			"clinic_id", entry.ClinicID, "attempts", attempt)
		if err := d.store.MarkDead(ctx, entry.ID, cause); err != nil {
			d.logger.Error("failed to dead-letter outbox entry", "error", err, "event_id", entry.ID)
		}
		return
	}
	retryAt := d.now().Add(d.backoff(attempt))
	d.logger.Warn("outbox delivery failed, will retry", "error", cause, "event_id", entry.ID, "type", entry.Type,
		"attempts", attempt, "retry_at", retryAt)
	if err := d.store.Reschedule(ctx, entry.ID, cause, retryAt); err != nil {
		d.logger.Error("failed to reschedule outbox entry", "error", err, "event_id", entry.ID)
	}
}

// backoff doubles from retryBase per attempt, capped at maxRetryDelay.
func (d *Deliverer) backoff(attempt int) time.Duration {
	delay := d.retryBase
	for i := 1; i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}
