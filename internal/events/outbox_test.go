package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

var outboxColumns = []string{"id", "clinic_id", "type", "payload", "attempts", "deliver_after", "created_at"}

func TestOutboxStoreFlow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newOutboxStoreWithExec(mock)

	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(pgxmock.AnyArg(), "clinic-1", "scheduling.booking.confirmed.v1", pgxmock.AnyArg(), (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	if err := store.Notify(context.Background(), "clinic-1", BookingConfirmedV1{AppointmentID: "appt-1"}); err != nil {
		t.Fatalf("notify failed: %v", err)
	}

	now := time.Now().UTC()
	id := uuid.New()
	rows := pgxmock.NewRows(outboxColumns).
		AddRow(id, "clinic-1", "scheduling.booking.confirmed.v1", []byte(`{"appointment_id":"appt-1"}`), 0, now, now)
	mock.ExpectQuery("SELECT id").WithArgs(int32(10)).WillReturnRows(rows)

	entries, err := store.FetchDue(context.Background(), 10)
	if err != nil {
		t.Fatalf("fetch due failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id {
		t.Fatalf("unexpected entries: %#v", entries)
	}

	mock.ExpectExec("UPDATE outbox").WithArgs(id).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err := store.MarkDelivered(context.Background(), id)
	if err != nil {
		t.Fatalf("mark delivered failed: %v", err)
	}
	if !ok {
		t.Fatal("expected mark delivered to report success")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestOutboxStoreHoldsScheduledNotifications(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	remindAt := time.Date(2026, 10, 19, 9, 0, 0, 0, time.FixedZone("AEDT", 11*3600))
	want := remindAt.UTC()
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(pgxmock.AnyArg(), "clinic-1", "scheduling.appointment.reminder.v1", pgxmock.AnyArg(), &want).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = newOutboxStoreWithExec(mock).Notify(context.Background(), "clinic-1", AppointmentReminderV1{
		AppointmentID: "appt-1", RemindAt: remindAt, Start: remindAt.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

type recordingHandler struct {
	seen []OutboxEntry
	fail map[uuid.UUID]error
}

func (h *recordingHandler) Handle(_ context.Context, entry OutboxEntry) error {
	h.seen = append(h.seen, entry)
	return h.fail[entry.ID]
}

func TestDelivererReschedulesFailedEntries(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	okID, badID := uuid.New(), uuid.New()
	payload, _ := json.Marshal(WaitlistSlotAvailableV1{EntryID: "w-1"})
	rows := pgxmock.NewRows(outboxColumns).
		AddRow(okID, "clinic-1", "waitlist.slot_available.v1", payload, 0, now, now).
		AddRow(badID, "clinic-1", "waitlist.slot_available.v1", payload, 2, now, now)
	mock.ExpectQuery("SELECT id").WithArgs(int32(25)).WillReturnRows(rows)
	mock.ExpectExec("UPDATE outbox").WithArgs(okID).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	// third attempt waits base * 4
	mock.ExpectExec("SET attempts = attempts \\+ 1, last_error = \\$2, deliver_after").
		WithArgs(badID, "smtp down", now.Add(2*time.Minute)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	handler := &recordingHandler{fail: map[uuid.UUID]error{badID: errors.New("smtp down")}}
	d := NewDeliverer(newOutboxStoreWithExec(mock), handler, logging.Discard()).WithRetries(5, 30*time.Second)
	d.now = func() time.Time { return now }

	if got := d.Drain(context.Background()); got != 1 {
		t.Fatalf("expected one delivered entry, got %d", got)
	}
	if len(handler.seen) != 2 {
		t.Fatalf("expected both entries attempted, got %d", len(handler.seen))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDelivererDeadLettersExhaustedAndUndeliverableEntries(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	now := time.Now().UTC()
	exhausted, broken := uuid.New(), uuid.New()
	rows := pgxmock.NewRows(outboxColumns).
		AddRow(exhausted, "clinic-1", "scheduling.booking.confirmed.v1", []byte(`{}`), 4, now, now).
		AddRow(broken, "clinic-1", "scheduling.booking.confirmed.v1", []byte(`{}`), 0, now, now)
	mock.ExpectQuery("SELECT id").WithArgs(int32(25)).WillReturnRows(rows)
	mock.ExpectExec("dead_at = now\\(\\)").WithArgs(exhausted, "provider down").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("dead_at = now\\(\\)").WithArgs(broken, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	handler := &recordingHandler{fail: map[uuid.UUID]error{
		exhausted: errors.New("provider down"),
		broken:    fmt.Errorf("%w: bad payload", ErrUndeliverable),
	}}
	d := NewDeliverer(newOutboxStoreWithExec(mock), handler, logging.Discard()).WithRetries(5, time.Second)

	if got := d.Drain(context.Background()); got != 0 {
		t.Fatalf("expected nothing delivered, got %d", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDelivererBackoffIsCapped(t *testing.T) {
	d := NewDeliverer(nil, nil, logging.Discard()).WithRetries(20, 30*time.Second)
	cases := map[int]time.Duration{1: 30 * time.Second, 2: time.Minute, 4: 4 * time.Minute, 12: time.Hour}
	for attempt, want := range cases {
		if got := d.backoff(attempt); got != want {
			t.Errorf("backoff(%d) = %s, want %s", attempt, got, want)
		}
	}
}
