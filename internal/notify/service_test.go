package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/pearlflow/internal/apperr"
	"github.com/wolfman30/pearlflow/internal/events"
	"github.com/wolfman30/pearlflow/internal/patients"
	"github.com/wolfman30/pearlflow/internal/scheduling"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

const testClinic = "demo-clinic"

type mockEmailSender struct {
	sent    []EmailMessage
	callErr error
}

func (m *mockEmailSender) Send(_ context.Context, msg EmailMessage) error {
	if m.callErr != nil {
		return m.callErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

type mockSMSSender struct {
	sent    []SMSMessage
	callErr error
}

func (m *mockSMSSender) SendSMS(_ context.Context, msg SMSMessage) error {
	if m.callErr != nil {
		return m.callErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

type appointmentMap map[string]scheduling.Appointment

func (m appointmentMap) GetAppointment(_ context.Context, id string) (scheduling.Appointment, error) {
	a, ok := m[id]
	if !ok {
		return scheduling.Appointment{}, apperr.NotFound("get appointment", "appointment not found")
	}
	return a, nil
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	email      *mockEmailSender
	sms        *mockSMSSender
	patient    *patients.Patient
	loc        *time.Location
}

func newDispatcherFixture(t *testing.T, opts ...DispatcherOption) *dispatcherFixture {
	t.Helper()
	dir, err := scheduling.DefaultDirectory()
	require.NoError(t, err)
	roster, ok := dir.Clinic(testClinic)
	require.True(t, ok)

	repo := patients.NewInMemoryRepository()
	p, err := repo.Create(context.Background(), &patients.CreatePatientRequest{
		ClinicID: testClinic, Name: "Ann Lee", Phone: "+61412345678", Email: "ann@example.com",
	})
	require.NoError(t, err)

	email := &mockEmailSender{}
	return &dispatcherFixture{
		dispatcher: NewDispatcher(email, repo, dir, logging.Discard(), opts...),
		email:      email,
		patient:    p,
		loc:        roster.Location(),
	}
}

func TestDispatcher_BookingConfirmed(t *testing.T) {
	f := newDispatcherFixture(t)
	start := time.Date(2026, 10, 20, 9, 0, 0, 0, f.loc)

	err := f.dispatcher.Notify(context.Background(), testClinic, events.BookingConfirmedV1{
		AppointmentID: "appt-1", ClinicID: testClinic, PatientID: f.patient.ID,
		DentistID: "d-smith", ProcedureCode: "EMERG", Start: start, End: start.Add(30 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, f.email.sent, 1)

	msg := f.email.sent[0]
	assert.Equal(t, "ann@example.com", msg.To)
	assert.Equal(t, "Ann Lee", msg.ToName)
	assert.Contains(t, msg.Body, "Hi Ann,")
	assert.Contains(t, msg.Body, "Emergency Examination")
	assert.Contains(t, msg.Body, "PearlFlow Demo Dental")
	assert.Contains(t, msg.Body, "Tuesday, October 20 at 9:00 AM")
}

func TestDispatcher_MoveOfferCreatedMentionsIncentive(t *testing.T) {
	f := newDispatcherFixture(t)
	current := time.Date(2026, 10, 20, 9, 0, 0, 0, f.loc)

	err := f.dispatcher.Notify(context.Background(), testClinic, events.MoveOfferCreatedV1{
		OfferID: "offer-1", ClinicID: testClinic, AppointmentID: "appt-1", PatientID: f.patient.ID,
		CurrentStart: current, TargetStart: current.Add(72 * time.Hour),
		IncentiveType: string(scheduling.IncentiveDiscount), IncentiveValue: "10% discount",
		ExpiresAt: current.Add(-12 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, f.email.sent, 1)
	assert.Contains(t, f.email.sent[0].Body, "10% discount")
	assert.Contains(t, f.email.sent[0].Subject, "PearlFlow Demo Dental")
}

func TestDispatcher_SkipsWithoutRecipient(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		n    events.Notification
	}{
		{"guest patient", events.BookingConfirmedV1{PatientID: "guest-s-1", ProcedureCode: "EMERG"}},
		{"unknown patient", events.WaitlistSlotAvailableV1{PatientID: "nope", ProcedureCode: "CLEAN"}},
		{"declined offer has no email", events.MoveOfferResolvedV1{PatientID: f.patient.ID, Status: string(scheduling.OfferDeclined)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, f.dispatcher.Notify(ctx, testClinic, tc.n))
		})
	}
	assert.Empty(t, f.email.sent)
}

func TestDispatcher_SendFailureIsReturned(t *testing.T) {
	f := newDispatcherFixture(t)
	f.email.callErr = errors.New("smtp down")
	err := f.dispatcher.Notify(context.Background(), testClinic, events.WaitlistSlotAvailableV1{
		PatientID: f.patient.ID, ProcedureCode: "CLEAN", Start: time.Now(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), events.WaitlistSlotAvailableV1{}.EventType())
}

func TestDispatcher_HandleDecodesOutboxEntries(t *testing.T) {
	f := newDispatcherFixture(t)
	start := time.Date(2026, 10, 21, 14, 30, 0, 0, f.loc)
	payload, err := json.Marshal(events.WaitlistSlotAvailableV1{
		EntryID: "w-1", ClinicID: testClinic, PatientID: f.patient.ID, ProcedureCode: "CLEAN",
		DentistID: "d-jones", Start: start, End: start.Add(45 * time.Minute),
	})
	require.NoError(t, err)

	err = f.dispatcher.Handle(context.Background(), events.OutboxEntry{
		ID: uuid.New(), ClinicID: testClinic, Type: events.WaitlistSlotAvailableV1{}.EventType(), Payload: payload,
	})
	require.NoError(t, err)
	require.Len(t, f.email.sent, 1)
	assert.True(t, strings.Contains(f.email.sent[0].Body, "Scale and Clean"))

	// Unknown types are acknowledged; malformed payloads are not.
	require.NoError(t, f.dispatcher.Handle(context.Background(), events.OutboxEntry{ID: uuid.New(), Type: "something.else.v1", Payload: payload}))
	assert.Error(t, f.dispatcher.Handle(context.Background(), events.OutboxEntry{
		ID: uuid.New(), Type: events.BookingConfirmedV1{}.EventType(), Payload: json.RawMessage(`{"start":"not a time"}`),
	}))
}

func TestDispatcher_UsesClinicIdentityAndKind(t *testing.T) {
	f := newDispatcherFixture(t)
	start := time.Date(2026, 10, 20, 9, 0, 0, 0, f.loc)

	err := f.dispatcher.Notify(context.Background(), testClinic, events.BookingConfirmedV1{
		PatientID: f.patient.ID, ProcedureCode: "EMERG", Start: start,
	})
	require.NoError(t, err)
	require.Len(t, f.email.sent, 1)

	msg := f.email.sent[0]
	assert.Equal(t, KindBookingConfirmation, msg.Kind)
	assert.Equal(t, testClinic, msg.ClinicID)
	assert.Equal(t, Identity{
		Email: "frontdesk@demo.pearlflow.dev", Name: "PearlFlow Demo Dental", ReplyTo: "frontdesk@demo.pearlflow.dev",
	}, msg.From)
}

func TestDispatcher_TextsConfirmationsAndOffers(t *testing.T) {
	sms := &mockSMSSender{}
	f := newDispatcherFixture(t, WithSMS(sms))
	start := time.Date(2026, 10, 20, 9, 0, 0, 0, f.loc)
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Notify(ctx, testClinic, events.BookingConfirmedV1{
		PatientID: f.patient.ID, ProcedureCode: "EMERG", Start: start,
	}))
	require.NoError(t, f.dispatcher.Notify(ctx, testClinic, events.MoveOfferCreatedV1{
		PatientID: f.patient.ID, CurrentStart: start, TargetStart: start.Add(48 * time.Hour),
		IncentiveValue: "$25 credit", ExpiresAt: start.Add(-2 * time.Hour),
	}))
	// waitlist openings go out by email only
	require.NoError(t, f.dispatcher.Notify(ctx, testClinic, events.WaitlistSlotAvailableV1{
		PatientID: f.patient.ID, ProcedureCode: "CLEAN", Start: start,
	}))

	assert.Len(t, f.email.sent, 3)
	require.Len(t, sms.sent, 2)
	assert.Equal(t, KindBookingConfirmation, sms.sent[0].Kind)
	assert.Equal(t, "+61412345678", sms.sent[0].To)
	assert.Equal(t, "+61255550100", sms.sent[0].From)
	assert.Contains(t, sms.sent[0].Body, "Emergency Examination is confirmed for Tue 20 Oct 9:00 AM")
	assert.Equal(t, KindMoveOffer, sms.sent[1].Kind)
	assert.Contains(t, sms.sent[1].Body, "$25 credit")
}

func TestDispatcher_SMSFailureIsReturnedAfterEmailSent(t *testing.T) {
	sms := &mockSMSSender{callErr: errors.New("carrier rejected")}
	f := newDispatcherFixture(t, WithSMS(sms))

	err := f.dispatcher.Notify(context.Background(), testClinic, events.BookingConfirmedV1{
		PatientID: f.patient.ID, ProcedureCode: "EMERG", Start: time.Now(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notify: sms")
	assert.Len(t, f.email.sent, 1)
}

func TestDispatcher_Reminders(t *testing.T) {
	sms := &mockSMSSender{}
	start := time.Date(2026, 10, 22, 10, 0, 0, 0, time.UTC)
	appts := appointmentMap{
		"live":      {ID: "live", Status: scheduling.StatusBooked, Start: start},
		"cancelled": {ID: "cancelled", Status: scheduling.StatusCancelled, Start: start},
		"moved":     {ID: "moved", Status: scheduling.StatusBooked, Start: start.Add(72 * time.Hour)},
	}
	f := newDispatcherFixture(t, WithSMS(sms), WithAppointments(appts))
	f.dispatcher.now = func() time.Time { return start.Add(-20 * time.Hour) }

	reminder := func(id string) events.AppointmentReminderV1 {
		return events.AppointmentReminderV1{
			AppointmentID: id, ClinicID: testClinic, PatientID: f.patient.ID,
			ProcedureCode: "CLEAN", Start: start, RemindAt: start.Add(-24 * time.Hour),
		}
	}
	ctx := context.Background()
	for _, id := range []string{"cancelled", "moved", "gone"} {
		require.NoError(t, f.dispatcher.Notify(ctx, testClinic, reminder(id)), id)
	}
	assert.Empty(t, sms.sent)
	assert.Empty(t, f.email.sent)

	require.NoError(t, f.dispatcher.Notify(ctx, testClinic, reminder("live")))
	require.Len(t, sms.sent, 1)
	assert.Equal(t, KindReminder, sms.sent[0].Kind)
	assert.Contains(t, sms.sent[0].Body, "Reminder from PearlFlow Demo Dental")
	assert.Contains(t, sms.sent[0].Body, "Reply STOP to opt out.")
	require.Len(t, f.email.sent, 1)
	assert.Contains(t, f.email.sent[0].Body, "Please arrive 10 minutes early.")
}

func TestDispatcher_NotifyDropsRemindersNotYetDue(t *testing.T) {
	f := newDispatcherFixture(t)
	start := time.Now().Add(72 * time.Hour)

	err := f.dispatcher.Notify(context.Background(), testClinic, events.AppointmentReminderV1{
		AppointmentID: "a-1", PatientID: f.patient.ID, ProcedureCode: "CLEAN",
		Start: start, RemindAt: start.Add(-24 * time.Hour),
	})
	require.NoError(t, err)
	assert.Empty(t, f.email.sent)
}

func TestDispatcher_HandleSendsDueReminders(t *testing.T) {
	f := newDispatcherFixture(t)
	start := time.Now().Add(72 * time.Hour)
	payload, err := json.Marshal(events.AppointmentReminderV1{
		AppointmentID: "a-1", PatientID: f.patient.ID, ProcedureCode: "CLEAN",
		Start: start, RemindAt: start.Add(-24 * time.Hour),
	})
	require.NoError(t, err)

	// the outbox only hands over entries whose deliver_after has passed
	err = f.dispatcher.Handle(context.Background(), events.OutboxEntry{
		ID: uuid.New(), ClinicID: testClinic, Type: events.AppointmentReminderV1{}.EventType(), Payload: payload,
	})
	require.NoError(t, err)
	require.Len(t, f.email.sent, 1)
	assert.Equal(t, KindReminder, f.email.sent[0].Kind)
}

func TestDispatcher_MalformedPayloadIsUndeliverable(t *testing.T) {
	f := newDispatcherFixture(t)
	err := f.dispatcher.Handle(context.Background(), events.OutboxEntry{
		ID: uuid.New(), Type: events.MoveOfferCreatedV1{}.EventType(), Payload: json.RawMessage(`[`),
	})
	assert.ErrorIs(t, err, events.ErrUndeliverable)
}
