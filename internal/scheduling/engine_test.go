package scheduling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/pearlflow/internal/apperr"
	"github.com/wolfman30/pearlflow/internal/events"
	"github.com/wolfman30/pearlflow/internal/waitlist"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []events.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, _ string, n events.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, n := range r.sent {
		out[i] = n.EventType()
	}
	return out
}

type countingObserver struct {
	mu       sync.Mutex
	bookings map[string]int
	offers   map[string]int
}

func (o *countingObserver) BookingRecorded(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bookings[outcome]++
}

func (o *countingObserver) MoveOfferRecorded(status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offers[status]++
}

type engineFixture struct {
	engine   *Engine
	store    *MemoryStore
	clock    *testClock
	notifier *recordingNotifier
	observer *countingObserver
	loc      *time.Location
}

func newFixture(t *testing.T, opts ...Option) *engineFixture {
	t.Helper()
	loc := sydney(t)
	f := &engineFixture{
		store:    NewMemoryStore(),
		clock:    &testClock{now: time.Date(2026, 3, 2, 7, 0, 0, 0, loc)}, // Monday 07:00
		notifier: &recordingNotifier{},
		observer: &countingObserver{bookings: map[string]int{}, offers: map[string]int{}},
		loc:      loc,
	}
	base := []Option{
		WithClock(f.clock.Now),
		WithNotifier(f.notifier),
		WithObserver(f.observer),
	}
	f.engine = NewEngine(f.store, testDirectory(t), logging.Discard(), append(base, opts...)...)
	return f
}

func (f *engineFixture) at(day, hour, min int) time.Time {
	return time.Date(2026, 3, day, hour, min, 0, 0, f.loc)
}

func (f *engineFixture) book(t *testing.T, patient, dentist, code string, start time.Time) Appointment {
	t.Helper()
	a, err := f.engine.Book(context.Background(), BookingRequest{
		ClinicID: "c1", PatientID: patient, DentistID: dentist, ProcedureCode: code, Start: start,
	})
	require.NoError(t, err)
	return a
}

func TestEngine_FindSlotsValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	_, err := f.engine.FindSlots(ctx, SlotQuery{ClinicID: "c1", From: now, To: now})
	assert.True(t, apperr.IsValidation(err))
	_, err = f.engine.FindSlots(ctx, SlotQuery{ClinicID: "nope", From: now, To: now.Add(time.Hour)})
	assert.True(t, apperr.IsNotFound(err))
	_, err = f.engine.FindSlots(ctx, SlotQuery{ClinicID: "c1", From: now, To: now.Add(time.Hour), ProcedureCode: "XRAY"})
	assert.True(t, apperr.IsValidation(err))

	slots, err := f.engine.FindSlots(ctx, SlotQuery{ClinicID: "c1", From: now, To: now.Add(24 * time.Hour), ProcedureCode: "checkup"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Mon 09:00 d1", "Mon 09:15 d2", "Mon 09:30 d1"}, starts(slots))
}

func TestEngine_BookRemovesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.book(t, "p1", "d1", "CHECKUP", f.at(2, 9, 0))
	assert.Equal(t, StatusBooked, a.Status)
	assert.Equal(t, 180.0, a.EstimatedValue)
	assert.Equal(t, "Checkup", a.ProcedureName)
	assert.True(t, a.End.Equal(f.at(2, 9, 30)))

	now := f.clock.Now()
	slots, err := f.engine.FindSlots(ctx, SlotQuery{ClinicID: "c1", From: now, To: now.Add(24 * time.Hour), ProcedureCode: "CHECKUP"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Mon 09:15 d2", "Mon 09:30 d1"}, starts(slots))
	assert.Equal(t, []string{"scheduling.booking.confirmed.v1"}, f.notifier.types())
	assert.Equal(t, 1, f.observer.bookings["booked"])
}

func TestEngine_BookQueuesReminder(t *testing.T) {
	f := newFixture(t)
	start := f.at(4, 9, 0)
	a := f.book(t, "p1", "d1", "CHECKUP", start)

	require.Equal(t, []string{"scheduling.booking.confirmed.v1", "scheduling.appointment.reminder.v1"}, f.notifier.types())
	reminder := f.notifier.sent[1].(events.AppointmentReminderV1)
	assert.Equal(t, a.ID, reminder.AppointmentID)
	assert.True(t, reminder.RemindAt.Equal(start.Add(-24*time.Hour)))
	assert.True(t, reminder.DeliverAt().Equal(reminder.RemindAt))

	// reminders off
	f = newFixture(t, WithReminderLead(0))
	f.book(t, "p1", "d1", "CHECKUP", start)
	assert.Equal(t, []string{"scheduling.booking.confirmed.v1"}, f.notifier.types())
}

func TestEngine_BookValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := BookingRequest{ClinicID: "c1", PatientID: "p1", DentistID: "d1", ProcedureCode: "CHECKUP", Start: f.at(2, 9, 0)}

	tests := map[string]func(r *BookingRequest){
		"missing patient":     func(r *BookingRequest) { r.PatientID = "" },
		"missing procedure":   func(r *BookingRequest) { r.ProcedureCode = "" },
		"unknown dentist":     func(r *BookingRequest) { r.DentistID = "d9" },
		"dentist cannot":      func(r *BookingRequest) { r.DentistID = "d2"; r.ProcedureCode = "FILL"; r.Start = f.at(2, 9, 15) },
		"in the past":         func(r *BookingRequest) { r.Start = f.at(2, 6, 0) },
		"off grid":            func(r *BookingRequest) { r.Start = f.at(2, 9, 10) },
		"outside hours":       func(r *BookingRequest) { r.Start = f.at(2, 9, 45) },
		"not a working day":   func(r *BookingRequest) { r.Start = f.at(7, 9, 0) },
		"unknown procedure":   func(r *BookingRequest) { r.ProcedureCode = "XRAY" },
		"fill overruns shift": func(r *BookingRequest) { r.ProcedureCode = "FILL"; r.Start = f.at(2, 9, 30) },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			req := base
			mutate(&req)
			_, err := f.engine.Book(ctx, req)
			assert.True(t, apperr.IsValidation(err), "got %v", err)
		})
	}
}

func TestEngine_BookIsIdempotentByID(t *testing.T) {
	f := newFixture(t)
	req := BookingRequest{AppointmentID: "a-1", ClinicID: "c1", PatientID: "p1", DentistID: "d1", ProcedureCode: "CHECKUP", Start: f.at(2, 9, 0)}

	first, err := f.engine.Book(context.Background(), req)
	require.NoError(t, err)
	second, err := f.engine.Book(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []string{"scheduling.booking.confirmed.v1"}, f.notifier.types(), "a replay does not confirm twice")
	assert.Equal(t, 1, f.observer.bookings["replayed"])
}

func TestEngine_BookAfterCancelUsesFreshID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := BookingRequest{AppointmentID: "a-1", ClinicID: "c1", PatientID: "p1", DentistID: "d1", ProcedureCode: "CHECKUP", Start: f.at(2, 9, 0)}

	first, err := f.engine.Book(ctx, req)
	require.NoError(t, err)
	_, err = f.engine.Cancel(ctx, first.ID)
	require.NoError(t, err)

	again, err := f.engine.Book(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, again.ID)
	assert.Equal(t, StatusBooked, again.Status)
}

func TestEngine_ConcurrentBookingOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := f.at(2, 9, 0)

	type result struct {
		appt Appointment
		alts []Slot
		err  error
	}
	results := make([]result, 2)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			a, alts, err := f.engine.BookOrResearch(ctx, BookingRequest{
				ClinicID: "c1", PatientID: []string{"p1", "p2"}[i], DentistID: "d1", ProcedureCode: "CHECKUP", Start: slot,
			})
			results[i] = result{a, alts, err}
		}(i)
	}
	close(start)
	wg.Wait()

	var winners, losers []result
	for _, r := range results {
		if r.err == nil {
			winners = append(winners, r)
		} else {
			losers = append(losers, r)
		}
	}
	require.Len(t, winners, 1)
	require.Len(t, losers, 1)
	assert.True(t, apperr.IsConflict(losers[0].err))
	assert.True(t, errors.Is(losers[0].err, ErrSlotTaken))

	require.NotEmpty(t, losers[0].alts)
	for _, s := range losers[0].alts {
		assert.False(t, s.Overlaps(winners[0].appt.Slot()), "re-search must not return the taken slot")
	}
	assert.Equal(t, "Mon 09:15 d2", starts(losers[0].alts[:1])[0])
	assert.Equal(t, 1, f.observer.bookings["conflict"])
}

// fillHorizon books every d1 slot on Monday and Tuesday and the d2 Monday
// slot so nothing is free inside the 48h move horizon.
func fillHorizon(t *testing.T, f *engineFixture) map[string]Appointment {
	t.Helper()
	booked := map[string]Appointment{
		"mon0900": f.book(t, "p1", "d1", "CHECKUP", f.at(2, 9, 0)),
		"mon0930": f.book(t, "p2", "d1", "CHECKUP", f.at(2, 9, 30)),
		"tue0900": f.book(t, "p3", "d1", "CHECKUP", f.at(3, 9, 0)),
		"tue0930": f.book(t, "p4", "d1", "CHECKUP", f.at(3, 9, 30)),
		"d2":      f.book(t, "p5", "d2", "CHECKUP", f.at(2, 9, 15)),
	}
	return booked
}

func anxiousP1() Option {
	return WithProfiles(ProfileFunc(func(_ context.Context, _, patientID string) (Profile, error) {
		if patientID == "p1" {
			return Profile{AnxietyLevel: 10}, nil
		}
		return Profile{}, nil
	}))
}

func TestEngine_NegotiatePicksBestCandidate(t *testing.T) {
	f := newFixture(t, anxiousP1())
	ctx := context.Background()
	booked := fillHorizon(t, f)

	offer, ok, err := f.engine.Negotiate(ctx, NegotiationRequest{
		ClinicID: "c1", PatientID: "urgent", SessionID: "s-urgent", ProcedureCode: "EMERG", PriorityScore: 80,
	})
	require.NoError(t, err)
	require.True(t, ok)

	// p1's anxiety drops their appointment to 77; the others tie at 87 and
	// the earliest start wins.
	assert.Equal(t, booked["mon0930"].ID, offer.AppointmentID)
	assert.Equal(t, 87, offer.MoveScore)
	assert.Equal(t, Incentive{Type: IncentiveDiscount, Value: "5% discount"}, offer.Incentive)
	assert.True(t, offer.TargetSlot.Start.Equal(f.at(4, 9, 0)), "target is the first slot after the horizon")
	assert.True(t, offer.ExpiresAt.Equal(f.clock.Now().Add(24*time.Hour)))
	assert.Equal(t, OfferPending, offer.Status)
	assert.Equal(t, MoveRequest{PatientID: "urgent", SessionID: "s-urgent", ProcedureCode: "EMERG", Value: 500, PriorityScore: 80}, offer.Request)

	moving, err := f.engine.GetAppointment(ctx, offer.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, StatusOfferingMove, moving.Status)
	assert.Contains(t, f.notifier.types(), "scheduling.move_offer.created.v1")
}

func TestEngine_NegotiateReturnsSessionsPendingOffer(t *testing.T) {
	f := newFixture(t, anxiousP1())
	ctx := context.Background()
	fillHorizon(t, f)
	req := NegotiationRequest{ClinicID: "c1", PatientID: "urgent", SessionID: "s-urgent", ProcedureCode: "EMERG", PriorityScore: 80}

	first, ok, err := f.engine.Negotiate(ctx, req)
	require.NoError(t, err)
	require.True(t, ok)
	again, ok, err := f.engine.Negotiate(ctx, req)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, again.ID)

	pending, err := f.engine.ListOffers(ctx, "c1", OfferPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestEngine_NegotiateSkippedWhenSlotFree(t *testing.T) {
	f := newFixture(t)
	_, ok, err := f.engine.Negotiate(context.Background(), NegotiationRequest{
		ClinicID: "c1", PatientID: "urgent", ProcedureCode: "EMERG", PriorityScore: 80,
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_AcceptOfferMovesBoth(t *testing.T) {
	f := newFixture(t, anxiousP1())
	ctx := context.Background()
	booked := fillHorizon(t, f)

	offer, ok, err := f.engine.Negotiate(ctx, NegotiationRequest{
		ClinicID: "c1", PatientID: "urgent", SessionID: "s-urgent", ProcedureCode: "EMERG", PriorityScore: 80,
	})
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.engine.AcceptOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, OfferAccepted, res.Offer.Status)
	assert.Equal(t, res.Booked.ID, res.Offer.ResultAppointmentID)

	assert.Equal(t, booked["mon0930"].ID, res.Moved.ID)
	assert.True(t, res.Moved.Start.Equal(f.at(4, 9, 0)))
	assert.Equal(t, StatusBooked, res.Moved.Status)

	assert.Equal(t, "urgent", res.Booked.PatientID)
	assert.Equal(t, "EMERG", res.Booked.ProcedureCode)
	assert.True(t, res.Booked.Start.Equal(f.at(2, 9, 30)))
	assert.Equal(t, "s-urgent", res.Booked.SessionID)
	assert.Equal(t, offer.Request.Value, res.Booked.EstimatedValue, "booked at the value it competed with")

	_, err = f.engine.AcceptOffer(ctx, offer.ID)
	assert.True(t, apperr.IsConflict(err))
	assert.True(t, errors.Is(err, ErrOfferResolved))
	_, err = f.engine.DeclineOffer(ctx, offer.ID)
	assert.True(t, apperr.IsConflict(err))

	stored, err := f.engine.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, OfferAccepted, stored.Status, "state reflects the first resolution")
	assert.Contains(t, f.notifier.types(), "scheduling.move_offer.resolved.v1")
	assert.Equal(t, 1, f.observer.offers[string(OfferAccepted)])
}

func TestEngine_DeclineRestoresAppointment(t *testing.T) {
	f := newFixture(t, anxiousP1())
	ctx := context.Background()
	fillHorizon(t, f)

	offer, _, err := f.engine.Negotiate(ctx, NegotiationRequest{ClinicID: "c1", PatientID: "urgent", ProcedureCode: "EMERG", PriorityScore: 80})
	require.NoError(t, err)

	declined, err := f.engine.DeclineOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, OfferDeclined, declined.Status)
	require.NotNil(t, declined.RespondedAt)

	a, err := f.engine.GetAppointment(ctx, offer.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, StatusBooked, a.Status)

	_, err = f.engine.DeclineOffer(ctx, offer.ID)
	assert.True(t, apperr.IsConflict(err))
	_, err = f.engine.DeclineOffer(ctx, "missing")
	assert.True(t, apperr.IsNotFound(err))
}

func TestEngine_OfferExpiry(t *testing.T) {
	f := newFixture(t, anxiousP1())
	ctx := context.Background()
	fillHorizon(t, f)

	offer, _, err := f.engine.Negotiate(ctx, NegotiationRequest{ClinicID: "c1", PatientID: "urgent", ProcedureCode: "EMERG", PriorityScore: 80})
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	_, err = f.engine.AcceptOffer(ctx, offer.ID)
	assert.True(t, apperr.IsConflict(err))

	stored, err := f.engine.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, OfferExpired, stored.Status)
	a, err := f.engine.GetAppointment(ctx, offer.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, StatusBooked, a.Status)
}

func TestEngine_ExpireOffersSweep(t *testing.T) {
	f := newFixture(t, anxiousP1(), WithOfferTTL(time.Hour))
	ctx := context.Background()
	fillHorizon(t, f)

	offer, _, err := f.engine.Negotiate(ctx, NegotiationRequest{ClinicID: "c1", PatientID: "urgent", ProcedureCode: "EMERG", PriorityScore: 80})
	require.NoError(t, err)

	expired, err := f.engine.ExpireOffers(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	f.clock.Advance(time.Hour)
	expired, err = f.engine.ExpireOffers(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, offer.ID, expired[0].ID)

	pending, err := f.engine.ListOffers(ctx, "c1", OfferPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
	_, err = f.engine.ListOffers(ctx, "c1", "LOST")
	assert.True(t, apperr.IsValidation(err))
}

func TestEngine_MoveCheck(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, "p1", "d1", "CHECKUP", f.at(2, 9, 0))

	res, err := f.engine.MoveCheck(context.Background(), MoveCheckRequest{
		AppointmentID: a.ID, CandidateStart: f.at(5, 9, 0), NewValue: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, 77, res.MoveScore)
	assert.Equal(t, RecommendMove, res.Recommendation)
	assert.Equal(t, "10% discount", res.IncentiveNeeded)
	assert.Equal(t, 320.0, res.RevenueDifference)

	_, err = f.engine.MoveCheck(context.Background(), MoveCheckRequest{AppointmentID: "missing", CandidateStart: f.at(5, 9, 0)})
	assert.True(t, apperr.IsNotFound(err))
}

func newWaitlist() *waitlist.Service {
	return waitlist.NewService(waitlist.NewMemoryStore(), nil, logging.Discard())
}

func TestEngine_OptimizeDay(t *testing.T) {
	wl := newWaitlist()
	f := newFixture(t, WithWaitlist(wl))
	ctx := context.Background()
	a := f.book(t, "p1", "d1", "CHECKUP", f.at(2, 9, 0))

	scale, err := wl.Add(ctx, waitlist.AddRequest{ClinicID: "c1", PatientID: "p7", ProcedureCode: "SCALE", PriorityScore: 60})
	require.NoError(t, err)
	_, err = wl.Add(ctx, waitlist.AddRequest{ClinicID: "c1", PatientID: "p8", ProcedureCode: "CHECKUP", PriorityScore: 90})
	require.NoError(t, err)
	_, err = wl.Add(ctx, waitlist.AddRequest{ClinicID: "c1", PatientID: "p9", ProcedureCode: "FILL", PriorityScore: 90})
	require.NoError(t, err)

	suggestions, err := f.engine.OptimizeDay(ctx, "c1", f.at(2, 12, 0))
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	s := suggestions[0]
	assert.Equal(t, a.ID, s.SourceAppointmentID)
	assert.Equal(t, scale.ID, s.WaitlistEntryID)
	assert.Equal(t, 81, s.MoveScore)
	assert.Equal(t, RecommendMove, s.Recommendation)
	assert.Equal(t, 220.0, s.PotentialRevenueGain)
	assert.True(t, s.TargetSlot.Start.Equal(f.at(3, 9, 0)))

	empty, err := f.engine.OptimizeDay(ctx, "c1", f.at(3, 12, 0))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestEngine_CancelNotifiesWaitlist(t *testing.T) {
	wl := newWaitlist()
	f := newFixture(t, WithWaitlist(wl))
	ctx := context.Background()
	a := f.book(t, "p1", "d1", "CHECKUP", f.at(2, 9, 0))

	add := func(req waitlist.AddRequest) waitlist.Entry {
		req.ClinicID = "c1"
		e, err := wl.Add(ctx, req)
		require.NoError(t, err)
		return e
	}
	add(waitlist.AddRequest{PatientID: "low", ProcedureCode: "CHECKUP", PriorityScore: 10})
	add(waitlist.AddRequest{PatientID: "afternoon", PreferredTime: waitlist.PreferAfternoon, PriorityScore: 90})
	add(waitlist.AddRequest{PatientID: "too-long", ProcedureCode: "FILL", PriorityScore: 70})
	best := add(waitlist.AddRequest{PatientID: "any", PriorityScore: 40})

	res, err := f.engine.Cancel(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Appointment.Status)
	require.NotNil(t, res.Notified)
	assert.Equal(t, best.ID, res.Notified.ID)
	require.NotNil(t, res.Notified.Offered)
	assert.True(t, res.Notified.Offered.Start.Equal(a.Start))

	_, err = f.engine.Cancel(ctx, a.ID)
	assert.True(t, apperr.IsConflict(err))
	_, err = f.engine.Cancel(ctx, "missing")
	assert.True(t, apperr.IsNotFound(err))

	// The slot is bookable again.
	again := f.book(t, "p2", "d1", "CHECKUP", f.at(2, 9, 0))
	assert.Equal(t, StatusBooked, again.Status)
}
