package turn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wolfman30/pearlflow/internal/events"
	"github.com/wolfman30/pearlflow/internal/scheduling"
	"github.com/wolfman30/pearlflow/internal/session"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

const (
	msgMoveOffer = "Would you be able to help another patient who needs urgent care? " +
		"If you can move your appointment to %s, we'll thank you with %s."
	msgOfferAccepted = "Good news! A slot has opened up for you."
	msgOfferLapsed   = "The earlier slot we were arranging didn't work out, but the times offered earlier are still available."
)

// AppointmentSource looks up appointments for live announcements.
// *scheduling.Engine implements it.
type AppointmentSource interface {
	Clinics() *scheduling.Directory
	GetAppointment(ctx context.Context, id string) (scheduling.Appointment, error)
}

// Announcer relays move-offer notifications into the affected patients'
// live sessions, then hands every notification to the next Notifier.
// Announcements run after the caller returns, under the target session's
// lock, so they never interleave with a turn on that session.
type Announcer struct {
	sessions     session.Store
	locks        *session.Locks
	bus          Publisher
	appointments AppointmentSource
	next         events.Notifier
	sanitizer    Sanitizer
	logger       *logging.Logger
	events       *EventLogger
	now          func() time.Time

	wg sync.WaitGroup
}

// NewAnnouncer wires an Announcer. next may be nil.
func NewAnnouncer(sessions session.Store, locks *session.Locks, bus Publisher, appointments AppointmentSource, next events.Notifier, logger *logging.Logger) *Announcer {
	if sessions == nil || locks == nil || bus == nil || appointments == nil {
		panic("turn: announcer dependencies cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Announcer{
		sessions:     sessions,
		locks:        locks,
		bus:          bus,
		appointments: appointments,
		next:         next,
		logger:       logger,
		events:       NewEventLogger(logger),
		now:          time.Now,
	}
}

// WithSanitizer sets the outbound text sanitizer.
func (a *Announcer) WithSanitizer(s Sanitizer) *Announcer {
	a.sanitizer = s
	return a
}

func (a *Announcer) Notify(ctx context.Context, clinicID string, n events.Notification) error {
	switch v := n.(type) {
	case events.MoveOfferCreatedV1:
		if v.SessionID != "" {
			a.spawn(ctx, v.SessionID, func(s *session.Session, out *announcement) error {
				return a.offerCreated(ctx, s, out, v)
			})
		}
	case events.MoveOfferResolvedV1:
		a.events.OfferResolved(ctx, v.RequesterSessionID, v.ClinicID, v.OfferID, v.Status)
		if v.RequesterSessionID != "" {
			a.spawn(ctx, v.RequesterSessionID, func(s *session.Session, out *announcement) error {
				return a.offerResolved(ctx, s, out, v)
			})
		}
	}
	if a.next == nil {
		return nil
	}
	return a.next.Notify(ctx, clinicID, n)
}

// Wait blocks until pending announcements finish.
func (a *Announcer) Wait() {
	a.wg.Wait()
}

func (a *Announcer) spawn(ctx context.Context, sessionID string, fn func(*session.Session, *announcement) error) {
	ctx = context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.announce(ctx, sessionID, fn); err != nil {
			a.logger.Warn("session announcement failed", "session_id", sessionID, "error", err)
		}
	}()
}

func (a *Announcer) announce(ctx context.Context, sessionID string, fn func(*session.Session, *announcement) error) error {
	unlock, err := a.locks.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	s, err := a.sessions.Load(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.Status != session.StatusActive {
		return nil
	}

	out := &announcement{a: a, ctx: ctx, s: &s}
	if err := fn(&s, out); err != nil {
		return err
	}
	if out.published == 0 {
		return nil
	}
	s.UpdatedAt = a.now().UTC()
	saved, err := a.sessions.Save(ctx, s)
	if err != nil {
		return err
	}
	_, err = a.bus.Publish(ctx, saved.ID, events.Complete{
		Agent:         string(saved.ActiveAgent),
		Stage:         string(saved.Stage),
		PriorityScore: saved.PriorityScore,
		Emergency:     saved.Emergency,
	})
	return err
}

func (a *Announcer) offerCreated(ctx context.Context, s *session.Session, out *announcement, n events.MoveOfferCreatedV1) error {
	r, ok := a.appointments.Clinics().Clinic(n.ClinicID)
	if !ok {
		return fmt.Errorf("turn: unknown clinic %s", n.ClinicID)
	}
	when := n.TargetStart.In(r.Location()).Format(slotLabelLayout)
	if err := out.say(fmt.Sprintf(msgMoveOffer, when, incentiveText(n.IncentiveType, n.IncentiveValue))); err != nil {
		return err
	}
	offer, err := a.offerFor(ctx, n)
	if err != nil {
		return err
	}
	return out.show(offer)
}

func (a *Announcer) offerFor(ctx context.Context, n events.MoveOfferCreatedV1) (events.IncentiveOffer, error) {
	appt, err := a.appointments.GetAppointment(ctx, n.AppointmentID)
	if err != nil {
		return events.IncentiveOffer{}, err
	}
	return events.IncentiveOffer{
		OfferID:        n.OfferID,
		AppointmentID:  n.AppointmentID,
		TargetStart:    n.TargetStart,
		TargetEnd:      n.TargetStart.Add(appt.End.Sub(appt.Start)),
		IncentiveType:  n.IncentiveType,
		IncentiveValue: n.IncentiveValue,
		ExpiresAt:      n.ExpiresAt,
	}, nil
}

func (a *Announcer) offerResolved(ctx context.Context, s *session.Session, out *announcement, n events.MoveOfferResolvedV1) error {
	if s.Booking.PendingOfferID != n.OfferID {
		return nil
	}
	s.Booking.PendingOfferID = ""

	if n.Status != string(scheduling.OfferAccepted) || n.ResultAppointmentID == "" {
		return out.say(msgOfferLapsed)
	}

	appt, err := a.appointments.GetAppointment(ctx, n.ResultAppointmentID)
	if err != nil {
		return err
	}
	r, ok := a.appointments.Clinics().Clinic(appt.ClinicID)
	if !ok {
		return fmt.Errorf("turn: unknown clinic %s", appt.ClinicID)
	}
	s.Booking.AppointmentID = appt.ID
	s.Booking.Options = nil
	card := confirmationCard(r, appt)
	if err := out.say(msgOfferAccepted + " " + confirmationText(card, r.Location())); err != nil {
		return err
	}
	return out.show(card)
}

func incentiveText(kind, value string) string {
	switch scheduling.IncentiveType(kind) {
	case scheduling.IncentiveDiscount:
		return value + " off your visit"
	case scheduling.IncentivePrioritySlot:
		return "priority booking for your next visit"
	default:
		if value == "" {
			return "a small thank-you gift"
		}
		return value
	}
}

// announcement publishes assistant text outside a turn.
type announcement struct {
	a         *Announcer
	ctx       context.Context
	s         *session.Session
	published int
}

func (o *announcement) say(text string) error {
	if o.a.sanitizer != nil {
		text = o.a.sanitizer.SanitizeAgentResponse(o.ctx, o.s.ClinicID, o.s.ID, text)
	}
	o.s.History = append(o.s.History, session.Turn{
		Role:  session.RoleAssistant,
		Agent: o.s.ActiveAgent,
		Text:  text,
		At:    o.a.now().UTC(),
	})
	for _, chunk := range sentences(text) {
		if _, err := o.a.bus.Publish(o.ctx, o.s.ID, events.Token{Text: chunk, Agent: string(o.s.ActiveAgent)}); err != nil {
			return err
		}
		o.published++
	}
	return nil
}

func (o *announcement) show(c events.Component) error {
	if n := len(o.s.History); n > 0 && o.s.History[n-1].Role == session.RoleAssistant {
		o.s.History[n-1].Component = c.ComponentType()
	}
	if _, err := o.a.bus.Publish(o.ctx, o.s.ID, events.UIComponent{Component: c}); err != nil {
		return err
	}
	o.published++
	return nil
}
