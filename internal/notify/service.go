package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/pearlflow/internal/apperr"
	"github.com/wolfman30/pearlflow/internal/events"
	"github.com/wolfman30/pearlflow/internal/patients"
	"github.com/wolfman30/pearlflow/internal/scheduling"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

// PatientLookup resolves the recipient of a notification.
type PatientLookup interface {
	GetByID(ctx context.Context, id string) (*patients.Patient, error)
}

// ClinicLookup resolves clinic names, time zones, procedures and sender
// identity.
type ClinicLookup interface {
	Clinic(id string) (*scheduling.Roster, bool)
}

// AppointmentLookup lets reminders check the appointment still stands.
// *scheduling.Engine implements it.
type AppointmentLookup interface {
	GetAppointment(ctx context.Context, id string) (scheduling.Appointment, error)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithSMS sends the SMS variants of confirmations, move offers and reminders.
func WithSMS(s SMSSender) DispatcherOption { return func(d *Dispatcher) { d.sms = s } }

// WithAppointments enables the reminder staleness check.
func WithAppointments(a AppointmentLookup) DispatcherOption {
	return func(d *Dispatcher) { d.appointments = a }
}

// Dispatcher renders scheduling and waitlist notifications and sends them to
// the patient by email and, for the kinds that warrant it, SMS. It is used
// directly as an events.Notifier when there is no outbox, and as the outbox
// DeliveryHandler otherwise.
type Dispatcher struct {
	email        EmailSender
	sms          SMSSender
	patients     PatientLookup
	clinics      ClinicLookup
	appointments AppointmentLookup
	logger       *logging.Logger
	now          func() time.Time
}

func NewDispatcher(email EmailSender, patientLookup PatientLookup, clinics ClinicLookup, logger *logging.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	if email == nil {
		email = NewStubEmailSender(logger)
	}
	d := &Dispatcher{
		email:    email,
		patients: patientLookup,
		clinics:  clinics,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var (
	_ events.Notifier        = (*Dispatcher)(nil)
	_ events.DeliveryHandler = (*Dispatcher)(nil)
)

var decoders = map[string]func(json.RawMessage) (events.Notification, error){
	events.MoveOfferCreatedV1{}.EventType():      decodeAs[events.MoveOfferCreatedV1],
	events.MoveOfferResolvedV1{}.EventType():     decodeAs[events.MoveOfferResolvedV1],
	events.BookingConfirmedV1{}.EventType():      decodeAs[events.BookingConfirmedV1],
	events.WaitlistSlotAvailableV1{}.EventType(): decodeAs[events.WaitlistSlotAvailableV1],
	events.AppointmentReminderV1{}.EventType():   decodeAs[events.AppointmentReminderV1],
}

func decodeAs[T events.Notification](payload json.RawMessage) (events.Notification, error) {
	var n T
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, err
	}
	return n, nil
}

// Handle decodes an outbox entry and delivers it. Unknown types are
// acknowledged so they do not block the outbox; undecodable payloads are
// reported as undeliverable.
func (d *Dispatcher) Handle(ctx context.Context, entry events.OutboxEntry) error {
	decode, ok := decoders[entry.Type]
	if !ok {
		d.logger.Warn("notify: skipping unknown outbox type", "type", entry.Type, "event_id", entry.ID)
		return nil
	}
	n, err := decode(entry.Payload)
	if err != nil {
		return fmt.Errorf("%w: notify: decode %s: %v", events.ErrUndeliverable, entry.Type, err)
	}
	return d.send(ctx, entry.ClinicID, n)
}

// Notify sends n immediately. Without an outbox nothing can hold a scheduled
// notification until it is due, so those are dropped when still early.
func (d *Dispatcher) Notify(ctx context.Context, clinicID string, n events.Notification) error {
	if s, ok := n.(events.Scheduled); ok && s.DeliverAt().After(d.now()) {
		d.logger.Debug("notify: scheduled notification not yet due, dropping", "type", n.EventType(), "deliver_at", s.DeliverAt())
		return nil
	}
	return d.send(ctx, clinicID, n)
}

// send delivers n over every channel the patient has. A patient with no
// contact details is skipped, not an error. When one channel fails the error
// is returned even if another succeeded.
func (d *Dispatcher) send(ctx context.Context, clinicID string, n events.Notification) error {
	note, ok := d.render(clinicID, n)
	if !ok {
		return nil
	}
	if r, isReminder := n.(events.AppointmentReminderV1); isReminder {
		stale, err := d.staleReminder(ctx, r)
		if err != nil || stale {
			return err
		}
	}
	p, err := d.recipient(ctx, note.patientID)
	if err != nil {
		return err
	}
	if p == nil {
		d.logger.Debug("notify: no recipient, skipping", "type", n.EventType(), "patient_id", note.patientID)
		return nil
	}

	name := firstName(p.Name)
	var errs []error
	sent := 0
	if addr := strings.TrimSpace(p.Email); addr != "" {
		err := d.email.Send(ctx, EmailMessage{
			Kind:     note.kind,
			ClinicID: clinicID,
			From:     note.identity,
			To:       addr,
			ToName:   p.Name,
			Subject:  note.subject,
			Body:     note.body(name),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("notify: email %s: %w", n.EventType(), err))
		} else {
			sent++
		}
	}
	if d.sms != nil && note.text != nil && strings.TrimSpace(p.Phone) != "" {
		err := d.sms.SendSMS(ctx, SMSMessage{
			Kind:     note.kind,
			ClinicID: clinicID,
			From:     note.smsFrom,
			To:       p.Phone,
			Body:     note.text(name),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("notify: sms %s: %w", n.EventType(), err))
		} else {
			sent++
		}
	}
	if sent == 0 && len(errs) == 0 {
		d.logger.Debug("notify: no channel for patient, skipping", "type", n.EventType(), "patient_id", note.patientID)
	}
	if sent > 0 {
		d.logger.Info("notify: patient notified", "type", n.EventType(), "clinic_id", clinicID, "patient_id", note.patientID, "channels", sent)
	}
	return errors.Join(errs...)
}

// staleReminder reports whether the appointment was cancelled or moved
// since the reminder was queued.
func (d *Dispatcher) staleReminder(ctx context.Context, r events.AppointmentReminderV1) (bool, error) {
	if d.appointments == nil {
		return false, nil
	}
	a, err := d.appointments.GetAppointment(ctx, r.AppointmentID)
	if apperr.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("notify: load appointment: %w", err)
	}
	if !a.Status.Occupies() || !a.Start.Equal(r.Start) {
		d.logger.Debug("notify: reminder no longer applies", "appointment_id", a.ID, "status", a.Status)
		return true, nil
	}
	return false, nil
}

func (d *Dispatcher) recipient(ctx context.Context, patientID string) (*patients.Patient, error) {
	if d.patients == nil || patientID == "" || strings.HasPrefix(patientID, "guest-") {
		return nil, nil
	}
	p, err := d.patients.GetByID(ctx, patientID)
	if errors.Is(err, patients.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("notify: load patient: %w", err)
	}
	return p, nil
}

// notice is a notification rendered for one clinic. text is nil for kinds
// that go out by email only.
type notice struct {
	kind      Kind
	patientID string
	identity  Identity
	smsFrom   string
	subject   string
	body      func(name string) string
	text      func(name string) string
}

func (d *Dispatcher) render(clinicID string, n events.Notification) (notice, bool) {
	c := d.clinic(clinicID)
	when := func(t time.Time) string { return t.In(c.loc).Format("Monday, January 2 at 3:04 PM") }
	short := func(t time.Time) string { return t.In(c.loc).Format("Mon 2 Jan 3:04 PM") }
	base := notice{identity: c.identity, smsFrom: c.smsFrom}

	switch v := n.(type) {
	case events.MoveOfferCreatedV1:
		base.kind, base.patientID = KindMoveOffer, v.PatientID
		base.subject = fmt.Sprintf("Could you help another patient at %s?", c.name)
		base.body = func(name string) string {
			return fmt.Sprintf("Hi %s,\n\nAnother patient at %s urgently needs your %s slot. "+
				"Would you be willing to move to %s? As a thank you we can offer %s.\n\n"+
				"This offer expires %s. Reply in the app to accept or decline; your appointment stays as it is if we don't hear back.",
				name, c.name, when(v.CurrentStart), when(v.TargetStart), v.IncentiveValue, when(v.ExpiresAt))
		}
		base.text = func(string) string {
			return fmt.Sprintf("%s: could you move your %s appointment to %s? We'd offer %s as thanks. Accept or decline in the app by %s.",
				c.name, short(v.CurrentStart), short(v.TargetStart), v.IncentiveValue, short(v.ExpiresAt))
		}
	case events.MoveOfferResolvedV1:
		if v.Status != string(scheduling.OfferAccepted) {
			return notice{}, false
		}
		base.kind, base.patientID = KindMoveResult, v.PatientID
		base.subject = "Your appointment has been moved"
		base.body = func(name string) string {
			return fmt.Sprintf("Hi %s,\n\nThanks for helping out. Your appointment at %s has been moved as agreed. "+
				"We'll see you then.", name, c.name)
		}
	case events.BookingConfirmedV1:
		base.kind, base.patientID = KindBookingConfirmation, v.PatientID
		base.subject = fmt.Sprintf("Booking confirmed: %s", when(v.Start))
		base.body = func(name string) string {
			return fmt.Sprintf("Hi %s,\n\nYou're booked in for %s at %s on %s.\n\nIf you need to change it, just let us know.",
				name, c.procedure(v.ProcedureCode), c.name, when(v.Start))
		}
		base.text = func(string) string {
			return fmt.Sprintf("Thanks for booking with %s! Your %s is confirmed for %s. We look forward to seeing you.",
				c.name, c.procedure(v.ProcedureCode), short(v.Start))
		}
	case events.WaitlistSlotAvailableV1:
		base.kind, base.patientID = KindWaitlistOpening, v.PatientID
		base.subject = "A slot has opened up"
		base.body = func(name string) string {
			return fmt.Sprintf("Hi %s,\n\nA %s slot has opened up at %s on %s. "+
				"Let us know if you'd like it and we'll book you in.",
				name, c.procedure(v.ProcedureCode), c.name, when(v.Start))
		}
	case events.AppointmentReminderV1:
		base.kind, base.patientID = KindReminder, v.PatientID
		base.subject = fmt.Sprintf("Reminder: %s at %s", c.procedure(v.ProcedureCode), when(v.Start))
		base.body = func(name string) string {
			return fmt.Sprintf("Hi %s,\n\nThis is a reminder of your %s at %s on %s. "+
				"Please arrive 10 minutes early.\n\nIf you can no longer make it, let us know so we can offer the time to someone else.",
				name, c.procedure(v.ProcedureCode), c.name, when(v.Start))
		}
		base.text = func(string) string {
			return fmt.Sprintf("Reminder from %s: your %s is on %s. Please arrive 10 minutes early. Reply STOP to opt out.",
				c.name, c.procedure(v.ProcedureCode), short(v.Start))
		}
	default:
		d.logger.Debug("notify: no template for notification", "type", n.EventType())
		return notice{}, false
	}
	return base, true
}

type clinicInfo struct {
	name     string
	loc      *time.Location
	roster   *scheduling.Roster
	identity Identity
	smsFrom  string
}

func (c clinicInfo) procedure(code string) string {
	if c.roster != nil {
		if p, ok := c.roster.Procedure(code); ok {
			return p.Name
		}
	}
	return "appointment"
}

func (d *Dispatcher) clinic(clinicID string) clinicInfo {
	info := clinicInfo{name: "the clinic", loc: time.UTC}
	if d.clinics == nil {
		return info
	}
	r, ok := d.clinics.Clinic(clinicID)
	if !ok {
		return info
	}
	info.roster, info.loc = r, r.Location()
	if r.Name != "" {
		info.name = r.Name
	}
	name := r.Contact.EmailName
	if name == "" {
		name = r.Name
	}
	info.identity = Identity{Email: r.Contact.EmailFrom, Name: name, ReplyTo: r.Contact.ReplyTo}
	info.smsFrom = r.Contact.SMSFrom
	return info
}

func firstName(full string) string {
	fields := strings.Fields(full)
	if len(fields) == 0 {
		return "there"
	}
	return fields[0]
}
