package turn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/pearlflow/internal/apperr"
	"github.com/wolfman30/pearlflow/internal/events"
	"github.com/wolfman30/pearlflow/internal/respond"
	"github.com/wolfman30/pearlflow/internal/scheduling"
	"github.com/wolfman30/pearlflow/internal/session"
	"github.com/wolfman30/pearlflow/internal/waitlist"
)

const (
	msgSlotsFound     = "Here are the earliest times I can offer. Just reply with the number that suits you, or ask for later times."
	msgNoSlots        = "I'm sorry, I couldn't find an available time in the next two weeks. Would you like me to add you to our waitlist?"
	msgNegotiating    = "Our soonest times are a little way off, so I've asked whether an existing booking can move to make room for you sooner. I'll let you know here as soon as I hear back."
	msgSlotTaken      = "I'm sorry, that time was just taken by someone else. Here are the next available times:"
	msgSlotTakenNone  = "I'm sorry, that time was just taken and I couldn't find another opening soon. Would you like me to add you to our waitlist?"
	msgWaitlistJoined = "You're on the waitlist at position %d. We'll contact you as soon as a suitable appointment opens up."
	msgWaitlistOff    = "I'm sorry, our waitlist isn't available right now. Please call the clinic and we'll find you a time."
)

// patientID is the session's patient, or a stable guest id when the patient
// has not been identified.
func patientID(s session.Session) string {
	if s.PatientID != "" {
		return s.PatientID
	}
	return "guest-" + s.ID
}

func (p *Processor) searchSlots(ctx context.Context, s *session.Session, job Job, d session.Directive, out *output) error {
	roster, ok := p.scheduler.Clinics().Clinic(s.ClinicID)
	if !ok {
		return apperr.Validation("turn.search_slots", "unknown clinic")
	}
	now := p.now()
	from := now
	if d.After.After(now) {
		from = d.After.Add(time.Nanosecond)
	}
	to := now.Add(p.scheduler.SearchHorizon())
	slots, err := p.scheduler.FindSlots(ctx, scheduling.SlotQuery{
		ClinicID:      s.ClinicID,
		From:          from,
		To:            to,
		ProcedureCode: d.ProcedureCode,
		Limit:         p.maxOptions,
	})
	if err != nil {
		return err
	}

	if d.PriorityScore >= p.negotiateAt && d.After.IsZero() {
		if err := p.negotiate(ctx, s, d, out); err != nil {
			return err
		}
	}

	if len(slots) == 0 {
		s.Booking.Options = nil
		if err := out.say(s, msgNoSlots); err != nil {
			return err
		}
		proc, _ := roster.Procedure(d.ProcedureCode)
		return out.show(s, events.DateTimePicker{
			From:          from,
			To:            to,
			ProcedureCode: d.ProcedureCode,
			DurationMins:  int(proc.Duration() / time.Minute),
			Timezone:      roster.Location().String(),
		})
	}
	return p.offerSlots(s, roster, d.ProcedureCode, slots, msgSlotsFound, out)
}

func (p *Processor) offerSlots(s *session.Session, roster *scheduling.Roster, code string, slots []scheduling.Slot, intro string, out *output) error {
	options, component := slotOptions(roster, slots, code, s.PriorityScore)
	s.Booking.Options = options
	if code != "" {
		s.Booking.ProcedureCode = code
	}
	if err := out.say(s, intro); err != nil {
		return err
	}
	return out.show(s, component)
}

// negotiate asks the engine to free a slot for a high-priority request.
// Negotiation failures degrade to the normal slot offer.
func (p *Processor) negotiate(ctx context.Context, s *session.Session, d session.Directive, out *output) error {
	if s.Booking.PendingOfferID != "" {
		return nil
	}
	offer, created, err := p.scheduler.Negotiate(ctx, scheduling.NegotiationRequest{
		ClinicID:      s.ClinicID,
		PatientID:     patientID(*s),
		SessionID:     s.ID,
		ProcedureCode: d.ProcedureCode,
		PriorityScore: d.PriorityScore,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("move negotiation failed", "session_id", s.ID, "error", err)
		return nil
	}
	if !created {
		return nil
	}
	out.commit()
	s.Booking.PendingOfferID = offer.ID
	p.events.OfferCreated(ctx, s.ID, s.ClinicID, offer)
	return out.say(s, msgNegotiating)
}

func (p *Processor) book(ctx context.Context, s *session.Session, job Job, d session.Directive, out *output) error {
	roster, ok := p.scheduler.Clinics().Clinic(s.ClinicID)
	if !ok {
		return apperr.Validation("turn.book", "unknown clinic")
	}
	code := d.ProcedureCode
	if code == "" {
		code = s.Booking.ProcedureCode
	}
	appt, alts, err := p.scheduler.BookOrResearch(ctx, scheduling.BookingRequest{
		AppointmentID: appointmentID(s.ID, d.Option.DentistID, d.Option.Start),
		ClinicID:      s.ClinicID,
		PatientID:     patientID(*s),
		SessionID:     s.ID,
		ProcedureCode: code,
		DentistID:     d.Option.DentistID,
		Start:         d.Option.Start,
	})
	switch {
	case err == nil:
	case apperr.IsConflict(err):
		p.events.BookingConflict(ctx, s.ID, s.ClinicID, d.Option.DentistID, d.Option.Start)
		if len(alts) == 0 {
			s.Booking.Options = nil
			return out.say(s, msgSlotTakenNone)
		}
		return p.offerSlots(s, roster, code, alts, msgSlotTaken, out)
	default:
		return err
	}

	out.commit()
	s.Booking.AppointmentID = appt.ID
	s.Booking.Options = nil
	p.events.BookingConfirmed(ctx, s.ID, s.ClinicID, appt)

	card := confirmationCard(roster, appt)
	if err := out.say(s, confirmationText(card, roster.Location())); err != nil {
		return err
	}
	return out.show(s, card)
}

// appointmentID derives the appointment id from the session and slot, so a
// redelivered job or a patient repeating their choice after a failed turn
// gets the appointment already made instead of a conflict.
func appointmentID(sessionID, dentistID string, start time.Time) string {
	if sessionID == "" || dentistID == "" || start.IsZero() {
		return ""
	}
	key := "pearlflow.appointment:" + sessionID + ":" + dentistID + ":" + start.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func (p *Processor) joinWaitlist(ctx context.Context, s *session.Session, d session.Directive, out *output) error {
	if p.waitlist == nil {
		return out.say(s, msgWaitlistOff)
	}
	entry, err := p.waitlist.Add(ctx, waitlist.AddRequest{
		ClinicID:      s.ClinicID,
		PatientID:     patientID(*s),
		SessionID:     s.ID,
		ProcedureCode: d.ProcedureCode,
		PriorityScore: d.PriorityScore,
	})
	if err != nil {
		return err
	}
	out.commit()
	s.Booking.WaitlistID = entry.ID
	s.Booking.Options = nil
	return out.say(s, fmt.Sprintf(msgWaitlistJoined, entry.Position))
}

func (p *Processor) generate(ctx context.Context, s *session.Session, job Job, d session.Directive, out *output) error {
	out.spoken.Reset()
	reply, err := p.generator.Generate(ctx, respond.Context{
		Session:   *s,
		Utterance: job.Text,
		Agent:     s.ActiveAgent,
		Fallback:  d.Fallback,
		Now:       p.now(),
	}, out.stream)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUnknown && ctx.Err() == nil {
			err = apperr.Upstream("turn.generate", err)
		}
		return err
	}
	if err := out.flush(); err != nil {
		return err
	}
	s.History = append(s.History, session.Turn{
		Role:  session.RoleAssistant,
		Agent: s.ActiveAgent,
		Text:  strings.TrimSpace(out.spoken.String()),
		At:    p.now().UTC(),
	})
	if reply.Component != nil {
		return out.show(s, reply.Component)
	}
	return nil
}
