package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/pearlflow/internal/apperr"
	"github.com/wolfman30/pearlflow/internal/events"
	"github.com/wolfman30/pearlflow/internal/waitlist"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

const (
	defaultOfferTTL      = 24 * time.Hour
	defaultMoveHorizon   = 48 * time.Hour
	defaultSearchHorizon = 14 * 24 * time.Hour
	defaultReminderLead  = 24 * time.Hour
	researchLimit        = 5
)

// Profile is what the engine needs to know about an existing patient when
// weighing a move.
type Profile struct {
	LTVScore     float64
	AnxietyLevel int
}

// ProfileSource resolves patient profiles.
type ProfileSource interface {
	Profile(ctx context.Context, clinicID, patientID string) (Profile, error)
}

// ProfileFunc adapts a function to ProfileSource.
type ProfileFunc func(ctx context.Context, clinicID, patientID string) (Profile, error)

func (f ProfileFunc) Profile(ctx context.Context, clinicID, patientID string) (Profile, error) {
	return f(ctx, clinicID, patientID)
}

// Waitlist is the part of the waitlist service the engine drives.
type Waitlist interface {
	Active(ctx context.Context, clinicID string) ([]waitlist.Entry, error)
	Notify(ctx context.Context, id string, opening *waitlist.Opening) (waitlist.Entry, error)
}

// Observer receives booking and offer outcomes for metrics.
type Observer interface {
	BookingRecorded(outcome string)
	MoveOfferRecorded(status string)
}

// Option configures an Engine.
type Option func(*Engine)

func WithProfiles(p ProfileSource) Option { return func(e *Engine) { e.profiles = p } }

func WithWaitlist(w Waitlist) Option { return func(e *Engine) { e.waitlist = w } }

func WithNotifier(n events.Notifier) Option { return func(e *Engine) { e.notifier = n } }

func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithOfferTTL sets how long a move offer stays pending.
func WithOfferTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.offerTTL = d
		}
	}
}

// WithMoveHorizon sets the window a high-priority request should land in
// before negotiation kicks in.
func WithMoveHorizon(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.moveHorizon = d
		}
	}
}

// WithSearchHorizon sets how far ahead re-searches and move targets look.
func WithSearchHorizon(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.searchHorizon = d
		}
	}
}

// WithReminderLead sets how long before an appointment its reminder is
// delivered. Zero disables reminders.
func WithReminderLead(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.reminderLead = d
		}
	}
}

// Engine finds and books slots and negotiates moves across patients.
type Engine struct {
	store   Store
	clinics *Directory
	logger  *logging.Logger
	tracer  trace.Tracer
	locks   rangeLocks

	profiles ProfileSource
	waitlist Waitlist
	notifier events.Notifier
	observer Observer
	now      func() time.Time

	offerTTL      time.Duration
	moveHorizon   time.Duration
	searchHorizon time.Duration
	reminderLead  time.Duration
}

func NewEngine(store Store, clinics *Directory, logger *logging.Logger, opts ...Option) *Engine {
	if store == nil {
		panic("scheduling: store required")
	}
	if clinics == nil {
		panic("scheduling: clinic directory required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	e := &Engine{
		store:         store,
		clinics:       clinics,
		logger:        logger,
		tracer:        otel.Tracer("pearlflow.internal.scheduling"),
		now:           time.Now,
		offerTTL:      defaultOfferTTL,
		moveHorizon:   defaultMoveHorizon,
		searchHorizon: defaultSearchHorizon,
		reminderLead:  defaultReminderLead,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Clinics exposes the roster directory.
func (e *Engine) Clinics() *Directory { return e.clinics }

// MoveHorizon is the configured negotiation horizon.
func (e *Engine) MoveHorizon() time.Duration { return e.moveHorizon }

// SearchHorizon is the configured booking search window.
func (e *Engine) SearchHorizon() time.Duration { return e.searchHorizon }

func (e *Engine) roster(op, clinicID string) (*Roster, error) {
	if strings.TrimSpace(clinicID) == "" {
		return nil, apperr.Validation(op, "clinic_id is required")
	}
	r, ok := e.clinics.Clinic(clinicID)
	if !ok {
		return nil, apperr.NotFound(op, "unknown clinic")
	}
	return r, nil
}

func (e *Engine) procedure(op string, r *Roster, code string) (Procedure, error) {
	if code == "" {
		return Procedure{Code: "", DurationMins: defaultDurationMins}, nil
	}
	p, ok := r.Procedure(code)
	if !ok {
		return Procedure{}, apperr.Validation(op, fmt.Sprintf("unknown procedure %q", code))
	}
	return p, nil
}

// FindSlots lists open slots in [q.From, q.To) ordered by (start, dentist).
func (e *Engine) FindSlots(ctx context.Context, q SlotQuery) ([]Slot, error) {
	const op = "scheduling.find_slots"
	r, err := e.roster(op, q.ClinicID)
	if err != nil {
		return nil, err
	}
	if q.From.IsZero() || q.To.IsZero() || !q.From.Before(q.To) {
		return nil, apperr.Validation(op, "from must be before to")
	}
	q.ProcedureCode = strings.ToUpper(strings.TrimSpace(q.ProcedureCode))
	proc, err := e.procedure(op, r, q.ProcedureCode)
	if err != nil {
		return nil, err
	}
	if q.DentistID != "" {
		if _, ok := r.Dentist(q.DentistID); !ok {
			return nil, apperr.Validation(op, "unknown dentist")
		}
	}
	busy, err := e.store.ListAppointments(ctx, r.ClinicID, q.From, q.To)
	if err != nil {
		return nil, fmt.Errorf("scheduling: list appointments: %w", err)
	}
	return OpenSlots(r, q, proc.Duration(), busy), nil
}

// BookingRequest asks to reserve a slot for a patient.
type BookingRequest struct {
	// AppointmentID makes retries idempotent; a new id is generated when empty.
	AppointmentID string    `json:"appointment_id,omitempty"`
	ClinicID      string    `json:"clinic_id"`
	PatientID     string    `json:"patient_id"`
	SessionID     string    `json:"session_id,omitempty"`
	ProcedureCode string    `json:"procedure_code"`
	DentistID     string    `json:"dentist_id"`
	Start         time.Time `json:"start"`
}

// Book reserves a slot. A slot taken by a concurrent booking returns a
// conflict error wrapping ErrSlotTaken.
func (e *Engine) Book(ctx context.Context, req BookingRequest) (Appointment, error) {
	const op = "scheduling.book"
	ctx, span := e.tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic_id", req.ClinicID),
		attribute.String("dentist_id", req.DentistID),
	)

	r, err := e.roster(op, req.ClinicID)
	if err != nil {
		return Appointment{}, err
	}
	if strings.TrimSpace(req.PatientID) == "" {
		return Appointment{}, apperr.Validation(op, "patient_id is required")
	}
	code := strings.ToUpper(strings.TrimSpace(req.ProcedureCode))
	if code == "" {
		return Appointment{}, apperr.Validation(op, "procedure_code is required")
	}
	proc, err := e.procedure(op, r, code)
	if err != nil {
		return Appointment{}, err
	}
	dentist, ok := r.Dentist(req.DentistID)
	if !ok {
		return Appointment{}, apperr.Validation(op, "unknown dentist")
	}
	if !dentist.Performs(code) {
		return Appointment{}, apperr.Validation(op, "dentist does not perform this procedure")
	}
	now := e.now()
	if req.Start.Before(now) {
		return Appointment{}, apperr.Validation(op, "slot is in the past")
	}
	end := req.Start.Add(proc.Duration())
	if !e.withinHours(r, dentist.ID, code, req.Start, end, proc.Duration()) {
		return Appointment{}, apperr.Validation(op, "slot is outside working hours")
	}

	id := req.AppointmentID
	if id != "" {
		prior, replay, err := e.priorBooking(ctx, id, req.PatientID)
		if err != nil {
			return Appointment{}, err
		}
		if replay {
			e.recordBooking("replayed")
			return prior, nil
		}
		if prior.ID != "" {
			id = ""
		}
	}
	if id == "" {
		id = uuid.NewString()
	}
	appt := Appointment{
		ID:             id,
		ClinicID:       r.ClinicID,
		PatientID:      req.PatientID,
		DentistID:      dentist.ID,
		ProcedureCode:  proc.Code,
		ProcedureName:  proc.Name,
		Start:          req.Start.UTC(),
		End:            end.UTC(),
		Status:         StatusBooked,
		EstimatedValue: proc.BaseValue,
		SessionID:      req.SessionID,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}

	unlock := e.locks.lock(rangeKey(dentist.ID, req.Start, r.Location()))
	booked, err := e.reserve(ctx, op, appt)
	unlock()
	if err != nil {
		span.RecordError(err)
		if apperr.IsConflict(err) {
			e.recordBooking("conflict")
			e.logger.Info("booking conflict", "clinic_id", r.ClinicID, "dentist_id", dentist.ID, "start", req.Start)
		} else {
			e.recordBooking("error")
		}
		return Appointment{}, err
	}

	e.recordBooking("booked")
	e.logger.Info("appointment booked",
		"clinic_id", booked.ClinicID,
		"appointment_id", booked.ID,
		"dentist_id", booked.DentistID,
		"start", booked.Start,
	)
	e.confirmed(ctx, booked)
	return booked, nil
}

// priorBooking looks up a caller-chosen appointment id. replay is true when
// it already holds a live booking for the same patient. A cancelled or
// foreign appointment under that id is returned with replay false, and the
// caller books under a fresh id.
func (e *Engine) priorBooking(ctx context.Context, id, patientID string) (Appointment, bool, error) {
	prior, err := e.store.GetAppointment(ctx, id)
	if errors.Is(err, ErrAppointmentNotFound) {
		return Appointment{}, false, nil
	}
	if err != nil {
		return Appointment{}, false, apperr.Upstream("scheduling.book", err)
	}
	return prior, prior.PatientID == patientID && prior.Status.Occupies(), nil
}

// withinHours reports whether [start, end) is a carved slot of the dentist's
// roster ignoring existing bookings.
func (e *Engine) withinHours(r *Roster, dentistID, code string, start, end time.Time, d time.Duration) bool {
	slots := OpenSlots(r, SlotQuery{From: start, To: end, DentistID: dentistID, ProcedureCode: code}, d, nil)
	return len(slots) > 0 && slots[0].Start.Equal(start)
}

// reserve commits through the store. Conflicts surface immediately; other
// store failures are retried once with the same id.
func (e *Engine) reserve(ctx context.Context, op string, a Appointment) (Appointment, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		booked, err := e.store.ReserveSlot(ctx, a)
		if err == nil {
			return booked, nil
		}
		if errors.Is(err, ErrSlotTaken) {
			return Appointment{}, &apperr.Error{Kind: apperr.KindConflict, Op: op, Message: "slot no longer available", Err: ErrSlotTaken}
		}
		lastErr = err
		e.logger.Warn("reserve slot failed", "appointment_id", a.ID, "attempt", attempt+1, "error", err)
	}
	return Appointment{}, apperr.Integrity(op, lastErr)
}

// BookOrResearch books the slot; when it was taken meanwhile it returns the
// conflict together with fresh options for the same procedure.
func (e *Engine) BookOrResearch(ctx context.Context, req BookingRequest) (Appointment, []Slot, error) {
	appt, err := e.Book(ctx, req)
	if err == nil || !apperr.IsConflict(err) {
		return appt, nil, err
	}
	now := e.now()
	from := now
	if req.Start.After(now) {
		from = req.Start
	}
	alts, serr := e.FindSlots(ctx, SlotQuery{
		ClinicID:      req.ClinicID,
		From:          from,
		To:            now.Add(e.searchHorizon),
		ProcedureCode: req.ProcedureCode,
		Limit:         researchLimit,
	})
	if serr != nil {
		e.logger.Warn("re-search after conflict failed", "clinic_id", req.ClinicID, "error", serr)
	}
	return Appointment{}, alts, err
}

// GetAppointment returns one appointment.
func (e *Engine) GetAppointment(ctx context.Context, id string) (Appointment, error) {
	a, err := e.store.GetAppointment(ctx, id)
	if errors.Is(err, ErrAppointmentNotFound) {
		return Appointment{}, apperr.NotFound("scheduling.get_appointment", "appointment not found")
	}
	return a, err
}

// NegotiationRequest describes a high-priority booking that could not be
// placed inside the move horizon.
type NegotiationRequest struct {
	ClinicID      string
	PatientID     string
	SessionID     string
	ProcedureCode string
	PriorityScore int
}

type moveCandidate struct {
	appt   Appointment
	target Slot
	score  int
}

// Negotiate proposes moving a lower-value appointment out of the horizon so
// the request can take its slot. It returns false when a slot is already
// free in the horizon or no candidate scores above the move threshold. A
// session that already has a pending offer gets that offer back.
func (e *Engine) Negotiate(ctx context.Context, req NegotiationRequest) (MoveOffer, bool, error) {
	const op = "scheduling.negotiate"
	r, err := e.roster(op, req.ClinicID)
	if err != nil {
		return MoveOffer{}, false, err
	}
	code := strings.ToUpper(strings.TrimSpace(req.ProcedureCode))
	proc, err := e.procedure(op, r, code)
	if err != nil {
		return MoveOffer{}, false, err
	}
	now := e.now()
	horizonEnd := now.Add(e.moveHorizon)

	free, err := e.FindSlots(ctx, SlotQuery{ClinicID: r.ClinicID, From: now, To: horizonEnd, ProcedureCode: code, Limit: 1})
	if err != nil {
		return MoveOffer{}, false, err
	}
	if len(free) > 0 {
		return MoveOffer{}, false, nil
	}

	appts, err := e.store.ListAppointments(ctx, r.ClinicID, now, horizonEnd)
	if err != nil {
		return MoveOffer{}, false, fmt.Errorf("scheduling: list appointments: %w", err)
	}
	if pending, ok, err := e.pendingOfferFor(ctx, r.ClinicID, req.SessionID); err != nil || ok {
		return pending, ok, err
	}
	value := proc.UrgentValue()

	var candidates []moveCandidate
	for _, a := range appts {
		if a.Status != StatusBooked || a.Start.Before(now) || a.PatientID == req.PatientID {
			continue
		}
		if a.EstimatedValue >= value || a.End.Sub(a.Start) < proc.Duration() {
			continue
		}
		if d, ok := r.Dentist(a.DentistID); !ok || !d.Performs(code) {
			continue
		}
		target, ok, err := e.nextOpening(ctx, r, a.ProcedureCode, horizonEnd)
		if err != nil {
			return MoveOffer{}, false, err
		}
		if !ok {
			continue
		}
		profile := e.profile(ctx, r.ClinicID, a.PatientID)
		score := MoveScore(MoveFactors{
			ValueDiff:     value - a.EstimatedValue,
			LTVScore:      profile.LTVScore,
			DaysShifted:   daysBetween(a.Start, target.Start),
			AnxietyLevel:  profile.AnxietyLevel,
			PriorityScore: req.PriorityScore,
			UntilSlot:     a.Start.Sub(now),
			Horizon:       e.moveHorizon,
		})
		if Recommend(score) != RecommendMove {
			continue
		}
		candidates = append(candidates, moveCandidate{appt: a, target: target, score: score})
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.appt.Start.Equal(b.appt.Start) {
			return a.appt.Start.Before(b.appt.Start)
		}
		return a.appt.ID < b.appt.ID
	})

	for _, c := range candidates {
		offer := MoveOffer{
			ID:            uuid.NewString(),
			ClinicID:      r.ClinicID,
			AppointmentID: c.appt.ID,
			TargetSlot:    c.target,
			Incentive:     IncentiveFor(c.score),
			MoveScore:     c.score,
			Status:        OfferPending,
			Request: MoveRequest{
				PatientID:     req.PatientID,
				SessionID:     req.SessionID,
				ProcedureCode: proc.Code,
				Value:         value,
				PriorityScore: req.PriorityScore,
			},
			CreatedAt: now.UTC(),
			ExpiresAt: now.Add(e.offerTTL).UTC(),
		}
		created, err := e.store.CreateOffer(ctx, offer)
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return MoveOffer{}, false, fmt.Errorf("scheduling: create offer: %w", err)
		}
		e.recordOffer(string(OfferPending))
		e.logger.Info("move offer created",
			"clinic_id", created.ClinicID,
			"offer_id", created.ID,
			"appointment_id", created.AppointmentID,
			"move_score", created.MoveScore,
		)
		e.notify(ctx, created.ClinicID, events.MoveOfferCreatedV1{
			OfferID:        created.ID,
			ClinicID:       created.ClinicID,
			AppointmentID:  c.appt.ID,
			PatientID:      c.appt.PatientID,
			SessionID:      c.appt.SessionID,
			CurrentStart:   c.appt.Start,
			TargetStart:    created.TargetSlot.Start,
			IncentiveType:  string(created.Incentive.Type),
			IncentiveValue: created.Incentive.Value,
			ExpiresAt:      created.ExpiresAt,
		})
		return created, true, nil
	}
	return MoveOffer{}, false, nil
}

// pendingOfferFor returns the pending offer already raised for a chat
// session, so a repeated negotiation does not open a second one.
func (e *Engine) pendingOfferFor(ctx context.Context, clinicID, sessionID string) (MoveOffer, bool, error) {
	if sessionID == "" {
		return MoveOffer{}, false, nil
	}
	pending, err := e.store.ListOffers(ctx, clinicID, OfferPending)
	if err != nil {
		return MoveOffer{}, false, fmt.Errorf("scheduling: list offers: %w", err)
	}
	for _, o := range pending {
		if o.Request.SessionID == sessionID {
			return o, true, nil
		}
	}
	return MoveOffer{}, false, nil
}

// nextOpening finds the first open slot for code at or after from.
func (e *Engine) nextOpening(ctx context.Context, r *Roster, code string, from time.Time) (Slot, bool, error) {
	slots, err := e.FindSlots(ctx, SlotQuery{
		ClinicID:      r.ClinicID,
		From:          from,
		To:            from.Add(e.searchHorizon),
		ProcedureCode: code,
		Limit:         1,
	})
	if err != nil || len(slots) == 0 {
		return Slot{}, false, err
	}
	return slots[0], true, nil
}

func (e *Engine) profile(ctx context.Context, clinicID, patientID string) Profile {
	if e.profiles == nil {
		return Profile{}
	}
	p, err := e.profiles.Profile(ctx, clinicID, patientID)
	if err != nil {
		e.logger.Warn("patient profile unavailable", "clinic_id", clinicID, "patient_id", patientID, "error", err)
		return Profile{}
	}
	return p
}

// GetOffer returns one move offer.
func (e *Engine) GetOffer(ctx context.Context, id string) (MoveOffer, error) {
	o, err := e.store.GetOffer(ctx, id)
	if errors.Is(err, ErrOfferNotFound) {
		return MoveOffer{}, apperr.NotFound("scheduling.get_offer", "move offer not found")
	}
	return o, err
}

// ListOffers filters offers by clinic and status.
func (e *Engine) ListOffers(ctx context.Context, clinicID string, status OfferStatus) ([]MoveOffer, error) {
	switch status {
	case "", OfferPending, OfferAccepted, OfferDeclined, OfferExpired:
	default:
		return nil, apperr.Validation("scheduling.list_offers", "unknown offer status")
	}
	return e.store.ListOffers(ctx, clinicID, status)
}

func offerResolvedErr(op string) error {
	return &apperr.Error{Kind: apperr.KindConflict, Op: op, Message: "offer already resolved", Err: ErrOfferResolved}
}

// AcceptOffer moves the offered appointment to its target slot and books the
// requester into the slot it frees, atomically.
func (e *Engine) AcceptOffer(ctx context.Context, offerID string) (OfferResolution, error) {
	const op = "scheduling.accept_offer"
	ctx, span := e.tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("offer_id", offerID))

	offer, err := e.GetOffer(ctx, offerID)
	if err != nil {
		return OfferResolution{}, err
	}
	if offer.Status.Terminal() {
		return OfferResolution{}, offerResolvedErr(op)
	}
	now := e.now()
	if !now.Before(offer.ExpiresAt) {
		if expired, err := e.store.ResolveOffer(ctx, offerID, OfferExpired, now); err == nil {
			e.offerResolved(ctx, expired, OfferResolution{})
		}
		return OfferResolution{}, apperr.Conflict(op, "offer has expired")
	}

	r, err := e.roster(op, offer.ClinicID)
	if err != nil {
		return OfferResolution{}, err
	}
	moved, err := e.GetAppointment(ctx, offer.AppointmentID)
	if err != nil {
		return OfferResolution{}, err
	}
	proc, err := e.procedure(op, r, offer.Request.ProcedureCode)
	if err != nil {
		return OfferResolution{}, err
	}
	if offer.Request.Value == 0 {
		offer.Request.Value = proc.UrgentValue()
	}
	requester := Appointment{
		ID:             uuid.NewString(),
		ClinicID:       r.ClinicID,
		PatientID:      offer.Request.PatientID,
		DentistID:      moved.DentistID,
		ProcedureCode:  proc.Code,
		ProcedureName:  proc.Name,
		Start:          moved.Start,
		End:            moved.Start.Add(proc.Duration()),
		Status:         StatusBooked,
		EstimatedValue: offer.Request.Value,
		SessionID:      offer.Request.SessionID,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}

	loc := r.Location()
	unlock := e.locks.lock(
		rangeKey(moved.DentistID, moved.Start, loc),
		rangeKey(offer.TargetSlot.DentistID, offer.TargetSlot.Start, loc),
	)
	res, err := e.store.AcceptOffer(ctx, offerID, requester, now)
	unlock()
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, ErrOfferResolved):
			return OfferResolution{}, offerResolvedErr(op)
		case errors.Is(err, ErrSlotTaken):
			return OfferResolution{}, &apperr.Error{Kind: apperr.KindConflict, Op: op, Message: "target slot no longer available", Err: ErrSlotTaken}
		case errors.Is(err, ErrInvalidTransition):
			return OfferResolution{}, apperr.Conflict(op, "appointment can no longer be moved")
		}
		return OfferResolution{}, apperr.Integrity(op, err)
	}

	e.offerResolved(ctx, res.Offer, res)
	e.recordBooking("booked")
	e.confirmed(ctx, res.Booked)
	e.confirmed(ctx, res.Moved)
	return res, nil
}

// DeclineOffer restores the appointment and closes the offer.
func (e *Engine) DeclineOffer(ctx context.Context, offerID string) (MoveOffer, error) {
	const op = "scheduling.decline_offer"
	if _, err := e.GetOffer(ctx, offerID); err != nil {
		return MoveOffer{}, err
	}
	o, err := e.store.ResolveOffer(ctx, offerID, OfferDeclined, e.now())
	if errors.Is(err, ErrOfferResolved) {
		return MoveOffer{}, offerResolvedErr(op)
	}
	if err != nil {
		return MoveOffer{}, apperr.Integrity(op, err)
	}
	e.offerResolved(ctx, o, OfferResolution{})
	return o, nil
}

// ExpireOffers expires every pending offer past its deadline.
func (e *Engine) ExpireOffers(ctx context.Context) ([]MoveOffer, error) {
	expired, err := e.store.ExpireOffers(ctx, e.now())
	if err != nil {
		return nil, fmt.Errorf("scheduling: expire offers: %w", err)
	}
	for _, o := range expired {
		e.offerResolved(ctx, o, OfferResolution{})
	}
	if len(expired) > 0 {
		e.logger.Info("move offers expired", "count", len(expired))
	}
	return expired, nil
}

func (e *Engine) offerResolved(ctx context.Context, o MoveOffer, res OfferResolution) {
	e.recordOffer(string(o.Status))
	e.logger.Info("move offer resolved", "clinic_id", o.ClinicID, "offer_id", o.ID, "status", o.Status)
	at := e.now().UTC()
	if o.RespondedAt != nil {
		at = *o.RespondedAt
	}
	patientID := res.Moved.PatientID
	if patientID == "" {
		if a, err := e.store.GetAppointment(ctx, o.AppointmentID); err == nil {
			patientID = a.PatientID
		}
	}
	n := events.MoveOfferResolvedV1{
		OfferID:       o.ID,
		ClinicID:      o.ClinicID,
		AppointmentID: o.AppointmentID,
		PatientID:     patientID,
		Status:        string(o.Status),
		ResolvedAt:    at,

		RequesterSessionID: o.Request.SessionID,
	}
	if o.Status == OfferAccepted {
		n.ResultAppointmentID = o.ResultAppointmentID
	}
	e.notify(ctx, o.ClinicID, n)
}

// MoveCheckRequest evaluates moving an appointment to another start time.
type MoveCheckRequest struct {
	AppointmentID  string    `json:"appointment_id"`
	CandidateStart time.Time `json:"candidate_start"`
	NewValue       float64   `json:"new_value"`
	PriorityScore  int       `json:"priority_score"`
}

// MoveCheck scores a hypothetical move without changing anything.
func (e *Engine) MoveCheck(ctx context.Context, req MoveCheckRequest) (MoveCheckResult, error) {
	const op = "scheduling.move_check"
	if req.AppointmentID == "" {
		return MoveCheckResult{}, apperr.Validation(op, "appointment_id is required")
	}
	if req.CandidateStart.IsZero() {
		return MoveCheckResult{}, apperr.Validation(op, "candidate_start is required")
	}
	a, err := e.GetAppointment(ctx, req.AppointmentID)
	if err != nil {
		return MoveCheckResult{}, err
	}
	profile := e.profile(ctx, a.ClinicID, a.PatientID)
	return checkResult(MoveFactors{
		ValueDiff:     req.NewValue - a.EstimatedValue,
		LTVScore:      profile.LTVScore,
		DaysShifted:   daysBetween(a.Start, req.CandidateStart),
		AnxietyLevel:  profile.AnxietyLevel,
		PriorityScore: req.PriorityScore,
		UntilSlot:     a.Start.Sub(e.now()),
		Horizon:       e.moveHorizon,
	}), nil
}

// MoveSuggestion pairs a booked appointment with a waitlisted patient whose
// procedure would earn more in the same slot.
type MoveSuggestion struct {
	SourceAppointmentID  string         `json:"source_appointment_id"`
	SourcePatientID      string         `json:"source_patient_id"`
	WaitlistEntryID      string         `json:"waitlist_entry_id"`
	WaitlistPatientID    string         `json:"waitlist_patient_id"`
	ProcedureCode        string         `json:"procedure_code"`
	TargetSlot           Slot           `json:"target_slot"`
	MoveScore            int            `json:"move_score"`
	Recommendation       Recommendation `json:"recommendation"`
	IncentiveNeeded      string         `json:"incentive_needed"`
	PotentialRevenueGain float64        `json:"potential_revenue_gain"`
}

// OptimizeDay suggests moves for the clinic-local calendar day containing date.
// Each booked appointment gets at most its best suggestion.
func (e *Engine) OptimizeDay(ctx context.Context, clinicID string, date time.Time) ([]MoveSuggestion, error) {
	const op = "scheduling.optimize_day"
	r, err := e.roster(op, clinicID)
	if err != nil {
		return nil, err
	}
	if date.IsZero() {
		return nil, apperr.Validation(op, "date is required")
	}
	if e.waitlist == nil {
		return nil, nil
	}
	loc := r.Location()
	local := date.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	appts, err := e.store.ListAppointments(ctx, r.ClinicID, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("scheduling: list appointments: %w", err)
	}
	entries, err := e.waitlist.Active(ctx, r.ClinicID)
	if err != nil {
		return nil, fmt.Errorf("scheduling: list waitlist: %w", err)
	}
	now := e.now()

	var out []MoveSuggestion
	for _, a := range appts {
		if a.Status != StatusBooked {
			continue
		}
		dentist, _ := r.Dentist(a.DentistID)
		var (
			best    *MoveSuggestion
			target  Slot
			hasSlot bool
			looked  bool
		)
		for _, w := range entries {
			if w.ProcedureCode == "" || w.PatientID == a.PatientID {
				continue
			}
			proc, ok := r.Procedure(w.ProcedureCode)
			if !ok || proc.BaseValue <= a.EstimatedValue || proc.Duration() > a.End.Sub(a.Start) {
				continue
			}
			if !dentist.Performs(proc.Code) || !w.Accepts(a.Start, loc) {
				continue
			}
			if !looked {
				looked = true
				if target, hasSlot, err = e.nextOpening(ctx, r, a.ProcedureCode, dayEnd); err != nil {
					return nil, err
				}
			}
			if !hasSlot {
				break
			}
			profile := e.profile(ctx, r.ClinicID, a.PatientID)
			res := checkResult(MoveFactors{
				ValueDiff:     proc.BaseValue - a.EstimatedValue,
				LTVScore:      profile.LTVScore,
				DaysShifted:   daysBetween(a.Start, target.Start),
				AnxietyLevel:  profile.AnxietyLevel,
				PriorityScore: w.PriorityScore,
				UntilSlot:     a.Start.Sub(now),
				Horizon:       e.moveHorizon,
			})
			s := MoveSuggestion{
				SourceAppointmentID:  a.ID,
				SourcePatientID:      a.PatientID,
				WaitlistEntryID:      w.ID,
				WaitlistPatientID:    w.PatientID,
				ProcedureCode:        proc.Code,
				TargetSlot:           target,
				MoveScore:            res.MoveScore,
				Recommendation:       res.Recommendation,
				IncentiveNeeded:      res.IncentiveNeeded,
				PotentialRevenueGain: res.RevenueDifference,
			}
			if best == nil || s.MoveScore > best.MoveScore ||
				(s.MoveScore == best.MoveScore && s.PotentialRevenueGain > best.PotentialRevenueGain) {
				best = &s
			}
		}
		if best != nil {
			out = append(out, *best)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.MoveScore != b.MoveScore {
			return a.MoveScore > b.MoveScore
		}
		if a.PotentialRevenueGain != b.PotentialRevenueGain {
			return a.PotentialRevenueGain > b.PotentialRevenueGain
		}
		return a.SourceAppointmentID < b.SourceAppointmentID
	})
	return out, nil
}

// Cancellation is the result of Cancel.
type Cancellation struct {
	Appointment Appointment     `json:"appointment"`
	Notified    *waitlist.Entry `json:"notified_entry,omitempty"`
}

// Cancel frees an appointment's slot and offers it to the best matching
// waitlist entry. Waitlist failures are logged, never returned.
func (e *Engine) Cancel(ctx context.Context, appointmentID string) (Cancellation, error) {
	const op = "scheduling.cancel"
	a, err := e.store.CancelAppointment(ctx, appointmentID, e.now().UTC())
	switch {
	case errors.Is(err, ErrAppointmentNotFound):
		return Cancellation{}, apperr.NotFound(op, "appointment not found")
	case errors.Is(err, ErrInvalidTransition):
		return Cancellation{}, apperr.Conflict(op, "appointment is not active")
	case err != nil:
		return Cancellation{}, apperr.Integrity(op, err)
	}
	e.logger.Info("appointment cancelled", "clinic_id", a.ClinicID, "appointment_id", a.ID)

	out := Cancellation{Appointment: a}
	if e.waitlist == nil || !a.Start.After(e.now()) {
		return out, nil
	}
	entry, ok, err := e.offerFreedSlot(ctx, a)
	if err != nil {
		e.logger.Error("failed to notify waitlist", "clinic_id", a.ClinicID, "appointment_id", a.ID, "error", err)
		return out, nil
	}
	if ok {
		out.Notified = &entry
	}
	return out, nil
}

func (e *Engine) offerFreedSlot(ctx context.Context, a Appointment) (waitlist.Entry, bool, error) {
	r, ok := e.clinics.Clinic(a.ClinicID)
	if !ok {
		return waitlist.Entry{}, false, nil
	}
	entries, err := e.waitlist.Active(ctx, a.ClinicID)
	if err != nil {
		return waitlist.Entry{}, false, err
	}
	dentist, _ := r.Dentist(a.DentistID)
	for _, w := range entries {
		if w.AwaitingResponse() || !w.Accepts(a.Start, r.Location()) {
			continue
		}
		opening := waitlist.Opening{DentistID: a.DentistID, ProcedureCode: a.ProcedureCode, Start: a.Start, End: a.End}
		if w.ProcedureCode != "" && !strings.EqualFold(w.ProcedureCode, a.ProcedureCode) {
			proc, ok := r.Procedure(w.ProcedureCode)
			if !ok || proc.Duration() > a.End.Sub(a.Start) || !dentist.Performs(proc.Code) {
				continue
			}
			opening.ProcedureCode = proc.Code
			opening.End = a.Start.Add(proc.Duration())
		}
		notified, err := e.waitlist.Notify(ctx, w.ID, &opening)
		if err != nil {
			return waitlist.Entry{}, false, err
		}
		return notified, true, nil
	}
	return waitlist.Entry{}, false, nil
}

func bookingConfirmed(a Appointment) events.BookingConfirmedV1 {
	return events.BookingConfirmedV1{
		AppointmentID: a.ID,
		ClinicID:      a.ClinicID,
		PatientID:     a.PatientID,
		DentistID:     a.DentistID,
		ProcedureCode: a.ProcedureCode,
		Start:         a.Start,
		End:           a.End,
	}
}

// confirmed queues the booking confirmation and, when the appointment is far
// enough out, its reminder.
func (e *Engine) confirmed(ctx context.Context, a Appointment) {
	e.notify(ctx, a.ClinicID, bookingConfirmed(a))
	if e.reminderLead <= 0 {
		return
	}
	remindAt := a.Start.Add(-e.reminderLead)
	if !remindAt.After(e.now()) {
		return
	}
	e.notify(ctx, a.ClinicID, events.AppointmentReminderV1{
		AppointmentID: a.ID,
		ClinicID:      a.ClinicID,
		PatientID:     a.PatientID,
		DentistID:     a.DentistID,
		ProcedureCode: a.ProcedureCode,
		Start:         a.Start,
		RemindAt:      remindAt,
	})
}

func (e *Engine) notify(ctx context.Context, clinicID string, n events.Notification) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, clinicID, n); err != nil {
		e.logger.Error("failed to queue notification", "clinic_id", clinicID, "event_type", n.EventType(), "error", err)
	}
}

func (e *Engine) recordBooking(outcome string) {
	if e.observer != nil {
		e.observer.BookingRecorded(outcome)
	}
}

func (e *Engine) recordOffer(status string) {
	if e.observer != nil {
		e.observer.MoveOfferRecorded(status)
	}
}
