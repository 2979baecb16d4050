package waitlist

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/pearlflow/internal/apperr"
	"github.com/wolfman30/pearlflow/internal/events"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

// AddRequest is the input to Service.Add.
type AddRequest struct {
	ClinicID      string        `json:"clinic_id"`
	PatientID     string        `json:"patient_id"`
	SessionID     string        `json:"session_id,omitempty"`
	ProcedureCode string        `json:"procedure_code,omitempty"`
	PreferredFrom *time.Time    `json:"preferred_from,omitempty"`
	PreferredTo   *time.Time    `json:"preferred_to,omitempty"`
	PreferredTime PreferredTime `json:"preferred_time,omitempty"`
	PriorityScore int           `json:"priority_score"`
}

// Service manages waitlist entries and slot notifications.
type Service struct {
	store    Store
	notifier events.Notifier
	logger   *logging.Logger
	now      func() time.Time
}

// NewService builds a waitlist service. notifier may be nil.
func NewService(store Store, notifier events.Notifier, logger *logging.Logger) *Service {
	if store == nil {
		panic("waitlist: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{store: store, notifier: notifier, logger: logger, now: time.Now}
}

// Add validates and stores a new active entry.
func (s *Service) Add(ctx context.Context, req AddRequest) (Entry, error) {
	const op = "waitlist.add"
	switch {
	case strings.TrimSpace(req.ClinicID) == "":
		return Entry{}, apperr.Validation(op, "clinic_id is required")
	case strings.TrimSpace(req.PatientID) == "":
		return Entry{}, apperr.Validation(op, "patient_id is required")
	case !req.PreferredTime.Valid():
		return Entry{}, apperr.Validation(op, "preferred_time must be morning, afternoon or evening")
	case req.PriorityScore < 0:
		return Entry{}, apperr.Validation(op, "priority_score must not be negative")
	case req.PreferredFrom != nil && req.PreferredTo != nil && !req.PreferredFrom.Before(*req.PreferredTo):
		return Entry{}, apperr.Validation(op, "preferred_from must be before preferred_to")
	}

	if req.SessionID != "" {
		existing, ok, err := s.activeForSession(ctx, req.ClinicID, req.SessionID)
		if err != nil || ok {
			return existing, err
		}
	}

	now := s.now().UTC()
	entry, err := s.store.Add(ctx, Entry{
		ID:            uuid.NewString(),
		ClinicID:      req.ClinicID,
		PatientID:     req.PatientID,
		SessionID:     req.SessionID,
		ProcedureCode: strings.ToUpper(strings.TrimSpace(req.ProcedureCode)),
		PreferredFrom: req.PreferredFrom,
		PreferredTo:   req.PreferredTo,
		PreferredTime: req.PreferredTime,
		PriorityScore: req.PriorityScore,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return Entry{}, err
	}
	s.logger.Info("waitlist entry added", "clinic_id", entry.ClinicID, "entry_id", entry.ID, "position", entry.Position)
	return entry, nil
}

// activeForSession finds the entry a chat session already holds, so a turn
// retried after a failed save does not queue the patient twice.
func (s *Service) activeForSession(ctx context.Context, clinicID, sessionID string) (Entry, bool, error) {
	entries, err := s.store.ListActive(ctx, clinicID)
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if e.SessionID == sessionID {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// Get returns one entry.
func (s *Service) Get(ctx context.Context, id string) (Entry, error) {
	e, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Entry{}, apperr.NotFound("waitlist.get", "waitlist entry not found")
	}
	return e, err
}

// Active lists a clinic's active entries in notification order.
func (s *Service) Active(ctx context.Context, clinicID string) ([]Entry, error) {
	if strings.TrimSpace(clinicID) == "" {
		return nil, apperr.Validation("waitlist.list", "clinic_id is required")
	}
	return s.store.ListActive(ctx, clinicID)
}

// NextForSlot returns the first active entry that is not already awaiting a
// response and that fits accepts.
func (s *Service) NextForSlot(ctx context.Context, clinicID string, fits func(Entry) bool) (Entry, bool, error) {
	entries, err := s.store.ListActive(ctx, clinicID)
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if e.AwaitingResponse() {
			continue
		}
		if fits == nil || fits(e) {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// Notify marks an entry notified and sends a slot-available notification
// when an opening is given.
func (s *Service) Notify(ctx context.Context, id string, opening *Opening) (Entry, error) {
	const op = "waitlist.notify"
	current, err := s.Get(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if current.Status != StatusActive {
		return Entry{}, apperr.Conflict(op, "waitlist entry is no longer active")
	}
	entry, err := s.store.MarkNotified(ctx, id, opening, s.now().UTC())
	if err != nil {
		return Entry{}, err
	}
	if s.notifier != nil && opening != nil {
		n := events.WaitlistSlotAvailableV1{
			EntryID:       entry.ID,
			ClinicID:      entry.ClinicID,
			PatientID:     entry.PatientID,
			ProcedureCode: opening.ProcedureCode,
			DentistID:     opening.DentistID,
			Start:         opening.Start,
			End:           opening.End,
		}
		if err := s.notifier.Notify(ctx, entry.ClinicID, n); err != nil {
			s.logger.Error("failed to queue waitlist notification", "entry_id", entry.ID, "error", err)
		}
	}
	s.logger.Info("waitlist entry notified", "clinic_id", entry.ClinicID, "entry_id", entry.ID)
	return entry, nil
}

// Respond records the patient's answer to a notification.
func (s *Service) Respond(ctx context.Context, id string, response string) (Entry, error) {
	const op = "waitlist.respond"
	resp := Response(strings.ToLower(strings.TrimSpace(response)))
	switch resp {
	case ResponseAccepted, ResponseDeclined, ResponseNoResponse:
	default:
		return Entry{}, apperr.Validation(op, "response must be accepted, declined or no_response")
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if current.Status != StatusActive {
		return Entry{}, apperr.Conflict(op, "waitlist entry is no longer active")
	}
	return s.store.SetResponse(ctx, id, resp, s.now().UTC())
}
