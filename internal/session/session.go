// Package session models a patient conversation: who is speaking for the
// clinic, how far triage has progressed, and what booking options are open.
package session

import (
	"errors"
	"time"

	"github.com/wolfman30/pearlflow/internal/triage"
)

// Agent is the persona currently answering the patient.
type Agent string

const (
	Receptionist      Agent = "Receptionist"
	IntakeSpecialist  Agent = "IntakeSpecialist"
	ResourceOptimiser Agent = "ResourceOptimiser"
)

// ParseAgent accepts an agent name in any case.
func ParseAgent(s string) (Agent, bool) {
	switch normalize(s) {
	case "receptionist":
		return Receptionist, true
	case "intakespecialist", "intake_specialist", "intake":
		return IntakeSpecialist, true
	case "resourceoptimiser", "resourceoptimizer", "resource_optimiser", "scheduler":
		return ResourceOptimiser, true
	default:
		return "", false
	}
}

// Stage is the triage sub-machine position.
type Stage string

const (
	StageInitial          Stage = "initial"
	StageAwaitingPain     Stage = "awaiting_pain_level"
	StageAwaitingSwelling Stage = "awaiting_swelling"
	StageAwaitingFever    Stage = "awaiting_fever"
	StageTriageComplete   Stage = "triage_complete"
)

// Rank orders stages; a session's rank never decreases.
func (s Stage) Rank() int {
	switch s {
	case StageInitial:
		return 0
	case StageAwaitingPain:
		return 1
	case StageAwaitingSwelling:
		return 2
	case StageAwaitingFever:
		return 3
	case StageTriageComplete:
		return 4
	default:
		return -1
	}
}

// InTriage reports whether the session is waiting on a triage answer.
func (s Stage) InTriage() bool {
	return s == StageAwaitingPain || s == StageAwaitingSwelling || s == StageAwaitingFever
}

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusAbandoned Status = "ABANDONED"
)

// Intent is the classified purpose of an utterance.
type Intent int

const (
	IntentGeneral Intent = iota
	IntentPain
	IntentBooking
	IntentEmergency
)

func (i Intent) String() string {
	switch i {
	case IntentPain:
		return "pain"
	case IntentBooking:
		return "booking"
	case IntentEmergency:
		return "emergency"
	default:
		return "general"
	}
}

// ParseIntent maps a label to an Intent; unknown labels are general.
func ParseIntent(s string) Intent {
	switch normalize(s) {
	case "pain", "symptom", "symptoms", "triage":
		return IntentPain
	case "booking", "book", "appointment", "schedule":
		return IntentBooking
	case "emergency":
		return IntentEmergency
	default:
		return IntentGeneral
	}
}

// Classification is the classifier's reading of one utterance.
type Classification struct {
	Agent         Agent   `json:"agent"`
	Intent        Intent  `json:"intent"`
	ProcedureCode string  `json:"procedure_code,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
}

// Turn is one message in the transcript.
type Turn struct {
	Role      string    `json:"role"`
	Agent     Agent     `json:"agent,omitempty"`
	Text      string    `json:"text"`
	Component string    `json:"component,omitempty"`
	At        time.Time `json:"at"`
}

const (
	RolePatient   = "patient"
	RoleAssistant = "assistant"
)

// SlotOption is a slot offered to the patient, numbered from 1.
type SlotOption struct {
	Index       int       `json:"index"`
	DentistID   string    `json:"dentist_id"`
	DentistName string    `json:"dentist_name"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// BookingState tracks the scheduling conversation.
type BookingState struct {
	ProcedureCode  string       `json:"procedure_code,omitempty"`
	Options        []SlotOption `json:"options,omitempty"`
	AppointmentID  string       `json:"appointment_id,omitempty"`
	PendingOfferID string       `json:"pending_offer_id,omitempty"`
	WaitlistID     string       `json:"waitlist_id,omitempty"`
}

// Session is the persisted state of one conversation.
type Session struct {
	ID            string         `json:"id"`
	ClinicID      string         `json:"clinic_id"`
	PatientID     string         `json:"patient_id,omitempty"`
	Status        Status         `json:"status"`
	ActiveAgent   Agent          `json:"active_agent"`
	Stage         Stage          `json:"stage"`
	Triage        triage.Answers `json:"triage"`
	PriorityScore *int           `json:"priority_score,omitempty"`
	Emergency     bool           `json:"emergency,omitempty"`
	Booking       BookingState   `json:"booking"`
	History       []Turn         `json:"history,omitempty"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// New returns an active session at the initial stage with the Receptionist.
func New(id, clinicID string, now time.Time) Session {
	now = now.UTC()
	return Session{
		ID:          id,
		ClinicID:    clinicID,
		Status:      StatusActive,
		ActiveAgent: Receptionist,
		Stage:       StageInitial,
		CreatedAt:   now,
		UpdatedAt:   now,
		History: []Turn{{
			Role:  RoleAssistant,
			Agent: Receptionist,
			Text:  WelcomeMessage,
			At:    now,
		}},
	}
}

// Clone returns a copy that shares no slices or pointers with s.
func (s Session) Clone() Session {
	out := s
	out.History = append([]Turn(nil), s.History...)
	out.Booking.Options = append([]SlotOption(nil), s.Booking.Options...)
	out.Triage = triage.Answers{
		PainLevel:           clonePtr(s.Triage.PainLevel),
		Swelling:            clonePtr(s.Triage.Swelling),
		Fever:               clonePtr(s.Triage.Fever),
		BreathingDifficulty: clonePtr(s.Triage.BreathingDifficulty),
	}
	out.PriorityScore = clonePtr(s.PriorityScore)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

var errStageMismatch = errors.New("session: stage does not match collected triage answers")

// CheckInvariants verifies that the stage agrees with the populated triage
// fields. An emergency may complete triage with answers missing.
func (s Session) CheckInvariants() error {
	a := s.Triage
	ok := true
	switch s.Stage {
	case StageInitial, StageAwaitingPain:
		ok = a.PainLevel == nil && a.Swelling == nil && a.Fever == nil
	case StageAwaitingSwelling:
		ok = a.PainLevel != nil && a.Swelling == nil && a.Fever == nil
	case StageAwaitingFever:
		ok = a.PainLevel != nil && a.Swelling != nil && a.Fever == nil
	case StageTriageComplete:
		ok = s.Emergency || a.Complete()
		ok = ok && s.PriorityScore != nil
	default:
		ok = false
	}
	if !ok {
		return errStageMismatch
	}
	return nil
}

// Transcript returns the history as role-prefixed lines.
func (s Session) Transcript() []string {
	lines := make([]string, 0, len(s.History))
	for _, t := range s.History {
		who := t.Role
		if t.Agent != "" && t.Role == RoleAssistant {
			who = string(t.Agent)
		}
		lines = append(lines, who+": "+t.Text)
	}
	return lines
}
