// Package waitlist keeps patients who could not get a suitable slot and
// tells them when one opens up.
package waitlist

import (
	"errors"
	"time"
)

// PreferredTime is a time-of-day preference.
type PreferredTime string

const (
	PreferAny       PreferredTime = ""
	PreferMorning   PreferredTime = "morning"
	PreferAfternoon PreferredTime = "afternoon"
	PreferEvening   PreferredTime = "evening"
)

// Valid reports whether p is a known preference.
func (p PreferredTime) Valid() bool {
	switch p {
	case PreferAny, PreferMorning, PreferAfternoon, PreferEvening:
		return true
	}
	return false
}

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusActive    Status = "active"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
)

// Response is a patient's answer to a slot notification.
type Response string

const (
	ResponseNone       Response = ""
	ResponseAccepted   Response = "accepted"
	ResponseDeclined   Response = "declined"
	ResponseNoResponse Response = "no_response"
)

// Opening describes a freed slot offered to a waitlisted patient.
type Opening struct {
	DentistID     string    `json:"dentist_id"`
	ProcedureCode string    `json:"procedure_code,omitempty"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
}

// Entry is one patient waiting for an appointment.
type Entry struct {
	ID            string        `json:"id"`
	ClinicID      string        `json:"clinic_id"`
	PatientID     string        `json:"patient_id"`
	SessionID     string        `json:"session_id,omitempty"`
	ProcedureCode string        `json:"procedure_code,omitempty"`
	PreferredFrom *time.Time    `json:"preferred_from,omitempty"`
	PreferredTo   *time.Time    `json:"preferred_to,omitempty"`
	PreferredTime PreferredTime `json:"preferred_time,omitempty"`
	PriorityScore int           `json:"priority_score"`
	Position      int           `json:"position"`
	Status        Status        `json:"status"`
	Notified      bool          `json:"notified"`
	NotifiedAt    *time.Time    `json:"notified_at,omitempty"`
	Response      Response      `json:"response,omitempty"`
	Offered       *Opening      `json:"offered,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// AwaitingResponse reports whether the patient was notified and has not answered.
func (e Entry) AwaitingResponse() bool {
	return e.Notified && e.Response == ResponseNone
}

// Accepts reports whether a slot starting at start satisfies the entry's
// date range and time-of-day preference in the clinic's location.
func (e Entry) Accepts(start time.Time, loc *time.Location) bool {
	if e.PreferredFrom != nil && start.Before(*e.PreferredFrom) {
		return false
	}
	if e.PreferredTo != nil && !start.Before(*e.PreferredTo) {
		return false
	}
	if loc == nil {
		loc = time.UTC
	}
	hour := start.In(loc).Hour()
	switch e.PreferredTime {
	case PreferMorning:
		return hour < 12
	case PreferAfternoon:
		return hour >= 12 && hour < 17
	case PreferEvening:
		return hour >= 17
	default:
		return true
	}
}

// less orders entries by priority descending, then position ascending.
func less(a, b Entry) bool {
	if a.PriorityScore != b.PriorityScore {
		return a.PriorityScore > b.PriorityScore
	}
	return a.Position < b.Position
}

var ErrNotFound = errors.New("waitlist: entry not found")
