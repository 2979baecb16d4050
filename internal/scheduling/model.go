// Package scheduling finds, reserves and rebalances dental appointment slots.
//
// The Engine is the single entry point: it derives open slots from the clinic
// roster minus occupying appointments, serializes bookings per dentist-day,
// and runs move negotiation when a high-priority request cannot be placed
// inside the target horizon.
package scheduling

import (
	"errors"
	"time"
)

// AppointmentStatus is the lifecycle state of an appointment.
type AppointmentStatus string

const (
	StatusBooked       AppointmentStatus = "BOOKED"
	StatusCancelled    AppointmentStatus = "CANCELLED"
	StatusOfferingMove AppointmentStatus = "OFFERING_MOVE"
	StatusCompleted    AppointmentStatus = "COMPLETED"
	StatusNoShow       AppointmentStatus = "NO_SHOW"
)

// Occupies reports whether an appointment in this status blocks its slot.
func (s AppointmentStatus) Occupies() bool {
	return s == StatusBooked || s == StatusOfferingMove
}

// Slot is a candidate or booked interval on one dentist's calendar.
type Slot struct {
	DentistID     string    `json:"dentist_id"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	ProcedureCode string    `json:"procedure_code,omitempty"`
}

// Duration is End minus Start.
func (s Slot) Duration() time.Duration { return s.End.Sub(s.Start) }

// Overlaps reports whether two slots share a dentist and any instant.
func (s Slot) Overlaps(o Slot) bool {
	return s.DentistID == o.DentistID && s.Start.Before(o.End) && o.Start.Before(s.End)
}

// Appointment is a reservation of a slot for a patient.
type Appointment struct {
	ID             string            `json:"id"`
	ClinicID       string            `json:"clinic_id"`
	PatientID      string            `json:"patient_id"`
	DentistID      string            `json:"dentist_id"`
	ProcedureCode  string            `json:"procedure_code"`
	ProcedureName  string            `json:"procedure_name"`
	Start          time.Time         `json:"start"`
	End            time.Time         `json:"end"`
	Status         AppointmentStatus `json:"status"`
	EstimatedValue float64           `json:"estimated_value"`
	SessionID      string            `json:"session_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Slot returns the interval the appointment occupies.
func (a Appointment) Slot() Slot {
	return Slot{DentistID: a.DentistID, Start: a.Start, End: a.End, ProcedureCode: a.ProcedureCode}
}

// IncentiveType is the kind of compensation attached to a move offer.
type IncentiveType string

const (
	IncentiveDiscount     IncentiveType = "DISCOUNT"
	IncentivePrioritySlot IncentiveType = "PRIORITY_SLOT"
	IncentiveGift         IncentiveType = "GIFT"
)

// Incentive is the compensation offered for moving an appointment.
type Incentive struct {
	Type  IncentiveType `json:"type"`
	Value string        `json:"value"`
}

// OfferStatus is the lifecycle state of a move offer.
type OfferStatus string

const (
	OfferPending  OfferStatus = "PENDING"
	OfferAccepted OfferStatus = "ACCEPTED"
	OfferDeclined OfferStatus = "DECLINED"
	OfferExpired  OfferStatus = "EXPIRED"
)

// Terminal reports whether the offer can no longer change.
func (s OfferStatus) Terminal() bool { return s != OfferPending }

// MoveRequest is the pending booking a move offer frees a slot for.
type MoveRequest struct {
	PatientID     string  `json:"patient_id"`
	SessionID     string  `json:"session_id,omitempty"`
	ProcedureCode string  `json:"procedure_code"`
	Value         float64 `json:"value"`
	PriorityScore int     `json:"priority_score"`
}

// MoveOffer asks the holder of AppointmentID to shift to TargetSlot.
type MoveOffer struct {
	ID            string      `json:"id"`
	ClinicID      string      `json:"clinic_id"`
	AppointmentID string      `json:"appointment_id"`
	TargetSlot    Slot        `json:"target_slot"`
	Incentive     Incentive   `json:"incentive"`
	MoveScore     int         `json:"move_score"`
	Status        OfferStatus `json:"status"`
	Request       MoveRequest `json:"request"`
	// ResultAppointmentID is the requester's appointment once accepted.
	ResultAppointmentID string     `json:"result_appointment_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	ExpiresAt           time.Time  `json:"expires_at"`
	RespondedAt         *time.Time `json:"responded_at,omitempty"`
}

// Store errors. The engine maps these to apperr kinds.
var (
	ErrSlotTaken           = errors.New("scheduling: slot no longer available")
	ErrAppointmentNotFound = errors.New("scheduling: appointment not found")
	ErrOfferNotFound       = errors.New("scheduling: move offer not found")
	ErrOfferResolved       = errors.New("scheduling: move offer already resolved")
	ErrInvalidTransition   = errors.New("scheduling: invalid appointment status transition")
)
