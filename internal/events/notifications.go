package events

import (
	"context"
	"time"
)

// Notification is a versioned out-of-band message (email or SMS) produced by
// the scheduling engine and the waitlist.
type Notification interface {
	EventType() string
}

// Scheduled is a notification that must not be delivered before DeliverAt.
type Scheduled interface {
	Notification
	DeliverAt() time.Time
}

// Notifier accepts notifications for delivery. OutboxStore implements it
// durably; notify.Dispatcher implements it directly.
type Notifier interface {
	Notify(ctx context.Context, clinicID string, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, clinicID string, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, clinicID string, n Notification) error {
	return f(ctx, clinicID, n)
}

// MoveOfferCreatedV1 asks an existing patient to move their appointment.
type MoveOfferCreatedV1 struct {
	OfferID        string    `json:"offer_id"`
	ClinicID       string    `json:"clinic_id"`
	AppointmentID  string    `json:"appointment_id"`
	PatientID      string    `json:"patient_id"`
	SessionID      string    `json:"session_id,omitempty"`
	CurrentStart   time.Time `json:"current_start"`
	TargetStart    time.Time `json:"target_start"`
	IncentiveType  string    `json:"incentive_type"`
	IncentiveValue string    `json:"incentive_value"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (MoveOfferCreatedV1) EventType() string { return "scheduling.move_offer.created.v1" }

// MoveOfferResolvedV1 reports an accepted, declined or expired offer.
type MoveOfferResolvedV1 struct {
	OfferID       string    `json:"offer_id"`
	ClinicID      string    `json:"clinic_id"`
	AppointmentID string    `json:"appointment_id"`
	PatientID     string    `json:"patient_id"`
	Status        string    `json:"status"`
	ResolvedAt    time.Time `json:"resolved_at"`
	// ResultAppointmentID is set only when the offer was accepted.
	RequesterSessionID  string `json:"requester_session_id,omitempty"`
	ResultAppointmentID string `json:"result_appointment_id,omitempty"`
}

func (MoveOfferResolvedV1) EventType() string { return "scheduling.move_offer.resolved.v1" }

// BookingConfirmedV1 confirms a new appointment.
type BookingConfirmedV1 struct {
	AppointmentID string    `json:"appointment_id"`
	ClinicID      string    `json:"clinic_id"`
	PatientID     string    `json:"patient_id"`
	DentistID     string    `json:"dentist_id"`
	ProcedureCode string    `json:"procedure_code"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
}

func (BookingConfirmedV1) EventType() string { return "scheduling.booking.confirmed.v1" }

// WaitlistSlotAvailableV1 tells a waitlisted patient that a slot opened up.
type WaitlistSlotAvailableV1 struct {
	EntryID       string    `json:"entry_id"`
	ClinicID      string    `json:"clinic_id"`
	PatientID     string    `json:"patient_id"`
	ProcedureCode string    `json:"procedure_code"`
	DentistID     string    `json:"dentist_id"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
}

func (WaitlistSlotAvailableV1) EventType() string { return "waitlist.slot_available.v1" }

// AppointmentReminderV1 reminds a patient of an upcoming appointment. The
// recipient side re-checks the appointment before sending.
type AppointmentReminderV1 struct {
	AppointmentID string    `json:"appointment_id"`
	ClinicID      string    `json:"clinic_id"`
	PatientID     string    `json:"patient_id"`
	DentistID     string    `json:"dentist_id"`
	ProcedureCode string    `json:"procedure_code"`
	Start         time.Time `json:"start"`
	RemindAt      time.Time `json:"remind_at"`
}

func (AppointmentReminderV1) EventType() string { return "scheduling.appointment.reminder.v1" }

func (r AppointmentReminderV1) DeliverAt() time.Time { return r.RemindAt }
