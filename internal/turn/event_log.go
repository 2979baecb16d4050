package turn

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wolfman30/pearlflow/internal/scheduling"
	"github.com/wolfman30/pearlflow/internal/session"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

// AuditEvent is one structured line in the turn audit log. All events share
// the same base fields for filtering:
//
//	grep '"event":"booking.conflict"' /var/log/pearlflow.log
//	grep '"session_id":"3f2c..."' /var/log/pearlflow.log
type AuditEvent struct {
	Time      string         `json:"time"`
	Event     string         `json:"event"`
	SessionID string         `json:"session_id,omitempty"`
	ClinicID  string         `json:"clinic_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventLogger writes audit events at each decision point of a turn.
type EventLogger struct {
	logger *logging.Logger
	now    func() time.Time
}

func NewEventLogger(logger *logging.Logger) *EventLogger {
	return &EventLogger{logger: logger, now: time.Now}
}

// Log emits one audit event.
func (e *EventLogger) Log(_ context.Context, event, sessionID, clinicID string, data map[string]any) {
	if e == nil || e.logger == nil {
		return
	}
	b, _ := json.Marshal(AuditEvent{
		Time:      e.now().UTC().Format(time.RFC3339Nano),
		Event:     event,
		SessionID: sessionID,
		ClinicID:  clinicID,
		Data:      data,
	})
	e.logger.Info(string(b))
}

func (e *EventLogger) TurnStarted(ctx context.Context, sessionID, clinicID, jobID string, agent session.Agent) {
	e.Log(ctx, "turn.started", sessionID, clinicID, map[string]any{"job_id": jobID, "agent": string(agent)})
}

func (e *EventLogger) TurnCompleted(ctx context.Context, sessionID, clinicID, jobID, agent, stage string, elapsed time.Duration) {
	e.Log(ctx, "turn.completed", sessionID, clinicID, map[string]any{
		"job_id":     jobID,
		"agent":      agent,
		"stage":      stage,
		"elapsed_ms": elapsed.Milliseconds(),
	})
}

func (e *EventLogger) TurnFailed(ctx context.Context, sessionID, clinicID, jobID string, err error) {
	e.Log(ctx, "turn.failed", sessionID, clinicID, map[string]any{"job_id": jobID, "error": err.Error()})
}

func (e *EventLogger) BookingConfirmed(ctx context.Context, sessionID, clinicID string, a scheduling.Appointment) {
	e.Log(ctx, "booking.confirmed", sessionID, clinicID, map[string]any{
		"appointment_id": a.ID,
		"dentist_id":     a.DentistID,
		"procedure_code": a.ProcedureCode,
		"start":          a.Start.UTC().Format(time.RFC3339),
	})
}

func (e *EventLogger) BookingConflict(ctx context.Context, sessionID, clinicID, dentistID string, start time.Time) {
	e.Log(ctx, "booking.conflict", sessionID, clinicID, map[string]any{
		"dentist_id": dentistID,
		"start":      start.UTC().Format(time.RFC3339),
	})
}

func (e *EventLogger) OfferCreated(ctx context.Context, sessionID, clinicID string, o scheduling.MoveOffer) {
	e.Log(ctx, "offer.created", sessionID, clinicID, map[string]any{
		"offer_id":       o.ID,
		"appointment_id": o.AppointmentID,
		"move_score":     o.MoveScore,
		"incentive":      o.Incentive.Value,
	})
}

func (e *EventLogger) OfferResolved(ctx context.Context, sessionID, clinicID, offerID, status string) {
	e.Log(ctx, "offer.resolved", sessionID, clinicID, map[string]any{"offer_id": offerID, "status": status})
}

func (e *EventLogger) SubscriberDropped(ctx context.Context, sessionID string, cursor int64) {
	e.Log(ctx, "subscriber.dropped", sessionID, "", map[string]any{"cursor": cursor})
}
