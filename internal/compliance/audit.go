// Package compliance enforces AHPRA advertising rules on patient-facing text
// and keeps an audit trail of every intervention.
package compliance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// AuditEventType represents the type of compliance event.
type AuditEventType string

const (
	// EventAHPRAFiltered is logged when agent output was rewritten by the AHPRA filter.
	EventAHPRAFiltered AuditEventType = "compliance.ahpra_filtered"
	// EventFeedbackHeld is logged when patient feedback needs manual review before publication.
	EventFeedbackHeld AuditEventType = "compliance.feedback_held"
	// EventEmergencyEscalated is logged when triage directed a patient to emergency care.
	EventEmergencyEscalated AuditEventType = "compliance.emergency_escalated"
)

// AuditEvent represents an immutable compliance audit record.
type AuditEvent struct {
	ID             string          `json:"id"`
	EventType      AuditEventType  `json:"event_type"`
	ClinicID       string          `json:"clinic_id"`
	SessionID      string          `json:"session_id,omitempty"`
	UserMessage    string          `json:"user_message,omitempty"`
	AIResponse     string          `json:"ai_response,omitempty"`
	ViolationTypes []string        `json:"violation_types,omitempty"`
	Details        json.RawMessage `json:"details,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AuditDetails contains event-specific details.
type AuditDetails struct {
	// ahpra_filtered
	Violations       []Violation `json:"violations,omitempty"`
	OriginalResponse string      `json:"original_response,omitempty"`

	// emergency_escalated
	PriorityScore *int `json:"priority_score,omitempty"`
}

// AuditService handles compliance audit logging.
type AuditService struct {
	db *sql.DB
}

var _ ViolationRecorder = (*AuditService)(nil)

// NewAuditService creates a new audit service.
func NewAuditService(db *sql.DB) *AuditService {
	return &AuditService{db: db}
}

// LogEvent records a compliance audit event.
func (s *AuditService) LogEvent(ctx context.Context, event AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.ViolationTypes == nil {
		event.ViolationTypes = []string{}
	}
	if len(event.Details) == 0 {
		event.Details = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO compliance_audit_events (
			id, event_type, clinic_id, session_id, user_message,
			ai_response, violation_types, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.EventType,
		event.ClinicID,
		nullString(event.SessionID),
		nullString(event.UserMessage),
		nullString(event.AIResponse),
		pq.Array(event.ViolationTypes),
		[]byte(event.Details),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("compliance: failed to log audit event: %w", err)
	}

	return nil
}

// LogAHPRAFiltered logs an outbound reply that had to be rewritten.
func (s *AuditService) LogAHPRAFiltered(ctx context.Context, clinicID, sessionID, original, sanitized string, violations []Violation) error {
	types := make([]string, 0, len(violations))
	seen := make(map[ViolationType]bool, len(violations))
	for _, v := range violations {
		if !seen[v.Type] {
			seen[v.Type] = true
			types = append(types, string(v.Type))
		}
	}
	detailsJSON, _ := json.Marshal(AuditDetails{
		Violations:       violations,
		OriginalResponse: original,
	})

	return s.LogEvent(ctx, AuditEvent{
		EventType:      EventAHPRAFiltered,
		ClinicID:       clinicID,
		SessionID:      sessionID,
		AIResponse:     sanitized,
		ViolationTypes: types,
		Details:        detailsJSON,
	})
}

// ReviewFeedback checks patient feedback and logs it for manual review when
// it is not publishable as-is. It reports whether the feedback passed.
func (s *AuditService) ReviewFeedback(ctx context.Context, clinicID, feedback string) (bool, error) {
	_, violations, _ := Filter(feedback, false)
	if len(violations) == 0 {
		return true, nil
	}
	types := make([]string, 0, len(violations))
	for _, v := range violations {
		types = append(types, string(v.Type))
	}
	detailsJSON, _ := json.Marshal(AuditDetails{Violations: violations})
	err := s.LogEvent(ctx, AuditEvent{
		EventType:      EventFeedbackHeld,
		ClinicID:       clinicID,
		UserMessage:    feedback,
		ViolationTypes: types,
		Details:        detailsJSON,
	})
	return false, err
}

// LogEmergencyEscalated logs that a patient was told to seek emergency care.
func (s *AuditService) LogEmergencyEscalated(ctx context.Context, clinicID, sessionID, userMessage string, priority *int) error {
	detailsJSON, _ := json.Marshal(AuditDetails{PriorityScore: priority})
	return s.LogEvent(ctx, AuditEvent{
		EventType:   EventEmergencyEscalated,
		ClinicID:    clinicID,
		SessionID:   sessionID,
		UserMessage: userMessage,
		Details:     detailsJSON,
	})
}

// QueryEvents retrieves audit events with filters.
func (s *AuditService) QueryEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `
		SELECT id, event_type, clinic_id, session_id, user_message,
			   ai_response, violation_types, details, created_at
		FROM compliance_audit_events
		WHERE clinic_id = $1
	`
	args := []interface{}{filter.ClinicID}
	argIdx := 2

	if filter.SessionID != "" {
		query += fmt.Sprintf(" AND session_id = $%d", argIdx)
		args = append(args, filter.SessionID)
		argIdx++
	}
	if filter.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, filter.EventType)
		argIdx++
	}
	if !filter.StartTime.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.StartTime)
		argIdx++
	}
	if !filter.EndTime.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, filter.EndTime)
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("compliance: failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var sessionID, userMsg, aiResp sql.NullString
		var details []byte
		err := rows.Scan(
			&e.ID, &e.EventType, &e.ClinicID, &sessionID, &userMsg,
			&aiResp, pq.Array(&e.ViolationTypes), &details, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("compliance: failed to scan audit event: %w", err)
		}
		e.SessionID = sessionID.String
		e.UserMessage = userMsg.String
		e.AIResponse = aiResp.String
		if len(details) > 0 {
			e.Details = json.RawMessage(details)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("compliance: iterate audit events: %w", err)
	}

	return events, nil
}

// AuditFilter specifies criteria for querying audit events.
type AuditFilter struct {
	ClinicID  string
	SessionID string
	EventType AuditEventType
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
