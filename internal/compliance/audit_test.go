package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditService_LogEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAuditService(db)

	tests := []struct {
		name    string
		event   AuditEvent
		execErr error
		wantErr bool
	}{
		{
			name: "log ahpra filtered",
			event: AuditEvent{
				EventType:      EventAHPRAFiltered,
				ClinicID:       uuid.New().String(),
				SessionID:      "sess-123",
				AIResponse:     "We are an experienced practice.",
				ViolationTypes: []string{"TESTIMONIAL"},
			},
		},
		{
			name: "log emergency escalated",
			event: AuditEvent{
				EventType: EventEmergencyEscalated,
				ClinicID:  uuid.New().String(),
				SessionID: "sess-456",
				Details:   json.RawMessage(`{"priority_score": 180}`),
			},
		},
		{
			name: "database failure",
			event: AuditEvent{
				EventType: EventFeedbackHeld,
				ClinicID:  uuid.New().String(),
			},
			execErr: errors.New("connection reset"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := mock.ExpectExec("INSERT INTO compliance_audit_events")
			if tt.execErr != nil {
				exp.WillReturnError(tt.execErr)
			} else {
				exp.WillReturnResult(sqlmock.NewResult(1, 1))
			}

			err := service.LogEvent(context.Background(), tt.event)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditService_LogAHPRAFiltered(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAuditService(db)
	original := "We are the best dentist with guaranteed results!"
	sanitized, violations, _ := Filter(original, false)

	mock.ExpectExec("INSERT INTO compliance_audit_events").
		WithArgs(
			sqlmock.AnyArg(),
			string(EventAHPRAFiltered),
			"clinic-1",
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = service.LogAHPRAFiltered(context.Background(), "clinic-1", "sess-1", original, sanitized, violations)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditService_ReviewFeedback(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAuditService(db)

	ok, err := service.ReviewFeedback(context.Background(), "clinic-1", "The dentist was very professional and caring.")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec("INSERT INTO compliance_audit_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	ok, err = service.ReviewFeedback(context.Background(), "clinic-1", "This is the best dentist ever! Guaranteed satisfaction!")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditService_QueryEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAuditService(db)
	clinicID := uuid.New().String()
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "event_type", "clinic_id", "session_id", "user_message",
		"ai_response", "violation_types", "details", "created_at",
	}).
		AddRow("evt-1", string(EventAHPRAFiltered), clinicID, "sess-1", nil,
			"We are an experienced practice.", "{TESTIMONIAL,GUARANTEE}", []byte(`{}`), now).
		AddRow("evt-2", string(EventEmergencyEscalated), clinicID, "sess-2", "I can't breathe",
			nil, "{}", nil, now.Add(-time.Minute))

	mock.ExpectQuery("SELECT (.+) FROM compliance_audit_events").
		WithArgs(clinicID, "sess-1").
		WillReturnRows(rows)

	events, err := service.QueryEvents(context.Background(), AuditFilter{
		ClinicID:  clinicID,
		SessionID: "sess-1",
		Limit:     10,
	})

	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "evt-1", events[0].ID)
	assert.Equal(t, []string{"TESTIMONIAL", "GUARANTEE"}, events[0].ViolationTypes)
	assert.Empty(t, events[0].UserMessage)
	assert.Equal(t, "I can't breathe", events[1].UserMessage)
	assert.Empty(t, events[1].AIResponse)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNullString(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"", false},
		{"hello", true},
	}

	for _, tt := range tests {
		result := nullString(tt.input)
		assert.Equal(t, tt.valid, result.Valid)
		if tt.valid {
			assert.Equal(t, tt.input, result.String)
		}
	}
}
