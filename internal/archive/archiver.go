package archive

import (
	"context"
	"time"

	"github.com/wolfman30/pearlflow/internal/session"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

// Archiver turns a closed session into a scrubbed TranscriptRecord.
type Archiver struct {
	store  *Store
	logger *logging.Logger
}

// NewArchiver returns nil if store is not enabled; a nil Archiver is a no-op.
func NewArchiver(store *Store, logger *logging.Logger) *Archiver {
	if store == nil || !store.Enabled() {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Archiver{store: store, logger: logger}
}

// Archive writes the session transcript. Failures are logged and returned;
// the close hook caller decides whether they matter.
func (a *Archiver) Archive(ctx context.Context, s session.Session) error {
	if a == nil {
		return nil
	}
	record := BuildRecord(s, a.store.now().UTC())
	if err := a.store.ArchiveTranscript(ctx, record); err != nil {
		a.logger.Error("transcript archive failed", "error", err, "session_id", s.ID)
		return err
	}
	return nil
}

// BuildRecord converts s into a scrubbed record.
func BuildRecord(s session.Session, archivedAt time.Time) *TranscriptRecord {
	turns := make([]Turn, 0, len(s.History))
	for _, t := range s.History {
		turns = append(turns, Turn{
			Role:      t.Role,
			Agent:     string(t.Agent),
			Content:   t.Text,
			Component: t.Component,
			Timestamp: t.At,
		})
	}
	ScrubTurns(turns)

	var duration int
	if len(turns) >= 2 {
		duration = int(turns[len(turns)-1].Timestamp.Sub(turns[0].Timestamp).Seconds())
	}
	var patientHash string
	if s.PatientID != "" {
		patientHash = HashID(s.PatientID)
	}

	return &TranscriptRecord{
		Version:         "1.0",
		SessionID:       s.ID,
		ClinicID:        s.ClinicID,
		PatientHash:     patientHash,
		ArchivedAt:      archivedAt,
		DurationSeconds: duration,
		TurnCount:       len(turns),
		Outcome:         outcome(s),
		Triage: Triage{
			PriorityScore: s.PriorityScore,
			Emergency:     s.Emergency,
			PainLevel:     s.Triage.PainLevel,
			Swelling:      s.Triage.Swelling,
			Fever:         s.Triage.Fever,
			ProcedureCode: s.Booking.ProcedureCode,
			AppointmentID: s.Booking.AppointmentID,
			FinalStage:    string(s.Stage),
			FinalAgent:    string(s.ActiveAgent),
		},
		Turns: turns,
	}
}

func outcome(s session.Session) string {
	switch {
	case s.Emergency:
		return "emergency"
	case s.Booking.AppointmentID != "":
		return "booked"
	case s.Booking.WaitlistID != "":
		return "waitlisted"
	case s.Status == session.StatusAbandoned:
		return "abandoned"
	default:
		return "completed"
	}
}
