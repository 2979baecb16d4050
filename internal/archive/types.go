package archive

import "time"

// TranscriptRecord is the structure archived to S3 when a session ends.
type TranscriptRecord struct {
	Version         string    `json:"version"` // "1.0"
	SessionID       string    `json:"session_id"`
	ClinicID        string    `json:"clinic_id"`
	PatientHash     string    `json:"patient_hash,omitempty"` // sha256 of patient id
	ArchivedAt      time.Time `json:"archived_at"`
	DurationSeconds int       `json:"duration_seconds"`
	TurnCount       int       `json:"turn_count"`
	Outcome         string    `json:"outcome"` // booked|emergency|waitlisted|abandoned|completed
	Triage          Triage    `json:"triage"`
	Turns           []Turn    `json:"turns"`
}

// Triage is the clinical summary of the session.
type Triage struct {
	PriorityScore *int   `json:"priority_score,omitempty"`
	Emergency     bool   `json:"emergency"`
	PainLevel     *int   `json:"pain_level,omitempty"`
	Swelling      *bool  `json:"swelling,omitempty"`
	Fever         *bool  `json:"fever,omitempty"`
	ProcedureCode string `json:"procedure_code,omitempty"`
	AppointmentID string `json:"appointment_id,omitempty"`
	FinalStage    string `json:"final_stage"`
	FinalAgent    string `json:"final_agent"`
}

// Turn is a single transcript message.
type Turn struct {
	Role      string    `json:"role"`
	Agent     string    `json:"agent,omitempty"`
	Content   string    `json:"content"`
	Component string    `json:"component,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ManifestEntry is one JSONL line in the monthly manifest file.
type ManifestEntry struct {
	SessionID     string `json:"session_id"`
	ClinicID      string `json:"clinic_id"`
	S3Key         string `json:"s3_key"`
	Outcome       string `json:"outcome"`
	PriorityScore *int   `json:"priority_score,omitempty"`
	Emergency     bool   `json:"emergency"`
	ArchivedAt    string `json:"archived_at"`
	TurnCount     int    `json:"turn_count"`
}
