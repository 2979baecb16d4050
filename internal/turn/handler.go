package turn

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/pearlflow/internal/apperr"
	"github.com/wolfman30/pearlflow/internal/http/httpjson"
	"github.com/wolfman30/pearlflow/internal/patients"
	"github.com/wolfman30/pearlflow/internal/scheduling"
	"github.com/wolfman30/pearlflow/internal/session"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

// JobSubmitter enqueues turns. *Submitter implements it.
type JobSubmitter interface {
	Submit(ctx context.Context, job Job) (string, error)
}

// SessionCloser ends a session. *Processor implements it.
type SessionCloser interface {
	Close(ctx context.Context, sessionID string) (session.Session, error)
}

// PatientFinder resolves a returning patient by phone number.
type PatientFinder interface {
	ListByPhone(ctx context.Context, clinicID, phone string) ([]*patients.Patient, error)
}

// CloseHook runs after a session is closed, e.g. to archive its transcript.
type CloseHook func(ctx context.Context, s session.Session) error

// Handler serves the session and chat endpoints.
type Handler struct {
	sessions  session.Store
	clinics   *scheduling.Directory
	submitter JobSubmitter
	jobs      JobStore
	closer    SessionCloser
	patients  PatientFinder
	onClose   []CloseHook
	logger    *logging.Logger
	now       func() time.Time
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

func WithPatientFinder(f PatientFinder) HandlerOption {
	return func(h *Handler) { h.patients = f }
}

func WithCloseHook(hook CloseHook) HandlerOption {
	return func(h *Handler) {
		if hook != nil {
			h.onClose = append(h.onClose, hook)
		}
	}
}

func NewHandler(sessions session.Store, clinics *scheduling.Directory, submitter JobSubmitter, jobs JobStore, closer SessionCloser, logger *logging.Logger, opts ...HandlerOption) *Handler {
	if sessions == nil || clinics == nil || submitter == nil || jobs == nil || closer == nil {
		panic("turn: handler dependencies cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	h := &Handler{
		sessions:  sessions,
		clinics:   clinics,
		submitter: submitter,
		jobs:      jobs,
		closer:    closer,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CreateSessionRequest is the body of POST /session.
type CreateSessionRequest struct {
	ClinicAPIKey string `json:"clinic_api_key"`
	Phone        string `json:"phone,omitempty"`
}

// CreateSessionResponse is returned by POST /session.
type CreateSessionResponse struct {
	SessionID      string `json:"session_id"`
	WelcomeMessage string `json:"welcome_message"`
	PatientID      string `json:"patient_id,omitempty"`
}

// CreateSession handles POST /session.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	const op = "session.create"
	var req CreateSessionRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, err)
		return
	}
	clinicID, ok := h.clinics.ClinicForAPIKey(strings.TrimSpace(req.ClinicAPIKey))
	if !ok {
		httpjson.Write(w, http.StatusUnauthorized, httpjson.ErrorBody{Error: "invalid clinic API key", Kind: "unauthorized"})
		return
	}

	s := session.New(uuid.NewString(), clinicID, h.now())
	if phone := strings.TrimSpace(req.Phone); phone != "" && h.patients != nil {
		matches, err := h.patients.ListByPhone(r.Context(), clinicID, phone)
		switch {
		case errors.Is(err, patients.ErrInvalidPhone):
			httpjson.Error(w, apperr.Validation(op, "phone must be an E.164 number"))
			return
		case err != nil:
			h.logger.Error("patient lookup failed", "clinic_id", clinicID, "error", err)
		case len(matches) > 0:
			s.PatientID = matches[0].ID
		}
	}

	created, err := h.sessions.Create(r.Context(), s)
	if err != nil {
		h.logger.Error("failed to create session", "clinic_id", clinicID, "error", err)
		httpjson.Error(w, apperr.Integrity(op, err))
		return
	}
	h.logger.Info("session created", "session_id", created.ID, "clinic_id", clinicID, "returning_patient", created.PatientID != "")
	httpjson.Write(w, http.StatusCreated, CreateSessionResponse{
		SessionID:      created.ID,
		WelcomeMessage: session.WelcomeMessage,
		PatientID:      created.PatientID,
	})
}

// SessionView is the public summary of a session.
type SessionView struct {
	SessionID     string `json:"session_id"`
	Status        string `json:"status"`
	CurrentAgent  string `json:"current_agent"`
	Stage         string `json:"stage"`
	PriorityScore *int   `json:"priority_score,omitempty"`
	Emergency     bool   `json:"emergency,omitempty"`
	AppointmentID string `json:"appointment_id,omitempty"`
}

func viewOf(s session.Session) SessionView {
	return SessionView{
		SessionID:     s.ID,
		Status:        string(s.Status),
		CurrentAgent:  string(s.ActiveAgent),
		Stage:         string(s.Stage),
		PriorityScore: s.PriorityScore,
		Emergency:     s.Emergency,
		AppointmentID: s.Booking.AppointmentID,
	}
}

// GetSession handles GET /session/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.load(r.Context(), "session.get", chi.URLParam(r, "id"))
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, viewOf(s))
}

// CloseSession handles POST /session/{id}/close.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.closer.Close(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	for _, hook := range h.onClose {
		if err := hook(r.Context(), s); err != nil {
			h.logger.Warn("session close hook failed", "session_id", s.ID, "error", err)
		}
	}
	h.logger.Info("session closed", "session_id", s.ID, "clinic_id", s.ClinicID)
	httpjson.Write(w, http.StatusOK, viewOf(s))
}

// MessageRequest is the body of POST /chat/message.
type MessageRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// MessageResponse acknowledges an enqueued turn.
type MessageResponse struct {
	JobID     string `json:"job_id"`
	SessionID string `json:"session_id"`
}

// Message handles POST /chat/message.
func (h *Handler) Message(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, err)
		return
	}
	jobID, err := h.SubmitText(r.Context(), req.SessionID, req.Text)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	httpjson.Write(w, http.StatusAccepted, MessageResponse{JobID: jobID, SessionID: req.SessionID})
}

// SubmitText checks the session accepts turns and enqueues text. The
// WebSocket transport uses it for inbound frames.
func (h *Handler) SubmitText(ctx context.Context, sessionID, text string) (string, error) {
	const op = "chat.message"
	if strings.TrimSpace(sessionID) == "" {
		return "", apperr.Validation(op, "session_id is required")
	}
	s, err := h.load(ctx, op, sessionID)
	if err != nil {
		return "", err
	}
	if s.Status != session.StatusActive {
		return "", apperr.Conflict(op, "this conversation has ended")
	}
	jobID, err := h.submitter.Submit(ctx, Job{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Text:      text,
		Submitted: h.now().UTC(),
	})
	if err != nil {
		if apperr.KindOf(err) != apperr.KindValidation {
			h.logger.Error("failed to submit turn", "session_id", sessionID, "error", err)
		}
		return "", err
	}
	return jobID, nil
}

// Job handles GET /chat/jobs/{id}.
func (h *Handler) Job(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrJobNotFound) {
		httpjson.Error(w, apperr.NotFound("chat.job", "job not found"))
		return
	}
	if err != nil {
		h.logger.Error("failed to load job", "error", err)
		httpjson.Error(w, apperr.Upstream("chat.job", err))
		return
	}
	httpjson.Write(w, http.StatusOK, job)
}

func (h *Handler) load(ctx context.Context, op, id string) (session.Session, error) {
	if strings.TrimSpace(id) == "" {
		return session.Session{}, apperr.Validation(op, "session id is required")
	}
	s, err := h.sessions.Load(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return session.Session{}, apperr.NotFound(op, "session not found")
	}
	if err != nil {
		return session.Session{}, apperr.Upstream(op, err)
	}
	return s, nil
}
