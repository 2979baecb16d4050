package patients

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/pearlflow/internal/apperr"
	"github.com/wolfman30/pearlflow/internal/http/httpjson"
	"github.com/wolfman30/pearlflow/internal/tenancy"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

// Handler serves the patient endpoints.
type Handler struct {
	repo   Repository
	logger *logging.Logger
}

func NewHandler(repo Repository, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{repo: repo, logger: logger}
}

// Create handles POST /patients.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreatePatientRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, err)
		return
	}

	p, err := h.repo.Create(r.Context(), &req)
	if err != nil {
		h.writeErr(w, "patients.create", err)
		return
	}

	h.logger.Info("patient created", "patient_id", p.ID, "clinic_id", p.ClinicID)
	httpjson.Write(w, http.StatusCreated, p)
}

// Get handles GET /patients/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.repo.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, "patients.get", err)
		return
	}
	httpjson.Write(w, http.StatusOK, p)
}

// LookupResponse is the body of GET /patients/lookup.
type LookupResponse struct {
	Patients []*Patient `json:"patients"`
	Count    int        `json:"count"`
}

// Lookup handles GET /patients/lookup?phone=&clinic_id=.
func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clinicID, ok := tenancy.Scope(r.Context(), q.Get("clinic_id"))
	if !ok {
		httpjson.Forbidden(w, "clinic key does not match clinic_id")
		return
	}
	list, err := h.repo.ListByPhone(r.Context(), clinicID, q.Get("phone"))
	if err != nil {
		h.writeErr(w, "patients.lookup", err)
		return
	}
	if len(list) == 0 {
		httpjson.Error(w, apperr.NotFound("patients.lookup", "no patient with that phone number"))
		return
	}
	httpjson.Write(w, http.StatusOK, LookupResponse{Patients: list, Count: len(list)})
}

func (h *Handler) writeErr(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		err = apperr.NotFound(op, ErrNotFound.Error())
	case errors.Is(err, ErrMissingClinicID), errors.Is(err, ErrInvalidName),
		errors.Is(err, ErrInvalidPhone), errors.Is(err, ErrInvalidRisk):
		err = apperr.Validation(op, err.Error())
	default:
		h.logger.Error("patient request failed", "op", op, "error", err)
	}
	httpjson.Error(w, err)
}
