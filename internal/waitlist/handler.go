package waitlist

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/pearlflow/internal/apperr"
	"github.com/wolfman30/pearlflow/internal/http/httpjson"
	"github.com/wolfman30/pearlflow/internal/tenancy"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

// Handler serves the waitlist endpoints.
type Handler struct {
	svc    *Service
	logger *logging.Logger
}

func NewHandler(svc *Service, logger *logging.Logger) *Handler {
	if svc == nil {
		panic("waitlist: handler requires a service")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// Add handles POST /waitlist.
func (h *Handler) Add(w http.ResponseWriter, r *http.Request) {
	var req AddRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, err)
		return
	}
	clinicID, ok := tenancy.Scope(r.Context(), req.ClinicID)
	if !ok {
		httpjson.Forbidden(w, "clinic key does not match clinic_id")
		return
	}
	req.ClinicID = clinicID
	e, err := h.svc.Add(r.Context(), req)
	if err != nil {
		h.fail(w, "waitlist.add", err)
		return
	}
	httpjson.Write(w, http.StatusCreated, e)
}

// ListResponse is the body of GET /waitlist.
type ListResponse struct {
	Entries []Entry `json:"entries"`
	Count   int     `json:"count"`
}

// List handles GET /waitlist?clinic_id=. A clinic-key caller may omit
// clinic_id.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := tenancy.Scope(r.Context(), r.URL.Query().Get("clinic_id"))
	if !ok {
		httpjson.Forbidden(w, "clinic key does not match clinic_id")
		return
	}
	entries, err := h.svc.Active(r.Context(), clinicID)
	if err != nil {
		h.fail(w, "waitlist.list", err)
		return
	}
	if entries == nil {
		entries = []Entry{}
	}
	httpjson.Write(w, http.StatusOK, ListResponse{Entries: entries, Count: len(entries)})
}

// NotifyRequest is the optional body of POST /waitlist/{id}/notify.
type NotifyRequest struct {
	Opening *Opening `json:"opening,omitempty"`
}

// Notify handles POST /waitlist/{id}/notify.
func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if r.ContentLength != 0 {
		if err := httpjson.Decode(r, &req); err != nil {
			httpjson.Error(w, err)
			return
		}
	}
	if o := req.Opening; o != nil && (o.Start.IsZero() || !o.Start.Before(o.End)) {
		httpjson.Error(w, apperr.Validation("waitlist.notify", "opening start must be before end"))
		return
	}
	id := chi.URLParam(r, "id")
	if !h.owned(w, r, "waitlist.notify", id) {
		return
	}
	e, err := h.svc.Notify(r.Context(), id, req.Opening)
	if err != nil {
		h.fail(w, "waitlist.notify", err)
		return
	}
	httpjson.Write(w, http.StatusOK, e)
}

// RespondRequest is the body of POST /waitlist/{id}/respond.
type RespondRequest struct {
	Response string `json:"response"`
}

// Respond handles POST /waitlist/{id}/respond.
func (h *Handler) Respond(w http.ResponseWriter, r *http.Request) {
	var req RespondRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if !h.owned(w, r, "waitlist.respond", id) {
		return
	}
	e, err := h.svc.Respond(r.Context(), id, req.Response)
	if err != nil {
		h.fail(w, "waitlist.respond", err)
		return
	}
	h.logger.Info("waitlist response recorded", "entry_id", e.ID, "response", e.Response, "status", e.Status)
	httpjson.Write(w, http.StatusOK, e)
}

// owned loads entry id and checks it belongs to the caller's clinic.
func (h *Handler) owned(w http.ResponseWriter, r *http.Request, op, id string) bool {
	if _, scoped := tenancy.ClinicIDFromContext(r.Context()); !scoped {
		return true
	}
	e, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.fail(w, op, err)
		return false
	}
	if !tenancy.Allows(r.Context(), e.ClinicID) {
		httpjson.Forbidden(w, "entry belongs to another clinic")
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if apperr.HTTPStatus(err) >= http.StatusInternalServerError {
		h.logger.Error("waitlist request failed", "op", op, "error", err)
	}
	httpjson.Error(w, err)
}
