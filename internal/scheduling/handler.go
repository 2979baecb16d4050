package scheduling

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/pearlflow/internal/apperr"
	"github.com/wolfman30/pearlflow/internal/http/httpjson"
	"github.com/wolfman30/pearlflow/internal/tenancy"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

// AccessFunc reports whether the caller on ctx may act on clinicID. An empty
// clinicID asks for access across every clinic.
type AccessFunc func(ctx context.Context, clinicID string) bool

// Handler serves the appointment, move offer and admin heuristics endpoints.
type Handler struct {
	engine *Engine
	access AccessFunc
	logger *logging.Logger
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithAccess restricts the admin endpoints. Without it every caller that
// reached the handler is trusted.
func WithAccess(fn AccessFunc) HandlerOption {
	return func(h *Handler) { h.access = fn }
}

func NewHandler(engine *Engine, logger *logging.Logger, opts ...HandlerOption) *Handler {
	if engine == nil {
		panic("scheduling: handler requires an engine")
	}
	if logger == nil {
		logger = logging.Default()
	}
	h := &Handler{engine: engine, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SlotsResponse is the body of GET /appointments/slots.
type SlotsResponse struct {
	ClinicID string `json:"clinic_id"`
	Slots    []Slot `json:"slots"`
	Count    int    `json:"count"`
}

// Slots handles GET /appointments/slots?clinic_id=&from=&to=&procedure_code=.
// from and to accept RFC 3339 timestamps or YYYY-MM-DD dates in the clinic's
// time zone; a date-only to covers that whole day.
func (h *Handler) Slots(w http.ResponseWriter, r *http.Request) {
	const op = "appointments.slots"
	q := r.URL.Query()
	clinicID, ok := tenancy.Scope(r.Context(), q.Get("clinic_id"))
	if !ok {
		httpjson.Forbidden(w, "clinic key does not match clinic_id")
		return
	}
	roster, err := h.engine.roster(op, clinicID)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	loc := roster.Location()
	from, err := parseBound(op, "from", q.Get("from"), loc, false)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	to, err := parseBound(op, "to", q.Get("to"), loc, true)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	if to.Sub(from) > h.engine.searchHorizon {
		httpjson.Error(w, apperr.Validation(op, "date range is too wide"))
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			httpjson.Error(w, apperr.Validation(op, "limit must be a non-negative integer"))
			return
		}
	}

	slots, err := h.engine.FindSlots(r.Context(), SlotQuery{
		ClinicID:      clinicID,
		From:          from,
		To:            to,
		ProcedureCode: q.Get("procedure_code"),
		DentistID:     q.Get("dentist_id"),
		Limit:         limit,
	})
	if err != nil {
		h.fail(w, op, err)
		return
	}
	if slots == nil {
		slots = []Slot{}
	}
	httpjson.Write(w, http.StatusOK, SlotsResponse{ClinicID: clinicID, Slots: slots, Count: len(slots)})
}

func parseBound(op, name, raw string, loc *time.Location, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, apperr.Validation(op, name+" is required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.ParseInLocation("2006-01-02", raw, loc)
	if err != nil {
		return time.Time{}, apperr.Validation(op, name+" must be RFC 3339 or YYYY-MM-DD")
	}
	if endOfDay {
		d = d.AddDate(0, 0, 1)
	}
	return d, nil
}

// ConflictResponse is returned with 409 when the requested slot was taken.
type ConflictResponse struct {
	Error        string `json:"error"`
	Kind         string `json:"kind"`
	Alternatives []Slot `json:"alternatives"`
}

// Book handles POST /appointments.
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	const op = "appointments.book"
	var req BookingRequest
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
	appt, alts, err := h.engine.BookOrResearch(r.Context(), req)
	if apperr.IsConflict(err) {
		if alts == nil {
			alts = []Slot{}
		}
		httpjson.Write(w, http.StatusConflict, ConflictResponse{
			Error:        apperr.PublicMessage(err),
			Kind:         apperr.KindConflict.String(),
			Alternatives: alts,
		})
		return
	}
	if err != nil {
		h.fail(w, op, err)
		return
	}
	httpjson.Write(w, http.StatusCreated, appt)
}

// Appointment handles GET /appointments/{id}.
func (h *Handler) Appointment(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.GetAppointment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "appointments.get", err)
		return
	}
	if !tenancy.Allows(r.Context(), a.ClinicID) {
		httpjson.Forbidden(w, "appointment belongs to another clinic")
		return
	}
	httpjson.Write(w, http.StatusOK, a)
}

// Cancel handles POST /appointments/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, scoped := tenancy.ClinicIDFromContext(r.Context()); scoped {
		a, err := h.engine.GetAppointment(r.Context(), id)
		if err != nil {
			h.fail(w, "appointments.cancel", err)
			return
		}
		if !tenancy.Allows(r.Context(), a.ClinicID) {
			httpjson.Forbidden(w, "appointment belongs to another clinic")
			return
		}
	}
	res, err := h.engine.Cancel(r.Context(), id)
	if err != nil {
		h.fail(w, "appointments.cancel", err)
		return
	}
	httpjson.Write(w, http.StatusOK, res)
}

// Offer handles GET /offers/{id}.
func (h *Handler) Offer(w http.ResponseWriter, r *http.Request) {
	o, err := h.engine.GetOffer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "offers.get", err)
		return
	}
	httpjson.Write(w, http.StatusOK, o)
}

// AcceptOffer handles POST /offers/{id}/accept.
func (h *Handler) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.AcceptOffer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "offers.accept", err)
		return
	}
	httpjson.Write(w, http.StatusOK, res)
}

// DeclineOffer handles POST /offers/{id}/decline.
func (h *Handler) DeclineOffer(w http.ResponseWriter, r *http.Request) {
	o, err := h.engine.DeclineOffer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "offers.decline", err)
		return
	}
	httpjson.Write(w, http.StatusOK, o)
}

// OffersResponse is the body of GET /admin/offers.
type OffersResponse struct {
	Offers []MoveOffer `json:"offers"`
	Count  int         `json:"count"`
}

// ListOffers handles GET /admin/offers?clinic_id=&status=.
func (h *Handler) ListOffers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clinicID := strings.TrimSpace(q.Get("clinic_id"))
	if !h.allowed(w, r, clinicID) {
		return
	}
	status := OfferStatus(strings.ToUpper(strings.TrimSpace(q.Get("status"))))
	offers, err := h.engine.ListOffers(r.Context(), clinicID, status)
	if err != nil {
		h.fail(w, "admin.list_offers", err)
		return
	}
	if offers == nil {
		offers = []MoveOffer{}
	}
	httpjson.Write(w, http.StatusOK, OffersResponse{Offers: offers, Count: len(offers)})
}

// ExpireResponse is the body of POST /admin/offers/expire.
type ExpireResponse struct {
	Expired []string `json:"expired"`
	Count   int      `json:"count"`
}

// ExpireOffers handles POST /admin/offers/expire.
func (h *Handler) ExpireOffers(w http.ResponseWriter, r *http.Request) {
	if !h.allowed(w, r, "") {
		return
	}
	expired, err := h.engine.ExpireOffers(r.Context())
	if err != nil {
		h.fail(w, "admin.expire_offers", err)
		return
	}
	ids := make([]string, 0, len(expired))
	for _, o := range expired {
		ids = append(ids, o.ID)
	}
	httpjson.Write(w, http.StatusOK, ExpireResponse{Expired: ids, Count: len(ids)})
}

// MoveCheck handles POST /admin/heuristics/move-check.
func (h *Handler) MoveCheck(w http.ResponseWriter, r *http.Request) {
	const op = "admin.move_check"
	var req MoveCheckRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, err)
		return
	}
	if req.AppointmentID == "" {
		httpjson.Error(w, apperr.Validation(op, "appointment_id is required"))
		return
	}
	a, err := h.engine.GetAppointment(r.Context(), req.AppointmentID)
	if err != nil {
		h.fail(w, op, err)
		return
	}
	if !h.allowed(w, r, a.ClinicID) {
		return
	}
	res, err := h.engine.MoveCheck(r.Context(), req)
	if err != nil {
		h.fail(w, op, err)
		return
	}
	httpjson.Write(w, http.StatusOK, res)
}

// OptimizeDayResponse is the body of GET /admin/heuristics/optimize-day.
type OptimizeDayResponse struct {
	ClinicID    string           `json:"clinic_id"`
	Date        string           `json:"date"`
	Suggestions []MoveSuggestion `json:"suggestions"`
	Count       int              `json:"count"`
}

// OptimizeDay handles GET /admin/heuristics/optimize-day?clinic_id=&date=YYYY-MM-DD.
func (h *Handler) OptimizeDay(w http.ResponseWriter, r *http.Request) {
	const op = "admin.optimize_day"
	q := r.URL.Query()
	clinicID := strings.TrimSpace(q.Get("clinic_id"))
	roster, err := h.engine.roster(op, clinicID)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	if !h.allowed(w, r, clinicID) {
		return
	}
	date, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(q.Get("date")), roster.Location())
	if err != nil {
		httpjson.Error(w, apperr.Validation(op, "date must be YYYY-MM-DD"))
		return
	}
	suggestions, err := h.engine.OptimizeDay(r.Context(), clinicID, date)
	if err != nil {
		h.fail(w, op, err)
		return
	}
	if suggestions == nil {
		suggestions = []MoveSuggestion{}
	}
	httpjson.Write(w, http.StatusOK, OptimizeDayResponse{
		ClinicID:    clinicID,
		Date:        date.Format("2006-01-02"),
		Suggestions: suggestions,
		Count:       len(suggestions),
	})
}

func (h *Handler) allowed(w http.ResponseWriter, r *http.Request, clinicID string) bool {
	if h.access == nil || h.access(r.Context(), clinicID) {
		return true
	}
	httpjson.Forbidden(w, "not permitted for this clinic")
	return false
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if apperr.HTTPStatus(err) >= http.StatusInternalServerError {
		h.logger.Error("scheduling request failed", "op", op, "error", err)
	}
	httpjson.Error(w, err)
}
