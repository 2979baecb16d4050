package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/pearlflow/pkg/logging"
)

func newTestRouter(f *engineFixture, opts ...HandlerOption) http.Handler {
	h := NewHandler(f.engine, logging.Discard(), opts...)
	r := chi.NewRouter()
	r.Get("/appointments/slots", h.Slots)
	r.Post("/appointments", h.Book)
	r.Get("/appointments/{id}", h.Appointment)
	r.Post("/appointments/{id}/cancel", h.Cancel)
	r.Get("/offers/{id}", h.Offer)
	r.Post("/offers/{id}/accept", h.AcceptOffer)
	r.Post("/offers/{id}/decline", h.DeclineOffer)
	r.Get("/admin/offers", h.ListOffers)
	r.Post("/admin/offers/expire", h.ExpireOffers)
	r.Post("/admin/heuristics/move-check", h.MoveCheck)
	r.Get("/admin/heuristics/optimize-day", h.OptimizeDay)
	return r
}

func serve(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Slots(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)

	rec := serve(t, router, http.MethodGet, "/appointments/slots?clinic_id=c1&from=2026-03-02&to=2026-03-02&procedure_code=checkup", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SlotsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Slots)
	assert.Equal(t, len(resp.Slots), resp.Count)
	assert.Equal(t, "d1", resp.Slots[0].DentistID)
	assert.True(t, resp.Slots[0].Start.Equal(f.at(2, 9, 0)))
	for _, s := range resp.Slots {
		assert.Equal(t, 2, s.Start.In(f.loc).Day(), "slots stay inside the requested day")
	}
}

func TestHandler_SlotsValidation(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"missing clinic", "from=2026-03-02&to=2026-03-03", http.StatusBadRequest},
		{"unknown clinic", "clinic_id=nope&from=2026-03-02&to=2026-03-03", http.StatusNotFound},
		{"missing from", "clinic_id=c1&to=2026-03-03", http.StatusBadRequest},
		{"bad date", "clinic_id=c1&from=03/02/2026&to=2026-03-03", http.StatusBadRequest},
		{"reversed range", "clinic_id=c1&from=2026-03-05T09:00:00%2B11:00&to=2026-03-02T09:00:00%2B11:00", http.StatusBadRequest},
		{"too wide", "clinic_id=c1&from=2026-03-02&to=2026-06-01", http.StatusBadRequest},
		{"bad limit", "clinic_id=c1&from=2026-03-02&to=2026-03-03&limit=-1", http.StatusBadRequest},
		{"unknown procedure", "clinic_id=c1&from=2026-03-02&to=2026-03-03&procedure_code=IMPLANT", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, router, http.MethodGet, "/appointments/slots?"+tt.query, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestHandler_BookConflictReturnsAlternatives(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)

	req := BookingRequest{ClinicID: "c1", PatientID: "p1", DentistID: "d1", ProcedureCode: "CHECKUP", Start: f.at(2, 9, 0)}
	rec := serve(t, router, http.MethodPost, "/appointments", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var appt Appointment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &appt))
	assert.Equal(t, StatusBooked, appt.Status)
	assert.NotEmpty(t, appt.ID)

	req.PatientID = "p2"
	rec = serve(t, router, http.MethodPost, "/appointments", req)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	var conflict ConflictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conflict))
	assert.Equal(t, "conflict", conflict.Kind)
	require.NotEmpty(t, conflict.Alternatives)
	for _, s := range conflict.Alternatives {
		assert.False(t, s.DentistID == "d1" && s.Start.Equal(f.at(2, 9, 0)), "taken slot is not offered again")
	}

	rec = serve(t, router, http.MethodGet, "/appointments/"+appt.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = serve(t, router, http.MethodGet, "/appointments/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, router, http.MethodPost, "/appointments", BookingRequest{ClinicID: "c1", DentistID: "d1", Start: f.at(2, 9, 30)})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "patient is required")
}

func TestHandler_Cancel(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)
	a := f.book(t, "p1", "d1", "CHECKUP", f.at(2, 9, 0))

	rec := serve(t, router, http.MethodPost, "/appointments/"+a.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res Cancellation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, StatusCancelled, res.Appointment.Status)
	assert.Nil(t, res.Notified)

	rec = serve(t, router, http.MethodPost, "/appointments/"+a.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = serve(t, router, http.MethodPost, "/appointments/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_OfferLifecycle(t *testing.T) {
	f := newFixture(t, anxiousP1())
	router := newTestRouter(f)
	fillHorizon(t, f)

	offer, ok, err := f.engine.Negotiate(context.Background(), NegotiationRequest{
		ClinicID: "c1", PatientID: "urgent", ProcedureCode: "EMERG", PriorityScore: 80,
	})
	require.NoError(t, err)
	require.True(t, ok)

	rec := serve(t, router, http.MethodGet, "/offers/"+offer.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got MoveOffer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, OfferPending, got.Status)

	rec = serve(t, router, http.MethodPost, "/offers/"+offer.ID+"/accept", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res OfferResolution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, OfferAccepted, res.Offer.Status)
	assert.Equal(t, "urgent", res.Booked.PatientID)

	rec = serve(t, router, http.MethodPost, "/offers/"+offer.ID+"/decline", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = serve(t, router, http.MethodPost, "/offers/missing/accept", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_AdminScope(t *testing.T) {
	f := newFixture(t, anxiousP1())
	onlyC1 := WithAccess(func(_ context.Context, clinicID string) bool { return clinicID == "c1" })
	router := newTestRouter(f, onlyC1)
	fillHorizon(t, f)
	_, ok, err := f.engine.Negotiate(context.Background(), NegotiationRequest{
		ClinicID: "c1", PatientID: "urgent", ProcedureCode: "EMERG", PriorityScore: 80,
	})
	require.NoError(t, err)
	require.True(t, ok)

	rec := serve(t, router, http.MethodGet, "/admin/offers?clinic_id=c1&status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var list OffersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	rec = serve(t, router, http.MethodGet, "/admin/offers?clinic_id=c1&status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = serve(t, router, http.MethodGet, "/admin/offers", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "all-clinic listing needs an unscoped token")
	rec = serve(t, router, http.MethodPost, "/admin/offers/expire", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_ExpireOffers(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)

	rec := serve(t, router, http.MethodPost, "/admin/offers/expire", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ExpireResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)
	assert.NotNil(t, resp.Expired)
}

func TestHandler_Heuristics(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)
	a := f.book(t, "p1", "d1", "CHECKUP", f.at(2, 9, 0))

	rec := serve(t, router, http.MethodPost, "/admin/heuristics/move-check", MoveCheckRequest{
		AppointmentID: a.ID, CandidateStart: f.at(5, 9, 0), NewValue: 500,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var check MoveCheckResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &check))
	assert.Equal(t, 77, check.MoveScore)
	assert.Equal(t, RecommendMove, check.Recommendation)

	rec = serve(t, router, http.MethodPost, "/admin/heuristics/move-check", MoveCheckRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, router, http.MethodGet, "/admin/heuristics/optimize-day?clinic_id=c1&date=2026-03-02", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var day OptimizeDayResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &day))
	assert.Equal(t, "2026-03-02", day.Date)
	assert.Empty(t, day.Suggestions)

	rec = serve(t, router, http.MethodGet, "/admin/heuristics/optimize-day?clinic_id=c1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
