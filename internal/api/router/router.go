package router

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	httpmiddleware "github.com/wolfman30/pearlflow/internal/http/middleware"
	"github.com/wolfman30/pearlflow/internal/http/httpjson"
	"github.com/wolfman30/pearlflow/internal/patients"
	"github.com/wolfman30/pearlflow/internal/scheduling"
	"github.com/wolfman30/pearlflow/internal/stream"
	"github.com/wolfman30/pearlflow/internal/turn"
	"github.com/wolfman30/pearlflow/internal/waitlist"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger     *logging.Logger
	Clinics    *scheduling.Directory
	Turns      *turn.Handler
	Stream     *stream.Handler
	Scheduling *scheduling.Handler
	Waitlist   *waitlist.Handler
	Patients   *patients.Handler

	MetricsHandler     http.Handler
	AdminAuthSecret    string
	CORSAllowedOrigins []string
	// ChatLimiter throttles chat submissions per client IP. Nil disables it.
	ChatLimiter *httpmiddleware.RateLimiter
	// Ready reports backing store health for /health. Nil means always ready.
	Ready func(ctx context.Context) error
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Long-lived streams must not sit behind the compressor, which buffers
	// SSE frames and cannot hijack WebSocket connections.
	if cfg.Stream != nil {
		r.Get("/chat/stream/{session_id}", cfg.Stream.ServeSSE)
		r.Get("/chat/ws/{session_id}", cfg.Stream.ServeWS)
	}

	r.Group(func(api chi.Router) {
		api.Use(middleware.Compress(5))

		api.Get("/health", health(cfg.Ready))
		if cfg.MetricsHandler != nil {
			api.Handle("/metrics", cfg.MetricsHandler)
		}

		if cfg.Turns != nil {
			api.Post("/session", cfg.Turns.CreateSession)
			api.Get("/session/{id}", cfg.Turns.GetSession)
			api.Post("/session/{id}/close", cfg.Turns.CloseSession)
			api.Route("/chat", func(chat chi.Router) {
				if cfg.ChatLimiter != nil {
					chat.With(httpmiddleware.RateLimit(cfg.ChatLimiter)).Post("/message", cfg.Turns.Message)
				} else {
					chat.Post("/message", cfg.Turns.Message)
				}
				chat.Get("/jobs/{id}", cfg.Turns.Job)
			})
		}

		// Move offers are answered from links sent to the patient, so they
		// carry no clinic key.
		if cfg.Scheduling != nil {
			api.Route("/offers/{id}", func(offer chi.Router) {
				offer.Get("/", cfg.Scheduling.Offer)
				offer.Post("/accept", cfg.Scheduling.AcceptOffer)
				offer.Post("/decline", cfg.Scheduling.DeclineOffer)
			})
		}

		api.Group(func(clinic chi.Router) {
			var keys ClinicKeys
			if cfg.Clinics != nil {
				keys = cfg.Clinics
			}
			clinic.Use(requireClinicKey(keys))
			if cfg.Clinics != nil {
				clinic.Get("/clinic", clinicInfo(cfg.Clinics))
			}
			if cfg.Scheduling != nil {
				clinic.Route("/appointments", func(appts chi.Router) {
					appts.Get("/slots", cfg.Scheduling.Slots)
					appts.Post("/", cfg.Scheduling.Book)
					appts.Get("/{id}", cfg.Scheduling.Appointment)
					appts.Post("/{id}/cancel", cfg.Scheduling.Cancel)
				})
			}
			if cfg.Waitlist != nil {
				clinic.Route("/waitlist", func(wl chi.Router) {
					wl.Post("/", cfg.Waitlist.Add)
					wl.Get("/", cfg.Waitlist.List)
					wl.Post("/{id}/notify", cfg.Waitlist.Notify)
					wl.Post("/{id}/respond", cfg.Waitlist.Respond)
				})
			}
			if cfg.Patients != nil {
				clinic.Get("/patients/lookup", cfg.Patients.Lookup)
			}
		})

		if cfg.AdminAuthSecret != "" {
			api.Route("/admin", func(admin chi.Router) {
				admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
				if cfg.Scheduling != nil {
					admin.Get("/offers", cfg.Scheduling.ListOffers)
					admin.Post("/offers/expire", cfg.Scheduling.ExpireOffers)
					admin.Post("/heuristics/move-check", cfg.Scheduling.MoveCheck)
					admin.Get("/heuristics/optimize-day", cfg.Scheduling.OptimizeDay)
				}
				if cfg.Patients != nil {
					admin.Post("/patients", cfg.Patients.Create)
					admin.Get("/patients/{id}", cfg.Patients.Get)
				}
			})
		}
	})

	return r
}

func health(ready func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				httpjson.Write(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
				return
			}
		}
		httpjson.Write(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ClinicInfo is the public description of the caller's clinic.
type ClinicInfo struct {
	ClinicID   string                 `json:"clinic_id"`
	Name       string                 `json:"name"`
	Timezone   string                 `json:"timezone"`
	Procedures []scheduling.Procedure `json:"procedures"`
	Dentists   []scheduling.Dentist   `json:"dentists"`
}

func clinicInfo(dir *scheduling.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicID, _ := clinicIDFromRequest(r)
		roster, ok := dir.Clinic(clinicID)
		if !ok {
			httpjson.Write(w, http.StatusNotFound, httpjson.ErrorBody{Error: "unknown clinic", Kind: "not_found"})
			return
		}
		httpjson.Write(w, http.StatusOK, ClinicInfo{
			ClinicID:   roster.ClinicID,
			Name:       roster.Name,
			Timezone:   roster.Location().String(),
			Procedures: roster.Procedures,
			Dentists:   roster.Dentists,
		})
	}
}
