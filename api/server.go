/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zap request log with status, size and latency
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the operator UI

ROUTE GROUPS:
  /api/persons/*        Person administration and attendance
  /api/badge/*          Badge time-in
  /api/sessions/*       Session queries, task entries, corrections, overrides
  /api/overrides/*      Override review
  /api/admin/*          Batch jobs and run history
  /api/notifications    Notification log
  /api/scenarios/*      Demo scenarios
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/persons", func(r chi.Router) {
			r.Get("/", h.ListPersons)
			r.Post("/", h.CreatePerson)
			r.Get("/{id}", h.GetPerson)
			r.Put("/{id}/schedule", h.UpdateSchedule)
			r.Post("/{id}/status", h.ChangeStatus)
			r.Put("/{id}/required-hours", h.SetRequiredHours)
			r.Put("/{id}/badge", h.AssignBadge)
			r.Get("/{id}/sessions", h.ListPersonSessions)
			r.Post("/{id}/time-in", h.TimeIn)
			r.Post("/{id}/time-out", h.TimeOut)
		})

		r.Post("/badge/time-in", h.BadgeTimeIn)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessionsByWorkDate)
			r.Get("/open", h.ListOpenSessions)
			r.Get("/{id}", h.GetSession)
			r.Post("/{id}/tasks", h.AppendTask)
			r.Post("/{id}/correct", h.CorrectSession)
			r.Post("/{id}/overrides", h.SubmitOverride)
		})

		r.Route("/overrides", func(r chi.Router) {
			r.Get("/", h.ListOverrides)
			r.Post("/{id}/review", h.ReviewOverride)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/recalculate", h.Recalculate)
			r.Post("/sweep", h.Sweep)
			r.Post("/completion-scan", h.CompletionScan)
			r.Get("/runs", h.ListRuns)
			r.Get("/near-completion", h.NearCompletion)
		})

		r.Get("/notifications", h.ListNotifications)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// requestLogger logs one line per request through zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("latency", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
