// Package api is the HTTP transport over the engine. Handlers delegate to
// domain services and translate domain errors to status codes; no business
// logic lives here.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"compensa/auth"
	"compensa/engine"
	"compensa/event"
	"compensa/settle"
)

// Server bundles the services the HTTP layer exposes.
type Server struct {
	log    *slog.Logger
	auth   *auth.Service
	engine *engine.Engine
	orch   *settle.Orchestrator
	events *event.Recorder
	prom   *prometheus.Registry
}

func NewServer(log *slog.Logger, authSvc *auth.Service, eng *engine.Engine,
	orch *settle.Orchestrator, events *event.Recorder, prom *prometheus.Registry) *Server {
	return &Server{
		log:    log,
		auth:   authSvc,
		engine: eng,
		orch:   orch,
		events: events,
		prom:   prom,
	}
}

// Router wires all endpoints. Candidates covers both bilateral matches and
// multilateral chains; the lifecycle verbs accept either kind of id.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.prom, promhttp.HandlerOpts{}))
	r.Post("/auth/login", s.handleLogin)

	r.Group(func(pr chi.Router) {
		pr.Use(s.requireAuth)

		pr.Post("/auth/register", s.requireRole(s.handleRegister, auth.RoleAdmin))

		pr.Post("/analysis/run", s.requireRole(s.handleRunAnalysis, auth.RoleOperator, auth.RoleAdmin))

		pr.Get("/candidates", s.handleListCandidates)
		pr.Get("/candidates/{id}", s.handleGetCandidate)
		pr.Post("/candidates/{id}/approve", s.requireRole(s.handleApprove, auth.RoleOperator, auth.RoleAdmin))
		pr.Post("/candidates/{id}/reject", s.requireRole(s.handleReject, auth.RoleOperator, auth.RoleAdmin))
		pr.Post("/candidates/{id}/execute", s.requireRole(s.handleExecute, auth.RoleOperator, auth.RoleAdmin))

		pr.Get("/settlements/{id}", s.handleGetSettlement)
		pr.Get("/events", s.handleListEvents)
		pr.Get("/events/{key}", s.handleListEvents)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
