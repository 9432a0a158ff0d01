package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthCheckTimeout bounds each dependency check in /api/health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/auth", func(r chi.Router) {
		r.Use(s.rateLimitMiddleware)
		r.Post("/token", s.handleToken)
	})

	r.Route("/api", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// The gateway authenticates inside the socket.
		if s.websocket != nil {
			r.Method(http.MethodGet, "/websocket", s.websocket)
		}

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/", s.handleAPIStatus)
			r.Get("/config", s.handleGetConfig)

			r.Route("/states", func(r chi.Router) {
				r.Get("/", s.handleListStates)
				r.Get("/{entity_id}", s.handleGetState)
				r.Post("/{entity_id}", s.handleSetState)
				r.With(s.adminMiddleware).Delete("/{entity_id}", s.handleRemoveState)
			})

			r.Get("/services", s.handleListServices)
			r.Post("/services/{domain}/{service}", s.handleCallService)

			r.With(s.adminMiddleware).Post("/events/{event_type}", s.handleFireEvent)

			r.Route("/users", func(r chi.Router) {
				r.Use(s.adminMiddleware)
				r.Get("/", s.handleListUsers)
				r.Post("/", s.handleCreateUser)
				r.Get("/{id}", s.handleGetUser)
				r.Patch("/{id}", s.handleUpdateUser)
				r.Delete("/{id}", s.handleDeleteUser)
				r.Put("/{id}/password", s.handleSetPassword)
				r.Delete("/{id}/credentials/{credentials_id}", s.handleRemoveCredentials)
				r.Get("/{id}/sessions", s.handleListUserSessions)
				r.Delete("/{id}/sessions", s.handleRevokeUserSessions)
			})

			if s.audit != nil {
				r.With(s.adminMiddleware).Get("/audit", s.handleListAudit)
			}
		})
	})

	return r
}

// handleHealth reports the status of the kernel and registered dependencies.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := make(map[string]string, len(s.health)+1)

	checks["kernel"] = s.kernel.Info().State
	for name, hc := range s.health {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := hc.HealthCheck(ctx)
		cancel()
		if err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":         overall,
		"version":        s.kernel.Version(),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"checks":         checks,
	})
}
