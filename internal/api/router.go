package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthCheckTimeout bounds the dependency checks behind /health.
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

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/connections", func(r chi.Router) {
			r.Get("/", s.handleListConnections)

			// {id} is the path-escaped connection identity.
			r.Route("/{id}", func(r chi.Router) {
				r.Use(s.connectionMiddleware)

				r.Get("/", s.handleGetConnection)
				r.Put("/trace", s.handleSetTrace)

				r.Post("/publish", s.handlePublish)
				r.Get("/pending", s.handleListPending)

				r.Post("/subscriptions", s.handleSubscribe)
				r.Delete("/subscriptions", s.handleUnsubscribe)

				r.Route("/messages", func(r chi.Router) {
					r.Get("/", s.handleListMessages)
					r.Delete("/", s.handleClearMessages)
					r.Post("/redeliver", s.handleRedeliver)
					r.Post("/{messageID}/ack", s.handleAckMessage)
				})

				r.Route("/buffer", func(r chi.Router) {
					r.Get("/", s.handleGetBuffer)
					r.Put("/", s.handleSetBufferPolicy)
					r.Delete("/{index}", s.handleDeleteBuffered)
				})
			})
		})

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status. The database is checked
// when one was supplied; a failing database turns the status degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	checks := map[string]string{}

	if s.database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.database.HealthCheck(ctx); err != nil {
			checks["database"] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}

	connected := 0
	conns := s.bridge.Connections()
	for _, c := range conns {
		if s.bridge.IsConnected(c.Identity) {
			connected++
		}
	}

	writeJSON(w, code, map[string]any{
		"status":      status,
		"version":     s.version,
		"checks":      checks,
		"connections": len(conns),
		"connected":   connected,
	})
}
