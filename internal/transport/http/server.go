// Package http serves the operator status API of a running pipeline.
//
// Routes:
//
//	GET    /health
//	GET    /stats
//	GET    /stats/summary
//	GET    /contacts/{key}
//	POST   /contacts/{key}/suppress
//	POST   /contacts/requeue
//	GET    /queue/dead
//	POST   /queue/dead/replay
//	GET    /events      (WebSocket)
//	GET    /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/snehjoshi/leadflow/internal/config"
	"github.com/snehjoshi/leadflow/internal/metrics"
	"github.com/snehjoshi/leadflow/internal/pipeline"
	transportws "github.com/snehjoshi/leadflow/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with the status routes.
type Server struct {
	inner *http.Server
}

// New builds a Server around a pipeline. reg may be nil, in which case
// /metrics is not mounted and requests are not observed.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(p *pipeline.Pipeline, cfg config.MetricsConfig, reg *metrics.Registry, log zerolog.Logger) *Server {
	h := &Handler{pipeline: p, started: time.Now()}
	log = log.With().Str("component", "http").Logger()

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		Recoverer(log),
		LoggingMiddleware(log),
		MetricsMiddleware(reg),
	)

	// Health stays open so liveness checks need no key.
	r.Get("/health", h.health)

	r.Group(func(r chi.Router) {
		r.Use(
			AuthMiddleware(cfg.APIKey),
			RateLimitMiddleware(cfg.RatePerSecond, cfg.Burst),
		)
		r.Get("/stats", h.stats)
		r.Get("/stats/summary", h.summary)
		r.Get("/contacts/{key}", h.contact)
		r.Post("/contacts/{key}/suppress", h.suppress)
		r.Post("/contacts/requeue", h.requeue)
		r.Get("/queue/dead", h.deadLetters)
		r.Post("/queue/dead/replay", h.replayDeadLetters)
		r.Method(http.MethodGet, "/events", &transportws.Handler{Source: p, Log: log})
		if reg != nil {
			r.Method(http.MethodGet, "/metrics", reg.Handler())
		}
	})

	return &Server{
		inner: &http.Server{
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. "127.0.0.1:9090").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
