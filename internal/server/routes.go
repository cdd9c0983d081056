package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routes configures all HTTP routes for the server.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.cfg.Server.TrustProxy {
		r.Use(middleware.RealIP)
	}

	r.Get("/", HealthHandler)
	r.Get("/healthz", HealthHandler)
	r.Method(http.MethodGet, "/stats", s.stats)
	r.Handle("/ws", s.gate)
	if s.cfg.Metrics.Enabled && s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}
