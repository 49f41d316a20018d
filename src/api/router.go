// Package api serves a read-only JSON view of a running agent, plus Prometheus
// metrics, for local tooling such as `d2a status`.
package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"d2a-agent/src/contracts"
	"d2a-agent/src/logger"
)

// SnapshotSource is the part of a running agent the API reads from.
type SnapshotSource interface {
	Snapshot() contracts.Snapshot
	Refresh()
}

// NewRouter creates the local status router.
func NewRouter(src SnapshotSource, log logger.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Metrics first so every request is counted.
	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(Logger(log))
	r.Use(chimw.Recoverer)

	h := &Handler{src: src}

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/snapshot", h.Snapshot)
		r.Get("/peers", h.Peers)
		r.Get("/handshakes", h.Handshakes)
		r.Get("/activity", h.Activity)
		r.Post("/refresh", h.Refresh)
	})

	return r
}
