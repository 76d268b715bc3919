// Package healthz builds the HTTP surface this module exposes for
// operational visibility: a liveness/readiness endpoint and a Prometheus
// scrape endpoint, built on go-chi/chi/v5 plus its middleware package for
// request id, real IP, and panic recovery.
package healthz

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status is the subset of Application state /healthz reports.
type Status struct {
	Subordinates map[string]string `json:"subordinates"` // controller_id -> forwarder state
}

// StatusFunc returns the current status snapshot. Supplied by the
// Application so this package stays decoupled from its internals.
type StatusFunc func() Status

// NewRouter builds the chi router serving /healthz and /metrics.
func NewRouter(status StatusFunc, registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status())
	})

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return r
}
