package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshp123/moenhome/internal/core"
)

// NewRouter mounts the host endpoints, the dashboard assets and every plugin
// that serves HTTP.
func NewRouter(plugins []core.Plugin, registry *prometheus.Registry, dashboards []core.DashboardAsset) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(countRequests)

	r.Get("/health", HealthHandler(plugins))
	r.Method(http.MethodGet, "/metrics", MetricsHandler(registry))
	dash := DashboardsHandler(dashboards)
	r.Method(http.MethodGet, "/dashboards", dash)
	r.Method(http.MethodGet, "/dashboards/*", dash)

	for _, plugin := range plugins {
		if registrant, ok := plugin.(core.HTTPRegistrant); ok {
			registrant.RegisterHTTP(r)
		}
	}
	return r
}
