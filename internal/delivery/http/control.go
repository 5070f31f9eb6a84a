package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aras-services/api-gateway/internal/health"
)

// ControlInfo is the document GET / returns, per spec.md §6.
type ControlInfo struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Description string            `json:"description"`
	Timestamp   string            `json:"timestamp"`
	Endpoints   map[string]string `json:"endpoints"`
}

// swaggerDoc is a static OpenAPI document describing only the control
// surface; the proxied surface is dynamic and out of scope for it.
const swaggerDoc = `{
  "openapi": "3.0.3",
  "info": { "title": "API Gateway", "version": "1.0.0" },
  "paths": {
    "/": { "get": { "summary": "Gateway info" } },
    "/health": { "get": { "summary": "Full health report" } },
    "/health/ready": { "get": { "summary": "Readiness (infrastructure checks)" } },
    "/health/live": { "get": { "summary": "Liveness (no dependency checks)" } },
    "/metrics": { "get": { "summary": "Prometheus exposition" } }
  }
}`

// MountControlRoutes wires the non-proxied endpoints ahead of the
// catch-all proxy route. version/description are build-time constants
// the caller supplies from cmd/gateway.
func MountControlRoutes(r chi.Router, name, version, description string, checks *health.Registry) {
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		WriteJSON(w, http.StatusOK, ControlInfo{
			Name:        name,
			Version:     version,
			Description: description,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
			Endpoints: map[string]string{
				"health":      "/health",
				"healthReady": "/health/ready",
				"healthLive":  "/health/live",
				"metrics":     "/metrics",
				"swagger":     "/swagger",
			},
		})
	})

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		report := checks.Run(req.Context(), "")
		WriteJSON(w, statusCodeFor(report.Status), report)
	})

	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		report := checks.Run(req.Context(), "infrastructure")
		WriteJSON(w, statusCodeFor(report.Status), report)
	})

	r.Get("/health/live", func(w http.ResponseWriter, req *http.Request) {
		WriteJSON(w, http.StatusOK, health.Report{Status: health.StatusHealthy})
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/swagger", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(swaggerDoc))
	})
}

func statusCodeFor(status health.Status) int {
	if status == health.StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
