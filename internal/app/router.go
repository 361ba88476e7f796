// Package app wires the HTTP surface and the background sweepers.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/lead-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/lead-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/lead-gateway/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
// The webhook endpoint is never rate limited: upstream sources burst, and
// dropping their leads at the edge would defeat the gateway's no-loss
// guarantee.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Correlation-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httpserver.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Post("/webhooks/leads", srv.HandleWebhook())

	// Read-only observability surface
	r.Group(func(or chi.Router) {
		or.Use(httprate.LimitByIP(cfg.OpsRatePerMin, 1*time.Minute))
		if cfg.OpsAuthEnabled() {
			or.Use(httpserver.OpsAuth(cfg))
		}
		or.Get("/v1/stats", srv.HandleStats())
		or.Get("/v1/leads", srv.HandleRecentLeads())
		or.Get("/v1/leads/{id}/history", srv.HandleLeadHistory())
	})

	r.Get("/healthz", httpserver.HandleHealthz())
	r.Get("/readyz", srv.HandleReadyz())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
