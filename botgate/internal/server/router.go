package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/botgate/botgate/internal/handlers"
	"github.com/telhawk-systems/botgate/common/middleware"
)

// NewRouter constructs a ServeMux with the webhook and health routes
// registered. wh is nil when the webhook transport is disabled.
func NewRouter(webhookPath string, wh *handlers.WebhookHandler, health *handlers.HealthHandler) http.Handler {
	mux := http.NewServeMux()

	if wh != nil {
		mux.HandleFunc(webhookPath, wh.HandleCallback)
	}

	// Health endpoints
	mux.HandleFunc("/healthz", health.Health)
	mux.HandleFunc("/readyz", health.Ready)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}
