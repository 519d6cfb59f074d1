package handlers

import (
	"net"
	"net/http"
	"strings"

	"github.com/telhawk-systems/botgate/botgate/internal/gateway"
	"github.com/telhawk-systems/botgate/common/httputil"
)

// SessionStatus reports the gateway session state.
type SessionStatus interface {
	State() gateway.State
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	session SessionStatus
}

// NewHealthHandler creates health check handlers. session is nil when the gateway
// transport is disabled.
func NewHealthHandler(session SessionStatus) *HealthHandler {
	return &HealthHandler{session: session}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready is 200 once the gateway session is Ready, 503 otherwise.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.session == nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{
			"status":  "ready",
			"gateway": "disabled",
		})
		return
	}

	state := h.session.State()
	status, code := "ready", http.StatusOK
	if state != gateway.Ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, map[string]string{
		"status":  status,
		"gateway": state.String(),
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
