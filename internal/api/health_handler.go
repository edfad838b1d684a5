package api

import (
	"context"
	"net/http"
	"time"

	"github.com/phrazzld/genflow/internal/api/shared"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// HealthResponse is the response of GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Roles  []string          `json:"roles,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	roles   []string
	checks  map[string]HealthCheck
	timeout time.Duration
}

// NewHealthHandler creates a HealthHandler running checks on each request.
func NewHealthHandler(roles []string, checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{roles: roles, checks: checks, timeout: 2 * time.Second}
}

// Health handles GET /health. It answers 503 if any check fails.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Roles: h.roles}
	status := http.StatusOK
	if len(h.checks) > 0 {
		resp.Checks = make(map[string]string, len(h.checks))
	}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	shared.RespondWithJSON(w, r, status, resp)
}
