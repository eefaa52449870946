package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/basket/agent-gateway/internal/health"
)

// HealthHandler serves SPEC_FULL.md §6's /health, /health/ready, and
// /health/live routes. Grounded on the teacher's
// internal/api.HealthHandlerWithConfig but generalized over the full
// subsystem set health.Aggregator rolls up.
type HealthHandler struct {
	aggregator *health.Aggregator
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(aggregator *health.Aggregator) *HealthHandler {
	return &HealthHandler{aggregator: aggregator}
}

// RegisterRoutes mounts the health routes under r.
func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.ready)
	r.Get("/health/ready", h.ready)
	r.Get("/health/live", h.live)
}

func (h *HealthHandler) ready(w http.ResponseWriter, r *http.Request) {
	report := h.aggregator.Ready(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, report)
}

func (h *HealthHandler) live(w http.ResponseWriter, r *http.Request) {
	if !h.aggregator.Live() {
		JSON(w, http.StatusServiceUnavailable, map[string]bool{"live": false})
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"live": true})
}
