package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/basket/agent-gateway/internal/domain"
	"github.com/basket/agent-gateway/internal/platform"
)

// PlatformHandler serves SPEC_FULL.md §6's /api/v1/discord/{ask,notify}
// routes over the generic PlatformBridge (Slack or no-op poster).
type PlatformHandler struct {
	bridge *platform.Bridge
}

// NewPlatformHandler constructs a PlatformHandler.
func NewPlatformHandler(bridge *platform.Bridge) *PlatformHandler {
	return &PlatformHandler{bridge: bridge}
}

// RegisterRoutes mounts the platform bridge routes under r.
func (h *PlatformHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/v1/discord/ask", h.ask)
	r.Post("/api/v1/discord/notify", h.notify)
}

type askRequest struct {
	SessionID      string              `json:"session_id"`
	Question       string              `json:"question"`
	TimeoutSeconds int                 `json:"timeout_seconds,omitempty"`
	MaxAttempts    int                 `json:"max_attempts,omitempty"`
	Priority       domain.AskPriority  `json:"priority,omitempty"`
	Options        []string            `json:"options,omitempty"`
}

func (h *PlatformHandler) ask(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondErr(w, err)
		return
	}
	result, err := h.bridge.Ask(r.Context(), req.SessionID, req.Question, platform.AskOptions{
		TimeoutSeconds: req.TimeoutSeconds, MaxAttempts: req.MaxAttempts,
		Priority: req.Priority, Choices: req.Options,
	})
	if err != nil {
		RespondErr(w, err)
		return
	}
	if result.TimedOut {
		JSON(w, http.StatusOK, map[string]any{"status": "timeout", "timed_out": true})
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"status": string(result.Ask.Status), "timed_out": false, "response": result.Ask.Response,
	})
}

type notifyRequest struct {
	SessionID string             `json:"session_id"`
	Message   string             `json:"message"`
	Priority  domain.AskPriority `json:"priority,omitempty"`
}

func (h *PlatformHandler) notify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondErr(w, err)
		return
	}
	ask, err := h.bridge.Notify(r.Context(), req.SessionID, req.Message, req.Priority)
	if err != nil {
		RespondErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"status": string(ask.Status), "interaction_id": ask.ID})
}
