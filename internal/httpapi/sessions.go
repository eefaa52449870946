package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/basket/agent-gateway/internal/apperr"
	"github.com/basket/agent-gateway/internal/bus"
	"github.com/basket/agent-gateway/internal/domain"
	"github.com/basket/agent-gateway/internal/sessionsvc"
)

// SessionHandler serves SPEC_FULL.md §6's /api/v1/sessions routes.
type SessionHandler struct {
	sessions     *sessionsvc.Service
	bus          bus.Client
	chatTimeout  time.Duration
}

// NewSessionHandler constructs a SessionHandler.
func NewSessionHandler(sessions *sessionsvc.Service, b bus.Client, defaultChatTimeout time.Duration) *SessionHandler {
	return &SessionHandler{sessions: sessions, bus: b, chatTimeout: defaultChatTimeout}
}

// RegisterRoutes mounts the session resource under r.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/sessions", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Post("/stop", h.stop)
			r.Delete("/", h.delete)
			r.Post("/chat", h.chat)
			r.Get("/messages/{mid}", h.message)
			r.Post("/spawn", h.spawn)
			r.Get("/children", h.children)
			r.Post("/interrupt", h.interrupt)
		})
	})
}

type createSessionRequest struct {
	OwnerUserID     string              `json:"owner_user_id"`
	ParentSessionID string              `json:"parent_session_id,omitempty"`
	WorkspaceMode   domain.WorkspaceMode `json:"workspace_mode,omitempty"`
	InitialPrompt   string              `json:"initial_prompt,omitempty"`
	Config          json.RawMessage     `json:"config,omitempty"`
}

type sessionResponse struct {
	SessionID       string    `json:"session_id"`
	Status          string    `json:"status"`
	ContainerID     string    `json:"container_id,omitempty"`
	ParentSessionID string    `json:"parent_session_id,omitempty"`
	WorkspaceID     string    `json:"workspace_id,omitempty"`
	OwnerUserID     string    `json:"owner_user_id,omitempty"`
	TotalCostUSD    float64   `json:"total_cost_usd"`
	TotalTurns      int       `json:"total_turns"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	WebSocketURL    string    `json:"websocket_url,omitempty"`
	ChildIDs        []string  `json:"child_ids,omitempty"`
}

func toSessionResponse(s *domain.Session) sessionResponse {
	return sessionResponse{
		SessionID:       s.ID,
		Status:          string(s.Status),
		ContainerID:     s.ContainerID,
		ParentSessionID: s.ParentSessionID,
		WorkspaceID:     s.WorkspaceID,
		OwnerUserID:     s.OwnerUserID,
		TotalCostUSD:    s.TotalCostUSD,
		TotalTurns:      s.TotalTurns,
		ErrorMessage:    s.ErrorMessage,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func (h *SessionHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondErr(w, err)
		return
	}
	if req.WorkspaceMode == "" {
		req.WorkspaceMode = domain.WorkspaceModeEphemeral
	}
	result, err := h.sessions.Create(r.Context(), sessionsvc.CreateRequest{
		OwnerUserID:     req.OwnerUserID,
		ParentSessionID: req.ParentSessionID,
		WorkspaceMode:   req.WorkspaceMode,
		InitialPrompt:   req.InitialPrompt,
		Config:          req.Config,
	})
	if err != nil {
		RespondErr(w, err)
		return
	}
	JSON(w, http.StatusCreated, sessionResponse{
		SessionID:    result.SessionID,
		Status:       string(result.Status),
		ContainerID:  result.ContainerID,
		WebSocketURL: result.WebSocketURL,
	})
}

func (h *SessionHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := domain.SessionStatus(q.Get("status"))
	limit := parseIntDefault(q.Get("limit"), 50)
	if limit > 100 {
		limit = 100
	}
	offset := parseIntDefault(q.Get("offset"), 0)

	result, err := h.sessions.List(r.Context(), q.Get("owner_user_id"), status, limit, offset)
	if err != nil {
		RespondErr(w, err)
		return
	}
	items := make([]sessionResponse, 0, len(result.Sessions))
	for _, s := range result.Sessions {
		items = append(items, toSessionResponse(s.Session))
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": items, "total": result.Total})
}

func (h *SessionHandler) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	detail, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		RespondErr(w, err)
		return
	}
	resp := toSessionResponse(detail.Session)
	resp.ChildIDs = detail.ChildIDs
	JSON(w, http.StatusOK, resp)
}

func (h *SessionHandler) stop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sessions.Stop(r.Context(), id); err != nil {
		RespondErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (h *SessionHandler) delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sessions.Delete(r.Context(), id); err != nil {
		RespondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) spawn(w http.ResponseWriter, r *http.Request) {
	parentID := chi.URLParam(r, "id")
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondErr(w, err)
		return
	}
	if req.WorkspaceMode == "" {
		req.WorkspaceMode = domain.WorkspaceModeInherit
	}
	result, err := h.sessions.Create(r.Context(), sessionsvc.CreateRequest{
		OwnerUserID:     req.OwnerUserID,
		ParentSessionID: parentID,
		WorkspaceMode:   req.WorkspaceMode,
		InitialPrompt:   req.InitialPrompt,
		Config:          req.Config,
	})
	if err != nil {
		RespondErr(w, err)
		return
	}
	JSON(w, http.StatusCreated, sessionResponse{
		SessionID:       result.SessionID,
		Status:          string(result.Status),
		ContainerID:     result.ContainerID,
		ParentSessionID: parentID,
		WebSocketURL:    result.WebSocketURL,
	})
}

func (h *SessionHandler) children(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	detail, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		RespondErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"child_ids": detail.ChildIDs})
}

func (h *SessionHandler) interrupt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var interrupt bus.Interrupt
	if err := decodeJSON(r, &interrupt); err != nil {
		RespondErr(w, err)
		return
	}
	if err := h.sessions.Interrupt(r.Context(), id, &interrupt); err != nil {
		RespondErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

type chatRequest struct {
	Prompt         string `json:"prompt"`
	Stream         bool   `json:"stream"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

type chatResponse struct {
	MessageID    string        `json:"message_id"`
	Type         string        `json:"type"`
	Subtype      bus.ResultSubtype `json:"subtype,omitempty"`
	Result       string        `json:"result,omitempty"`
	TotalCostUSD float64       `json:"total_cost_usd,omitempty"`
	Usage        *bus.Usage    `json:"usage,omitempty"`
	DurationMS   int64         `json:"duration_ms,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// chat implements SPEC_FULL.md §6's blocking/non-blocking chat endpoint: it
// enqueues a Prompt onto the session's bus input queue and either returns
// immediately (stream=true) or polls the result key until the matching
// message id appears or the timeout elapses (408).
func (h *SessionHandler) chat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondErr(w, err)
		return
	}
	detail, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		RespondErr(w, err)
		return
	}
	if !detail.Status.IsReady() {
		RespondErr(w, apperr.New(apperr.Conflict, "session is not ready to accept a chat request"))
		return
	}

	messageID := uuid.NewString()
	prompt := &bus.Prompt{MessageID: messageID, Prompt: req.Prompt}
	h.bus.Push(bus.InputQueue(id), prompt.Encode())

	if req.Stream {
		JSON(w, http.StatusAccepted, map[string]string{"message_id": messageID, "status": "processing"})
		return
	}

	timeout := h.chatTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	frame, ok := h.pollForMessage(r.Context(), id, messageID, timeout)
	if !ok {
		Error(w, http.StatusRequestTimeout, "timed out waiting for a result")
		return
	}
	h.recordFrameUsage(r.Context(), id, frame)
	JSON(w, http.StatusOK, toChatResponse(frame))
}

func (h *SessionHandler) message(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	mid := chi.URLParam(r, "mid")
	frame, ok := h.pollForMessage(r.Context(), id, mid, 0)
	if !ok {
		JSON(w, http.StatusOK, map[string]string{"message_id": mid, "status": "processing"})
		return
	}
	h.recordFrameUsage(r.Context(), id, frame)
	JSON(w, http.StatusOK, toChatResponse(frame))
}

// recordFrameUsage persists a terminal result frame's cost onto the session
// row. Best-effort: a failure here doesn't change the response the caller
// already got its answer for.
func (h *SessionHandler) recordFrameUsage(ctx context.Context, sessionID string, frame *bus.Frame) {
	if frame.Type != bus.FrameResult {
		return
	}
	if err := h.sessions.RecordUsage(ctx, sessionID, frame.MessageID, frame.TotalCostUSD); err != nil {
		slog.Warn("failed to record session usage", "session_id", sessionID, "message_id", frame.MessageID, "error", err)
	}
}

// pollForMessage waits for the session's result key to hold a Frame whose
// message id matches mid. A zero timeout performs a single non-blocking
// check (used by the message-status endpoint).
func (h *SessionHandler) pollForMessage(ctx context.Context, sessionID, mid string, timeout time.Duration) (*bus.Frame, bool) {
	check := func() (*bus.Frame, bool) {
		payload, ok := h.bus.Get(bus.ResultKey(sessionID))
		if !ok {
			return nil, false
		}
		frame, err := bus.DecodeFrame(payload)
		if err != nil || frame.MessageID != mid {
			return nil, false
		}
		return frame, true
	}
	if frame, ok := check(); ok {
		return frame, true
	}
	if timeout <= 0 {
		return nil, false
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-deadline:
			return nil, false
		case <-ticker.C:
			if frame, ok := check(); ok {
				return frame, true
			}
		}
	}
}

func toChatResponse(frame *bus.Frame) chatResponse {
	return chatResponse{
		MessageID:    frame.MessageID,
		Type:         string(frame.Type),
		Subtype:      frame.Subtype,
		Result:       frame.Result,
		TotalCostUSD: frame.TotalCostUSD,
		Usage:        frame.Usage,
		DurationMS:   frame.DurationMS,
		Error:        frame.Error,
	}
}

func parseIntDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
