package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/basket/agent-gateway/internal/apperr"
	"github.com/basket/agent-gateway/internal/domain"
	"github.com/basket/agent-gateway/internal/scheduler"
	"github.com/basket/agent-gateway/internal/sessionsvc"
	"github.com/basket/agent-gateway/internal/taskservice"
)

// TaskHandler serves SPEC_FULL.md §6's /api/v1/tasks routes.
type TaskHandler struct {
	tasks     *taskservice.Service
	sessions  *sessionsvc.Service
	scheduler *scheduler.Scheduler
}

// NewTaskHandler constructs a TaskHandler.
func NewTaskHandler(tasks *taskservice.Service, sessions *sessionsvc.Service, sched *scheduler.Scheduler) *TaskHandler {
	return &TaskHandler{tasks: tasks, sessions: sessions, scheduler: sched}
}

// RegisterRoutes mounts the task resource under r.
func (h *TaskHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/tasks", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Put("/", h.update)
			r.Delete("/", h.delete)
			r.Post("/start", h.start)
			r.Post("/schedule", h.schedule)
			r.Get("/history", h.history)
		})
	})
}

type taskRequest struct {
	TaskName           string            `json:"task_name"`
	TemplatePrompt     string            `json:"template_prompt"`
	RequiredParameters []string          `json:"required_parameters,omitempty"`
	OptionalParameters map[string]string `json:"optional_parameters,omitempty"`
	ScheduleCron       string            `json:"schedule_cron,omitempty"`
	ScheduleTimezone   string            `json:"schedule_timezone,omitempty"`
	OwnerUserID        string            `json:"owner_user_id,omitempty"`
	Enabled            *bool             `json:"enabled,omitempty"`
	Paused             *bool             `json:"paused,omitempty"`
}

type taskResponse struct {
	ID                 string            `json:"id"`
	TaskName           string            `json:"task_name"`
	TemplatePrompt     string            `json:"template_prompt"`
	RequiredParameters []string          `json:"required_parameters,omitempty"`
	OptionalParameters map[string]string `json:"optional_parameters,omitempty"`
	ScheduleCron       string            `json:"schedule_cron,omitempty"`
	ScheduleTimezone   string            `json:"schedule_timezone,omitempty"`
	Enabled            bool              `json:"enabled"`
	Paused             bool              `json:"paused"`
	RunCount           int               `json:"run_count"`
	SuccessCount       int               `json:"success_count"`
	FailureCount       int               `json:"failure_count"`
	AvgDurationSeconds float64           `json:"avg_duration_seconds"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

func toTaskResponse(t *domain.Task) taskResponse {
	return taskResponse{
		ID: t.ID, TaskName: t.TaskName, TemplatePrompt: t.TemplatePrompt,
		RequiredParameters: t.RequiredParameters, OptionalParameters: t.OptionalParameters,
		ScheduleCron: t.ScheduleCron, ScheduleTimezone: t.ScheduleTimezone,
		Enabled: t.Enabled, Paused: t.Paused,
		RunCount: t.RunCount, SuccessCount: t.SuccessCount, FailureCount: t.FailureCount,
		AvgDurationSeconds: t.AvgDurationSeconds, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
}

func (h *TaskHandler) create(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondErr(w, err)
		return
	}
	task, err := h.tasks.Create(r.Context(), taskservice.CreateRequest{
		TaskName: req.TaskName, TemplatePrompt: req.TemplatePrompt,
		RequiredParameters: req.RequiredParameters, OptionalParameters: req.OptionalParameters,
		ScheduleCron: req.ScheduleCron, ScheduleTimezone: req.ScheduleTimezone, OwnerUserID: req.OwnerUserID,
	})
	if err != nil {
		RespondErr(w, err)
		return
	}
	if task.IsSchedulable() {
		if err := h.scheduler.AddTaskSchedule(r.Context(), task.ID, req.OwnerUserID); err != nil {
			RespondErr(w, err)
			return
		}
	}
	JSON(w, http.StatusCreated, toTaskResponse(task))
}

func (h *TaskHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	enabledOnly := q.Get("enabled") == "true"
	tasks, err := h.tasks.List(r.Context(), q.Get("owner_user_id"), enabledOnly)
	if err != nil {
		RespondErr(w, err)
		return
	}
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResponse(t))
	}
	JSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (h *TaskHandler) get(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		RespondErr(w, err)
		return
	}
	JSON(w, http.StatusOK, toTaskResponse(task))
}

func (h *TaskHandler) update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req taskRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondErr(w, err)
		return
	}
	update := taskservice.UpdateRequest{
		RequiredParameters: req.RequiredParameters,
		OptionalParameters: req.OptionalParameters,
		Enabled:            req.Enabled,
		Paused:             req.Paused,
	}
	if req.TemplatePrompt != "" {
		update.TemplatePrompt = &req.TemplatePrompt
	}
	if req.ScheduleCron != "" {
		update.ScheduleCron = &req.ScheduleCron
	}
	if req.ScheduleTimezone != "" {
		update.ScheduleTimezone = &req.ScheduleTimezone
	}
	task, err := h.tasks.Update(r.Context(), id, update)
	if err != nil {
		RespondErr(w, err)
		return
	}
	JSON(w, http.StatusOK, toTaskResponse(task))
}

func (h *TaskHandler) delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	hard := r.URL.Query().Get("hard") == "true"
	h.scheduler.RemoveTaskSchedule(id, reqUserOwner(r))
	if err := h.tasks.Delete(r.Context(), id, hard); err != nil {
		RespondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func reqUserOwner(r *http.Request) string {
	return r.URL.Query().Get("owner_user_id")
}

type startTaskRequest struct {
	Parameters  map[string]string `json:"parameters,omitempty"`
	TriggeredBy string            `json:"triggered_by,omitempty"`
}

func (h *TaskHandler) start(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req startTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondErr(w, err)
		return
	}
	result, err := h.tasks.Start(r.Context(), id, req.Parameters, domain.TriggerManual, req.TriggeredBy)
	if err != nil {
		RespondErr(w, err)
		return
	}
	task, err := h.tasks.Get(r.Context(), id)
	if err != nil {
		RespondErr(w, err)
		return
	}
	sess, err := h.sessions.Create(r.Context(), sessionsvc.CreateRequest{
		OwnerUserID:   task.OwnerUserID,
		WorkspaceMode: domain.WorkspaceModeEphemeral,
		InitialPrompt: result.FilledPrompt,
	})
	if err != nil {
		RespondErr(w, err)
		return
	}
	if _, err := h.tasks.UpdateRun(r.Context(), result.Run.ID, taskservice.UpdateRunRequest{
		Status: domain.RunRunning, SessionID: sess.SessionID,
	}); err != nil {
		RespondErr(w, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]any{
		"run_id": result.Run.ID, "session_id": sess.SessionID, "prompt": result.FilledPrompt,
	})
}

type scheduleTaskRequest struct {
	Cron        string `json:"cron"`
	Timezone    string `json:"timezone,omitempty"`
	TriggeredBy string `json:"triggered_by,omitempty"`
}

func (h *TaskHandler) schedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req scheduleTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondErr(w, err)
		return
	}
	if req.Cron == "" {
		RespondErr(w, apperr.New(apperr.BadRequest, "cron is required"))
		return
	}
	tz := req.Timezone
	update := taskservice.UpdateRequest{ScheduleCron: &req.Cron}
	if tz != "" {
		update.ScheduleTimezone = &tz
	}
	if _, err := h.tasks.Update(r.Context(), id, update); err != nil {
		RespondErr(w, err)
		return
	}
	if err := h.scheduler.AddTaskSchedule(r.Context(), id, req.TriggeredBy); err != nil {
		RespondErr(w, err)
		return
	}
	fires, err := scheduler.NextFireTimes(req.Cron, tz, 3)
	if err != nil {
		RespondErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"status": "scheduled", "next_fire_times": fires})
}

func (h *TaskHandler) history(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()
	limit := parseIntDefault(q.Get("limit"), 50)
	offset := parseIntDefault(q.Get("offset"), 0)
	runs, err := h.tasks.ListRuns(r.Context(), id, limit, offset)
	if err != nil {
		RespondErr(w, err)
		return
	}
	out := make([]taskRunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toTaskRunResponse(run))
	}
	JSON(w, http.StatusOK, map[string]any{"runs": out})
}

type taskRunResponse struct {
	ID              string    `json:"id"`
	TaskID          string    `json:"task_id"`
	SessionID       string    `json:"session_id,omitempty"`
	Status          string    `json:"status"`
	Trigger         string    `json:"trigger"`
	TriggeredBy     string    `json:"triggered_by,omitempty"`
	ResultSummary   string    `json:"result_summary,omitempty"`
	Error           string    `json:"error,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func toTaskRunResponse(r *domain.TaskRun) taskRunResponse {
	return taskRunResponse{
		ID: r.ID, TaskID: r.TaskID, SessionID: r.SessionID, Status: string(r.Status),
		Trigger: string(r.Trigger), TriggeredBy: r.TriggeredBy, ResultSummary: r.ResultSummary,
		Error: r.Error, DurationSeconds: r.DurationSeconds, CreatedAt: r.CreatedAt,
	}
}
