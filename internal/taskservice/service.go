// Package taskservice implements TaskService (SPEC_FULL.md §4.H): CRUD over
// reusable prompt templates, parameter validation and substitution, and the
// run-statistics rollup that Scheduler and the HTTP layer drive sessions from.
package taskservice

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agent-gateway/internal/apperr"
	"github.com/basket/agent-gateway/internal/domain"
	"github.com/basket/agent-gateway/internal/store"
)

var taskNamePattern = regexp.MustCompile(`^[a-z0-9-]+$`)
var placeholderPattern = regexp.MustCompile(`\{(\w+)\}`)

// Service implements TaskService.
type Service struct {
	store  store.TaskStore
	logger *slog.Logger
}

// New constructs a Service.
func New(st store.TaskStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}
}

// CreateRequest is the input to Service.Create.
type CreateRequest struct {
	TaskName           string
	TemplatePrompt     string
	RequiredParameters []string
	OptionalParameters map[string]string
	ScheduleCron       string
	ScheduleTimezone   string
	OwnerUserID        string
}

// Create validates name uniqueness and template coverage, then persists a
// new Task (SPEC_FULL.md §4.H).
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Task, error) {
	if !taskNamePattern.MatchString(req.TaskName) {
		return nil, apperr.New(apperr.BadRequest, "task_name must match ^[a-z0-9-]+$")
	}
	existing, err := s.store.GetTaskByName(ctx, req.TaskName)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperr.New(apperr.Conflict, fmt.Sprintf("task %q already exists", req.TaskName))
	}

	if err := validateTemplateCoverage(req.TemplatePrompt, req.RequiredParameters); err != nil {
		return nil, err
	}

	tz := req.ScheduleTimezone
	if tz == "" {
		tz = "UTC"
	}
	if req.ScheduleCron != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, apperr.New(apperr.BadRequest, "unknown schedule_timezone: "+tz)
		}
	}

	now := time.Now()
	task := &domain.Task{
		ID:                 uuid.NewString(),
		TaskName:           req.TaskName,
		TemplatePrompt:     req.TemplatePrompt,
		RequiredParameters: req.RequiredParameters,
		OptionalParameters: req.OptionalParameters,
		ScheduleCron:       req.ScheduleCron,
		ScheduleTimezone:   tz,
		Enabled:            true,
		OwnerUserID:        req.OwnerUserID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return nil, err
	}
	s.logger.Info("task created", slog.String("task_name", task.TaskName), slog.String("task_id", task.ID))
	return task, nil
}

// validateTemplateCoverage ensures every required parameter name appears as
// a {name} placeholder in the template.
func validateTemplateCoverage(template string, required []string) error {
	present := map[string]bool{}
	for _, m := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		present[m[1]] = true
	}
	var missing []string
	for _, p := range required {
		if !present[p] {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return apperr.New(apperr.BadRequest, "required parameter(s) not found in template: "+strings.Join(missing, ", "))
	}
	return nil
}

// Get returns a task by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Task, error) {
	return s.store.GetTask(ctx, id)
}

// GetByName returns a task by its unique name.
func (s *Service) GetByName(ctx context.Context, name string) (*domain.Task, error) {
	return s.store.GetTaskByName(ctx, name)
}

// List returns tasks for an owner, optionally filtered to enabled ones.
func (s *Service) List(ctx context.Context, ownerUserID string, enabledOnly bool) ([]*domain.Task, error) {
	return s.store.ListTasks(ctx, ownerUserID, enabledOnly)
}

// UpdateRequest carries the mutable subset of a Task's fields; nil/zero
// pointer fields are left unchanged.
type UpdateRequest struct {
	TemplatePrompt     *string
	RequiredParameters []string
	OptionalParameters map[string]string
	ScheduleCron       *string
	ScheduleTimezone   *string
	Enabled            *bool
	Paused             *bool
}

// Update applies a partial update to a task.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*domain.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.TemplatePrompt != nil {
		task.TemplatePrompt = *req.TemplatePrompt
	}
	if req.RequiredParameters != nil {
		task.RequiredParameters = req.RequiredParameters
	}
	if req.OptionalParameters != nil {
		task.OptionalParameters = req.OptionalParameters
	}
	if err := validateTemplateCoverage(task.TemplatePrompt, task.RequiredParameters); err != nil {
		return nil, err
	}
	if req.ScheduleCron != nil {
		task.ScheduleCron = *req.ScheduleCron
	}
	if req.ScheduleTimezone != nil {
		task.ScheduleTimezone = *req.ScheduleTimezone
	}
	if req.Enabled != nil {
		task.Enabled = *req.Enabled
	}
	if req.Paused != nil {
		task.Paused = *req.Paused
	}
	task.UpdatedAt = time.Now()
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Delete removes a task. Soft by default (sets deleted_at and disables it).
func (s *Service) Delete(ctx context.Context, id string, hard bool) error {
	if !hard {
		task, err := s.store.GetTask(ctx, id)
		if err != nil {
			return err
		}
		now := time.Now()
		task.DeletedAt = &now
		task.Enabled = false
		task.UpdatedAt = now
		return s.store.UpdateTask(ctx, task)
	}
	return s.store.DeleteTask(ctx, id)
}

// StartResult is the output of Service.Start: the created run plus the
// fully-substituted prompt the caller must seed onto a new session.
type StartResult struct {
	Run          *domain.TaskRun
	FilledPrompt string
}

// Start validates the task is runnable, validates and fills parameters
// against the template, and records a new TaskRun (SPEC_FULL.md §4.H). The
// caller is responsible for creating the session the run drives.
func (s *Service) Start(ctx context.Context, taskID string, parameters map[string]string, trigger domain.TaskRunTrigger, triggeredBy string) (*StartResult, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Enabled {
		return nil, apperr.New(apperr.BadRequest, fmt.Sprintf("task %q is disabled", task.TaskName))
	}
	if task.Paused {
		return nil, apperr.New(apperr.BadRequest, fmt.Sprintf("task %q is paused", task.TaskName))
	}

	filledParams, err := validateAndFillParameters(task, parameters)
	if err != nil {
		return nil, err
	}

	filledPrompt, err := fillTemplate(task.TemplatePrompt, filledParams)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	run := &domain.TaskRun{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		Status:      domain.RunStarting,
		Trigger:     trigger,
		TriggeredBy: triggeredBy,
		Parameters:  filledParams,
		CreatedAt:   now,
	}
	if err := s.store.InsertTaskRun(ctx, run); err != nil {
		return nil, err
	}
	if err := s.store.RecordTaskRunStart(ctx, task.ID); err != nil {
		return nil, err
	}

	s.logger.Info("task run started",
		slog.String("task_name", task.TaskName), slog.String("run_id", run.ID), slog.String("trigger", string(trigger)))
	return &StartResult{Run: run, FilledPrompt: filledPrompt}, nil
}

// validateAndFillParameters rejects a start request missing any required
// parameter, and fills omitted optional parameters from their defaults.
func validateAndFillParameters(task *domain.Task, parameters map[string]string) (map[string]string, error) {
	filled := make(map[string]string, len(parameters)+len(task.OptionalParameters))
	for k, v := range parameters {
		filled[k] = v
	}

	var missing []string
	for _, p := range task.RequiredParameters {
		if _, ok := filled[p]; !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, apperr.New(apperr.BadRequest, "missing required parameters: "+strings.Join(missing, ", "))
	}

	for name, def := range task.OptionalParameters {
		if _, ok := filled[name]; !ok {
			filled[name] = def
		}
	}
	return filled, nil
}

// fillTemplate performs exact {name} placeholder substitution and fails if
// any placeholder remains unsubstituted.
func fillTemplate(template string, parameters map[string]string) (string, error) {
	filled := template
	for key, value := range parameters {
		filled = strings.ReplaceAll(filled, "{"+key+"}", value)
	}

	remaining := placeholderPattern.FindAllStringSubmatch(filled, -1)
	if len(remaining) > 0 {
		names := make([]string, 0, len(remaining))
		for _, m := range remaining {
			names = append(names, m[1])
		}
		return "", apperr.New(apperr.BadRequest, "template has unfilled placeholders: "+strings.Join(names, ", "))
	}
	return filled, nil
}

// UpdateRunRequest carries a TaskRun transition. SessionID, ResultSummary,
// and Error are applied only when non-empty.
type UpdateRunRequest struct {
	Status        domain.TaskRunStatus
	SessionID     string
	ResultSummary string
	Error         string
}

// UpdateRun transitions a TaskRun and, on a terminal status, rolls the
// owning task's success/failure counters and running average duration
// (SPEC_FULL.md §4.H).
func (s *Service) UpdateRun(ctx context.Context, runID string, req UpdateRunRequest) (*domain.TaskRun, error) {
	run, err := s.store.GetTaskRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if req.Status != "" {
		run.Status = req.Status
	}
	if req.SessionID != "" {
		run.SessionID = req.SessionID
	}
	if req.ResultSummary != "" {
		run.ResultSummary = req.ResultSummary
	}
	if req.Error != "" {
		run.Error = req.Error
	}
	if run.StartedAt == nil && run.Status == domain.RunRunning {
		now := time.Now()
		run.StartedAt = &now
	}

	if run.Status.IsTerminal() && run.CompletedAt == nil {
		now := time.Now()
		run.CompletedAt = &now
		if run.StartedAt != nil {
			run.DurationSeconds = now.Sub(*run.StartedAt).Seconds()
		}
		if err := s.store.UpdateTaskRun(ctx, run); err != nil {
			return nil, err
		}
		success := run.Status == domain.RunCompleted
		if err := s.store.RollUpTaskRun(ctx, run.TaskID, success, run.DurationSeconds); err != nil {
			return nil, err
		}
		return run, nil
	}

	if err := s.store.UpdateTaskRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns a page of runs for a task.
func (s *Service) ListRuns(ctx context.Context, taskID string, limit, offset int) ([]*domain.TaskRun, error) {
	return s.store.ListTaskRuns(ctx, taskID, limit, offset)
}
