// Package scheduler implements Scheduler (SPEC_FULL.md §4.I): a per-task
// cron job registry sitting on top of robfig/cron/v3, responsible for
// firing TaskService.Start on schedule and seeding the resulting prompt
// onto a freshly created session.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agent-gateway/internal/domain"
	"github.com/basket/agent-gateway/internal/sessionsvc"
	"github.com/basket/agent-gateway/internal/taskservice"
)

// HistoryAction tags a ScheduleHistory log entry.
type HistoryAction string

const (
	ActionAdd    HistoryAction = "add"
	ActionRemove HistoryAction = "remove"
	ActionModify HistoryAction = "modify"
	ActionPause  HistoryAction = "pause"
	ActionResume HistoryAction = "resume"
)

// Scheduler owns one robfig/cron/v3 engine and a task_id -> cron.EntryID map.
type Scheduler struct {
	cronEngine   *cronlib.Cron
	tasks        *taskservice.Service
	sessions     *sessionsvc.Service
	misfireGrace time.Duration
	maxInstances int
	logger       *slog.Logger

	mu   sync.Mutex
	jobs map[string]cronlib.EntryID
}

// New constructs a Scheduler. Start must be called to begin firing jobs.
// misfireGrace bounds how late a fire can run before jobFor skips it;
// maxInstances caps how many concurrent firings of the same task's job are
// allowed to overlap (SPEC_FULL.md §4.I's SchedulerConfig).
func New(tasks *taskservice.Service, sessions *sessionsvc.Service, misfireGrace time.Duration, maxInstances int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if misfireGrace <= 0 {
		misfireGrace = 300 * time.Second
	}
	if maxInstances <= 0 {
		maxInstances = 1
	}
	return &Scheduler{
		cronEngine:   cronlib.New(cronlib.WithLogger(slogCronLogger{logger})),
		tasks:        tasks,
		sessions:     sessions,
		misfireGrace: misfireGrace,
		maxInstances: maxInstances,
		logger:       logger,
		jobs:         make(map[string]cronlib.EntryID),
	}
}

// Start begins the underlying cron engine's dispatch loop.
func (s *Scheduler) Start() { s.cronEngine.Start() }

// Stop drains in-flight jobs and halts the dispatch loop.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cronEngine.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// jobKey is the spec's task_{id} entry naming.
func jobKey(taskID string) string { return "task_" + taskID }

// cronSpec prefixes the task's IANA zone using robfig/cron/v3's CRON_TZ
// syntax, so each task's job runs against its own timezone inside a single
// shared engine.
func cronSpec(task *domain.Task) string {
	tz := task.ScheduleTimezone
	if tz == "" {
		tz = "UTC"
	}
	return fmt.Sprintf("CRON_TZ=%s %s", tz, task.ScheduleCron)
}

// AddTaskSchedule validates the cron expression and registers (or
// atomically replaces) the task's job.
func (s *Scheduler) AddTaskSchedule(ctx context.Context, taskID, triggeredByUserID string) error {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.ScheduleCron == "" {
		return fmt.Errorf("task %s has no schedule_cron", taskID)
	}

	if _, err := cronlib.ParseStandard(task.ScheduleCron); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", task.ScheduleCron, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	action := ActionAdd
	if existing, ok := s.jobs[taskID]; ok {
		s.cronEngine.Remove(existing)
		action = ActionModify
	}

	job := cronlib.NewChain(s.concurrencyLimit()).Then(s.jobFor(task))
	entryID, err := s.cronEngine.AddJob(cronSpec(task), job)
	if err != nil {
		return fmt.Errorf("register job for task %s: %w", taskID, err)
	}
	s.jobs[taskID] = entryID

	s.logHistory(action, taskID, triggeredByUserID, task.ScheduleCron)
	return nil
}

// RemoveTaskSchedule unregisters a task's job, if any.
func (s *Scheduler) RemoveTaskSchedule(taskID, triggeredByUserID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entryID, ok := s.jobs[taskID]
	if !ok {
		return
	}
	s.cronEngine.Remove(entryID)
	delete(s.jobs, taskID)
	s.logHistory(ActionRemove, taskID, triggeredByUserID, "")
}

// Pause disables a task's schedule and unregisters its job without
// touching the task's persisted schedule_cron.
func (s *Scheduler) Pause(ctx context.Context, taskID, triggeredByUserID string) error {
	paused := true
	if _, err := s.tasks.Update(ctx, taskID, taskservice.UpdateRequest{Paused: &paused}); err != nil {
		return err
	}
	s.RemoveTaskSchedule(taskID, triggeredByUserID)
	s.mu.Lock()
	s.logHistory(ActionPause, taskID, triggeredByUserID, "")
	s.mu.Unlock()
	return nil
}

// Resume re-enables a task's schedule and re-registers its job.
func (s *Scheduler) Resume(ctx context.Context, taskID, triggeredByUserID string) error {
	paused := false
	if _, err := s.tasks.Update(ctx, taskID, taskservice.UpdateRequest{Paused: &paused}); err != nil {
		return err
	}
	if err := s.AddTaskSchedule(ctx, taskID, triggeredByUserID); err != nil {
		return err
	}
	s.mu.Lock()
	s.logHistory(ActionResume, taskID, triggeredByUserID, "")
	s.mu.Unlock()
	return nil
}

// NextFireTimes returns the next n fire times for a cron expression in the
// given IANA timezone, without registering anything.
func NextFireTimes(cronExpr, timezone string, n int) ([]time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", timezone, err)
	}
	sched, err := cronlib.ParseStandard(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	out := make([]time.Time, 0, n)
	from := time.Now().In(loc)
	for i := 0; i < n; i++ {
		from = sched.Next(from)
		out = append(out, from)
	}
	return out, nil
}

// ReloadAllSchedules registers jobs for every enabled, non-paused,
// non-deleted task with a schedule. Called at startup; one task's failure
// does not stop the rest (SPEC_FULL.md §4.I).
func (s *Scheduler) ReloadAllSchedules(ctx context.Context) error {
	tasks, err := s.tasks.List(ctx, "", true)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if !task.IsSchedulable() {
			continue
		}
		if err := s.AddTaskSchedule(ctx, task.ID, ""); err != nil {
			s.logger.Error("scheduler: failed to reload task schedule",
				slog.String("task_id", task.ID), slog.String("task_name", task.TaskName), slog.String("error", err.Error()))
			continue
		}
	}
	return nil
}

// jobFor builds the cron.Job closure that fires for a given task. It
// re-fetches the task at fire time (it may have been disabled, paused, or
// deleted since scheduling), enforces the misfire grace window, starts the
// task run, and creates the session that executes the filled prompt.
func (s *Scheduler) jobFor(scheduledTask *domain.Task) cronlib.Job {
	taskID := scheduledTask.ID
	return cronlib.FuncJob(func() {
		ctx := context.Background()

		if entryID, ok := s.currentEntryID(taskID); ok {
			if entry := s.cronEngine.Entry(entryID); !entry.Prev.IsZero() {
				if delay := time.Since(entry.Prev); delay > s.misfireGrace {
					s.logger.Warn("scheduler: skipping misfired job",
						slog.String("task_id", taskID), slog.Duration("delay", delay))
					return
				}
			}
		}

		task, err := s.tasks.Get(ctx, taskID)
		if err != nil {
			s.logger.Warn("scheduler: task vanished before fire", slog.String("task_id", taskID), slog.String("error", err.Error()))
			return
		}
		if !task.IsSchedulable() {
			s.logger.Info("scheduler: skipping disabled/paused/deleted task", slog.String("task_id", taskID))
			return
		}

		params := map[string]string{}
		for k, v := range task.OptionalParameters {
			params[k] = v
		}

		result, err := s.tasks.Start(ctx, task.ID, params, domain.TriggerScheduled, "")
		if err != nil {
			s.logger.Error("scheduler: failed to start task run", slog.String("task_id", taskID), slog.String("error", err.Error()))
			return
		}

		created, err := s.sessions.Create(ctx, sessionsvc.CreateRequest{
			OwnerUserID:   task.OwnerUserID,
			InitialPrompt: result.FilledPrompt,
		})
		if err != nil {
			s.logger.Error("scheduler: failed to create session for task run",
				slog.String("task_id", taskID), slog.String("run_id", result.Run.ID), slog.String("error", err.Error()))
			_, _ = s.tasks.UpdateRun(ctx, result.Run.ID, taskservice.UpdateRunRequest{Status: domain.RunFailed, Error: err.Error()})
			return
		}

		if _, err := s.tasks.UpdateRun(ctx, result.Run.ID, taskservice.UpdateRunRequest{Status: domain.RunRunning, SessionID: created.SessionID}); err != nil {
			s.logger.Error("scheduler: failed to record run's session id", slog.String("run_id", result.Run.ID), slog.String("error", err.Error()))
		}

		s.logger.Info("scheduler: task fired",
			slog.String("task_id", taskID), slog.String("run_id", result.Run.ID), slog.String("session_id", created.SessionID))
	})
}

// concurrencyLimit returns the cron.JobWrapper enforcing MaxInstances. At 1
// (the common case) this is exactly cronlib.SkipIfStillRunning; above that,
// maxInstancesWrapper generalizes it with a counting semaphore, since
// robfig/cron only ships the single-instance variant.
func (s *Scheduler) concurrencyLimit() cronlib.JobWrapper {
	if s.maxInstances <= 1 {
		return cronlib.SkipIfStillRunning(slogCronLogger{s.logger})
	}
	return maxInstancesWrapper(s.maxInstances, slogCronLogger{s.logger})
}

// maxInstancesWrapper skips a firing outright if n instances of the job are
// already running, the same skip-don't-queue semantics as
// cronlib.SkipIfStillRunning, just generalized past n=1.
func maxInstancesWrapper(n int, logger cronlib.Logger) cronlib.JobWrapper {
	sem := make(chan struct{}, n)
	return func(j cronlib.Job) cronlib.Job {
		return cronlib.FuncJob(func() {
			select {
			case sem <- struct{}{}:
			default:
				logger.Info("skip", "reason", "max instances reached")
				return
			}
			defer func() { <-sem }()
			j.Run()
		})
	}
}

func (s *Scheduler) currentEntryID(taskID string) (cronlib.EntryID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.jobs[taskID]
	return id, ok
}

// logHistory emits a ScheduleHistory record. The pack carries no dedicated
// history table for this spec's scope, so it is logged structurally instead
// of persisted, matching the teacher's slog-everywhere convention.
func (s *Scheduler) logHistory(action HistoryAction, taskID, triggeredBy, cronExpr string) {
	s.logger.Info("scheduler: schedule history",
		slog.String("action", string(action)),
		slog.String("task_id", taskID),
		slog.String("triggered_by", triggeredBy),
		slog.String("cron_expr", cronExpr),
		slog.Time("timestamp", time.Now()),
	)
}

// slogCronLogger adapts *slog.Logger to cron.Logger.
type slogCronLogger struct{ logger *slog.Logger }

func (l slogCronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Info("cron: "+msg, keysAndValues...)
}

func (l slogCronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
