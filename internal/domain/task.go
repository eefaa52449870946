package domain

import "time"

// Task is a reusable, optionally-scheduled prompt template.
type Task struct {
	ID                  string
	TaskName            string // must match ^[a-z0-9-]+$
	TemplatePrompt      string // contains {name} placeholders
	RequiredParameters  []string
	OptionalParameters  map[string]string // name -> default
	ScheduleCron        string            // empty if unscheduled
	ScheduleTimezone    string            // IANA zone, e.g. "America/New_York"
	Enabled             bool
	Paused              bool
	OwnerUserID         string
	RunCount            int
	SuccessCount        int
	FailureCount        int
	AvgDurationSeconds  float64
	LastRunAt           *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
	DeletedAt           *time.Time
}

// IsSchedulable reports whether this task should currently hold a live Scheduler job.
func (t *Task) IsSchedulable() bool {
	return t.Enabled && !t.Paused && t.DeletedAt == nil && t.ScheduleCron != ""
}

// TaskRunStatus is the lifecycle of a single TaskRun.
type TaskRunStatus string

const (
	RunScheduled         TaskRunStatus = "SCHEDULED"
	RunWaitingDependency TaskRunStatus = "WAITING_DEPENDENCY"
	RunStarting          TaskRunStatus = "STARTING"
	RunRunning           TaskRunStatus = "RUNNING"
	RunCompleted         TaskRunStatus = "COMPLETED"
	RunFailed            TaskRunStatus = "FAILED"
	RunCancelled         TaskRunStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are expected for this run status.
func (s TaskRunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// TaskRunTrigger records what caused a TaskRun to be created.
type TaskRunTrigger string

const (
	TriggerScheduled  TaskRunTrigger = "scheduled"
	TriggerManual     TaskRunTrigger = "manual"
	TriggerDependency TaskRunTrigger = "dependency"
	TriggerRetry      TaskRunTrigger = "retry"
)

// TaskRun is one execution of a Task.
type TaskRun struct {
	ID               string
	TaskID           string
	SessionID        string // empty until a session is created for this run
	Status           TaskRunStatus
	Trigger          TaskRunTrigger
	TriggeredBy      string // user id for manual triggers, empty otherwise
	Parameters       map[string]string
	ResultSummary    string
	Error            string
	RetryCount       int
	StartedAt        *time.Time
	CompletedAt      *time.Time
	DurationSeconds  float64
	CreatedAt        time.Time
}
