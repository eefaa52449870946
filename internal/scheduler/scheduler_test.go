package scheduler

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/docker/docker/api/types/mount"

	"github.com/basket/agent-gateway/internal/apperr"
	"github.com/basket/agent-gateway/internal/bus"
	"github.com/basket/agent-gateway/internal/config"
	"github.com/basket/agent-gateway/internal/container"
	"github.com/basket/agent-gateway/internal/domain"
	"github.com/basket/agent-gateway/internal/sessionsvc"
	"github.com/basket/agent-gateway/internal/store"
	"github.com/basket/agent-gateway/internal/taskservice"
)

// fakeTaskStore and fakeSessionStore mirror the in-memory fakes used by
// taskservice/sessionsvc's own tests; scheduler exercises both services
// together so it needs both.

type fakeTaskStore struct {
	tasks map[string]*domain.Task
	runs  map[string]*domain.TaskRun
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: map[string]*domain.Task{}, runs: map[string]*domain.TaskRun{}}
}

func (f *fakeTaskStore) InsertTask(ctx context.Context, t *domain.Task) error {
	cp := *t
	f.tasks[t.ID] = &cp
	return nil
}
func (f *fakeTaskStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "task not found")
	}
	cp := *t
	return &cp, nil
}
func (f *fakeTaskStore) GetTaskByName(ctx context.Context, name string) (*domain.Task, error) {
	for _, t := range f.tasks {
		if t.TaskName == name && t.DeletedAt == nil {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}
func (f *fakeTaskStore) ListTasks(ctx context.Context, ownerUserID string, enabledOnly bool) ([]*domain.Task, error) {
	var out []*domain.Task
	for _, t := range f.tasks {
		if enabledOnly && !t.Enabled {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}
func (f *fakeTaskStore) UpdateTask(ctx context.Context, t *domain.Task) error {
	cp := *t
	f.tasks[t.ID] = &cp
	return nil
}
func (f *fakeTaskStore) DeleteTask(ctx context.Context, id string) error {
	delete(f.tasks, id)
	return nil
}
func (f *fakeTaskStore) RecordTaskRunStart(ctx context.Context, taskID string) error {
	f.tasks[taskID].RunCount++
	return nil
}
func (f *fakeTaskStore) RollUpTaskRun(ctx context.Context, taskID string, success bool, durationSeconds float64) error {
	t := f.tasks[taskID]
	if success {
		t.SuccessCount++
	} else {
		t.FailureCount++
	}
	return nil
}
func (f *fakeTaskStore) InsertTaskRun(ctx context.Context, r *domain.TaskRun) error {
	cp := *r
	f.runs[r.ID] = &cp
	return nil
}
func (f *fakeTaskStore) GetTaskRun(ctx context.Context, id string) (*domain.TaskRun, error) {
	r, ok := f.runs[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "run not found")
	}
	cp := *r
	return &cp, nil
}
func (f *fakeTaskStore) UpdateTaskRun(ctx context.Context, r *domain.TaskRun) error {
	cp := *r
	f.runs[r.ID] = &cp
	return nil
}
func (f *fakeTaskStore) ListTaskRuns(ctx context.Context, taskID string, limit, offset int) ([]*domain.TaskRun, error) {
	return nil, nil
}
func (f *fakeTaskStore) InsertAsk(ctx context.Context, a *domain.ExternalAsk) error { return nil }
func (f *fakeTaskStore) GetAsk(ctx context.Context, id string) (*domain.ExternalAsk, error) {
	return nil, nil
}
func (f *fakeTaskStore) UpdateAsk(ctx context.Context, a *domain.ExternalAsk) error { return nil }
func (f *fakeTaskStore) ListPendingAsks(ctx context.Context, sessionID string) ([]*domain.ExternalAsk, error) {
	return nil, nil
}

type fakeSessionStore struct {
	sessions map[string]*domain.Session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: map[string]*domain.Session{}}
}

func (f *fakeSessionStore) InsertSession(ctx context.Context, s *domain.Session) error {
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}
func (f *fakeSessionStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "session not found")
	}
	cp := *s
	return &cp, nil
}
func (f *fakeSessionStore) ListSessions(ctx context.Context, ownerUserID string, status domain.SessionStatus, limit, offset int) ([]*domain.Session, int, error) {
	return nil, 0, nil
}
func (f *fakeSessionStore) ChildrenOf(ctx context.Context, id string) ([]*domain.Session, error) {
	return nil, nil
}
func (f *fakeSessionStore) ParentOf(ctx context.Context, id string) (*domain.Session, error) {
	return nil, nil
}
func (f *fakeSessionStore) UpdateSessionStatus(ctx context.Context, id string, status domain.SessionStatus, errorMessage string) error {
	f.sessions[id].Status = status
	return nil
}
func (f *fakeSessionStore) UpdateSessionContainer(ctx context.Context, id, containerID string) error {
	return nil
}
func (f *fakeSessionStore) UpdateSessionUsage(ctx context.Context, id string, addCostUSD float64, addTurns int) error {
	return nil
}
func (f *fakeSessionStore) DeleteSession(ctx context.Context, id string) error { return nil }
func (f *fakeSessionStore) CountChildren(ctx context.Context, parentID string) (int, error) {
	return 0, nil
}
func (f *fakeSessionStore) CountTree(ctx context.Context, rootID string, excludeTerminal bool) (int, error) {
	return 0, nil
}
func (f *fakeSessionStore) TryInsertChildSession(ctx context.Context, s *domain.Session, parentID, rootID string, maxChildren, maxTotalInTree int) error {
	return f.InsertSession(ctx, s)
}
func (f *fakeSessionStore) InsertMessage(ctx context.Context, m *domain.Message) error { return nil }
func (f *fakeSessionStore) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]*domain.Message, error) {
	return nil, nil
}

type fakeDriver struct{}

func (f *fakeDriver) Create(ctx context.Context, sessionID, workspacePath string, env map[string]string, extraMounts []mount.Mount) (string, error) {
	return "container-" + sessionID, nil
}
func (f *fakeDriver) Start(ctx context.Context, handle string) error { return nil }
func (f *fakeDriver) Stop(ctx context.Context, handle string, grace time.Duration) error {
	return nil
}
func (f *fakeDriver) Remove(ctx context.Context, handle string, force bool) error { return nil }
func (f *fakeDriver) Status(ctx context.Context, handle string) (container.Status, error) {
	return container.StatusRunning, nil
}
func (f *fakeDriver) WaitForRunning(ctx context.Context, handle string, timeout time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeDriver) Inspect(ctx context.Context, handle string) ([]container.NetworkAddress, error) {
	return nil, nil
}
func (f *fakeDriver) Logs(ctx context.Context, handle string, tail int) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeDriver) EnsureNetwork(ctx context.Context) (string, error) { return "", nil }

func newTestScheduler(t *testing.T) (*Scheduler, *fakeTaskStore, *fakeSessionStore) {
	t.Helper()
	taskStore := newFakeTaskStore()
	sessStore := newFakeSessionStore()

	tasks := taskservice.New(taskStore, nil)
	sessions := sessionsvc.New(sessStore, bus.New(nil, 0), &fakeDriver{},
		config.SpawnConfig{MaxDepth: 5, MaxChildrenPerParent: 10, MaxTotalInstances: 50},
		config.ContainerConfig{}, config.TimeoutConfig{ContainerStart: time.Second, ContainerStop: time.Second}, config.BusConfig{},
		t.TempDir(), "http://gateway.local", "ws://gateway.local/bus/ws", nil)

	return New(tasks, sessions, 0, 0, nil), taskStore, sessStore
}

func mustCreateTask(t *testing.T, tasks *taskservice.Service, name, cronExpr string) *domain.Task {
	t.Helper()
	task, err := tasks.Create(context.Background(), taskservice.CreateRequest{
		TaskName:           name,
		TemplatePrompt:     "run {job}",
		OptionalParameters: map[string]string{"job": "nightly-build"},
		ScheduleCron:       cronExpr,
		ScheduleTimezone:   "UTC",
		OwnerUserID:        "owner-a",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestAddTaskSchedule_RejectsInvalidCron(t *testing.T) {
	sched, taskStore, _ := newTestScheduler(t)
	task := &domain.Task{ID: "t1", TaskName: "bad", TemplatePrompt: "x", ScheduleCron: "not-a-cron", Enabled: true}
	taskStore.tasks[task.ID] = task

	if err := sched.AddTaskSchedule(context.Background(), task.ID, ""); err == nil {
		t.Fatal("expected invalid cron expression to be rejected")
	}
}

func TestAddTaskSchedule_ReplacesExistingJobAtomically(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	tasks := sched.tasks
	task := mustCreateTask(t, tasks, "nightly", "0 2 * * *")

	if err := sched.AddTaskSchedule(context.Background(), task.ID, "user-1"); err != nil {
		t.Fatalf("first add: %v", err)
	}
	first := sched.jobs[task.ID]

	if err := sched.AddTaskSchedule(context.Background(), task.ID, "user-1"); err != nil {
		t.Fatalf("second add: %v", err)
	}
	second := sched.jobs[task.ID]
	if first == second {
		t.Fatal("expected job to be replaced with a new entry id")
	}
	if len(sched.jobs) != 1 {
		t.Fatalf("expected exactly one registered job, got %d", len(sched.jobs))
	}
}

func TestRemoveTaskSchedule_UnregistersJob(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	task := mustCreateTask(t, sched.tasks, "nightly", "0 2 * * *")

	if err := sched.AddTaskSchedule(context.Background(), task.ID, ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	sched.RemoveTaskSchedule(task.ID, "")
	if _, ok := sched.jobs[task.ID]; ok {
		t.Fatal("expected job to be unregistered")
	}
}

func TestJobFor_FillsTemplateAndCreatesSession(t *testing.T) {
	sched, taskStore, sessStore := newTestScheduler(t)
	task := mustCreateTask(t, sched.tasks, "nightly", "0 2 * * *")

	if err := sched.AddTaskSchedule(context.Background(), task.ID, ""); err != nil {
		t.Fatalf("add: %v", err)
	}

	entryID := sched.jobs[task.ID]
	sched.cronEngine.Entry(entryID).Job.Run()

	if taskStore.tasks[task.ID].RunCount != 1 {
		t.Fatalf("run_count = %d, want 1", taskStore.tasks[task.ID].RunCount)
	}
	if len(sessStore.sessions) != 1 {
		t.Fatalf("expected one session created, got %d", len(sessStore.sessions))
	}
	for _, run := range taskStore.runs {
		if run.TaskID != task.ID {
			continue
		}
		if run.SessionID == "" {
			t.Fatal("expected run's session_id to be recorded")
		}
		if run.Status != domain.RunRunning {
			t.Fatalf("run status = %v, want RUNNING", run.Status)
		}
	}
}

func TestJobFor_SkipsDisabledTaskAtFireTime(t *testing.T) {
	sched, taskStore, sessStore := newTestScheduler(t)
	task := mustCreateTask(t, sched.tasks, "nightly", "0 2 * * *")

	if err := sched.AddTaskSchedule(context.Background(), task.ID, ""); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Disable after scheduling, simulating a change between schedule and fire.
	taskStore.tasks[task.ID].Enabled = false

	entryID := sched.jobs[task.ID]
	sched.cronEngine.Entry(entryID).Job.Run()

	if len(sessStore.sessions) != 0 {
		t.Fatalf("expected no session created for disabled task, got %d", len(sessStore.sessions))
	}
}

func TestNextFireTimes_ReturnsRequestedCount(t *testing.T) {
	times, err := NextFireTimes("0 9 * * *", "UTC", 3)
	if err != nil {
		t.Fatalf("NextFireTimes: %v", err)
	}
	if len(times) != 3 {
		t.Fatalf("got %d times, want 3", len(times))
	}
	for i := 1; i < len(times); i++ {
		if !times[i].After(times[i-1]) {
			t.Fatalf("times not strictly increasing: %v", times)
		}
	}
}

func TestReloadAllSchedules_SkipsNonSchedulableTasks(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	mustCreateTask(t, sched.tasks, "scheduled-one", "0 2 * * *")

	unscheduled, err := sched.tasks.Create(context.Background(), taskservice.CreateRequest{
		TaskName:       "no-schedule",
		TemplatePrompt: "go",
	})
	if err != nil {
		t.Fatalf("create unscheduled task: %v", err)
	}

	if err := sched.ReloadAllSchedules(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(sched.jobs) != 1 {
		t.Fatalf("expected exactly 1 job registered, got %d", len(sched.jobs))
	}
	if _, ok := sched.jobs[unscheduled.ID]; ok {
		t.Fatal("unscheduled task should not have a registered job")
	}
}

func TestPauseResume_TogglesJobRegistration(t *testing.T) {
	sched, taskStore, _ := newTestScheduler(t)
	task := mustCreateTask(t, sched.tasks, "nightly", "0 2 * * *")

	if err := sched.AddTaskSchedule(context.Background(), task.ID, ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := sched.Pause(context.Background(), task.ID, "user-1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, ok := sched.jobs[task.ID]; ok {
		t.Fatal("expected job removed after pause")
	}
	if !taskStore.tasks[task.ID].Paused {
		t.Fatal("expected task marked paused")
	}

	if err := sched.Resume(context.Background(), task.ID, "user-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, ok := sched.jobs[task.ID]; !ok {
		t.Fatal("expected job re-registered after resume")
	}
	if taskStore.tasks[task.ID].Paused {
		t.Fatal("expected task marked unpaused")
	}
}
