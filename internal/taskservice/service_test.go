package taskservice

import (
	"context"
	"testing"

	"github.com/basket/agent-gateway/internal/apperr"
	"github.com/basket/agent-gateway/internal/domain"
)

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
		if ownerUserID != "" && t.OwnerUserID != ownerUserID {
			continue
		}
		if enabledOnly && !t.Enabled {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}
func (f *fakeTaskStore) UpdateTask(ctx context.Context, t *domain.Task) error {
	if _, ok := f.tasks[t.ID]; !ok {
		return apperr.New(apperr.NotFound, "task not found")
	}
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
	n := t.SuccessCount + t.FailureCount + 1
	t.AvgDurationSeconds = (t.AvgDurationSeconds*float64(t.SuccessCount+t.FailureCount) + durationSeconds) / float64(n)
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
	var out []*domain.TaskRun
	for _, r := range f.runs {
		if r.TaskID == taskID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}
func (f *fakeTaskStore) InsertAsk(ctx context.Context, a *domain.ExternalAsk) error { return nil }
func (f *fakeTaskStore) GetAsk(ctx context.Context, id string) (*domain.ExternalAsk, error) {
	return nil, nil
}
func (f *fakeTaskStore) UpdateAsk(ctx context.Context, a *domain.ExternalAsk) error { return nil }
func (f *fakeTaskStore) ListPendingAsks(ctx context.Context, sessionID string) ([]*domain.ExternalAsk, error) {
	return nil, nil
}

func TestService_CreateRejectsInvalidName(t *testing.T) {
	svc := New(newFakeTaskStore(), nil)
	_, err := svc.Create(context.Background(), CreateRequest{TaskName: "Not_Valid", TemplatePrompt: "hi"})
	if apperr.KindOf(err) != apperr.BadRequest {
		t.Fatalf("err = %v, want BadRequest", err)
	}
}

func TestService_CreateRejectsMissingRequiredParamInTemplate(t *testing.T) {
	svc := New(newFakeTaskStore(), nil)
	_, err := svc.Create(context.Background(), CreateRequest{
		TaskName:           "daily-report",
		TemplatePrompt:     "Summarize {repo} activity",
		RequiredParameters: []string{"repo", "channel"},
	})
	if apperr.KindOf(err) != apperr.BadRequest {
		t.Fatalf("err = %v, want BadRequest", err)
	}
}

func TestService_CreateRejectsDuplicateName(t *testing.T) {
	st := newFakeTaskStore()
	svc := New(st, nil)
	req := CreateRequest{TaskName: "daily-report", TemplatePrompt: "go"}
	if _, err := svc.Create(context.Background(), req); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := svc.Create(context.Background(), req)
	if apperr.KindOf(err) != apperr.Conflict {
		t.Fatalf("err = %v, want Conflict", err)
	}
}

func TestService_StartFillsOptionalDefaultsAndTemplate(t *testing.T) {
	st := newFakeTaskStore()
	svc := New(st, nil)
	task, err := svc.Create(context.Background(), CreateRequest{
		TaskName:           "daily-report",
		TemplatePrompt:     "Summarize {repo} for {channel}",
		RequiredParameters: []string{"repo"},
		OptionalParameters: map[string]string{"channel": "#general"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := svc.Start(context.Background(), task.ID, map[string]string{"repo": "gateway"}, domain.TriggerManual, "user-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.FilledPrompt != "Summarize gateway for #general" {
		t.Fatalf("filled prompt = %q", res.FilledPrompt)
	}
	if res.Run.Status != domain.RunStarting {
		t.Fatalf("run status = %v, want STARTING", res.Run.Status)
	}
	if st.tasks[task.ID].RunCount != 1 {
		t.Fatalf("run_count = %d, want 1", st.tasks[task.ID].RunCount)
	}
}

func TestService_StartRejectsMissingRequiredParameter(t *testing.T) {
	st := newFakeTaskStore()
	svc := New(st, nil)
	task, _ := svc.Create(context.Background(), CreateRequest{
		TaskName:           "daily-report",
		TemplatePrompt:     "Summarize {repo}",
		RequiredParameters: []string{"repo"},
	})

	_, err := svc.Start(context.Background(), task.ID, map[string]string{}, domain.TriggerManual, "")
	if apperr.KindOf(err) != apperr.BadRequest {
		t.Fatalf("err = %v, want BadRequest", err)
	}
}

func TestService_StartRejectsDisabledTask(t *testing.T) {
	st := newFakeTaskStore()
	svc := New(st, nil)
	task, _ := svc.Create(context.Background(), CreateRequest{TaskName: "daily-report", TemplatePrompt: "go"})
	enabled := false
	if _, err := svc.Update(context.Background(), task.ID, UpdateRequest{Enabled: &enabled}); err != nil {
		t.Fatalf("update: %v", err)
	}

	_, err := svc.Start(context.Background(), task.ID, nil, domain.TriggerManual, "")
	if apperr.KindOf(err) != apperr.BadRequest {
		t.Fatalf("err = %v, want BadRequest", err)
	}
}

func TestService_UpdateRunRollsUpCountersOnTerminalStatus(t *testing.T) {
	st := newFakeTaskStore()
	svc := New(st, nil)
	task, _ := svc.Create(context.Background(), CreateRequest{TaskName: "daily-report", TemplatePrompt: "go"})

	res1, _ := svc.Start(context.Background(), task.ID, nil, domain.TriggerManual, "")
	if _, err := svc.UpdateRun(context.Background(), res1.Run.ID, UpdateRunRequest{Status: domain.RunRunning}); err != nil {
		t.Fatalf("transition to running: %v", err)
	}

	res1done, err := svc.UpdateRun(context.Background(), res1.Run.ID, UpdateRunRequest{Status: domain.RunCompleted})
	if err != nil {
		t.Fatalf("complete run: %v", err)
	}
	if res1done.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}
	if st.tasks[task.ID].SuccessCount != 1 {
		t.Fatalf("success_count = %d, want 1", st.tasks[task.ID].SuccessCount)
	}

	res2, _ := svc.Start(context.Background(), task.ID, nil, domain.TriggerManual, "")
	if _, err := svc.UpdateRun(context.Background(), res2.Run.ID, UpdateRunRequest{Status: domain.RunFailed}); err != nil {
		t.Fatalf("fail run: %v", err)
	}
	if st.tasks[task.ID].FailureCount != 1 {
		t.Fatalf("failure_count = %d, want 1", st.tasks[task.ID].FailureCount)
	}
}

func TestService_DeleteIsSoftByDefault(t *testing.T) {
	st := newFakeTaskStore()
	svc := New(st, nil)
	task, _ := svc.Create(context.Background(), CreateRequest{TaskName: "daily-report", TemplatePrompt: "go"})

	if err := svc.Delete(context.Background(), task.ID, false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	stored := st.tasks[task.ID]
	if stored.DeletedAt == nil || stored.Enabled {
		t.Fatalf("expected soft-deleted + disabled, got %+v", stored)
	}

	if _, err := svc.GetByName(context.Background(), "daily-report"); err != nil {
		t.Fatalf("GetByName after soft delete: %v", err)
	}
}

func TestService_DeleteHardRemovesRow(t *testing.T) {
	st := newFakeTaskStore()
	svc := New(st, nil)
	task, _ := svc.Create(context.Background(), CreateRequest{TaskName: "daily-report", TemplatePrompt: "go"})

	if err := svc.Delete(context.Background(), task.ID, true); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := st.tasks[task.ID]; ok {
		t.Fatal("expected task row removed")
	}
}
