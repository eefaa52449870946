package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/docker/docker/api/types/mount"

	"github.com/basket/agent-gateway/internal/apperr"
	"github.com/basket/agent-gateway/internal/bus"
	"github.com/basket/agent-gateway/internal/config"
	"github.com/basket/agent-gateway/internal/container"
	"github.com/basket/agent-gateway/internal/domain"
	"github.com/basket/agent-gateway/internal/health"
	"github.com/basket/agent-gateway/internal/objstore"
	"github.com/basket/agent-gateway/internal/platform"
	"github.com/basket/agent-gateway/internal/scheduler"
	"github.com/basket/agent-gateway/internal/sessionsvc"
	"github.com/basket/agent-gateway/internal/taskservice"
)

// fakeRepo is a minimal in-memory store.SessionStore + store.TaskStore for
// exercising the router end to end, in the spirit of sessionsvc's and
// taskservice's own fakeStore/fakeTaskStore.
type fakeRepo struct {
	sessions map[string]*domain.Session
	tasks    map[string]*domain.Task
	runs     map[string]*domain.TaskRun
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions: map[string]*domain.Session{},
		tasks:    map[string]*domain.Task{},
		runs:     map[string]*domain.TaskRun{},
	}
}

func (f *fakeRepo) InsertSession(ctx context.Context, s *domain.Session) error {
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}
func (f *fakeRepo) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "session not found")
	}
	cp := *s
	return &cp, nil
}
func (f *fakeRepo) ListSessions(ctx context.Context, ownerUserID string, status domain.SessionStatus, limit, offset int) ([]*domain.Session, int, error) {
	var out []*domain.Session
	for _, s := range f.sessions {
		if ownerUserID != "" && s.OwnerUserID != ownerUserID {
			continue
		}
		if status != "" && s.Status != status {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, len(out), nil
}
func (f *fakeRepo) ChildrenOf(ctx context.Context, id string) ([]*domain.Session, error) {
	var out []*domain.Session
	for _, s := range f.sessions {
		if s.ParentSessionID == id {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}
func (f *fakeRepo) ParentOf(ctx context.Context, id string) (*domain.Session, error) { return nil, nil }
func (f *fakeRepo) UpdateSessionStatus(ctx context.Context, id string, status domain.SessionStatus, errorMessage string) error {
	s, ok := f.sessions[id]
	if !ok {
		return apperr.New(apperr.NotFound, "session not found")
	}
	s.Status = status
	s.ErrorMessage = errorMessage
	return nil
}
func (f *fakeRepo) UpdateSessionContainer(ctx context.Context, id, containerID string) error {
	f.sessions[id].ContainerID = containerID
	return nil
}
func (f *fakeRepo) UpdateSessionUsage(ctx context.Context, id string, addCostUSD float64, addTurns int) error {
	return nil
}
func (f *fakeRepo) DeleteSession(ctx context.Context, id string) error {
	delete(f.sessions, id)
	return nil
}
func (f *fakeRepo) CountChildren(ctx context.Context, parentID string) (int, error) {
	children, _ := f.ChildrenOf(ctx, parentID)
	return len(children), nil
}
func (f *fakeRepo) CountTree(ctx context.Context, rootID string, excludeTerminal bool) (int, error) {
	return 1, nil
}
func (f *fakeRepo) TryInsertChildSession(ctx context.Context, s *domain.Session, parentID, rootID string, maxChildren, maxTotalInTree int) error {
	children, _ := f.CountChildren(ctx, parentID)
	if children+1 > maxChildren {
		return apperr.New(apperr.LimitExceeded, "max children per session exceeded")
	}
	treeCount, _ := f.CountTree(ctx, rootID, true)
	if treeCount+1 > maxTotalInTree {
		return apperr.New(apperr.LimitExceeded, "max total instances in tree exceeded")
	}
	return f.InsertSession(ctx, s)
}
func (f *fakeRepo) InsertMessage(ctx context.Context, m *domain.Message) error { return nil }
func (f *fakeRepo) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]*domain.Message, error) {
	return nil, nil
}

func (f *fakeRepo) InsertTask(ctx context.Context, t *domain.Task) error {
	cp := *t
	f.tasks[t.ID] = &cp
	return nil
}
func (f *fakeRepo) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "task not found")
	}
	cp := *t
	return &cp, nil
}
func (f *fakeRepo) GetTaskByName(ctx context.Context, name string) (*domain.Task, error) {
	for _, t := range f.tasks {
		if t.TaskName == name {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}
func (f *fakeRepo) ListTasks(ctx context.Context, ownerUserID string, enabledOnly bool) ([]*domain.Task, error) {
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
func (f *fakeRepo) UpdateTask(ctx context.Context, t *domain.Task) error {
	if _, ok := f.tasks[t.ID]; !ok {
		return apperr.New(apperr.NotFound, "task not found")
	}
	cp := *t
	f.tasks[t.ID] = &cp
	return nil
}
func (f *fakeRepo) DeleteTask(ctx context.Context, id string) error {
	delete(f.tasks, id)
	return nil
}
func (f *fakeRepo) RecordTaskRunStart(ctx context.Context, taskID string) error {
	f.tasks[taskID].RunCount++
	return nil
}
func (f *fakeRepo) RollUpTaskRun(ctx context.Context, taskID string, success bool, durationSeconds float64) error {
	return nil
}
func (f *fakeRepo) InsertTaskRun(ctx context.Context, r *domain.TaskRun) error {
	cp := *r
	f.runs[r.ID] = &cp
	return nil
}
func (f *fakeRepo) GetTaskRun(ctx context.Context, id string) (*domain.TaskRun, error) {
	r, ok := f.runs[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "run not found")
	}
	cp := *r
	return &cp, nil
}
func (f *fakeRepo) UpdateTaskRun(ctx context.Context, r *domain.TaskRun) error {
	cp := *r
	f.runs[r.ID] = &cp
	return nil
}
func (f *fakeRepo) ListTaskRuns(ctx context.Context, taskID string, limit, offset int) ([]*domain.TaskRun, error) {
	var out []*domain.TaskRun
	for _, r := range f.runs {
		if r.TaskID == taskID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}
func (f *fakeRepo) InsertAsk(ctx context.Context, a *domain.ExternalAsk) error    { return nil }
func (f *fakeRepo) GetAsk(ctx context.Context, id string) (*domain.ExternalAsk, error) {
	return nil, apperr.New(apperr.NotFound, "ask not found")
}
func (f *fakeRepo) UpdateAsk(ctx context.Context, a *domain.ExternalAsk) error { return nil }
func (f *fakeRepo) ListPendingAsks(ctx context.Context, sessionID string) ([]*domain.ExternalAsk, error) {
	return nil, nil
}
func (f *fakeRepo) Ping(ctx context.Context) error { return nil }
func (f *fakeRepo) Close() error                   { return nil }

// fakeDriver is a minimal always-succeeds container.Driver.
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
func (f *fakeDriver) EnsureNetwork(ctx context.Context) (string, error) { return "net-1", nil }

// fakeObjStore is a minimal always-healthy objstore.Store.
type fakeObjStore struct{}

func (fakeObjStore) Put(ctx context.Context, key string, data io.Reader) error { return nil }
func (fakeObjStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, apperr.New(apperr.NotFound, "object not found")
}
func (fakeObjStore) List(ctx context.Context, prefix string) ([]string, error) { return nil, nil }
func (fakeObjStore) Delete(ctx context.Context, key string) error              { return nil }
func (fakeObjStore) Ping(ctx context.Context) error                            { return nil }

var _ objstore.Store = fakeObjStore{}

type testHarness struct {
	handler http.Handler
	repo    *fakeRepo
	bus     bus.Client
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	repo := newFakeRepo()
	b := bus.New(nil, 0)
	driver := &fakeDriver{}

	spawn := config.SpawnConfig{MaxDepth: 5, MaxChildrenPerParent: 10, MaxTotalInstances: 50}
	containerCfg := config.ContainerConfig{}
	timeouts := config.TimeoutConfig{ContainerStart: time.Second, ContainerStop: time.Second}

	sessions := sessionsvc.New(repo, b, driver, spawn, containerCfg, timeouts, config.BusConfig{}, t.TempDir(), "http://gateway.local", "ws://gateway.local/bus/ws", nil)
	tasks := taskservice.New(repo, nil)
	sched := scheduler.New(tasks, sessions, 0, 0, nil)
	bridge := platform.New(platform.NewNoopPoster(nil), repo, b, platform.PlatformTuning{
		DefaultAskTimeout: time.Second, DefaultMaxAttempts: 1, PollInterval: 10 * time.Millisecond,
	}, nil)
	aggregator := health.New(b, repo, driver, fakeObjStore{})

	router := NewRouter(Deps{
		Sessions: NewSessionHandler(sessions, b, 2*time.Second),
		Tasks:    NewTaskHandler(tasks, sessions, sched),
		Platform: NewPlatformHandler(bridge),
		Health:   NewHealthHandler(aggregator),
	})

	return &testHarness{handler: router, repo: repo, bus: b}
}

func (h *testHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestSessionRoutes_CreateListGet(t *testing.T) {
	h := newTestHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/sessions/", createSessionRequest{OwnerUserID: "owner-a"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.SessionID == "" || created.Status != string(domain.SessionIdle) {
		t.Fatalf("created = %+v", created)
	}

	rec = h.do(t, http.MethodGet, "/api/v1/sessions/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listBody struct {
		Sessions []sessionResponse `json:"sessions"`
		Total    int               `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listBody); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if listBody.Total != 1 {
		t.Fatalf("total = %d, want 1", listBody.Total)
	}

	rec = h.do(t, http.MethodGet, "/api/v1/sessions/"+created.SessionID+"/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestSessionRoutes_ListAcceptsOversizedLimit(t *testing.T) {
	h := newTestHarness(t)
	for i := 0; i < 3; i++ {
		h.do(t, http.MethodPost, "/api/v1/sessions/", createSessionRequest{OwnerUserID: "owner-a"})
	}
	rec := h.do(t, http.MethodGet, "/api/v1/sessions/?limit=9999", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSessionRoutes_ChatNonBlockingReturns202(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/sessions/", createSessionRequest{OwnerUserID: "owner-a"})
	var created sessionResponse
	json.Unmarshal(rec.Body.Bytes(), &created)

	rec = h.do(t, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/chat", chatRequest{Prompt: "hi", Stream: true})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("chat status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "processing" || resp["message_id"] == "" {
		t.Fatalf("resp = %+v", resp)
	}

	raw, ok := h.bus.BlockingPop(context.Background(), bus.InputQueue(created.SessionID), time.Second)
	if !ok {
		t.Fatal("expected prompt pushed onto input queue")
	}
	prompt, err := bus.DecodePrompt(raw)
	if err != nil {
		t.Fatalf("decode prompt: %v", err)
	}
	if prompt.MessageID != resp["message_id"] || prompt.Prompt != "hi" {
		t.Fatalf("prompt = %+v", prompt)
	}
}

func TestSessionRoutes_ChatBlockingTimesOut(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/sessions/", createSessionRequest{OwnerUserID: "owner-a"})
	var created sessionResponse
	json.Unmarshal(rec.Body.Bytes(), &created)

	start := time.Now()
	rec = h.do(t, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/chat", chatRequest{
		Prompt: "hi", Stream: false, TimeoutSeconds: 1,
	})
	if rec.Code != http.StatusRequestTimeout {
		t.Fatalf("chat status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("returned before the configured timeout elapsed: %v", elapsed)
	}
}

func TestSessionRoutes_ChatBlockingResolvesOnResult(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/sessions/", createSessionRequest{OwnerUserID: "owner-a"})
	var created sessionResponse
	json.Unmarshal(rec.Body.Bytes(), &created)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- h.do(t, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/chat", chatRequest{
			Prompt: "hi", Stream: false, TimeoutSeconds: 5,
		})
	}()

	raw, ok := h.bus.BlockingPop(context.Background(), bus.InputQueue(created.SessionID), 2*time.Second)
	if !ok {
		t.Fatal("expected prompt on input queue")
	}
	prompt, err := bus.DecodePrompt(raw)
	if err != nil {
		t.Fatalf("decode prompt: %v", err)
	}

	frame := &bus.Frame{
		Type: bus.FrameResult, SessionID: created.SessionID, MessageID: prompt.MessageID,
		Subtype: bus.SubtypeSuccess, Result: "done",
	}
	h.bus.Set(bus.ResultKey(created.SessionID), frame.Encode(), time.Minute)

	select {
	case rec := <-done:
		if rec.Code != http.StatusOK {
			t.Fatalf("chat status = %d, body = %s", rec.Code, rec.Body.String())
		}
		var resp chatResponse
		json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp.Result != "done" || resp.MessageID != prompt.MessageID {
			t.Fatalf("resp = %+v", resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("chat request never returned")
	}
}

func TestTaskRoutes_CreateStartAndHistory(t *testing.T) {
	h := newTestHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/tasks/", taskRequest{
		TaskName: "nightly-report", TemplatePrompt: "Summarize {topic}",
		RequiredParameters: []string{"topic"}, OwnerUserID: "owner-a",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create task status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var task taskResponse
	json.Unmarshal(rec.Body.Bytes(), &task)

	rec = h.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/start", startTaskRequest{
		Parameters: map[string]string{"topic": "outages"}, TriggeredBy: "owner-a",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var started map[string]any
	json.Unmarshal(rec.Body.Bytes(), &started)
	if started["session_id"] == "" || started["run_id"] == "" {
		t.Fatalf("started = %+v", started)
	}
	if prompt, _ := started["prompt"].(string); prompt != "Summarize outages" {
		t.Fatalf("filled prompt = %q", prompt)
	}

	rec = h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%s/history", task.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	var history struct {
		Runs []taskRunResponse `json:"runs"`
	}
	json.Unmarshal(rec.Body.Bytes(), &history)
	if len(history.Runs) != 1 || history.Runs[0].Status != string(domain.RunRunning) {
		t.Fatalf("history = %+v", history)
	}
}

func TestTaskRoutes_ScheduleReturnsNextFireTimes(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/tasks/", taskRequest{
		TaskName: "hourly-sync", TemplatePrompt: "Sync now", OwnerUserID: "owner-a",
	})
	var task taskResponse
	json.Unmarshal(rec.Body.Bytes(), &task)

	rec = h.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/schedule", scheduleTaskRequest{
		Cron: "0 * * * *", TriggeredBy: "owner-a",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("schedule status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Status        string      `json:"status"`
		NextFireTimes []time.Time `json:"next_fire_times"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != "scheduled" || len(resp.NextFireTimes) != 3 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestTaskRoutes_ScheduleRejectsMissingCron(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/tasks/", taskRequest{
		TaskName: "one-off", TemplatePrompt: "Run it", OwnerUserID: "owner-a",
	})
	var task taskResponse
	json.Unmarshal(rec.Body.Bytes(), &task)

	rec = h.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/schedule", scheduleTaskRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHealthRoutes_ReadyAndLive(t *testing.T) {
	h := newTestHarness(t)

	rec := h.do(t, http.MethodGet, "/health/live", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("live status = %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/health/ready", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var report health.Report
	json.Unmarshal(rec.Body.Bytes(), &report)
	if !report.Healthy || len(report.Checks) != 4 {
		t.Fatalf("report = %+v", report)
	}
}

func TestBearerAuth_RejectsMissingToken(t *testing.T) {
	repo := newFakeRepo()
	b := bus.New(nil, 0)
	driver := &fakeDriver{}
	sessions := sessionsvc.New(repo, b, driver, config.SpawnConfig{MaxDepth: 1, MaxChildrenPerParent: 1, MaxTotalInstances: 1},
		config.ContainerConfig{}, config.TimeoutConfig{ContainerStart: time.Second}, config.BusConfig{}, t.TempDir(), "http://gateway.local", "ws://gateway.local/bus/ws", nil)

	router := NewRouter(Deps{
		Sessions:     NewSessionHandler(sessions, b, time.Second),
		BearerSecret: "s3cret",
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions/", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with valid token = %d", rec.Code)
	}
}

func TestPlatformRoutes_NotifyReturnsInteractionID(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/sessions/", createSessionRequest{OwnerUserID: "owner-a"})
	var created sessionResponse
	json.Unmarshal(rec.Body.Bytes(), &created)

	rec = h.do(t, http.MethodPost, "/api/v1/discord/notify", notifyRequest{
		SessionID: created.SessionID, Message: "build finished",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("notify status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["interaction_id"] == "" {
		t.Fatalf("resp = %+v", resp)
	}
}
