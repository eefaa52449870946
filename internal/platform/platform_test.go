package platform

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/basket/agent-gateway/internal/bus"
	"github.com/basket/agent-gateway/internal/domain"
)

type fakePoster struct {
	mu    sync.Mutex
	posts []postCall
	err   error
}

type postCall struct {
	sessionID, threadRef, message string
	options                       []string
}

func (f *fakePoster) Post(ctx context.Context, sessionID, threadRef, message string, options []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, postCall{sessionID, threadRef, message, options})
	if f.err != nil {
		return "", f.err
	}
	if threadRef != "" {
		return threadRef, nil
	}
	return "thread-1", nil
}

type fakeAskStore struct {
	mu   sync.Mutex
	asks map[string]*domain.ExternalAsk
}

func newFakeAskStore() *fakeAskStore {
	return &fakeAskStore{asks: map[string]*domain.ExternalAsk{}}
}

func (f *fakeAskStore) InsertAsk(ctx context.Context, a *domain.ExternalAsk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.asks[a.ID] = &cp
	return nil
}
func (f *fakeAskStore) GetAsk(ctx context.Context, id string) (*domain.ExternalAsk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.asks[id]
	return &cp, nil
}
func (f *fakeAskStore) UpdateAsk(ctx context.Context, a *domain.ExternalAsk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.asks[a.ID] = &cp
	return nil
}
func (f *fakeAskStore) ListPendingAsks(ctx context.Context, sessionID string) ([]*domain.ExternalAsk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ExternalAsk
	for _, a := range f.asks {
		if a.SessionID == sessionID && a.Status == domain.AskPending {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// The remaining store.TaskStore methods are unused by Bridge; this fake only
// needs to satisfy the ask-specific subset the constructor is given.
type fakeTaskStoreForAsks struct{ *fakeAskStore }

func (f *fakeTaskStoreForAsks) InsertTask(ctx context.Context, t *domain.Task) error { return nil }
func (f *fakeTaskStoreForAsks) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return nil, nil
}
func (f *fakeTaskStoreForAsks) GetTaskByName(ctx context.Context, name string) (*domain.Task, error) {
	return nil, nil
}
func (f *fakeTaskStoreForAsks) ListTasks(ctx context.Context, ownerUserID string, enabledOnly bool) ([]*domain.Task, error) {
	return nil, nil
}
func (f *fakeTaskStoreForAsks) UpdateTask(ctx context.Context, t *domain.Task) error { return nil }
func (f *fakeTaskStoreForAsks) DeleteTask(ctx context.Context, id string) error      { return nil }
func (f *fakeTaskStoreForAsks) RecordTaskRunStart(ctx context.Context, taskID string) error {
	return nil
}
func (f *fakeTaskStoreForAsks) RollUpTaskRun(ctx context.Context, taskID string, success bool, durationSeconds float64) error {
	return nil
}
func (f *fakeTaskStoreForAsks) InsertTaskRun(ctx context.Context, r *domain.TaskRun) error {
	return nil
}
func (f *fakeTaskStoreForAsks) GetTaskRun(ctx context.Context, id string) (*domain.TaskRun, error) {
	return nil, nil
}
func (f *fakeTaskStoreForAsks) UpdateTaskRun(ctx context.Context, r *domain.TaskRun) error {
	return nil
}
func (f *fakeTaskStoreForAsks) ListTaskRuns(ctx context.Context, taskID string, limit, offset int) ([]*domain.TaskRun, error) {
	return nil, nil
}

func newTestBridge(t *testing.T, poster Poster, tuning PlatformTuning) (*Bridge, *fakeAskStore, *bus.Bus) {
	t.Helper()
	askStore := newFakeAskStore()
	b := bus.New(nil, 0)
	t.Cleanup(b.Close)
	return New(poster, &fakeTaskStoreForAsks{askStore}, b, tuning, nil), askStore, b
}

func TestBridge_NotifyPersistsCompletedAsk(t *testing.T) {
	poster := &fakePoster{}
	br, store, _ := newTestBridge(t, poster, PlatformTuning{})

	ask, err := br.Notify(context.Background(), "sess-1", "build finished", domain.PriorityNormal)
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if ask.Status != domain.AskComplete {
		t.Fatalf("status = %v, want complete", ask.Status)
	}
	if ask.ThreadRef != "thread-1" {
		t.Fatalf("thread_ref = %q", ask.ThreadRef)
	}
	if _, ok := store.asks[ask.ID]; !ok {
		t.Fatal("expected ask persisted")
	}
}

func TestBridge_AskReturnsAnsweredOnBusResponse(t *testing.T) {
	poster := &fakePoster{}
	br, _, b := newTestBridge(t, poster, PlatformTuning{PollInterval: 10 * time.Millisecond})

	var result *AskResult
	var err error
	done := make(chan struct{})
	go func() {
		result, err = br.Ask(context.Background(), "sess-2", "continue?", AskOptions{TimeoutSeconds: 5, MaxAttempts: 1})
		close(done)
	}()

	// Wait for the ask to be posted and persisted as pending, then answer it.
	id := br.firstPendingAskID(t, "sess-2")
	b.Set(bus.AskResponseKey("sess-2", id), []byte("yes"), time.Minute)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ask did not return in time")
	}

	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if result.TimedOut {
		t.Fatal("expected not timed out")
	}
	if result.Ask.Response != "yes" {
		t.Fatalf("response = %q", result.Ask.Response)
	}
}

func TestBridge_AskTimesOutAfterAttemptsExhausted(t *testing.T) {
	poster := &fakePoster{}
	br, _, _ := newTestBridge(t, poster, PlatformTuning{PollInterval: 5 * time.Millisecond})

	result, err := br.Ask(context.Background(), "sess-3", "continue?", AskOptions{TimeoutSeconds: 1, MaxAttempts: 2})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !result.TimedOut {
		t.Fatal("expected timeout")
	}
	if result.Ask.Status != domain.AskTimeout {
		t.Fatalf("status = %v, want timeout", result.Ask.Status)
	}
	poster.mu.Lock()
	defer poster.mu.Unlock()
	if len(poster.posts) != 2 {
		t.Fatalf("posts = %d, want 2 attempts", len(poster.posts))
	}
	if poster.posts[1].threadRef != "thread-1" {
		t.Fatalf("retry thread_ref = %q, want reused thread-1", poster.posts[1].threadRef)
	}
}

// firstPendingAskID polls the store for the pending ask Bridge.Ask just
// created, so the test can answer it without the service exposing the
// generated interaction id as public API.
func (b *Bridge) firstPendingAskID(t *testing.T, sessionID string) string {
	t.Helper()
	asks, err := b.store.ListPendingAsks(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	for i := 0; i < 50 && len(asks) == 0; i++ {
		time.Sleep(10 * time.Millisecond)
		asks, err = b.store.ListPendingAsks(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("list pending: %v", err)
		}
	}
	if len(asks) == 0 {
		t.Fatal("no pending ask found")
	}
	return asks[0].ID
}
