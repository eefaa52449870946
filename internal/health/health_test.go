package health

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/docker/docker/api/types/mount"

	"github.com/basket/agent-gateway/internal/container"
)

type fakeBus struct {
	values map[string][]byte
}

func newFakeBus() *fakeBus { return &fakeBus{values: map[string][]byte{}} }

func (f *fakeBus) Set(key string, value []byte, ttl time.Duration) { f.values[key] = value }
func (f *fakeBus) Get(key string) ([]byte, bool)                   { v, ok := f.values[key]; return v, ok }

type fakePinger struct{ err error }

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

type fakeObjStore struct{ err error }

func (f *fakeObjStore) Put(ctx context.Context, key string, data io.Reader) error { return nil }
func (f *fakeObjStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeObjStore) List(ctx context.Context, prefix string) ([]string, error) { return nil, nil }
func (f *fakeObjStore) Delete(ctx context.Context, key string) error              { return nil }
func (f *fakeObjStore) Ping(ctx context.Context) error                            { return f.err }

type fakeDriver struct{ err error }

func (f *fakeDriver) Create(ctx context.Context, sessionID, workspacePath string, env map[string]string, extraMounts []mount.Mount) (string, error) {
	return "", nil
}
func (f *fakeDriver) Start(ctx context.Context, handle string) error { return nil }
func (f *fakeDriver) Stop(ctx context.Context, handle string, grace time.Duration) error {
	return nil
}
func (f *fakeDriver) Remove(ctx context.Context, handle string, force bool) error { return nil }
func (f *fakeDriver) Status(ctx context.Context, handle string) (container.Status, error) {
	return "", nil
}
func (f *fakeDriver) WaitForRunning(ctx context.Context, handle string, timeout time.Duration) (bool, error) {
	return false, nil
}
func (f *fakeDriver) Inspect(ctx context.Context, handle string) ([]container.NetworkAddress, error) {
	return nil, nil
}
func (f *fakeDriver) Logs(ctx context.Context, handle string, tail int) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeDriver) EnsureNetwork(ctx context.Context) (string, error) { return "net", f.err }

func TestAggregator_ReadyHealthyWhenAllSubsystemsOK(t *testing.T) {
	agg := New(newFakeBus(), &fakePinger{}, &fakeDriver{}, &fakeObjStore{})
	report := agg.Ready(context.Background())
	if !report.Healthy {
		t.Fatalf("report not healthy: %+v", report)
	}
	if len(report.Checks) != 4 {
		t.Fatalf("checks = %d, want 4", len(report.Checks))
	}
}

func TestAggregator_ReadyUnhealthyWhenStoreFails(t *testing.T) {
	agg := New(newFakeBus(), &fakePinger{err: errors.New("db down")}, &fakeDriver{}, &fakeObjStore{})
	report := agg.Ready(context.Background())
	if report.Healthy {
		t.Fatal("expected unhealthy")
	}
	found := false
	for _, c := range report.Checks {
		if c.Name == "store" && !c.Healthy {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected store check to fail: %+v", report.Checks)
	}
}

func TestAggregator_ReadyUnhealthyWhenContainerDriverFails(t *testing.T) {
	agg := New(newFakeBus(), &fakePinger{}, &fakeDriver{err: errors.New("docker unreachable")}, &fakeObjStore{})
	report := agg.Ready(context.Background())
	if report.Healthy {
		t.Fatal("expected unhealthy")
	}
}

func TestAggregator_ReadyUnhealthyWhenObjectStoreFails(t *testing.T) {
	agg := New(newFakeBus(), &fakePinger{}, &fakeDriver{}, &fakeObjStore{err: errors.New("disk full")})
	report := agg.Ready(context.Background())
	if report.Healthy {
		t.Fatal("expected unhealthy")
	}
}

func TestAggregator_LiveAlwaysTrue(t *testing.T) {
	agg := New(newFakeBus(), &fakePinger{}, &fakeDriver{}, &fakeObjStore{})
	if !agg.Live() {
		t.Fatal("expected Live to be true")
	}
}
