package container

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/docker/docker/api/types/mount"

	"github.com/basket/agent-gateway/internal/bus"
)

type fakeDriver struct {
	stopped   []string
	removed   []string
	stopErr   error
	removeErr error
}

func (f *fakeDriver) Create(ctx context.Context, sessionID, workspacePath string, env map[string]string, extraMounts []mount.Mount) (string, error) {
	return "", nil
}
func (f *fakeDriver) Start(ctx context.Context, handle string) error { return nil }
func (f *fakeDriver) Stop(ctx context.Context, handle string, grace time.Duration) error {
	f.stopped = append(f.stopped, handle)
	return f.stopErr
}
func (f *fakeDriver) Remove(ctx context.Context, handle string, force bool) error {
	f.removed = append(f.removed, handle)
	return f.removeErr
}
func (f *fakeDriver) Status(ctx context.Context, handle string) (Status, error) {
	return StatusMissing, nil
}
func (f *fakeDriver) WaitForRunning(ctx context.Context, handle string, timeout time.Duration) (bool, error) {
	return false, nil
}
func (f *fakeDriver) Inspect(ctx context.Context, handle string) ([]NetworkAddress, error) {
	return nil, nil
}
func (f *fakeDriver) Logs(ctx context.Context, handle string, tail int) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeDriver) EnsureNetwork(ctx context.Context) (string, error) { return "", nil }

func TestSweepOnce_StopsDeadWorkerAndClearsMembership(t *testing.T) {
	b := bus.New(nil, 0)
	b.SetAdd(bus.ActiveSessionsKey, "s1")
	// No state hash written for s1: simulates an expired heartbeat.

	driver := &fakeDriver{}
	lookup := func(ctx context.Context, sessionID string) (string, bool) {
		if sessionID == "s1" {
			return "container-1", true
		}
		return "", false
	}

	var notified []string
	sweepOnce(context.Background(), b, driver, lookup, time.Second, func(id string) {
		notified = append(notified, id)
	}, nil)

	if len(driver.stopped) != 1 || driver.stopped[0] != "container-1" {
		t.Fatalf("stopped = %v, want [container-1]", driver.stopped)
	}
	if len(driver.removed) != 1 || driver.removed[0] != "container-1" {
		t.Fatalf("removed = %v, want [container-1]", driver.removed)
	}
	if len(notified) != 1 || notified[0] != "s1" {
		t.Fatalf("notified = %v, want [s1]", notified)
	}
	if members := b.SetMembers(bus.ActiveSessionsKey); len(members) != 0 {
		t.Fatalf("expected s1 removed from active set, got %v", members)
	}
}

func TestSweepOnce_LeavesLiveWorkerAlone(t *testing.T) {
	b := bus.New(nil, 0)
	b.SetAdd(bus.ActiveSessionsKey, "s1")
	b.HashSet(bus.StateKey("s1"), map[string]string{"status": "IDLE", "container_id": "container-1"})

	driver := &fakeDriver{}
	lookup := func(ctx context.Context, sessionID string) (string, bool) { return "container-1", true }

	sweepOnce(context.Background(), b, driver, lookup, time.Second, nil, nil)

	if len(driver.stopped) != 0 {
		t.Fatalf("expected no stops for a live worker, got %v", driver.stopped)
	}
	if members := b.SetMembers(bus.ActiveSessionsKey); len(members) != 1 {
		t.Fatalf("expected s1 to remain active, got %v", members)
	}
}
