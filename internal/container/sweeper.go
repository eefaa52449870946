package container

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/agent-gateway/internal/bus"
)

// DeadWorkerCallback is invoked once per session whose worker heartbeat has
// expired, after its container has been stopped and removed.
type DeadWorkerCallback func(sessionID string)

// ContainerLookup resolves the last-known container handle for a session,
// since the bus state hash that normally carries it is, by definition,
// already gone by the time the sweeper needs it.
type ContainerLookup func(ctx context.Context, sessionID string) (containerID string, ok bool)

// StartHeartbeatSweeper periodically scans active_sessions for state hashes
// the bus has already expired (missing heartbeat for >60s, SPEC_FULL.md
// §4.D) and tears down the corresponding container. The bus's own TTL does
// the detection; this loop only acts on what it finds missing.
func StartHeartbeatSweeper(ctx context.Context, b bus.Client, driver Driver, lookup ContainerLookup, interval time.Duration, grace time.Duration, onDead DeadWorkerCallback, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		logger.Info("heartbeat sweeper started", slog.Duration("interval", interval))
		for {
			select {
			case <-ticker.C:
				sweepOnce(ctx, b, driver, lookup, grace, onDead, logger)
			case <-ctx.Done():
				logger.Info("heartbeat sweeper shutting down", slog.String("reason", ctx.Err().Error()))
				return
			}
		}
	}()
}

func sweepOnce(ctx context.Context, b bus.Client, driver Driver, lookup ContainerLookup, grace time.Duration, onDead DeadWorkerCallback, logger *slog.Logger) {
	sessionIDs := b.SetMembers(bus.ActiveSessionsKey)
	for _, sessionID := range sessionIDs {
		state := b.HashGetAll(bus.StateKey(sessionID))
		if len(state) > 0 {
			continue // state hash alive, worker is heartbeating
		}

		logger.Warn("heartbeat sweeper found dead worker", slog.String("session_id", sessionID))

		containerID, ok := lookup(ctx, sessionID)
		if ok && containerID != "" {
			if err := driver.Stop(ctx, containerID, grace); err != nil {
				logger.Error("sweeper failed to stop dead container", slog.String("error", err.Error()), slog.String("session_id", sessionID))
			}
			if err := driver.Remove(ctx, containerID, true); err != nil {
				logger.Error("sweeper failed to remove dead container", slog.String("error", err.Error()), slog.String("session_id", sessionID))
			}
		}

		b.SetRemove(bus.ActiveSessionsKey, sessionID)
		if onDead != nil {
			onDead(sessionID)
		}
	}
}
