package wrapper

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/agent-gateway/internal/bus"
)

const stateTTL = 60 * time.Second

// HealthEmitter refreshes a session's state hash heartbeat every interval,
// so the gateway's HealthAggregator and SessionService can detect a dead
// worker when the TTL lapses (SPEC_FULL.md §4.D). Grounded on
// original_source/wrapper/health.py's report loop.
type HealthEmitter struct {
	sessionID string
	bus       bus.Client
	interval  time.Duration
	logger    *slog.Logger
}

// NewHealthEmitter constructs a HealthEmitter.
func NewHealthEmitter(sessionID string, b bus.Client, interval time.Duration, logger *slog.Logger) *HealthEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthEmitter{sessionID: sessionID, bus: b, interval: interval, logger: logger}
}

// Run blocks, emitting a heartbeat on each tick until ctx is cancelled.
func (h *HealthEmitter) Run(ctx context.Context) {
	h.emit()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.emit()
		}
	}
}

func (h *HealthEmitter) emit() {
	h.bus.HashSet(bus.StateKey(h.sessionID), map[string]string{
		"last_heartbeat": time.Now().UTC().Format(time.RFC3339),
	})
	h.bus.Expire(bus.StateKey(h.sessionID), stateTTL)
}

// SetStatus writes the session's current status into the same state hash,
// alongside a fresh heartbeat, matching redis_publisher.py's update_state.
func (h *HealthEmitter) SetStatus(status string) {
	h.bus.HashSet(bus.StateKey(h.sessionID), map[string]string{
		"status":         status,
		"last_heartbeat": time.Now().UTC().Format(time.RFC3339),
	})
	h.bus.Expire(bus.StateKey(h.sessionID), stateTTL)
}
