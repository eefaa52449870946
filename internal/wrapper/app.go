package wrapper

import (
	"context"
	"log/slog"
	"sync"

	"github.com/basket/agent-gateway/internal/bus"
)

// App wires ConfigGenerator, HealthEmitter, InterruptListener, and
// InteractiveLoop into the single-process supervisor that runs inside a
// container worker. Grounded on original_source/wrapper/main.py's
// WrapperApp composition and shutdown sequencing.
type App struct {
	cfg    *Config
	bus    bus.Client
	logger *slog.Logger

	health    *HealthEmitter
	loop      *InteractiveLoop
	interrupt *InterruptListener
}

// NewApp constructs an App. b is the bus this process's wrapper shares with
// the gateway for the duration of the session.
func NewApp(cfg *Config, b bus.Client, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	health := NewHealthEmitter(cfg.SessionID, b, cfg.HeartbeatInterval, logger)
	loop := NewInteractiveLoop(cfg, b, health, logger)
	interrupt := NewInterruptListener(cfg.SessionID, b, loop, logger)

	return &App{cfg: cfg, bus: b, logger: logger, health: health, loop: loop, interrupt: interrupt}
}

// Run generates tool-discovery config, registers this session in the bus's
// active-session set, and runs the heartbeat, interrupt listener, and
// interactive loop concurrently until ctx is cancelled or the loop shuts
// itself down.
func (a *App) Run(ctx context.Context) {
	a.logger.Info("wrapper: starting", slog.String("session_id", a.cfg.SessionID))

	NewConfigGenerator(a.cfg, a.logger).GenerateAll()
	a.bus.SetAdd(bus.ActiveSessionsKey, a.cfg.SessionID)

	sidecarCtx, stopSidecars := context.WithCancel(ctx)
	defer stopSidecars()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.health.Run(sidecarCtx)
	}()
	go func() {
		defer wg.Done()
		a.interrupt.Run(sidecarCtx)
	}()

	a.loop.Run(ctx)
	stopSidecars()

	a.bus.SetRemove(bus.ActiveSessionsKey, a.cfg.SessionID)
	wg.Wait()
	a.logger.Info("wrapper: stopped", slog.String("session_id", a.cfg.SessionID))
}

// Shutdown requests a graceful stop of the interactive loop; Run returns
// once the current turn (if any) finishes tearing down.
func (a *App) Shutdown() {
	a.loop.RequestShutdown()
}
