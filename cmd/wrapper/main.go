// Agent Gateway - Session Wrapper
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/basket/agent-gateway/internal/bus"
	"github.com/basket/agent-gateway/internal/wrapper"
	"github.com/joho/godotenv"
)

// The wrapper binary is the single process that runs inside each session's
// container worker, a separate OS process in a separate Docker container
// from cmd/gateway. It reaches the gateway's bus by dialing bus.DialRemote
// at the REDIS_URL/BusURL endpoint cmd/gateway exposes at /bus/ws.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := wrapper.LoadConfig()
	if err != nil {
		slog.Error("Failed to load wrapper configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting wrapper", "session_id", cfg.SessionID, "agent_binary", cfg.AgentBinary, "bus_url", cfg.BusURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := bus.DialRemote(ctx, cfg.BusURL, logger)
	if err != nil {
		slog.Error("Failed to connect to bus", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	app := wrapper.NewApp(cfg, b, logger)

	go func() {
		<-ctx.Done()
		slog.Info("Shutdown signal received, requesting graceful stop")
		app.Shutdown()
	}()

	app.Run(ctx)

	slog.Info("Wrapper stopped", "session_id", cfg.SessionID)
}
