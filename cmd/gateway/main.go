// Agent Gateway - Session Orchestrator
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/basket/agent-gateway/internal/bus"
	"github.com/basket/agent-gateway/internal/config"
	"github.com/basket/agent-gateway/internal/container"
	"github.com/basket/agent-gateway/internal/domain"
	"github.com/basket/agent-gateway/internal/health"
	"github.com/basket/agent-gateway/internal/httpapi"
	"github.com/basket/agent-gateway/internal/objstore"
	"github.com/basket/agent-gateway/internal/platform"
	"github.com/basket/agent-gateway/internal/scheduler"
	"github.com/basket/agent-gateway/internal/sessionsvc"
	"github.com/basket/agent-gateway/internal/store"
	"github.com/basket/agent-gateway/internal/streambridge"
	"github.com/basket/agent-gateway/internal/taskservice"
	"github.com/basket/agent-gateway/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting gateway", "port", cfg.Port, "dev", cfg.IsDevelopment())

	tracing, err := telemetry.Init(context.Background(), "agent-gateway")
	if err != nil {
		slog.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownErr := tracing.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("Failed to shut down tracer provider", "error", shutdownErr)
		}
	}()

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	driver, err := container.NewDockerDriver(container.Config{
		Image:            cfg.Container.Image,
		NetworkName:      cfg.Container.NetworkName,
		Runtime:          cfg.Container.Runtime,
		MemoryLimitBytes: cfg.Container.MemoryLimitBytes,
		CPUQuota:         cfg.Container.CPUQuota,
		PidsLimit:        cfg.Container.PidsLimit,
		RetryAttempts:    cfg.Container.CreateRetryAttempts,
		RetryDelay:       cfg.Container.CreateRetryDelay,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize container driver", "error", err)
		os.Exit(1)
	}

	networkID, err := driver.EnsureNetwork(context.Background())
	if err != nil {
		slog.Error("Failed to ensure session network", "error", err)
		os.Exit(1)
	}
	slog.Info("Session network ready", "network_id", networkID)

	objStore, err := objstore.NewFilesystemStore(filepath.Join(cfg.WorkspaceRoot, ".objstore"))
	if err != nil {
		slog.Error("Failed to initialize object store", "error", err)
		os.Exit(1)
	}

	b := bus.New(logger, cfg.Bus.SubscribeBuffer)
	defer b.Close()
	busServer := bus.NewServer(b, logger)

	sessions := sessionsvc.New(repo, b, driver, cfg.Spawn, cfg.Container, cfg.Timeout, cfg.Bus, cfg.WorkspaceRoot, cfg.GatewayURL, busURL(cfg.GatewayURL), logger)
	tasks := taskservice.New(repo, logger)
	sched := scheduler.New(tasks, sessions, cfg.Scheduler.MisfireGrace, cfg.Scheduler.MaxInstances, logger)

	var poster platform.Poster
	if cfg.Platform.SlackBotToken != "" {
		poster = platform.NewSlackPoster(cfg.Platform.SlackBotToken, cfg.Platform.SlackAppToken, cfg.Platform.SlackChannel, logger)
		slog.Info("Platform bridge using Slack")
	} else {
		poster = platform.NewNoopPoster(logger)
		slog.Info("Platform bridge using no-op poster (SLACK_BOT_TOKEN not set)")
	}
	platformBridge := platform.New(poster, repo, b, platform.PlatformTuning{
		DefaultAskTimeout:  cfg.Platform.DefaultAskTimeout,
		DefaultMaxAttempts: cfg.Platform.DefaultMaxAttempts,
		PollInterval:       cfg.Platform.PollInterval,
	}, logger)

	streamBridge := streambridge.New(repo, b, driver, firstOrStar(cfg.AllowedOrigin), cfg.IsDevelopment(), logger)

	healthAggregator := health.New(b, repo, driver, objStore)

	router := httpapi.NewRouter(httpapi.Deps{
		Sessions:      httpapi.NewSessionHandler(sessions, b, cfg.Timeout.ChatBlocking),
		Tasks:         httpapi.NewTaskHandler(tasks, sessions, sched),
		Platform:      httpapi.NewPlatformHandler(platformBridge),
		Health:        httpapi.NewHealthHandler(healthAggregator),
		Stream:        streamBridge,
		BusServer:     busServer,
		BearerSecret:  cfg.Auth.BearerSecret,
		AllowedOrigin: cfg.AllowedOrigin,
	})

	tracedRouter := otelhttp.NewHandler(router, "gateway")

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      tracedRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE/WebSocket connections need no write deadline
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.ReloadAllSchedules(ctx); err != nil {
		slog.Error("Failed to reload task schedules", "error", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop(context.Background())

	container.StartHeartbeatSweeper(ctx, b, driver,
		func(lookupCtx context.Context, sessionID string) (string, bool) {
			sess, err := repo.GetSession(lookupCtx, sessionID)
			if err != nil {
				return "", false
			}
			return sess.ContainerID, sess.ContainerID != ""
		},
		cfg.Timeout.TTLWorkerInterval, cfg.Timeout.ContainerStop,
		func(sessionID string) {
			if err := repo.UpdateSessionStatus(context.Background(), sessionID, domain.SessionFailed, "heartbeat sweeper: worker heartbeat expired"); err != nil {
				slog.Error("sweeper: failed to mark session failed", "session_id", sessionID, "error", err)
			}
		},
		logger,
	)

	go func() {
		slog.Info("Gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Gateway stopped successfully")
}

func firstOrStar(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}
	return origins[0]
}

// busURL derives the bus WebSocket endpoint each container worker is given
// as REDIS_URL from the address it already dials back to the gateway on.
func busURL(gatewayURL string) string {
	wsURL := strings.Replace(gatewayURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return strings.TrimRight(wsURL, "/") + "/bus/ws"
}
