// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible defaults.
// All timeouts, limits, and operational parameters are configurable.
//
// Configuration categories:
//   - Timeouts: container start/stop, session idle, chat blocking, ask attempts
//   - Spawn limits: depth, direct children, tree-total instances
//   - Container: image, network, resource limits, retry
//   - Scheduler: misfire grace, max concurrent instances per task
//   - Bus: live-state TTLs
//   - Platform: external ask/notify credentials
//
// Load lists every environment variable read, with its default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// TimeoutConfig holds timeout-related configuration.
type TimeoutConfig struct {
	ContainerStart    time.Duration // container startup wait (default 60s)
	ContainerStop     time.Duration // container stop grace (default 10s)
	SessionIdle       time.Duration // advisory idle timeout (default 300s)
	ChatBlocking      time.Duration // default blocking chat timeout (default 600s)
	HeartbeatTTL      time.Duration // wrapper heartbeat TTL (default 60s)
	InteractionTTL    time.Duration // ask/result key TTL (default 3600s)
	TTLWorkerInterval time.Duration // heartbeat-sweeper interval (default 30s)
}

// ContainerConfig holds container resource, image, and retry configuration.
type ContainerConfig struct {
	Image               string
	NetworkName         string
	Runtime             string // "" = default runc, "runsc" = gVisor
	MemoryLimitBytes    int64
	CPUQuota            int64
	PidsLimit           int64
	CreateRetryAttempts int
	CreateRetryDelay    time.Duration
}

// SpawnConfig holds the spawn-tree structural limits (SPEC_FULL.md §4.F).
type SpawnConfig struct {
	MaxDepth             int
	MaxChildrenPerParent int
	MaxTotalInstances    int
}

// SchedulerConfig holds Scheduler tuning (SPEC_FULL.md §4.I). There is no
// TickInterval: robfig/cron/v3's engine sleeps until the next entry's wall-
// clock fire time rather than polling on a tick, so there is nothing in
// Scheduler for a poll interval to configure.
type SchedulerConfig struct {
	MisfireGrace time.Duration
	MaxInstances int
}

// BusConfig holds bus-side TTL and buffer tuning.
type BusConfig struct {
	OutputBufferSize int           // trimmed output_buffer list length (default 1000)
	OutputBufferTTL  time.Duration // default 3600s
	SubscribeBuffer  int           // per-subscriber channel capacity
}

// PlatformConfig holds external ask/notify bot credentials.
type PlatformConfig struct {
	SlackBotToken string
	SlackAppToken string
	SlackChannel  string
	DefaultAskTimeout time.Duration // per-attempt timeout used when a request gives none (default 60s); request values are not range-checked
	DefaultMaxAttempts int
	PollInterval      time.Duration // bus poll cadence for ask responses, default 1s
}

// AuthConfig holds the thin bearer-token check's shared secret.
type AuthConfig struct {
	BearerSecret string
}

// Config holds all application configuration.
type Config struct {
	Port          string
	DBPath        string
	WorkspaceRoot string
	GatewayURL    string   // address workers dial back to, passed into each container's env
	AllowedOrigin []string // CORS + WebSocket origin allowlist, "*" disables the check
	Timeout       TimeoutConfig
	Container     ContainerConfig
	Spawn         SpawnConfig
	Scheduler     SchedulerConfig
	Bus           BusConfig
	Platform      PlatformConfig
	Auth          AuthConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		DBPath:        getEnv("DB_PATH", "./data/gateway.db"),
		WorkspaceRoot: getEnv("WORKSPACE_ROOT", "./data/workspaces"),
		GatewayURL:    getEnv("GATEWAY_URL", "http://gateway:8000"),
		AllowedOrigin: strings.Split(getEnv("GATEWAY_ALLOWED_ORIGIN", "*"), ","),
		Timeout: TimeoutConfig{
			ContainerStart:    getEnvDuration("GATEWAY_CONTAINER_START_TIMEOUT", 60*time.Second),
			ContainerStop:     getEnvDuration("GATEWAY_CONTAINER_STOP_TIMEOUT", 10*time.Second),
			SessionIdle:       getEnvDuration("GATEWAY_SESSION_IDLE_TIMEOUT", 300*time.Second),
			ChatBlocking:      getEnvDuration("GATEWAY_CHAT_BLOCKING_TIMEOUT", 600*time.Second),
			HeartbeatTTL:      getEnvDuration("GATEWAY_HEARTBEAT_TTL", 60*time.Second),
			InteractionTTL:    getEnvDuration("GATEWAY_INTERACTION_TTL", 3600*time.Second),
			TTLWorkerInterval: getEnvDuration("GATEWAY_TTL_WORKER_INTERVAL", 30*time.Second),
		},
		Container: ContainerConfig{
			Image:               getEnv("GATEWAY_CONTAINER_IMAGE", "agent-wrapper:latest"),
			NetworkName:         getEnv("GATEWAY_CONTAINER_NETWORK", "agent-gateway-net"),
			Runtime:             getEnv("CONTAINER_RUNTIME", ""),
			MemoryLimitBytes:    getEnvInt64("GATEWAY_CONTAINER_MEMORY_LIMIT", 1024*1024*1024),
			CPUQuota:            getEnvInt64("GATEWAY_CONTAINER_CPU_QUOTA", 100000),
			PidsLimit:           getEnvInt64("GATEWAY_CONTAINER_PIDS_LIMIT", 512),
			CreateRetryAttempts: getEnvInt("GATEWAY_CONTAINER_CREATE_RETRY_ATTEMPTS", 20),
			CreateRetryDelay:    getEnvDuration("GATEWAY_CONTAINER_CREATE_RETRY_DELAY", 250*time.Millisecond),
		},
		Spawn: SpawnConfig{
			MaxDepth:             getEnvInt("GATEWAY_MAX_SPAWN_DEPTH", 5),
			MaxChildrenPerParent: getEnvInt("GATEWAY_MAX_CHILDREN_PER_SESSION", 10),
			MaxTotalInstances:    getEnvInt("GATEWAY_MAX_TOTAL_INSTANCES", 50),
		},
		Scheduler: SchedulerConfig{
			MisfireGrace: getEnvDuration("GATEWAY_SCHEDULER_MISFIRE_GRACE", 300*time.Second),
			MaxInstances: getEnvInt("GATEWAY_SCHEDULER_MAX_INSTANCES", 1),
		},
		Bus: BusConfig{
			OutputBufferSize: getEnvInt("GATEWAY_OUTPUT_BUFFER_SIZE", 1000),
			OutputBufferTTL:  getEnvDuration("GATEWAY_OUTPUT_BUFFER_TTL", 3600*time.Second),
			SubscribeBuffer:  getEnvInt("GATEWAY_SUBSCRIBE_BUFFER", 256),
		},
		Platform: PlatformConfig{
			SlackBotToken:      getEnv("SLACK_BOT_TOKEN", ""),
			SlackAppToken:      getEnv("SLACK_APP_TOKEN", ""),
			SlackChannel:       getEnv("SLACK_CHANNEL", ""),
			DefaultAskTimeout:  getEnvDuration("GATEWAY_ASK_DEFAULT_TIMEOUT", 60*time.Second),
			DefaultMaxAttempts: getEnvInt("GATEWAY_ASK_DEFAULT_MAX_ATTEMPTS", 1),
			PollInterval:       getEnvDuration("GATEWAY_ASK_POLL_INTERVAL", time.Second),
		},
		Auth: AuthConfig{
			BearerSecret: getEnv("GATEWAY_BEARER_SECRET", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Spawn.MaxDepth <= 0 {
		return fmt.Errorf("GATEWAY_MAX_SPAWN_DEPTH must be > 0")
	}
	if c.Scheduler.MaxInstances <= 0 {
		return fmt.Errorf("GATEWAY_SCHEDULER_MAX_INSTANCES must be > 0")
	}
	return nil
}

// IsDevelopment returns true if no bearer secret is configured, matching the
// teacher's convention of treating an unconfigured auth surface as dev mode.
func (c *Config) IsDevelopment() bool {
	return c.Auth.BearerSecret == ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
