// Package wrapper implements WrapperRuntime (SPEC_FULL.md §4.D): the
// single-session supervisor that runs inside each container worker, owning
// the agent subprocess, its heartbeat, and its interrupt handling. Grounded
// on original_source/wrapper/{main.py,config.py,claude_runner.py,health.py,
// redis_publisher.py,config_generator.py} for composition.
package wrapper

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is WrapperRuntime's environment-derived configuration, the Go
// equivalent of original_source/wrapper/config.py's WrapperConfig.
type Config struct {
	SessionID       string
	ParentSessionID string
	GatewayURL      string
	BusURL          string
	WorkspacePath   string
	AgentBinary     string

	HeartbeatInterval time.Duration
	InputPollTimeout  time.Duration
	StopGrace         time.Duration

	OutputBufferMax int           // trimmed output_buffer list length (OUTPUT_BUFFER_SIZE)
	OutputBufferTTL time.Duration // output_buffer key TTL (OUTPUT_BUFFER_TTL)
}

// LoadConfig reads Config from the environment SessionService's
// ContainerDriver.Create call populates (SESSION_ID, GATEWAY_URL, REDIS_URL,
// PARENT_SESSION_ID).
func LoadConfig() (*Config, error) {
	sessionID := os.Getenv("SESSION_ID")
	if sessionID == "" {
		return nil, fmt.Errorf("SESSION_ID environment variable is required")
	}

	gatewayURL := envOrDefault("GATEWAY_URL", "http://gateway:8000")

	cfg := &Config{
		SessionID:       sessionID,
		ParentSessionID: os.Getenv("PARENT_SESSION_ID"),
		GatewayURL:      gatewayURL,
		BusURL:          envOrDefault("REDIS_URL", busURLFromGateway(gatewayURL)),
		WorkspacePath:   envOrDefault("WORKSPACE_PATH", "/workspace"),
		AgentBinary:     envOrDefault("AGENT_BINARY", "claude"),

		HeartbeatInterval: 10 * time.Second,
		InputPollTimeout:  time.Second,
		StopGrace:         5 * time.Second,

		OutputBufferMax: envOrDefaultInt("OUTPUT_BUFFER_SIZE", 1000),
		OutputBufferTTL: envOrDefaultDuration("OUTPUT_BUFFER_TTL", time.Hour),
	}
	return cfg, nil
}

// busURLFromGateway derives the bus WebSocket endpoint from GatewayURL when
// REDIS_URL isn't set explicitly, since both point at the same gateway
// process in the common deployment.
func busURLFromGateway(gatewayURL string) string {
	wsURL := gatewayURL
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return strings.TrimRight(wsURL, "/") + "/bus/ws"
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
