package wrapper

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// ConfigGenerator writes the workspace's tool-discovery files at container
// startup: the MCP server manifest, the permission profile, and the session
// context doc the agent CLI reads. A write failure here is never fatal to
// the session (SPEC_FULL.md §4.D) — the agent can still run with whatever
// defaults it falls back to.
type ConfigGenerator struct {
	sessionID       string
	workspacePath   string
	gatewayURL      string
	parentSessionID string
	logger          *slog.Logger
}

// NewConfigGenerator constructs a ConfigGenerator for one session.
func NewConfigGenerator(cfg *Config, logger *slog.Logger) *ConfigGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigGenerator{
		sessionID:       cfg.SessionID,
		workspacePath:   cfg.WorkspacePath,
		gatewayURL:      cfg.GatewayURL,
		parentSessionID: cfg.ParentSessionID,
		logger:          logger,
	}
}

// GenerateAll writes every tool-discovery file, logging and continuing past
// any individual failure.
func (g *ConfigGenerator) GenerateAll() {
	g.logger.Info("wrapper: generating configuration files", slog.String("session_id", g.sessionID))

	if err := os.MkdirAll(filepath.Join(g.workspacePath, ".claude"), 0o755); err != nil {
		g.logger.Warn("wrapper: failed to create .claude directory", slog.String("error", err.Error()))
	}

	if err := g.writeMCPConfig(); err != nil {
		g.logger.Warn("wrapper: failed to generate mcp config", slog.String("error", err.Error()))
	}
	if err := g.writeSettings(); err != nil {
		g.logger.Warn("wrapper: failed to generate settings", slog.String("error", err.Error()))
	}
	if err := g.writeSessionContext(); err != nil {
		g.logger.Warn("wrapper: failed to generate session context", slog.String("error", err.Error()))
	}
}

func (g *ConfigGenerator) writeMCPConfig() error {
	config := map[string]any{
		"mcpServers": map[string]any{
			"gateway": map[string]any{
				"type":    "stdio",
				"command": "gateway-mcp",
				"env": map[string]string{
					"SESSION_ID":  g.sessionID,
					"GATEWAY_URL": g.gatewayURL,
				},
			},
			"filesystem": map[string]any{
				"type":    "stdio",
				"command": "npx",
				"args":    []string{"-y", "@modelcontextprotocol/server-filesystem", g.workspacePath},
			},
		},
	}
	return writeJSON(filepath.Join(g.workspacePath, ".mcp.json"), config)
}

func (g *ConfigGenerator) writeSettings() error {
	settings := map[string]any{
		"permissions": map[string]any{
			"allow": []string{
				"Bash(*)", "Read(*)", "Write(*)", "Edit(*)", "Glob(*)", "Grep(*)",
				"mcp__gateway__*", "mcp__filesystem__*",
			},
			"deny":        []string{},
			"defaultMode": "bypassPermissions",
		},
		"env": map[string]string{
			"SESSION_ID":  g.sessionID,
			"GATEWAY_URL": g.gatewayURL,
		},
	}
	if g.parentSessionID != "" {
		settings["env"].(map[string]string)["PARENT_SESSION_ID"] = g.parentSessionID
	}
	return writeJSON(filepath.Join(g.workspacePath, ".claude", "settings.json"), settings)
}

func (g *ConfigGenerator) writeSessionContext() error {
	parentLine := "- Parent session: none (root session)"
	if g.parentSessionID != "" {
		parentLine = fmt.Sprintf("- Parent session: %s", g.parentSessionID)
	}
	content := fmt.Sprintf("# Session context\n\n- Session ID: %s\n%s\n", g.sessionID, parentLine)
	return os.WriteFile(filepath.Join(g.workspacePath, ".claude", "CONTEXT.md"), []byte(content), 0o644)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
