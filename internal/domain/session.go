// Package domain holds the plain data types shared across the gateway: sessions,
// messages, external-ask interactions, tasks, and task runs. None of these types
// carry behavior beyond simple predicates; persistence and orchestration live in
// the store and service packages.
package domain

import "time"

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionStarting SessionStatus = "STARTING"
	SessionRunning  SessionStatus = "RUNNING"
	SessionIdle     SessionStatus = "IDLE"
	SessionStopped  SessionStatus = "STOPPED"
	SessionFailed   SessionStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are expected for this status.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStopped || s == SessionFailed
}

// IsReady reports whether a session in this status accepts a chat request.
// IDLE and RUNNING are both "ready" in the source system; the overlap is
// documented, not collapsed (SPEC_FULL.md §9).
func (s SessionStatus) IsReady() bool {
	return s == SessionIdle || s == SessionRunning
}

// WorkspaceType selects whether a session's workspace survives session deletion.
type WorkspaceType string

const (
	WorkspaceEphemeral  WorkspaceType = "EPHEMERAL"
	WorkspacePersistent WorkspaceType = "PERSISTENT"
)

// WorkspaceMode controls how a child session's workspace is derived from its parent's.
type WorkspaceMode string

const (
	WorkspaceModeInherit   WorkspaceMode = "inherit"
	WorkspaceModeClone     WorkspaceMode = "clone"
	WorkspaceModeEphemeral WorkspaceMode = "ephemeral"
)

// Session is the durable record of a single agent worker.
type Session struct {
	ID              string
	Status          SessionStatus
	ContainerID     string
	ParentSessionID string // empty for a root session
	WorkspaceType   WorkspaceType
	WorkspaceID     string
	OwnerUserID     string
	Config          []byte // opaque JSON object
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StoppedAt       *time.Time
	TotalCostUSD    float64
	TotalTurns      int
	ErrorMessage    string
}

// IsRoot reports whether the session has no parent.
func (s *Session) IsRoot() bool {
	return s.ParentSessionID == ""
}

// MessageRole distinguishes user prompts from assistant output.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one append-only turn of a session's conversation.
type Message struct {
	ID           string
	SessionID    string
	Role         MessageRole
	Content      string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	DurationMS   int64
	CreatedAt    time.Time
}
