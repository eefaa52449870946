// Package sessionsvc implements SessionService (SPEC_FULL.md §4.F): the
// orchestration layer that turns a create request into a running container
// worker, enforces spawn-tree limits, and owns the session row's writes.
package sessionsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agent-gateway/internal/apperr"
	"github.com/basket/agent-gateway/internal/bus"
	"github.com/basket/agent-gateway/internal/config"
	"github.com/basket/agent-gateway/internal/container"
	"github.com/basket/agent-gateway/internal/domain"
	"github.com/basket/agent-gateway/internal/store"
)

// CreateRequest is the public input to Service.Create.
type CreateRequest struct {
	OwnerUserID     string
	ParentSessionID string // empty for a root session
	WorkspaceMode   domain.WorkspaceMode
	InitialPrompt   string
	Config          json.RawMessage
}

// CreateResult is the public output of Service.Create.
type CreateResult struct {
	SessionID    string
	Status       domain.SessionStatus
	ContainerID  string
	WebSocketURL string
}

// Detail is a full session view, including its direct children's ids.
type Detail struct {
	*domain.Session
	ChildIDs []string
}

// Summary is the paginated list-view shape.
type Summary struct {
	*domain.Session
}

// ListResult is the paginated output of Service.List.
type ListResult struct {
	Sessions []Summary
	Total    int
}

// Service implements SessionService.
type Service struct {
	store         store.SessionStore
	bus           bus.Client
	driver        container.Driver
	spawn         config.SpawnConfig
	containerCfg  config.ContainerConfig
	timeouts      config.TimeoutConfig
	busCfg        config.BusConfig
	workspaceRoot string
	gatewayURL    string
	busURL        string
	logger        *slog.Logger
}

// New constructs a Service. busURL is what a container worker dials to
// reach the gateway's bus (REDIS_URL in its environment); see internal/bus's
// Server/RemoteClient. busCfg's output-buffer tuning is likewise passed
// through to the container as OUTPUT_BUFFER_SIZE/OUTPUT_BUFFER_TTL, since
// wrapper.LoadConfig reads those back from its own environment.
func New(st store.SessionStore, b bus.Client, driver container.Driver, spawn config.SpawnConfig, containerCfg config.ContainerConfig, timeouts config.TimeoutConfig, busCfg config.BusConfig, workspaceRoot, gatewayURL, busURL string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store: st, bus: b, driver: driver, spawn: spawn, containerCfg: containerCfg,
		timeouts: timeouts, busCfg: busCfg, workspaceRoot: workspaceRoot, gatewayURL: gatewayURL, busURL: busURL, logger: logger,
	}
}

// Create allocates a session and its container, per SPEC_FULL.md §4.F's
// five-step sequence with compensation on failure.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	var parent *domain.Session
	var root string
	if req.ParentSessionID != "" {
		p, err := s.store.GetSession(ctx, req.ParentSessionID)
		if err != nil {
			return nil, err
		}
		parent = p
		r, err := s.checkSpawnDepth(ctx, parent)
		if err != nil {
			return nil, err
		}
		root = r
	}

	sessionID := uuid.NewString()
	workspacePath, workspaceID, err := s.resolveWorkspace(sessionID, parent, req.WorkspaceMode)
	if err != nil {
		return nil, apperr.Wrap(apperr.Fatal, "resolve workspace", err)
	}

	env := map[string]string{
		"SESSION_ID":        sessionID,
		"GATEWAY_URL":       s.gatewayURL,
		"REDIS_URL":         s.busURL,
		"OUTPUT_BUFFER_SIZE": strconv.Itoa(s.busCfg.OutputBufferSize),
		"OUTPUT_BUFFER_TTL":  s.busCfg.OutputBufferTTL.String(),
	}
	if parent != nil {
		env["PARENT_SESSION_ID"] = parent.ID
	}

	containerID, err := s.driver.Create(ctx, sessionID, workspacePath, env, nil)
	if err != nil {
		return nil, err
	}

	cfgBytes := req.Config
	if cfgBytes == nil {
		cfgBytes = json.RawMessage("{}")
	}

	now := time.Now()
	sess := &domain.Session{
		ID:              sessionID,
		Status:          domain.SessionStarting,
		ContainerID:     containerID,
		ParentSessionID: req.ParentSessionID,
		WorkspaceType:   workspaceType(req.WorkspaceMode),
		WorkspaceID:     workspaceID,
		OwnerUserID:     req.OwnerUserID,
		Config:          cfgBytes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if parent != nil {
		err = s.store.TryInsertChildSession(ctx, sess, parent.ID, root, s.spawn.MaxChildrenPerParent, s.spawn.MaxTotalInstances)
	} else {
		err = s.store.InsertSession(ctx, sess)
	}
	if err != nil {
		s.compensate(ctx, containerID)
		return nil, err
	}

	s.bus.HashSet(bus.StateKey(sessionID), map[string]string{
		"status":       string(domain.SessionStarting),
		"container_id": containerID,
	})
	s.bus.SetAdd(bus.ActiveSessionsKey, sessionID)

	if err := s.driver.Start(ctx, containerID); err != nil {
		_ = s.store.UpdateSessionStatus(ctx, sessionID, domain.SessionFailed, err.Error())
		s.compensate(ctx, containerID)
		return nil, err
	}

	running, err := s.driver.WaitForRunning(ctx, containerID, s.timeouts.ContainerStart)
	if err != nil || !running {
		msg := "container did not reach running state before timeout"
		if err != nil {
			msg = err.Error()
		}
		_ = s.store.UpdateSessionStatus(ctx, sessionID, domain.SessionFailed, msg)
		s.compensate(ctx, containerID)
		return nil, apperr.New(apperr.Timeout, msg)
	}

	if err := s.store.UpdateSessionStatus(ctx, sessionID, domain.SessionIdle, ""); err != nil {
		return nil, err
	}
	s.bus.HashSet(bus.StateKey(sessionID), map[string]string{"status": string(domain.SessionIdle)})

	if req.InitialPrompt != "" {
		prompt := &bus.Prompt{MessageID: uuid.NewString(), Prompt: req.InitialPrompt}
		s.bus.Push(bus.InputQueue(sessionID), prompt.Encode())
	}

	return &CreateResult{
		SessionID:    sessionID,
		Status:       domain.SessionIdle,
		ContainerID:  containerID,
		WebSocketURL: fmt.Sprintf("/ws/sessions/%s/stream", sessionID),
	}, nil
}

func (s *Service) compensate(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	if err := s.driver.Stop(ctx, containerID, s.timeouts.ContainerStop); err != nil {
		s.logger.Warn("compensation: failed to stop container", slog.String("error", err.Error()))
	}
	if err := s.driver.Remove(ctx, containerID, true); err != nil {
		s.logger.Warn("compensation: failed to remove container", slog.String("error", err.Error()))
	}
}

// checkSpawnDepth enforces the max-depth cap before a child is created and
// returns the tree's root session id for the subsequent atomic insert
// (SPEC_FULL.md §4.F). Depth is a property of the already-committed parent
// chain, not something a concurrent sibling creation can change, so unlike
// the per-parent and per-tree counts it needs no re-check under a lock — that
// re-check happens inside store.TryInsertChildSession instead, closing the
// race a plain count-then-insert would leave between two sibling creations.
func (s *Service) checkSpawnDepth(ctx context.Context, parent *domain.Session) (string, error) {
	depth, root, err := s.depthAndRoot(ctx, parent)
	if err != nil {
		return "", err
	}
	if depth > s.spawn.MaxDepth {
		return "", apperr.New(apperr.LimitExceeded, "max spawn depth exceeded")
	}
	return root, nil
}

// depthAndRoot walks the parent chain to compute the 1-indexed depth of a
// hypothetical child of sess, and the tree's root session id.
func (s *Service) depthAndRoot(ctx context.Context, sess *domain.Session) (int, string, error) {
	depth := 1
	current := sess
	root := sess.ID
	for !current.IsRoot() {
		parent, err := s.store.ParentOf(ctx, current.ID)
		if err != nil {
			return 0, "", err
		}
		if parent == nil {
			break
		}
		depth++
		root = parent.ID
		current = parent
	}
	return depth, root, nil
}

// RecordUsage persists a terminal frame's cost against the session row,
// incrementing its turn count by one. Guarded by a short-lived bus marker
// keyed by messageID so a session's chat and message endpoints observing
// the same result frame don't double count.
func (s *Service) RecordUsage(ctx context.Context, sessionID, messageID string, costUSD float64) error {
	marker := bus.UsageRecordedKey(sessionID, messageID)
	if _, seen := s.bus.Get(marker); seen {
		return nil
	}
	s.bus.Set(marker, []byte("1"), time.Hour)
	return s.store.UpdateSessionUsage(ctx, sessionID, costUSD, 1)
}

func workspaceType(mode domain.WorkspaceMode) domain.WorkspaceType {
	if mode == domain.WorkspaceModeEphemeral || mode == "" {
		return domain.WorkspaceEphemeral
	}
	return domain.WorkspacePersistent
}

// resolveWorkspace implements the inherit/clone/ephemeral workspace modes:
// inherit and clone both start the child from the parent's workspace
// descriptor, ephemeral starts fresh (SPEC_FULL.md §4.F).
func (s *Service) resolveWorkspace(sessionID string, parent *domain.Session, mode domain.WorkspaceMode) (path string, workspaceID string, err error) {
	if parent != nil && (mode == domain.WorkspaceModeInherit || mode == domain.WorkspaceModeClone) {
		workspaceID = parent.WorkspaceID
		if workspaceID == "" {
			workspaceID = parent.ID
		}
	} else {
		workspaceID = sessionID
	}

	path = filepath.Join(s.workspaceRoot, workspaceID)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", "", err
	}
	return path, workspaceID, nil
}

// List returns a paginated set of session summaries for an owner.
func (s *Service) List(ctx context.Context, ownerUserID string, status domain.SessionStatus, limit, offset int) (*ListResult, error) {
	sessions, total, err := s.store.ListSessions(ctx, ownerUserID, status, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, Summary{Session: sess})
	}
	return &ListResult{Sessions: out, Total: total}, nil
}

// Get returns a session's detail, including its direct children's ids.
func (s *Service) Get(ctx context.Context, id string) (*Detail, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	children, err := s.store.ChildrenOf(ctx, id)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(children))
	for _, c := range children {
		ids = append(ids, c.ID)
	}
	return &Detail{Session: sess, ChildIDs: ids}, nil
}

// Stop stops a session's container and marks it STOPPED. Idempotent.
func (s *Service) Stop(ctx context.Context, id string) error {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status.IsTerminal() {
		return nil
	}
	if sess.ContainerID != "" {
		if err := s.driver.Stop(ctx, sess.ContainerID, s.timeouts.ContainerStop); err != nil {
			return err
		}
	}
	if err := s.store.UpdateSessionStatus(ctx, id, domain.SessionStopped, ""); err != nil {
		return err
	}
	s.bus.SetRemove(bus.ActiveSessionsKey, id)
	return nil
}

// Delete stops + removes the container, purges live state, and deletes the
// session row. Idempotent.
func (s *Service) Delete(ctx context.Context, id string) error {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			return nil
		}
		return err
	}
	if sess.ContainerID != "" {
		if err := s.driver.Stop(ctx, sess.ContainerID, s.timeouts.ContainerStop); err != nil {
			s.logger.Warn("delete: failed to stop container", slog.String("error", err.Error()))
		}
		if err := s.driver.Remove(ctx, sess.ContainerID, true); err != nil {
			s.logger.Warn("delete: failed to remove container", slog.String("error", err.Error()))
		}
	}
	s.bus.SetRemove(bus.ActiveSessionsKey, id)
	s.bus.Delete(bus.StateKey(id))
	s.bus.Delete(bus.OutputBufferKey(id))
	s.bus.Delete(bus.ResultKey(id))
	return s.store.DeleteSession(ctx, id)
}

// Interrupt publishes on the interrupt topic and mirrors onto the backup
// queue, so a wrapper that hasn't subscribed yet still observes it
// (SPEC_FULL.md §4.F).
func (s *Service) Interrupt(ctx context.Context, id string, interrupt *bus.Interrupt) error {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return err
	}
	payload := interrupt.Encode()
	s.bus.Publish(bus.InterruptTopic(id), payload)
	s.bus.Push(bus.InterruptQueue(id), payload)
	return nil
}
