// Package store provides the relational persistence layer: SessionStore and
// TaskStore (SPEC_FULL.md §4.E, §4.H), the durable half of the system's
// state (the bus in internal/bus holds the live, TTL-bearing half).
package store

import (
	"context"

	"github.com/basket/agent-gateway/internal/domain"
)

// SessionStore is the relational CRUD surface SessionService depends on.
// All mutations happen inside a single transaction; reads are
// read-committed (SPEC_FULL.md §4.E).
type SessionStore interface {
	InsertSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	ListSessions(ctx context.Context, ownerUserID string, status domain.SessionStatus, limit, offset int) ([]*domain.Session, int, error)
	ChildrenOf(ctx context.Context, id string) ([]*domain.Session, error)
	ParentOf(ctx context.Context, id string) (*domain.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status domain.SessionStatus, errorMessage string) error
	UpdateSessionContainer(ctx context.Context, id, containerID string) error
	UpdateSessionUsage(ctx context.Context, id string, addCostUSD float64, addTurns int) error
	DeleteSession(ctx context.Context, id string) error
	CountChildren(ctx context.Context, parentID string) (int, error)
	CountTree(ctx context.Context, rootID string, excludeTerminal bool) (int, error)
	TryInsertChildSession(ctx context.Context, s *domain.Session, parentID, rootID string, maxChildren, maxTotalInTree int) error

	InsertMessage(ctx context.Context, m *domain.Message) error
	ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]*domain.Message, error)
}

// TaskStore is the relational CRUD surface TaskService and Scheduler
// depend on (SPEC_FULL.md §4.H).
type TaskStore interface {
	InsertTask(ctx context.Context, t *domain.Task) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	GetTaskByName(ctx context.Context, name string) (*domain.Task, error)
	ListTasks(ctx context.Context, ownerUserID string, enabledOnly bool) ([]*domain.Task, error)
	UpdateTask(ctx context.Context, t *domain.Task) error
	DeleteTask(ctx context.Context, id string) error
	RecordTaskRunStart(ctx context.Context, taskID string) error
	RollUpTaskRun(ctx context.Context, taskID string, success bool, durationSeconds float64) error

	InsertTaskRun(ctx context.Context, r *domain.TaskRun) error
	GetTaskRun(ctx context.Context, id string) (*domain.TaskRun, error)
	UpdateTaskRun(ctx context.Context, r *domain.TaskRun) error
	ListTaskRuns(ctx context.Context, taskID string, limit, offset int) ([]*domain.TaskRun, error)

	InsertAsk(ctx context.Context, a *domain.ExternalAsk) error
	GetAsk(ctx context.Context, id string) (*domain.ExternalAsk, error)
	UpdateAsk(ctx context.Context, a *domain.ExternalAsk) error
	ListPendingAsks(ctx context.Context, sessionID string) ([]*domain.ExternalAsk, error)
}

// Repository is the combined surface the sqlite implementation satisfies;
// cmd/gateway wires a single instance to both the session and task
// services.
type Repository interface {
	SessionStore
	TaskStore
	Ping(ctx context.Context) error
	Close() error
}
