package store

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/agent-gateway/internal/apperr"
	"github.com/basket/agent-gateway/internal/domain"
)

// TryInsertChildSession inserts a child session only if, checked again under
// the write lock, the per-parent and per-tree spawn limits still hold. A
// plain deferred transaction only takes SQLite's write lock at its first
// write, which would let two concurrent callers for the same parent both
// pass their count reads before either one's insert serializes; BEGIN
// IMMEDIATE takes the write lock up front instead, so the second caller's
// transaction blocks until the first commits and then re-reads a count that
// already includes it. Grounded on zkoranges-go-claw's per-method
// BeginTx-wrapped store methods and on withRetry's existing busy-retry idiom.
func (s *SQLiteStore) TryInsertChildSession(ctx context.Context, sess *domain.Session, parentID, rootID string, maxChildren, maxTotalInTree int) error {
	return withRetry(ctx, 3, 100*time.Millisecond, func() error {
		return s.tryInsertChildSessionOnce(ctx, sess, parentID, rootID, maxChildren, maxTotalInTree)
	})
}

func (s *SQLiteStore) tryInsertChildSessionOnce(ctx context.Context, sess *domain.Session, parentID, rootID string, maxChildren, maxTotalInTree int) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("try insert child session: acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("try insert child session: begin immediate: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	var children int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE parent_session_id = ?`, parentID).Scan(&children); err != nil {
		return fmt.Errorf("try insert child session: count children: %w", err)
	}
	if children+1 > maxChildren {
		return apperr.New(apperr.LimitExceeded, "max children per session exceeded")
	}

	var treeCount int
	err = conn.QueryRowContext(ctx, `
		WITH RECURSIVE tree(id) AS (
			SELECT id FROM sessions WHERE id = ?
			UNION ALL
			SELECT s.id FROM sessions s JOIN tree t ON s.parent_session_id = t.id
		)
		SELECT COUNT(*) FROM sessions WHERE id IN (SELECT id FROM tree) AND status NOT IN ('STOPPED', 'FAILED')`,
		rootID).Scan(&treeCount)
	if err != nil {
		return fmt.Errorf("try insert child session: count tree: %w", err)
	}
	if treeCount+1 > maxTotalInTree {
		return apperr.New(apperr.LimitExceeded, "max total instances in tree exceeded")
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO sessions (
			id, status, container_id, parent_session_id, workspace_type,
			workspace_id, owner_user_id, config, created_at, updated_at,
			stopped_at, total_cost_usd, total_turns, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Status), nullString(sess.ContainerID), nullString(sess.ParentSessionID),
		string(sess.WorkspaceType), nullString(sess.WorkspaceID), sess.OwnerUserID, sess.Config,
		sess.CreatedAt.Unix(), sess.UpdatedAt.Unix(), nullTimeUnix(sess.StoppedAt),
		sess.TotalCostUSD, sess.TotalTurns, nullString(sess.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("try insert child session: insert: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("try insert child session: commit: %w", err)
	}
	committed = true
	return nil
}
