package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/basket/agent-gateway/internal/apperr"
	"github.com/basket/agent-gateway/internal/domain"
	"github.com/basket/agent-gateway/internal/shared"
)

// SQLiteStore implements Repository using SQLite with WAL journaling, the
// same configuration the teacher's store used for its single-writer
// concurrency model.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) a WAL-mode SQLite database at dbPath
// and ensures the schema exists.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		container_id TEXT,
		parent_session_id TEXT REFERENCES sessions(id),
		workspace_type TEXT NOT NULL,
		workspace_id TEXT,
		owner_user_id TEXT NOT NULL,
		config TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		stopped_at INTEGER,
		total_cost_usd REAL NOT NULL DEFAULT 0,
		total_turns INTEGER NOT NULL DEFAULT 0,
		error_message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		task_name TEXT NOT NULL UNIQUE,
		template_prompt TEXT NOT NULL,
		required_parameters TEXT NOT NULL DEFAULT '[]',
		optional_parameters TEXT NOT NULL DEFAULT '{}',
		schedule_cron TEXT,
		schedule_timezone TEXT,
		enabled INTEGER NOT NULL DEFAULT 1,
		paused INTEGER NOT NULL DEFAULT 0,
		owner_user_id TEXT NOT NULL,
		run_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		avg_duration_seconds REAL NOT NULL DEFAULT 0,
		last_run_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_user_id) WHERE deleted_at IS NULL;

	CREATE TABLE IF NOT EXISTS task_runs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		session_id TEXT,
		status TEXT NOT NULL,
		trigger TEXT NOT NULL,
		triggered_by TEXT,
		parameters TEXT NOT NULL DEFAULT '{}',
		result_summary TEXT,
		error TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER,
		completed_at INTEGER,
		duration_seconds REAL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task_id, created_at);

	CREATE TABLE IF NOT EXISTS external_asks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		question TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '[]',
		attempt INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 1,
		timeout_seconds INTEGER NOT NULL,
		priority TEXT NOT NULL DEFAULT 'normal',
		thread_ref TEXT,
		response TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		responded_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_asks_session ON external_asks(session_id, status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry runs fn, retrying with exponential backoff on SQLITE_BUSY/locked
// errors, the same classification the teacher's store uses.
func withRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func nullTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func scanNullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

// --- SessionStore ---

func (s *SQLiteStore) InsertSession(ctx context.Context, sess *domain.Session) error {
	return withRetry(ctx, 3, 100*time.Millisecond, func() error {
		_, err := s.db.ExecContext(ctx, `
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
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func scanSession(row interface {
	Scan(dest ...any) error
}) (*domain.Session, error) {
	var sess domain.Session
	var containerID, parentID, workspaceID, errMsg sql.NullString
	var created, updated int64
	var stopped sql.NullInt64

	err := row.Scan(
		&sess.ID, &sess.Status, &containerID, &parentID, &sess.WorkspaceType,
		&workspaceID, &sess.OwnerUserID, &sess.Config, &created, &updated,
		&stopped, &sess.TotalCostUSD, &sess.TotalTurns, &errMsg,
	)
	if err != nil {
		return nil, err
	}
	sess.ContainerID = containerID.String
	sess.ParentSessionID = parentID.String
	sess.WorkspaceID = workspaceID.String
	sess.ErrorMessage = errMsg.String
	sess.CreatedAt = time.Unix(created, 0)
	sess.UpdatedAt = time.Unix(updated, 0)
	sess.StoppedAt = scanNullTime(stopped)
	return &sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, container_id, parent_session_id, workspace_type,
		       workspace_id, owner_user_id, config, created_at, updated_at,
		       stopped_at, total_cost_usd, total_turns, error_message
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, ownerUserID string, status domain.SessionStatus, limit, offset int) ([]*domain.Session, int, error) {
	where := []string{"1=1"}
	args := []any{}
	if ownerUserID != "" {
		where = append(where, "owner_user_id = ?")
		args = append(args, ownerUserID)
	}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, string(status))
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, status, container_id, parent_session_id, workspace_type,
		       workspace_id, owner_user_id, config, created_at, updated_at,
		       stopped_at, total_cost_usd, total_turns, error_message
		FROM sessions WHERE %s ORDER BY created_at DESC LIMIT ? OFFSET ?`, whereClause)
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	return out, total, rows.Err()
}

func (s *SQLiteStore) ChildrenOf(ctx context.Context, id string) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, container_id, parent_session_id, workspace_type,
		       workspace_id, owner_user_id, config, created_at, updated_at,
		       stopped_at, total_cost_usd, total_turns, error_message
		FROM sessions WHERE parent_session_id = ? ORDER BY created_at ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child row: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ParentOf(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.status, p.container_id, p.parent_session_id, p.workspace_type,
		       p.workspace_id, p.owner_user_id, p.config, p.created_at, p.updated_at,
		       p.stopped_at, p.total_cost_usd, p.total_turns, p.error_message
		FROM sessions c JOIN sessions p ON c.parent_session_id = p.id
		WHERE c.id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan parent: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, status domain.SessionStatus, errorMessage string) error {
	return withRetry(ctx, 3, 50*time.Millisecond, func() error {
		var stoppedAt any
		if status == domain.SessionStopped || status == domain.SessionFailed {
			stoppedAt = time.Now().Unix()
		}
		result, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET status = ?, error_message = ?, stopped_at = COALESCE(stopped_at, ?), updated_at = ?
			WHERE id = ?`,
			string(status), nullString(errorMessage), stoppedAt, time.Now().Unix(), id)
		if err != nil {
			return fmt.Errorf("update session status: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return apperr.New(apperr.NotFound, "session not found")
		}
		return nil
	})
}

func (s *SQLiteStore) UpdateSessionContainer(ctx context.Context, id, containerID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET container_id = ?, updated_at = ? WHERE id = ?`,
		nullString(containerID), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update session container: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSessionUsage(ctx context.Context, id string, addCostUSD float64, addTurns int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET total_cost_usd = total_cost_usd + ?, total_turns = total_turns + ?, updated_at = ?
		WHERE id = ?`, addCostUSD, addTurns, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update session usage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountChildren(ctx context.Context, parentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE parent_session_id = ?`, parentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count children: %w", err)
	}
	return n, nil
}

// CountTree counts every session in the tree rooted at rootID (inclusive),
// the tree-scoped interpretation of max_total_instances decided in
// SPEC_FULL.md §9. excludeTerminal restricts the count to non-STOPPED,
// non-FAILED sessions, matching "live sessions in the owning tree".
func (s *SQLiteStore) CountTree(ctx context.Context, rootID string, excludeTerminal bool) (int, error) {
	query := `
		WITH RECURSIVE tree(id) AS (
			SELECT id FROM sessions WHERE id = ?
			UNION ALL
			SELECT s.id FROM sessions s JOIN tree t ON s.parent_session_id = t.id
		)
		SELECT COUNT(*) FROM sessions WHERE id IN (SELECT id FROM tree)`
	if excludeTerminal {
		query += ` AND status NOT IN ('STOPPED', 'FAILED')`
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, rootID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tree: %w", err)
	}
	return n, nil
}

// --- Messages ---

func (s *SQLiteStore) InsertMessage(ctx context.Context, m *domain.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, input_tokens, output_tokens, cost_usd, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, string(m.Role), m.Content, m.InputTokens, m.OutputTokens, m.CostUSD, m.DurationMS, m.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, input_tokens, output_tokens, cost_usd, duration_ms, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at ASC LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		var m domain.Message
		var created int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.InputTokens, &m.OutputTokens, &m.CostUSD, &m.DurationMS, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.Unix(created, 0)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// marshalJSON and unmarshalJSON are small helpers the task/ask files share.
func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Warn("store: failed to marshal json column", slog.String("error", err.Error()))
		return "null"
	}
	return string(b)
}
