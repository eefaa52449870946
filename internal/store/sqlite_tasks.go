package store

import (
	"database/sql"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/basket/agent-gateway/internal/apperr"
	"github.com/basket/agent-gateway/internal/domain"
)

func scanTask(row interface{ Scan(dest ...any) error }) (*domain.Task, error) {
	var t domain.Task
	var requiredJSON, optionalJSON string
	var scheduleCron, scheduleTZ sql.NullString
	var created, updated int64
	var lastRun, deletedAt sql.NullInt64

	err := row.Scan(
		&t.ID, &t.TaskName, &t.TemplatePrompt, &requiredJSON, &optionalJSON,
		&scheduleCron, &scheduleTZ, &t.Enabled, &t.Paused, &t.OwnerUserID,
		&t.RunCount, &t.SuccessCount, &t.FailureCount, &t.AvgDurationSeconds,
		&lastRun, &created, &updated, &deletedAt,
	)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(requiredJSON), &t.RequiredParameters)
	_ = json.Unmarshal([]byte(optionalJSON), &t.OptionalParameters)
	t.ScheduleCron = scheduleCron.String
	t.ScheduleTimezone = scheduleTZ.String
	t.LastRunAt = scanNullTime(lastRun)
	t.CreatedAt = time.Unix(created, 0)
	t.UpdatedAt = time.Unix(updated, 0)
	t.DeletedAt = scanNullTime(deletedAt)
	return &t, nil
}

const taskColumns = `id, task_name, template_prompt, required_parameters, optional_parameters,
	schedule_cron, schedule_timezone, enabled, paused, owner_user_id,
	run_count, success_count, failure_count, avg_duration_seconds,
	last_run_at, created_at, updated_at, deleted_at`

func (s *SQLiteStore) InsertTask(ctx context.Context, t *domain.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TaskName, t.TemplatePrompt, marshalJSON(t.RequiredParameters), marshalJSON(t.OptionalParameters),
		nullString(t.ScheduleCron), nullString(t.ScheduleTimezone), t.Enabled, t.Paused, t.OwnerUserID,
		t.RunCount, t.SuccessCount, t.FailureCount, t.AvgDurationSeconds,
		nullTimeUnix(t.LastRunAt), t.CreatedAt.Unix(), t.UpdatedAt.Unix(), nullTimeUnix(t.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ? AND deleted_at IS NULL`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "task not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) GetTaskByName(ctx context.Context, name string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_name = ? AND deleted_at IS NULL`, name)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task by name: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, ownerUserID string, enabledOnly bool) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE deleted_at IS NULL`
	args := []any{}
	if ownerUserID != "" {
		query += ` AND owner_user_id = ?`
		args = append(args, ownerUserID)
	}
	if enabledOnly {
		query += ` AND enabled = 1 AND paused = 0`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, t *domain.Task) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET template_prompt = ?, required_parameters = ?, optional_parameters = ?,
			schedule_cron = ?, schedule_timezone = ?, enabled = ?, paused = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		t.TemplatePrompt, marshalJSON(t.RequiredParameters), marshalJSON(t.OptionalParameters),
		nullString(t.ScheduleCron), nullString(t.ScheduleTimezone), t.Enabled, t.Paused,
		time.Now().Unix(), t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET deleted_at = ?, updated_at = ? WHERE id = ?`, time.Now().Unix(), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// RecordTaskRunStart bumps run_count and last_run_at, called when a run is
// launched regardless of how it eventually finishes.
func (s *SQLiteStore) RecordTaskRunStart(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET run_count = run_count + 1, last_run_at = ?, updated_at = ? WHERE id = ?`,
		time.Now().Unix(), time.Now().Unix(), taskID)
	if err != nil {
		return fmt.Errorf("record task run start: %w", err)
	}
	return nil
}

// RollUpTaskRun applies SPEC_FULL.md §4.H's rolling average update:
// avg' = round_half_to_even((avg*(n-1) + duration) / n), using the
// post-increment success/failure count as n. The rounding is done in Go
// with math.RoundToEven rather than SQLite's ROUND(), which rounds
// half-away-from-zero and would not match the spec on an exact .5 boundary.
func (s *SQLiteStore) RollUpTaskRun(ctx context.Context, taskID string, success bool, durationSeconds float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("roll up task run: begin: %w", err)
	}
	defer tx.Rollback()

	var avg float64
	var successCount, failureCount int
	err = tx.QueryRowContext(ctx, `SELECT avg_duration_seconds, success_count, failure_count FROM tasks WHERE id = ?`, taskID).
		Scan(&avg, &successCount, &failureCount)
	if err != nil {
		return fmt.Errorf("roll up task run: read current stats: %w", err)
	}

	n := successCount + failureCount + 1
	newAvg := math.RoundToEven((avg*float64(successCount+failureCount) + durationSeconds) / float64(n))

	counterCol := "failure_count"
	if success {
		counterCol = "success_count"
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET
			`+counterCol+` = `+counterCol+` + 1,
			avg_duration_seconds = ?,
			updated_at = ?
		WHERE id = ?`, newAvg, time.Now().Unix(), taskID)
	if err != nil {
		return fmt.Errorf("roll up task run: update: %w", err)
	}
	return tx.Commit()
}

// --- TaskRun ---

const taskRunColumns = `id, task_id, session_id, status, trigger, triggered_by, parameters,
	result_summary, error, retry_count, started_at, completed_at, duration_seconds, created_at`

func scanTaskRun(row interface{ Scan(dest ...any) error }) (*domain.TaskRun, error) {
	var r domain.TaskRun
	var sessionID, triggeredBy, resultSummary, errMsg sql.NullString
	var parametersJSON string
	var started, completed sql.NullInt64
	var duration sql.NullFloat64
	var created int64

	err := row.Scan(
		&r.ID, &r.TaskID, &sessionID, &r.Status, &r.Trigger, &triggeredBy, &parametersJSON,
		&resultSummary, &errMsg, &r.RetryCount, &started, &completed, &duration, &created,
	)
	if err != nil {
		return nil, err
	}
	r.SessionID = sessionID.String
	r.TriggeredBy = triggeredBy.String
	r.ResultSummary = resultSummary.String
	r.Error = errMsg.String
	_ = json.Unmarshal([]byte(parametersJSON), &r.Parameters)
	r.StartedAt = scanNullTime(started)
	r.CompletedAt = scanNullTime(completed)
	if duration.Valid {
		r.DurationSeconds = duration.Float64
	}
	r.CreatedAt = time.Unix(created, 0)
	return &r, nil
}

func (s *SQLiteStore) InsertTaskRun(ctx context.Context, r *domain.TaskRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (`+taskRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, nullString(r.SessionID), string(r.Status), string(r.Trigger), nullString(r.TriggeredBy),
		marshalJSON(r.Parameters), nullString(r.ResultSummary), nullString(r.Error), r.RetryCount,
		nullTimeUnix(r.StartedAt), nullTimeUnix(r.CompletedAt), nullFloat(r.DurationSeconds), r.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert task run: %w", err)
	}
	return nil
}

func nullFloat(v float64) any {
	if v == 0 {
		return nil
	}
	return v
}

func (s *SQLiteStore) GetTaskRun(ctx context.Context, id string) (*domain.TaskRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskRunColumns+` FROM task_runs WHERE id = ?`, id)
	r, err := scanTaskRun(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "task run not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan task run: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) UpdateTaskRun(ctx context.Context, r *domain.TaskRun) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_runs SET session_id = ?, status = ?, result_summary = ?, error = ?,
			retry_count = ?, started_at = ?, completed_at = ?, duration_seconds = ?
		WHERE id = ?`,
		nullString(r.SessionID), string(r.Status), nullString(r.ResultSummary), nullString(r.Error),
		r.RetryCount, nullTimeUnix(r.StartedAt), nullTimeUnix(r.CompletedAt), nullFloat(r.DurationSeconds), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update task run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTaskRuns(ctx context.Context, taskID string, limit, offset int) ([]*domain.TaskRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskRunColumns+` FROM task_runs WHERE task_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	var out []*domain.TaskRun
	for rows.Next() {
		r, err := scanTaskRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task run row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
