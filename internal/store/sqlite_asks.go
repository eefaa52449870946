package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/agent-gateway/internal/apperr"
	"github.com/basket/agent-gateway/internal/domain"
)

const askColumns = `id, session_id, type, status, question, options, attempt, max_attempts,
	timeout_seconds, priority, thread_ref, response, created_at, updated_at, responded_at`

func scanAsk(row interface{ Scan(dest ...any) error }) (*domain.ExternalAsk, error) {
	var a domain.ExternalAsk
	var optionsJSON string
	var threadRef, response sql.NullString
	var created, updated int64
	var responded sql.NullInt64

	err := row.Scan(
		&a.ID, &a.SessionID, &a.Type, &a.Status, &a.Question, &optionsJSON, &a.Attempt, &a.MaxAttempts,
		&a.TimeoutSeconds, &a.Priority, &threadRef, &response, &created, &updated, &responded,
	)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(optionsJSON), &a.Options)
	a.ThreadRef = threadRef.String
	a.Response = response.String
	a.CreatedAt = time.Unix(created, 0)
	a.UpdatedAt = time.Unix(updated, 0)
	a.RespondedAt = scanNullTime(responded)
	return &a, nil
}

func (s *SQLiteStore) InsertAsk(ctx context.Context, a *domain.ExternalAsk) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO external_asks (`+askColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, string(a.Type), string(a.Status), a.Question, marshalJSON(a.Options),
		a.Attempt, a.MaxAttempts, a.TimeoutSeconds, string(a.Priority), nullString(a.ThreadRef),
		nullString(a.Response), a.CreatedAt.Unix(), a.UpdatedAt.Unix(), nullTimeUnix(a.RespondedAt),
	)
	if err != nil {
		return fmt.Errorf("insert ask: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAsk(ctx context.Context, id string) (*domain.ExternalAsk, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+askColumns+` FROM external_asks WHERE id = ?`, id)
	a, err := scanAsk(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "ask not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan ask: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) UpdateAsk(ctx context.Context, a *domain.ExternalAsk) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE external_asks SET status = ?, attempt = ?, thread_ref = ?, response = ?, updated_at = ?, responded_at = ?
		WHERE id = ?`,
		string(a.Status), a.Attempt, nullString(a.ThreadRef), nullString(a.Response),
		time.Now().Unix(), nullTimeUnix(a.RespondedAt), a.ID,
	)
	if err != nil {
		return fmt.Errorf("update ask: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPendingAsks(ctx context.Context, sessionID string) ([]*domain.ExternalAsk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+askColumns+` FROM external_asks WHERE session_id = ? AND status = 'pending' ORDER BY created_at ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list pending asks: %w", err)
	}
	defer rows.Close()

	var out []*domain.ExternalAsk
	for rows.Next() {
		a, err := scanAsk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ask row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
