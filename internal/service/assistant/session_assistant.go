package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"docassist/internal/models"
)

// ErrSessionOwned is returned when a session id already belongs to another user.
var ErrSessionOwned = errors.New("session owned by another user")

// SaveSessionRecord upserts rec by session id. An existing row owned by a
// different user is left untouched and ErrSessionOwned is returned.
func (s *Service) SaveSessionRecord(ctx context.Context, rec *models.SessionRecord) error {
	if rec == nil || rec.SessionID == "" || rec.UserID <= 0 {
		return errors.New("session id and user id are required")
	}
	if rec.Status == "" {
		rec.Status = string(models.TaskComplete)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var owner int64
	err = tx.QueryRowContext(ctx, `SELECT user_id FROM sessions WHERE session_id = ?`, rec.SessionID).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (session_id, user_id, content_type, content, title, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.SessionID, rec.UserID, string(rec.ContentType), rec.Content, rec.Title, rec.Status, rec.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			rec.ID = id
		}
	case err != nil:
		return fmt.Errorf("lookup session: %w", err)
	case owner != rec.UserID:
		return ErrSessionOwned
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET content_type = ?, content = ?, title = ?, status = ?, created_at = ?
			 WHERE session_id = ? AND user_id = ?`,
			string(rec.ContentType), rec.Content, rec.Title, rec.Status, rec.CreatedAt, rec.SessionID, rec.UserID,
		); err != nil {
			return fmt.Errorf("update session: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

// GetSessionRecord returns the record owned by userID. A record that exists
// under another owner is reported as sql.ErrNoRows.
func (s *Service) GetSessionRecord(ctx context.Context, sessionID string, userID int64) (*models.SessionRecord, error) {
	var rec models.SessionRecord
	var contentType string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, user_id, content_type, content, title, status, created_at
		 FROM sessions WHERE session_id = ? AND user_id = ?`,
		sessionID, userID,
	).Scan(&rec.ID, &rec.SessionID, &rec.UserID, &contentType, &rec.Content, &rec.Title, &rec.Status, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	rec.ContentType = models.ContentType(contentType)
	return &rec, nil
}

// ListSessions returns the user's sessions, newest first. It never returns nil.
func (s *Service) ListSessions(ctx context.Context, userID int64) ([]models.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, content_type, created_at, title, status
		 FROM sessions WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.SessionSummary, 0)
	for rows.Next() {
		var item models.SessionSummary
		var contentType string
		if err := rows.Scan(&item.SessionID, &contentType, &item.CreatedAt, &item.Title, &item.Status); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		item.Type = models.ContentType(contentType)
		sessions = append(sessions, item)
	}
	return sessions, rows.Err()
}

// DeleteSessionRecord removes the user's record, or returns sql.ErrNoRows.
func (s *Service) DeleteSessionRecord(ctx context.Context, sessionID string, userID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
