package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Session is one chat session row.
type Session struct {
	Key           string    `json:"key"`
	Name          string    `json:"name,omitempty"`
	ThinkingLevel string    `json:"thinkingLevel,omitempty"`
	VerboseLevel  string    `json:"verboseLevel,omitempty"`
	Epoch         int64     `json:"epoch"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Message is one transcript entry within a session epoch.
type Message struct {
	ID         int64     `json:"id"`
	SessionKey string    `json:"sessionKey"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	RunID      string    `json:"runId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SessionPatch carries the mutable session fields; nil means unchanged.
type SessionPatch struct {
	Name          *string
	ThinkingLevel *string
	VerboseLevel  *string
}

// EnsureSession creates the session row if it does not exist.
func (s *Store) EnsureSession(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("empty session key")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (key) VALUES (?)
			ON CONFLICT(key) DO NOTHING;
		`, key)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// GetSession returns the session row, or sql.ErrNoRows wrapped.
func (s *Store) GetSession(ctx context.Context, key string) (Session, error) {
	var out Session
	err := s.db.QueryRowContext(ctx, `
		SELECT key, name, thinking_level, verbose_level, epoch, created_at, updated_at
		FROM sessions WHERE key = ?;
	`, key).Scan(&out.Key, &out.Name, &out.ThinkingLevel, &out.VerboseLevel, &out.Epoch, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", key, err)
	}
	return out, nil
}

// ListSessions returns all sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, name, thinking_level, verbose_level, epoch, created_at, updated_at
		FROM sessions
		ORDER BY updated_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var item Session
		if err := rows.Scan(&item.Key, &item.Name, &item.ThinkingLevel, &item.VerboseLevel, &item.Epoch, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}

// PatchSession applies the non-nil fields of patch.
func (s *Store) PatchSession(ctx context.Context, key string, patch SessionPatch) (Session, error) {
	var sets []string
	var args []any
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.ThinkingLevel != nil {
		sets = append(sets, "thinking_level = ?")
		args = append(args, *patch.ThinkingLevel)
	}
	if patch.VerboseLevel != nil {
		sets = append(sets, "verbose_level = ?")
		args = append(args, *patch.VerboseLevel)
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
		args = append(args, key)
		query := "UPDATE sessions SET " + strings.Join(sets, ", ") + " WHERE key = ?;"
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return Session{}, fmt.Errorf("patch session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return Session{}, fmt.Errorf("patch session %s: %w", key, sql.ErrNoRows)
		}
	}
	return s.GetSession(ctx, key)
}

// ResetSession bumps the epoch, hiding the prior transcript from history
// without deleting it.
func (s *Store) ResetSession(ctx context.Context, key string) (Session, error) {
	if err := s.EnsureSession(ctx, key); err != nil {
		return Session{}, err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET epoch = epoch + 1, updated_at = CURRENT_TIMESTAMP WHERE key = ?;
	`, key)
	if err != nil {
		return Session{}, fmt.Errorf("reset session: %w", err)
	}
	return s.GetSession(ctx, key)
}

// DeleteSession removes the session and its transcript.
func (s *Store) DeleteSession(ctx context.Context, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_key = ?;`, key); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?;`, key); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

// CompactSession marks the current-epoch transcript compacted and appends a
// single summary marker so history starts from the summary.
func (s *Store) CompactSession(ctx context.Context, key, summary string) (int64, error) {
	sess, err := s.GetSession(ctx, key)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET compacted = 1
		WHERE session_key = ? AND epoch = ? AND compacted = 0;
	`, key, sess.Epoch)
	if err != nil {
		return 0, fmt.Errorf("compact messages: %w", err)
	}
	compacted, _ := res.RowsAffected()
	if summary != "" {
		if err := s.AppendMessage(ctx, key, "system", summary, ""); err != nil {
			return compacted, err
		}
	}
	return compacted, nil
}

// AppendMessage adds a transcript entry to the session's current epoch.
func (s *Store) AppendMessage(ctx context.Context, key, role, content, runID string) error {
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case "system", "user", "assistant", "tool":
	default:
		return fmt.Errorf("invalid role %q", role)
	}
	if err := s.EnsureSession(ctx, key); err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (session_key, epoch, role, content, run_id)
			SELECT key, epoch, ?, ?, ? FROM sessions WHERE key = ?;
		`, role, content, runID, key)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE sessions SET updated_at = CURRENT_TIMESTAMP WHERE key = ?;
		`, key)
		return err
	})
}

// History returns the current-epoch, non-compacted transcript, oldest
// first.
func (s *Store) History(ctx context.Context, key string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.session_key, m.role, m.content, m.run_id, m.created_at
		FROM messages m
		JOIN sessions s ON s.key = m.session_key AND s.epoch = m.epoch
		WHERE m.session_key = ? AND m.compacted = 0
		ORDER BY m.id ASC
		LIMIT ?;
	`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var item Message
		if err := rows.Scan(&item.ID, &item.SessionKey, &item.Role, &item.Content, &item.RunID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}
