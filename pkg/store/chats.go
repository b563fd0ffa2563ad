package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (s *Store) GetChat(ctx context.Context, id string) (*Chat, error) {
	query := s.rebind(`
SELECT id, user_id, assistant_id, title, chat, created_at, updated_at, archived
FROM chats WHERE id = ?`)

	var c Chat
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.UserID, &c.AssistantID, &c.Title, &c.Doc,
		&c.CreatedAt, &c.UpdatedAt, &c.Archived,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chat %s: %w", id, err)
	}
	return &c, nil
}

// InsertChat creates a chat row. A duplicate id is reported as-is so
// callers can treat creation as idempotent under the client-supplied
// chat id.
func (s *Store) InsertChat(ctx context.Context, c *Chat) error {
	query := s.rebind(`
INSERT INTO chats (id, user_id, assistant_id, title, chat, created_at, updated_at, archived)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.UserID, c.AssistantID, c.Title, c.Doc,
		c.CreatedAt, c.UpdatedAt, c.Archived,
	)
	if err != nil {
		return fmt.Errorf("failed to insert chat: %w", err)
	}
	return nil
}

// UpdateChatDoc replaces the chat JSON document. Last writer wins
// under concurrent appends; callers must not assume server-side merge.
func (s *Store) UpdateChatDoc(ctx context.Context, id, doc string, updatedAt int64) error {
	query := s.rebind(`UPDATE chats SET chat = ?, updated_at = ? WHERE id = ?`)

	res, err := s.db.ExecContext(ctx, query, doc, updatedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update chat %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListChatsByUser(ctx context.Context, userID int64) ([]*Chat, error) {
	query := s.rebind(`
SELECT id, user_id, assistant_id, title, chat, created_at, updated_at, archived
FROM chats WHERE user_id = ? ORDER BY updated_at DESC`)

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var out []*Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(
			&c.ID, &c.UserID, &c.AssistantID, &c.Title, &c.Doc,
			&c.CreatedAt, &c.UpdatedAt, &c.Archived,
		); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteChat(ctx context.Context, id string) error {
	query := s.rebind(`DELETE FROM chats WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete chat %s: %w", id, err)
	}
	return nil
}
