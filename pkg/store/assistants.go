package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const assistantColumns = `id, name, owner_email, organization_id, COALESCE(description, ''), COALESCE(system_prompt, ''), COALESCE(prompt_template, ''), COALESCE(metadata, ''), COALESCE(rag_collections, ''), COALESCE(rag_top_k, 0), published`

func (s *Store) scanAssistant(row *sql.Row) (*Assistant, error) {
	var a Assistant
	err := row.Scan(
		&a.ID, &a.Name, &a.OwnerEmail, &a.OrganizationID, &a.Description,
		&a.SystemPrompt, &a.PromptTemplate, &a.Metadata, &a.RAGCollections,
		&a.RAGTopK, &a.Published,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan assistant: %w", err)
	}
	return &a, nil
}

func (s *Store) GetAssistantByID(ctx context.Context, id int64) (*Assistant, error) {
	query := s.rebind(`SELECT ` + assistantColumns + ` FROM assistants WHERE id = ?`)
	return s.scanAssistant(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store) GetAssistantByOwnerAndName(ctx context.Context, ownerEmail, name string) (*Assistant, error) {
	query := s.rebind(`SELECT ` + assistantColumns + ` FROM assistants WHERE owner_email = ? AND name = ?`)
	return s.scanAssistant(s.db.QueryRowContext(ctx, query, ownerEmail, name))
}

// ListPublishedAssistants returns the published assistants of one
// organization plus the given owner's own assistants, for /v1/models.
func (s *Store) ListPublishedAssistants(ctx context.Context, organizationID int64, ownerEmail string) ([]*Assistant, error) {
	query := s.rebind(`
SELECT ` + assistantColumns + ` FROM assistants
WHERE (organization_id = ? AND published = ` + s.boolLiteral(true) + `) OR owner_email = ?
ORDER BY id`)

	rows, err := s.db.QueryContext(ctx, query, organizationID, ownerEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to list assistants: %w", err)
	}
	defer rows.Close()

	var out []*Assistant
	for rows.Next() {
		var a Assistant
		if err := rows.Scan(
			&a.ID, &a.Name, &a.OwnerEmail, &a.OrganizationID, &a.Description,
			&a.SystemPrompt, &a.PromptTemplate, &a.Metadata, &a.RAGCollections,
			&a.RAGTopK, &a.Published,
		); err != nil {
			return nil, fmt.Errorf("failed to scan assistant: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// InsertAssistant creates an assistant and returns its id. The
// (owner, name) pair is unique.
func (s *Store) InsertAssistant(ctx context.Context, a *Assistant) (int64, error) {
	if s.dialect == "postgres" {
		query := `
INSERT INTO assistants (name, owner_email, organization_id, description, system_prompt, prompt_template, metadata, rag_collections, rag_top_k, published)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`
		var id int64
		err := s.db.QueryRowContext(ctx, query,
			a.Name, a.OwnerEmail, a.OrganizationID, a.Description, a.SystemPrompt,
			a.PromptTemplate, a.Metadata, a.RAGCollections, a.RAGTopK, a.Published,
		).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to insert assistant: %w", err)
		}
		return id, nil
	}

	query := `
INSERT INTO assistants (name, owner_email, organization_id, description, system_prompt, prompt_template, metadata, rag_collections, rag_top_k, published)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		a.Name, a.OwnerEmail, a.OrganizationID, a.Description, a.SystemPrompt,
		a.PromptTemplate, a.Metadata, a.RAGCollections, a.RAGTopK, a.Published,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert assistant: %w", err)
	}
	return res.LastInsertId()
}

// UpdateAssistant rewrites the mutable columns.
func (s *Store) UpdateAssistant(ctx context.Context, a *Assistant) error {
	query := s.rebind(`
UPDATE assistants
SET name = ?, description = ?, system_prompt = ?, prompt_template = ?, metadata = ?, rag_collections = ?, rag_top_k = ?, published = ?
WHERE id = ?`)

	res, err := s.db.ExecContext(ctx, query,
		a.Name, a.Description, a.SystemPrompt, a.PromptTemplate,
		a.Metadata, a.RAGCollections, a.RAGTopK, a.Published, a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update assistant %d: %w", a.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteAssistant(ctx context.Context, id int64) error {
	query := s.rebind(`DELETE FROM assistants WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete assistant %d: %w", id, err)
	}
	return nil
}

// ShareAssistant grants an explicit per-user share. Granting twice is
// a no-op.
func (s *Store) ShareAssistant(ctx context.Context, assistantID int64, email string) error {
	var query string
	switch s.dialect {
	case "mysql":
		query = `INSERT IGNORE INTO assistant_shares (assistant_id, user_email) VALUES (?, ?)`
	case "postgres":
		query = `INSERT INTO assistant_shares (assistant_id, user_email) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	default:
		query = `INSERT OR IGNORE INTO assistant_shares (assistant_id, user_email) VALUES (?, ?)`
	}
	if _, err := s.db.ExecContext(ctx, query, assistantID, email); err != nil {
		return fmt.Errorf("failed to share assistant %d: %w", assistantID, err)
	}
	return nil
}

func (s *Store) UnshareAssistant(ctx context.Context, assistantID int64, email string) error {
	query := s.rebind(`DELETE FROM assistant_shares WHERE assistant_id = ? AND user_email = ?`)
	if _, err := s.db.ExecContext(ctx, query, assistantID, email); err != nil {
		return fmt.Errorf("failed to unshare assistant %d: %w", assistantID, err)
	}
	return nil
}

// SetKBAccess grants or updates a knowledge base access level.
func (s *Store) SetKBAccess(ctx context.Context, kbID, email, level string) error {
	var query string
	switch s.dialect {
	case "mysql":
		query = `REPLACE INTO kb_access (kb_id, user_email, level) VALUES (?, ?, ?)`
	case "postgres":
		query = `
INSERT INTO kb_access (kb_id, user_email, level) VALUES ($1, $2, $3)
ON CONFLICT (kb_id, user_email) DO UPDATE SET level = EXCLUDED.level`
	default:
		query = `INSERT OR REPLACE INTO kb_access (kb_id, user_email, level) VALUES (?, ?, ?)`
	}
	if _, err := s.db.ExecContext(ctx, query, kbID, email, level); err != nil {
		return fmt.Errorf("failed to set kb access: %w", err)
	}
	return nil
}

// IsAssistantSharedWith reports whether an explicit share exists.
func (s *Store) IsAssistantSharedWith(ctx context.Context, assistantID int64, email string) (bool, error) {
	query := s.rebind(`SELECT COUNT(1) FROM assistant_shares WHERE assistant_id = ? AND user_email = ?`)

	var count int
	if err := s.db.QueryRowContext(ctx, query, assistantID, email).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check assistant share: %w", err)
	}
	return count > 0, nil
}

// KBAccessLevel returns "owner", "shared" or "none" for the given
// knowledge base and user.
func (s *Store) KBAccessLevel(ctx context.Context, kbID, email string) (string, error) {
	query := s.rebind(`SELECT level FROM kb_access WHERE kb_id = ? AND user_email = ?`)

	var level string
	err := s.db.QueryRowContext(ctx, query, kbID, email).Scan(&level)
	if errors.Is(err, sql.ErrNoRows) {
		return "none", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to check kb access: %w", err)
	}
	return level, nil
}
