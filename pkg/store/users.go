package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned by lookups that miss. Callers translate it
// to the client-facing taxonomy; the store stays taxonomy-free.
var ErrNotFound = errors.New("not found")

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*CreatorUser, error) {
	query := s.rebind(`
SELECT id, email, name, organization_id, role, COALESCE(organization_role, ''), enabled, COALESCE(auth_provider, ''), COALESCE(lti_id, '')
FROM creator_users WHERE email = ?`)

	var u CreatorUser
	err := s.db.QueryRowContext(ctx, query, email).Scan(
		&u.ID, &u.Email, &u.Name, &u.OrganizationID, &u.Role,
		&u.OrganizationRole, &u.Enabled, &u.AuthProvider, &u.LTIID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", email, err)
	}
	return &u, nil
}

func (s *Store) GetOrganizationByID(ctx context.Context, id int64) (*Organization, error) {
	query := s.rebind(`
SELECT id, slug, name, is_system, status, COALESCE(config, '')
FROM organizations WHERE id = ?`)

	var o Organization
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&o.ID, &o.Slug, &o.Name, &o.IsSystem, &o.Status, &o.Config,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load organization %d: %w", id, err)
	}
	return &o, nil
}

// GetSystemOrganization returns the unique organization with
// is_system set. Its absence is a deployment configuration error.
func (s *Store) GetSystemOrganization(ctx context.Context) (*Organization, error) {
	query := `
SELECT id, slug, name, is_system, status, COALESCE(config, '')
FROM organizations WHERE is_system = ` + s.boolLiteral(true)

	var o Organization
	err := s.db.QueryRowContext(ctx, query).Scan(
		&o.ID, &o.Slug, &o.Name, &o.IsSystem, &o.Status, &o.Config,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load system organization: %w", err)
	}
	return &o, nil
}

// InsertOrganization creates an organization and returns its id.
func (s *Store) InsertOrganization(ctx context.Context, o *Organization) (int64, error) {
	if s.dialect == "postgres" {
		query := `
INSERT INTO organizations (slug, name, is_system, status, config)
VALUES ($1, $2, $3, $4, $5) RETURNING id`
		var id int64
		err := s.db.QueryRowContext(ctx, query, o.Slug, o.Name, o.IsSystem, o.Status, o.Config).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to insert organization: %w", err)
		}
		return id, nil
	}

	query := `
INSERT INTO organizations (slug, name, is_system, status, config)
VALUES (?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query, o.Slug, o.Name, o.IsSystem, o.Status, o.Config)
	if err != nil {
		return 0, fmt.Errorf("failed to insert organization: %w", err)
	}
	return res.LastInsertId()
}

// InsertUser creates a creator user and returns their id.
func (s *Store) InsertUser(ctx context.Context, u *CreatorUser) (int64, error) {
	if s.dialect == "postgres" {
		query := `
INSERT INTO creator_users (email, name, organization_id, role, organization_role, enabled, auth_provider, lti_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`
		var id int64
		err := s.db.QueryRowContext(ctx, query,
			u.Email, u.Name, u.OrganizationID, u.Role, u.OrganizationRole, u.Enabled, u.AuthProvider, u.LTIID,
		).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to insert user: %w", err)
		}
		return id, nil
	}

	query := `
INSERT INTO creator_users (email, name, organization_id, role, organization_role, enabled, auth_provider, lti_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		u.Email, u.Name, u.OrganizationID, u.Role, u.OrganizationRole, u.Enabled, u.AuthProvider, u.LTIID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert user: %w", err)
	}
	return res.LastInsertId()
}

// SetUserEnabled flips the account flag. Disabled users are rejected
// at auth time.
func (s *Store) SetUserEnabled(ctx context.Context, email string, enabled bool) error {
	query := s.rebind(`UPDATE creator_users SET enabled = ? WHERE email = ?`)
	res, err := s.db.ExecContext(ctx, query, enabled, email)
	if err != nil {
		return fmt.Errorf("failed to update user %s: %w", email, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) boolLiteral(v bool) string {
	if s.dialect == "postgres" {
		if v {
			return "TRUE"
		}
		return "FALSE"
	}
	if v {
		return "1"
	}
	return "0"
}
