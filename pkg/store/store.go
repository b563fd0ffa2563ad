// Package store is the relational persistence layer the pipeline
// reads: creator users, organizations, assistants, shares, KB access
// grants, and chat documents. Supports sqlite (default), postgres and
// mysql through database/sql.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lamb-project/lamb/pkg/config"
)

type Store struct {
	db      *sql.DB
	dialect string
}

const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS organizations (
    id INTEGER PRIMARY KEY,
    slug VARCHAR(255) NOT NULL UNIQUE,
    name VARCHAR(255) NOT NULL,
    is_system BOOLEAN NOT NULL DEFAULT 0,
    status VARCHAR(50) NOT NULL DEFAULT 'active',
    config TEXT
);

CREATE TABLE IF NOT EXISTS creator_users (
    id INTEGER PRIMARY KEY,
    email VARCHAR(255) NOT NULL UNIQUE,
    name VARCHAR(255) NOT NULL,
    organization_id INTEGER NOT NULL,
    role VARCHAR(50) NOT NULL DEFAULT 'user',
    organization_role VARCHAR(50),
    enabled BOOLEAN NOT NULL DEFAULT 1,
    auth_provider VARCHAR(50),
    lti_id VARCHAR(255)
);

CREATE TABLE IF NOT EXISTS assistants (
    id INTEGER PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    owner_email VARCHAR(255) NOT NULL,
    organization_id INTEGER NOT NULL,
    description TEXT,
    system_prompt TEXT,
    prompt_template TEXT,
    metadata TEXT,
    rag_collections TEXT,
    rag_top_k INTEGER,
    published BOOLEAN NOT NULL DEFAULT 0,
    UNIQUE (owner_email, name)
);

CREATE TABLE IF NOT EXISTS assistant_shares (
    assistant_id INTEGER NOT NULL,
    user_email VARCHAR(255) NOT NULL,
    PRIMARY KEY (assistant_id, user_email)
);

CREATE TABLE IF NOT EXISTS kb_access (
    kb_id VARCHAR(255) NOT NULL,
    user_email VARCHAR(255) NOT NULL,
    level VARCHAR(50) NOT NULL DEFAULT 'shared',
    PRIMARY KEY (kb_id, user_email)
);

CREATE TABLE IF NOT EXISTS chats (
    id VARCHAR(36) PRIMARY KEY,
    user_id INTEGER NOT NULL,
    assistant_id INTEGER NOT NULL,
    title VARCHAR(255) NOT NULL,
    chat TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    archived BOOLEAN NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_users_email ON creator_users(email);
CREATE INDEX IF NOT EXISTS idx_assistants_owner ON assistants(owner_email);
CREATE INDEX IF NOT EXISTS idx_assistants_org ON assistants(organization_id);
CREATE INDEX IF NOT EXISTS idx_chats_user ON chats(user_id);
`

func New(db *sql.DB, dialect string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewFromConfig opens a pooled connection and initializes the schema.
func NewFromConfig(pool *config.DBPool, cfg *config.DatabaseConfig) (*Store, error) {
	db, err := pool.Get(cfg)
	if err != nil {
		return nil, err
	}
	return New(db, cfg.Driver)
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range strings.Split(createSchemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) Close() error {
	return s.db.Close()
}
