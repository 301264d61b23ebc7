package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/appforge/appforge-gateway/internal/tenant"
)

// Store implements tenant.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite tenant store at the supplied path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create tenant directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS organizations (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS workspaces (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS chats (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
	title TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_workspaces_org ON workspaces(organization_id);
CREATE INDEX IF NOT EXISTS idx_chats_workspace ON chats(workspace_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureOrg creates the org row if it does not exist.
func (s *Store) EnsureOrg(ctx context.Context, orgID string) error {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return fmt.Errorf("org id required")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO organizations(id) VALUES(?) ON CONFLICT(id) DO NOTHING`, orgID)
	return err
}

// EnsureWorkspace creates the workspace row under the org if it does not exist.
func (s *Store) EnsureWorkspace(ctx context.Context, orgID, workspaceID string) error {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return fmt.Errorf("workspace id required")
	}
	if err := s.EnsureOrg(ctx, orgID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces(id, organization_id) VALUES(?, ?) ON CONFLICT(id) DO NOTHING`,
		workspaceID, strings.TrimSpace(orgID))
	return err
}

// WorkspaceInOrg reports whether the workspace exists and belongs to the org.
func (s *Store) WorkspaceInOrg(ctx context.Context, orgID, workspaceID string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM workspaces WHERE id = ? AND organization_id = ?`,
		workspaceID, orgID)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateChat inserts a chat scoped to the workspace.
func (s *Store) CreateChat(ctx context.Context, orgID, workspaceID, title string) (*tenant.Chat, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chats(organization_id, workspace_id, title) VALUES(?, ?, ?)`,
		orgID, workspaceID, title)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &tenant.Chat{
		ID:          id,
		OrgID:       orgID,
		WorkspaceID: workspaceID,
		Title:       title,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// GetChat returns the chat by id, or nil when absent.
func (s *Store) GetChat(ctx context.Context, chatID int64) (*tenant.Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, workspace_id, title, created_at FROM chats WHERE id = ? LIMIT 1`,
		chatID)
	var c tenant.Chat
	var createdAt time.Time
	if err := row.Scan(&c.ID, &c.OrgID, &c.WorkspaceID, &c.Title, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	c.CreatedAt = createdAt
	return &c, nil
}
