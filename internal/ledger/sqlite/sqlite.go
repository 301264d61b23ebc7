package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/appforge/appforge-gateway/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
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
CREATE TABLE IF NOT EXISTS usage_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	org_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	chat_id INTEGER NOT NULL DEFAULT 0,
	request_id TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	direction TEXT NOT NULL CHECK(direction IN ('consume','credit')),
	memo TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_entries_org_created ON usage_entries(org_id, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a new usage entry.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	if entry.OrgID == "" {
		return errors.New("ledger record requires org id")
	}
	if entry.Direction != ledger.DirectionConsume && entry.Direction != ledger.DirectionCredit {
		return fmt.Errorf("invalid direction %q", entry.Direction)
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_entries(org_id, workspace_id, chat_id, request_id, prompt_tokens, completion_tokens, direction, memo, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.OrgID,
		entry.WorkspaceID,
		entry.ChatID,
		entry.RequestID,
		entry.PromptTokens,
		entry.CompletionTokens,
		string(entry.Direction),
		entry.Memo,
		created,
	)
	return err
}

// Summary returns aggregated usage for the given org.
func (s *Store) Summary(ctx context.Context, orgID string) (ledger.Summary, error) {
	if orgID == "" {
		return ledger.Summary{}, errors.New("org id required")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT
	COALESCE(SUM(CASE WHEN direction='consume' THEN prompt_tokens + completion_tokens ELSE 0 END), 0) AS consumed,
	COALESCE(SUM(CASE WHEN direction='credit' THEN prompt_tokens + completion_tokens ELSE 0 END), 0) AS credited
FROM usage_entries
WHERE org_id = ?`, orgID)

	var consumed, credited sql.NullInt64
	if err := row.Scan(&consumed, &credited); err != nil {
		return ledger.Summary{}, err
	}
	summary := ledger.Summary{
		ConsumedTokens: consumed.Int64,
		CreditedTokens: credited.Int64,
	}
	summary.NetTokens = summary.ConsumedTokens - summary.CreditedTokens
	return summary, nil
}

// ListRecent returns the latest entries for an org.
func (s *Store) ListRecent(ctx context.Context, orgID string, limit int) ([]ledger.Entry, error) {
	if orgID == "" {
		return nil, errors.New("org id required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, org_id, workspace_id, chat_id, request_id, prompt_tokens, completion_tokens, direction, memo, created_at
FROM usage_entries
WHERE org_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var direction string
		if err := rows.Scan(&e.ID, &e.OrgID, &e.WorkspaceID, &e.ChatID, &e.RequestID, &e.PromptTokens, &e.CompletionTokens, &direction, &e.Memo, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Direction = ledger.Direction(direction)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
