package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/appforge/appforge-gateway/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and
// connection pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}

	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	if idleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeMinutes) * time.Minute)
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
	id SERIAL PRIMARY KEY,
	uuid UUID NOT NULL DEFAULT gen_random_uuid(),
	org_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	chat_id BIGINT NOT NULL DEFAULT 0,
	request_id TEXT NOT NULL DEFAULT '',
	prompt_tokens BIGINT NOT NULL,
	completion_tokens BIGINT NOT NULL,
	direction TEXT NOT NULL CHECK(direction IN ('consume','credit')),
	memo TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	deleted_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_usage_entries_org_created ON usage_entries(org_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_usage_entries_deleted_at ON usage_entries(deleted_at) WHERE deleted_at IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_entries_uuid ON usage_entries(uuid);
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
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
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
WHERE org_id = $1 AND deleted_at IS NULL`, orgID)

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
WHERE org_id = $1 AND deleted_at IS NULL
ORDER BY created_at DESC, id DESC
LIMIT $2`, orgID, limit)
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
