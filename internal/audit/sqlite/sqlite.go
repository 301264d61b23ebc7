package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/appforge/appforge-gateway/internal/audit"
)

// Recorder implements audit.Recorder backed by SQLite.
type Recorder struct {
	db *sql.DB
}

// New opens (or creates) a SQLite audit log at the given path.
func New(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	r := &Recorder{db: db}
	if err := r.initSchema(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	action TEXT NOT NULL,
	resource_type TEXT NOT NULL DEFAULT '',
	resource_id TEXT NOT NULL DEFAULT '',
	org_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL DEFAULT '',
	user_email TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT 'ok',
	metadata TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_audit_events_org_created ON audit_events(org_id, created_at DESC);
`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// Record inserts an audit event. A missing id or timestamp is filled in.
func (r *Recorder) Record(ctx context.Context, event audit.Event) error {
	if event.Action == "" {
		return errors.New("audit event requires action")
	}
	if event.OrgID == "" {
		return errors.New("audit event requires org id")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Outcome == "" {
		event.Outcome = audit.OutcomeOK
	}
	created := event.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	var metadata any
	if len(event.Metadata) > 0 {
		blob, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = string(blob)
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO audit_events(id, action, resource_type, resource_id, org_id, workspace_id, user_email, outcome, metadata, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.Action,
		event.ResourceType,
		event.ResourceID,
		event.OrgID,
		event.WorkspaceID,
		event.UserEmail,
		event.Outcome,
		metadata,
		created,
	)
	return err
}

// ListRecent returns the latest events for an org.
func (r *Recorder) ListRecent(ctx context.Context, orgID string, limit int) ([]audit.Event, error) {
	if orgID == "" {
		return nil, errors.New("org id required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, action, resource_type, resource_id, org_id, workspace_id, user_email, outcome, metadata, created_at
FROM audit_events
WHERE org_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var e audit.Event
		var metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.ResourceType, &e.ResourceID, &e.OrgID, &e.WorkspaceID, &e.UserEmail, &e.Outcome, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
