// Package audit records tenant-visible actions taken by the streaming layer.
// Writes are fire-and-forget from the caller's point of view: a failed audit
// write is logged but never fails the stream that triggered it.
package audit

import (
	"context"
	"time"
)

// Actions recorded by the session layer.
const (
	ActionStreamStart  = "stream.start"
	ActionStreamCancel = "stream.cancel"
	ActionStreamEnd    = "stream.end"
)

// Outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeDenied = "denied"
	OutcomeError  = "error"
)

// Event is a single audit record.
type Event struct {
	ID           string         `json:"id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	OrgID        string         `json:"org_id"`
	WorkspaceID  string         `json:"workspace_id"`
	UserEmail    string         `json:"user_email"`
	Outcome      string         `json:"outcome"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, event Event) error
	ListRecent(ctx context.Context, orgID string, limit int) ([]Event, error)
	Close() error
}
