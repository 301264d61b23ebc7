// Package tenant scopes streaming work to an org/workspace pair and owns
// chat existence checks. Every stream runs inside exactly one tenant
// Context; nothing downstream re-checks identity.
package tenant

import (
	"context"
	"net/http"
	"time"
)

// Context identifies the tenant a stream runs under.
type Context struct {
	OrgID       string
	WorkspaceID string
	UserEmail   string
}

// Chat is a persisted conversation within a workspace.
type Chat struct {
	ID          int64
	OrgID       string
	WorkspaceID string
	Title       string
	CreatedAt   time.Time
}

// ScopeError is a tenant resolution failure carrying the HTTP status it maps
// to on the chunked transport. The websocket transport reports only Message.
type ScopeError struct {
	Status  int
	Message string
}

func (e *ScopeError) Error() string { return e.Message }

func unauthorized(msg string) *ScopeError {
	return &ScopeError{Status: http.StatusUnauthorized, Message: msg}
}

func forbidden(msg string) *ScopeError {
	return &ScopeError{Status: http.StatusForbidden, Message: msg}
}

func notFound(msg string) *ScopeError {
	return &ScopeError{Status: http.StatusNotFound, Message: msg}
}

// Store persists orgs, workspaces and chats.
type Store interface {
	EnsureOrg(ctx context.Context, orgID string) error
	EnsureWorkspace(ctx context.Context, orgID, workspaceID string) error
	WorkspaceInOrg(ctx context.Context, orgID, workspaceID string) (bool, error)
	CreateChat(ctx context.Context, orgID, workspaceID, title string) (*Chat, error)
	GetChat(ctx context.Context, chatID int64) (*Chat, error)
	Close() error
}
