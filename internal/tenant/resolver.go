package tenant

import (
	"context"
	"fmt"

	"github.com/appforge/appforge-gateway/internal/auth"
)

// Resolver validates a session token against the org/workspace a client
// asserts and checks chat scope. With auth disabled it trusts the asserted
// identifiers and lazily creates the org and workspace rows, which keeps
// local development free of token plumbing.
type Resolver struct {
	store    Store
	auth     *auth.Manager
	disabled bool
}

// NewResolver creates a Resolver. mgr may be nil only when disabled is true.
func NewResolver(store Store, mgr *auth.Manager, disabled bool) *Resolver {
	if !disabled && mgr == nil {
		panic("tenant resolver requires an auth manager unless disabled")
	}
	return &Resolver{store: store, auth: mgr, disabled: disabled}
}

// ResolveContext produces the tenant Context a stream will run under, or a
// ScopeError when the token and the asserted identifiers disagree.
func (r *Resolver) ResolveContext(ctx context.Context, token, orgID, workspaceID string) (Context, error) {
	if r.disabled {
		if err := r.store.EnsureOrg(ctx, orgID); err != nil {
			return Context{}, fmt.Errorf("ensure org: %w", err)
		}
		if err := r.store.EnsureWorkspace(ctx, orgID, workspaceID); err != nil {
			return Context{}, fmt.Errorf("ensure workspace: %w", err)
		}
		return Context{OrgID: orgID, WorkspaceID: workspaceID, UserEmail: "dev@local"}, nil
	}

	if token == "" {
		return Context{}, unauthorized("missing session token")
	}
	claims, err := r.auth.ValidateToken(token)
	if err != nil {
		return Context{}, unauthorized("invalid session token")
	}
	if claims.OrgID != orgID {
		return Context{}, forbidden("token is not valid for this organization")
	}
	if claims.WorkspaceID != workspaceID {
		return Context{}, forbidden("token is not valid for this workspace")
	}
	ok, err := r.store.WorkspaceInOrg(ctx, orgID, workspaceID)
	if err != nil {
		return Context{}, fmt.Errorf("check workspace scope: %w", err)
	}
	if !ok {
		return Context{}, notFound("workspace not found")
	}
	return Context{OrgID: orgID, WorkspaceID: workspaceID, UserEmail: claims.Email}, nil
}

// EnsureChat verifies the chat exists and belongs to the tenant. A chat in a
// different workspace is reported as not found rather than forbidden so
// clients cannot probe for chat ids across tenants.
func (r *Resolver) EnsureChat(ctx context.Context, tctx Context, chatID int64) (*Chat, error) {
	chat, err := r.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	if chat == nil || chat.OrgID != tctx.OrgID || chat.WorkspaceID != tctx.WorkspaceID {
		return nil, notFound(fmt.Sprintf("chat %d not found", chatID))
	}
	return chat, nil
}
