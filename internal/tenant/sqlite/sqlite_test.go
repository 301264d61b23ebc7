package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "tenant.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEnsureOrgAndWorkspace(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if err := store.EnsureWorkspace(ctx, "org-1", "ws-1"); err != nil {
		t.Fatalf("EnsureWorkspace: %v", err)
	}
	// Idempotent.
	if err := store.EnsureWorkspace(ctx, "org-1", "ws-1"); err != nil {
		t.Fatalf("EnsureWorkspace repeat: %v", err)
	}

	ok, err := store.WorkspaceInOrg(ctx, "org-1", "ws-1")
	if err != nil || !ok {
		t.Fatalf("WorkspaceInOrg: ok=%v err=%v", ok, err)
	}
	ok, err = store.WorkspaceInOrg(ctx, "org-2", "ws-1")
	if err != nil {
		t.Fatalf("WorkspaceInOrg cross-org: %v", err)
	}
	if ok {
		t.Fatalf("workspace must not resolve under a different org")
	}
}

func TestChatLifecycle(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if err := store.EnsureWorkspace(ctx, "org-1", "ws-1"); err != nil {
		t.Fatalf("EnsureWorkspace: %v", err)
	}
	chat, err := store.CreateChat(ctx, "org-1", "ws-1", "landing page")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if chat.ID == 0 {
		t.Fatalf("expected assigned chat id")
	}

	got, err := store.GetChat(ctx, chat.ID)
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	if got == nil || got.OrgID != "org-1" || got.WorkspaceID != "ws-1" || got.Title != "landing page" {
		t.Fatalf("unexpected chat %+v", got)
	}

	missing, err := store.GetChat(ctx, chat.ID+1000)
	if err != nil {
		t.Fatalf("GetChat missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown chat, got %+v", missing)
	}
}
