package repository

import (
	"context"
	"testing"

	"workspace-im/internal/model"
	"workspace-im/internal/testutil"
)

func TestUserRepositoryScopedByWorkspace(t *testing.T) {
	gdb := testutil.NewDB(t)
	repo := NewUserRepository(gdb)
	ctx := context.Background()

	testutil.SeedUser(t, gdb, "ws-1", "u1", "alice", model.RoleAgent)
	testutil.SeedUser(t, gdb, "ws-2", "u1", "alice", model.RoleOwner)
	testutil.SeedUser(t, gdb, "ws-1", "u2", "bob", model.RoleMember)

	u, err := repo.GetByID(ctx, "ws-2", "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u.Role != model.RoleOwner {
		t.Fatalf("expected the ws-2 profile, got %s", u.Role)
	}
	if _, err := repo.GetByID(ctx, "ws-2", "u2"); err != ErrUserNotFound {
		t.Fatalf("expected not found across workspaces, got %v", err)
	}

	users, err := repo.ListByUsernames(ctx, "ws-1", []string{"alice", "bob", "nobody"})
	if err != nil {
		t.Fatalf("list by usernames: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
}

func TestUserRepositoryUpsert(t *testing.T) {
	repo := NewUserRepository(testutil.NewDB(t))
	ctx := context.Background()

	if err := repo.Upsert(ctx, &model.User{ID: "u1", WorkspaceID: "ws-1", Username: "alice", Role: model.RoleMember}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.Upsert(ctx, &model.User{ID: "u1", WorkspaceID: "ws-1", Username: "alice", DisplayName: "Alice", Role: model.RoleAdmin}); err != nil {
		t.Fatalf("update: %v", err)
	}

	u, err := repo.GetByID(ctx, "ws-1", "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u.Role != model.RoleAdmin || u.Name() != "Alice" {
		t.Fatalf("expected updated profile, got %+v", u)
	}
}
