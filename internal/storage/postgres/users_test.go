package postgres

import (
	"context"
	"errors"
	"testing"

	"parley/internal/storage"
)

func TestUserStore_SaveInsert(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := SetupTestDB(t)
	defer testDB.Close()

	store := NewUserStore(testDB.Pool)
	ctx := context.Background()

	saved, err := store.Save(ctx, &storage.User{Username: "alice", PasswordHash: "hash1"})
	if err != nil {
		t.Fatalf("Failed to save user: %v", err)
	}
	if saved.ID == 0 {
		t.Error("Expected user ID to be assigned")
	}
	if saved.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be set")
	}
}

func TestUserStore_SaveRejectsBlank(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := SetupTestDB(t)
	defer testDB.Close()

	store := NewUserStore(testDB.Pool)
	ctx := context.Background()

	if _, err := store.Save(ctx, &storage.User{Username: "  ", PasswordHash: "hash"}); !errors.Is(err, storage.ErrValidation) {
		t.Errorf("Expected validation error for blank username, got %v", err)
	}
	if _, err := store.Save(ctx, &storage.User{Username: "alice", PasswordHash: ""}); !errors.Is(err, storage.ErrValidation) {
		t.Errorf("Expected validation error for blank hash, got %v", err)
	}
}

func TestUserStore_SaveDuplicateUsername(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := SetupTestDB(t)
	defer testDB.Close()

	store := NewUserStore(testDB.Pool)
	ctx := context.Background()

	if _, err := store.Save(ctx, &storage.User{Username: "alice", PasswordHash: "h"}); err != nil {
		t.Fatalf("Failed to save first user: %v", err)
	}
	_, err := store.Save(ctx, &storage.User{Username: "Alice", PasswordHash: "h"})
	if err == nil {
		t.Fatal("Expected error for case-insensitive duplicate username")
	}
	if !storage.IsStorageError(err) {
		t.Errorf("Expected a StorageError, got %v", err)
	}
}

func TestUserStore_FindByUsernameNormalizes(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := SetupTestDB(t)
	defer testDB.Close()

	store := NewUserStore(testDB.Pool)
	ctx := context.Background()

	if _, err := store.Save(ctx, &storage.User{Username: "alice", PasswordHash: "h"}); err != nil {
		t.Fatalf("Failed to save user: %v", err)
	}

	user, err := store.FindByUsername(ctx, "  ALICE  ")
	if err != nil {
		t.Fatalf("Failed to find user: %v", err)
	}
	if user == nil {
		t.Fatal("Expected to find user via normalized lookup")
	}
	if user.Username != "alice" {
		t.Errorf("Expected stored username 'alice', got %q", user.Username)
	}

	missing, err := store.FindByUsername(ctx, "ghost")
	if err != nil {
		t.Fatalf("Unexpected error for missing user: %v", err)
	}
	if missing != nil {
		t.Error("Expected nil for missing user")
	}

	empty, err := store.FindByUsername(ctx, "   ")
	if err != nil {
		t.Fatalf("Unexpected error for empty input: %v", err)
	}
	if empty != nil {
		t.Error("Expected nil for empty input")
	}
}

func TestUserStore_ExistsByUsername(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := SetupTestDB(t)
	defer testDB.Close()

	store := NewUserStore(testDB.Pool)
	ctx := context.Background()

	if _, err := store.Save(ctx, &storage.User{Username: "bob", PasswordHash: "h"}); err != nil {
		t.Fatalf("Failed to save user: %v", err)
	}

	exists, err := store.ExistsByUsername(ctx, "BOB")
	if err != nil {
		t.Fatalf("ExistsByUsername failed: %v", err)
	}
	if !exists {
		t.Error("Expected bob to exist")
	}

	exists, err = store.ExistsByUsername(ctx, "ghost")
	if err != nil {
		t.Fatalf("ExistsByUsername failed: %v", err)
	}
	if exists {
		t.Error("Expected ghost to not exist")
	}
}
