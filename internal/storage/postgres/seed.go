package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"parley/internal/storage"
)

// PasswordHasher is the credential hashing dependency the seeder needs.
type PasswordHasher interface {
	Hash(plain string) (string, error)
}

// Seeder prepares baseline data. EnsureDefaults runs in every environment;
// the demo accounts only exist in dev.
type Seeder struct {
	users   *UserStore
	rooms   *RoomStore
	members *MemberStore
	hasher  PasswordHasher
}

// NewSeeder creates a Seeder over the given stores.
func NewSeeder(users *UserStore, rooms *RoomStore, members *MemberStore, hasher PasswordHasher) *Seeder {
	return &Seeder{users: users, rooms: rooms, members: members, hasher: hasher}
}

// EnsureDefaults makes sure the implicit public room exists.
func (s *Seeder) EnsureDefaults(ctx context.Context) error {
	_, err := s.rooms.CreateRoom(ctx, storage.DefaultRoomName)
	if err != nil {
		return fmt.Errorf("ensure default room: %w", err)
	}
	return nil
}

// SeedDev inserts demo accounts and joins them to the default room. Existing
// accounts are left untouched, so reruns are harmless.
func (s *Seeder) SeedDev(ctx context.Context) error {
	roomID, err := s.rooms.CreateRoom(ctx, storage.DefaultRoomName)
	if err != nil {
		return fmt.Errorf("seed default room: %w", err)
	}

	demo := []struct{ username, password string }{
		{"alice", "alice123"},
		{"bob", "bob12345"},
	}

	for _, d := range demo {
		exists, err := s.users.ExistsByUsername(ctx, d.username)
		if err != nil {
			return fmt.Errorf("seed user %s: %w", d.username, err)
		}
		if exists {
			continue
		}

		hash, err := s.hasher.Hash(d.password)
		if err != nil {
			return fmt.Errorf("seed user %s: %w", d.username, err)
		}
		saved, err := s.users.Save(ctx, &storage.User{Username: d.username, PasswordHash: hash})
		if err != nil {
			return fmt.Errorf("seed user %s: %w", d.username, err)
		}
		if err := s.members.Upsert(ctx, saved.ID, roomID); err != nil {
			return fmt.Errorf("seed membership %s: %w", d.username, err)
		}
		slog.Info("seeded demo user", "username", d.username)
	}
	return nil
}
