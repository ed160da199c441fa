package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"parley/internal/storage"
)

// MemberStore records room membership provenance in PostgreSQL. It is
// written off the hot path; nothing in message routing reads it.
type MemberStore struct {
	pool *pgxpool.Pool
}

// NewMemberStore creates a new PostgreSQL member store.
func NewMemberStore(pool *pgxpool.Pool) *MemberStore {
	return &MemberStore{pool: pool}
}

var _ storage.MemberRepository = (*MemberStore)(nil)

// Upsert records that a user belongs to a room. Re-recording is a no-op.
func (s *MemberStore) Upsert(ctx context.Context, userID, roomID int64) error {
	if userID <= 0 || roomID <= 0 {
		return storage.ValidationErrorf("ids must be positive")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_chat_room (user_id, chat_room_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, chat_room_id) DO NOTHING
	`, userID, roomID)
	if err != nil {
		return storage.NewStorageError("upsert membership", err)
	}
	return nil
}
