package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"parley/internal/storage"
)

// DirectChatStore handles DM pairing persistence in PostgreSQL.
type DirectChatStore struct {
	pool *pgxpool.Pool
}

// NewDirectChatStore creates a new PostgreSQL direct chat store.
func NewDirectChatStore(pool *pgxpool.Pool) *DirectChatStore {
	return &DirectChatStore{pool: pool}
}

var _ storage.DirectChatRepository = (*DirectChatStore)(nil)

func orderPair(a, b int64) (int64, int64) {
	if a < b {
		return a, b
	}
	return b, a
}

func validatePair(a, b int64) error {
	if a <= 0 || b <= 0 {
		return storage.ValidationErrorf("user ids must be positive")
	}
	if a == b {
		return storage.ValidationErrorf("cannot pair a user with themselves")
	}
	return nil
}

// FindDMRoomID returns the DM room bound to the pair, in either argument
// order. 0 with no error means the pairing does not exist yet.
func (s *DirectChatStore) FindDMRoomID(ctx context.Context, userA, userB int64) (int64, error) {
	if err := validatePair(userA, userB); err != nil {
		return 0, err
	}
	low, high := orderPair(userA, userB)

	var roomID int64
	err := s.pool.QueryRow(ctx, `
		SELECT chat_room_id FROM direct_chat
		WHERE user_low_id = $1 AND user_high_id = $2
	`, low, high).Scan(&roomID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storage.NewStorageError("find dm room", err)
	}
	return roomID, nil
}

// CreateDM binds a pre-created DM room to the ordered pair. When another
// writer already bound the pair, the winner's room id is returned and the
// now-orphaned roomID is deleted best-effort (it is unreachable anyway, no
// pairing references it).
func (s *DirectChatStore) CreateDM(ctx context.Context, userA, userB, roomID int64) (int64, error) {
	if err := validatePair(userA, userB); err != nil {
		return 0, err
	}
	if roomID <= 0 {
		return 0, storage.ValidationErrorf("room id must be positive")
	}
	low, high := orderPair(userA, userB)

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO direct_chat (chat_room_id, user_low_id, user_high_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_low_id, user_high_id) DO NOTHING
	`, roomID, low, high)
	if err != nil {
		return 0, storage.NewStorageError("create dm pairing", err)
	}
	if tag.RowsAffected() > 0 {
		return roomID, nil
	}

	existing, err := s.FindDMRoomID(ctx, low, high)
	if err != nil {
		return 0, err
	}
	if existing == 0 {
		return 0, storage.NewStorageError("create dm pairing", errors.New("pairing vanished after conflict"))
	}

	if existing != roomID {
		if _, err := s.pool.Exec(ctx, `
			DELETE FROM chat_room WHERE id = $1 AND room_type = 'DM'
		`, roomID); err != nil {
			slog.Warn("failed to reclaim orphan dm room", "room_id", roomID, "error", err)
		}
	}
	return existing, nil
}
