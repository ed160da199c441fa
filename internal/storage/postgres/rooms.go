package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"parley/internal/storage"
)

// RoomStore handles chat room persistence in PostgreSQL.
type RoomStore struct {
	pool *pgxpool.Pool
}

// NewRoomStore creates a new PostgreSQL room store.
func NewRoomStore(pool *pgxpool.Pool) *RoomStore {
	return &RoomStore{pool: pool}
}

var _ storage.ChatRoomRepository = (*RoomStore)(nil)

// FindRoomIDByName looks up a public room by name. Returns 0 with no error
// when no such room exists.
func (s *RoomStore) FindRoomIDByName(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM chat_room WHERE name = $1 AND room_type = 'ROOM'
	`, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storage.NewStorageError("find room by name", err)
	}
	return id, nil
}

// CreateRoom creates a public room, or returns the existing room's id when
// the name is already taken. A concurrent creator winning the unique index
// race resolves the same way: re-read and return the winner's id.
func (s *RoomStore) CreateRoom(ctx context.Context, name string) (int64, error) {
	if strings.TrimSpace(name) == "" {
		return 0, storage.ValidationErrorf("room name must not be blank")
	}

	if id, err := s.FindRoomIDByName(ctx, name); err != nil || id != 0 {
		return id, err
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO chat_room (name, room_type)
		VALUES ($1, 'ROOM')
		ON CONFLICT (name) WHERE room_type = 'ROOM' DO NOTHING
		RETURNING id
	`, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the race; the conflicting row is the room we wanted.
		id, err = s.FindRoomIDByName(ctx, name)
		if err != nil {
			return 0, err
		}
		if id == 0 {
			return 0, storage.NewStorageError("create room", errors.New("room vanished after conflict"))
		}
		return id, nil
	}
	if err != nil {
		return 0, storage.NewStorageError("create room", err)
	}
	return id, nil
}

// CreateDirectRoom inserts a DM room. The name is synthetic and never shown;
// it only has to be unique enough not to collide in the table.
func (s *RoomStore) CreateDirectRoom(ctx context.Context) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO chat_room (name, room_type)
		VALUES ($1, 'DM')
		RETURNING id
	`, "dm-"+uuid.New().String()).Scan(&id)
	if err != nil {
		return 0, storage.NewStorageError("create direct room", err)
	}
	return id, nil
}
