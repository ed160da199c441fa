package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"parley/internal/storage"
)

const maxContentLength = 1000

// MessageStore handles message persistence in PostgreSQL.
type MessageStore struct {
	pool *pgxpool.Pool
}

// NewMessageStore creates a new PostgreSQL message store.
func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

var _ storage.MessageRepository = (*MessageStore)(nil)

// SaveMessage appends a message and returns its id. Content is trimmed
// before storing; both the ROOM and DM paths validate here so they produce
// identical errors.
func (s *MessageStore) SaveMessage(ctx context.Context, roomID, senderID int64, content string, sentAt time.Time) (int64, error) {
	if roomID <= 0 {
		return 0, storage.ValidationErrorf("room id must be positive")
	}
	if senderID <= 0 {
		return 0, storage.ValidationErrorf("sender id must be positive")
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return 0, storage.ValidationErrorf("content must not be blank")
	}
	if len(trimmed) > maxContentLength {
		return 0, storage.ValidationErrorf("content exceeds %d characters", maxContentLength)
	}
	if sentAt.IsZero() {
		return 0, storage.ValidationErrorf("sent time must be set")
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO message (chat_room_id, sender_id, content, sent_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, roomID, senderID, trimmed, sentAt).Scan(&id)
	if err != nil {
		return 0, storage.NewStorageError("save message", err)
	}
	return id, nil
}

// LoadHistory returns up to max(1, limit) messages for the room in ascending
// sent_at order, each carrying the sender's username.
func (s *MessageStore) LoadHistory(ctx context.Context, roomID int64, limit int) ([]storage.HistoryItem, error) {
	if limit < 1 {
		limit = 1
	}

	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.chat_room_id, m.sender_id, u.username, m.content, m.sent_at
		FROM message m
		JOIN users u ON u.id = m.sender_id
		WHERE m.chat_room_id = $1
		ORDER BY m.sent_at ASC, m.id ASC
		LIMIT $2
	`, roomID, limit)
	if err != nil {
		return nil, storage.NewStorageError("load history", err)
	}
	defer rows.Close()

	var items []storage.HistoryItem
	for rows.Next() {
		var item storage.HistoryItem
		if err := rows.Scan(&item.ID, &item.RoomID, &item.SenderID, &item.SenderUsername, &item.Content, &item.SentAt); err != nil {
			return nil, storage.NewStorageError("load history", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.NewStorageError("load history", err)
	}
	return items, nil
}
