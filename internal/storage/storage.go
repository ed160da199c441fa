// Package storage defines the persistence contracts the chat core depends on.
// Implementations live in subpackages; the services only see these interfaces.
package storage

import (
	"context"
	"strings"
	"time"
)

// RoomType distinguishes public rooms from direct-message rooms.
type RoomType string

const (
	RoomTypePublic RoomType = "ROOM"
	RoomTypeDM     RoomType = "DM"
)

// DefaultRoomName is the implicit public room every user lands in.
const DefaultRoomName = "General"

// NormalizeUsername trims and lowercases a username. Every keyed lookup and
// every stored username goes through this so case never splits an identity.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// User is a persisted account row.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// ChatRoom is a persisted room row. DM rooms carry a synthetic name and are
// addressed through the direct_chat pairing, never by name.
type ChatRoom struct {
	ID        int64
	Name      string
	Type      RoomType
	CreatedAt time.Time
}

// HistoryItem is one message projected for history retrieval.
type HistoryItem struct {
	ID             int64
	RoomID         int64
	SenderID       int64
	SenderUsername string
	Content        string
	SentAt         time.Time
}

// UserRepository persists accounts. Lookups normalize the username (trim,
// lowercase) before matching; empty input never matches.
type UserRepository interface {
	FindByUsername(ctx context.Context, username string) (*User, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	// Save inserts when ID is zero (assigning ID and CreatedAt) and updates
	// otherwise. Blank username or hash is rejected with ErrValidation.
	Save(ctx context.Context, user *User) (*User, error)
}

// ChatRoomRepository persists rooms.
type ChatRoomRepository interface {
	// FindRoomIDByName looks up a public room; 0 with nil error means no match.
	FindRoomIDByName(ctx context.Context, name string) (int64, error)
	// CreateRoom is idempotent: an existing public room with the same name
	// wins, including when the insert loses a unique-constraint race.
	CreateRoom(ctx context.Context, name string) (int64, error)
	// CreateDirectRoom inserts a DM room with a synthetic name.
	CreateDirectRoom(ctx context.Context) (int64, error)
}

// DirectChatRepository persists the user pair behind each DM room. Pairs are
// stored ordered (min, max); both argument orders address the same pairing.
type DirectChatRepository interface {
	// FindDMRoomID returns 0 with nil error when no pairing exists.
	FindDMRoomID(ctx context.Context, userA, userB int64) (int64, error)
	// CreateDM binds roomID to the pair. When another writer won the pair
	// race, the existing room id is returned and the orphaned roomID is
	// reclaimed best-effort.
	CreateDM(ctx context.Context, userA, userB, roomID int64) (int64, error)
}

// MessageRepository persists the append-only message log.
type MessageRepository interface {
	SaveMessage(ctx context.Context, roomID, senderID int64, content string, sentAt time.Time) (int64, error)
	// LoadHistory returns up to max(1, limit) messages ascending by sent_at.
	LoadHistory(ctx context.Context, roomID int64, limit int) ([]HistoryItem, error)
}

// MemberRepository records room membership provenance. It is written off the
// hot path and never consulted for routing.
type MemberRepository interface {
	Upsert(ctx context.Context, userID, roomID int64) error
}
