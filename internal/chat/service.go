// Package chat persists room and direct messages and serves history.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"parley/internal/storage"
)

// ErrUserNotFound marks a message addressed to or from an account that does
// not exist. It travels wrapped in a StorageError so storage matching still
// works, but the handler can report it without killing the session.
var ErrUserNotFound = errors.New("user not found")

// Message is one delivered or replayed message. Room is set for public room
// traffic, To for direct traffic; never both.
type Message struct {
	Room    string
	From    string
	To      string
	Content string
	SentAt  time.Time
}

// TaskRunner submits fire-and-forget background work. The pond pool
// satisfies it in production; tests pass a synchronous stub.
type TaskRunner interface {
	Submit(task func())
}

// synchronousRunner runs tasks inline when no pool is supplied.
type synchronousRunner struct{}

func (synchronousRunner) Submit(task func()) { task() }

// Service coordinates the repositories behind room and DM messaging.
type Service struct {
	users    storage.UserRepository
	rooms    storage.ChatRoomRepository
	direct   storage.DirectChatRepository
	messages storage.MessageRepository
	members  storage.MemberRepository
	tasks    TaskRunner
}

// NewService creates a chat service. runner may be nil, in which case
// provenance writes happen inline.
func NewService(
	users storage.UserRepository,
	rooms storage.ChatRoomRepository,
	direct storage.DirectChatRepository,
	messages storage.MessageRepository,
	members storage.MemberRepository,
	runner TaskRunner,
) *Service {
	if runner == nil {
		runner = synchronousRunner{}
	}
	return &Service{
		users:    users,
		rooms:    rooms,
		direct:   direct,
		messages: messages,
		members:  members,
		tasks:    runner,
	}
}

func normalizeRoom(room string) string {
	room = strings.TrimSpace(room)
	if room == "" {
		return storage.DefaultRoomName
	}
	return room
}

// resolveUser looks up a user and converts absence into a storage error:
// a message charged to a missing account is a data problem, not bad input.
func (s *Service) resolveUser(ctx context.Context, username string) (*storage.User, error) {
	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, storage.NewStorageError("resolve user", fmt.Errorf("%w: %q", ErrUserNotFound, storage.NormalizeUsername(username)))
	}
	return user, nil
}

// recordMembership writes user_chat_room provenance off the hot path.
func (s *Service) recordMembership(userID, roomID int64) {
	s.tasks.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.members.Upsert(ctx, userID, roomID); err != nil {
			slog.Debug("membership provenance write failed", "user_id", userID, "room_id", roomID, "error", err)
		}
	})
}

// PostToRoom persists a public room message, creating the room on first
// reference. A blank room means the default room.
func (s *Service) PostToRoom(ctx context.Context, room, fromUser, content string, sentAt time.Time) (*Message, error) {
	name := normalizeRoom(room)

	roomID, err := s.rooms.CreateRoom(ctx, name)
	if err != nil {
		return nil, err
	}
	sender, err := s.resolveUser(ctx, fromUser)
	if err != nil {
		return nil, err
	}
	if sentAt.IsZero() {
		sentAt = time.Now()
	}

	if _, err := s.messages.SaveMessage(ctx, roomID, sender.ID, content, sentAt); err != nil {
		return nil, err
	}
	s.recordMembership(sender.ID, roomID)

	return &Message{
		Room:    name,
		From:    sender.Username,
		Content: strings.TrimSpace(content),
		SentAt:  sentAt,
	}, nil
}

// PostDirect persists a direct message, creating the DM room and pairing on
// the first exchange between the two users.
func (s *Service) PostDirect(ctx context.Context, fromUser, toUser, content string, sentAt time.Time) (*Message, error) {
	sender, err := s.resolveUser(ctx, fromUser)
	if err != nil {
		return nil, err
	}
	recipient, err := s.resolveUser(ctx, toUser)
	if err != nil {
		return nil, err
	}

	roomID, err := s.ensureDirectRoom(ctx, sender.ID, recipient.ID)
	if err != nil {
		return nil, err
	}
	if sentAt.IsZero() {
		sentAt = time.Now()
	}

	if _, err := s.messages.SaveMessage(ctx, roomID, sender.ID, content, sentAt); err != nil {
		return nil, err
	}
	s.recordMembership(sender.ID, roomID)
	s.recordMembership(recipient.ID, roomID)

	return &Message{
		From:    sender.Username,
		To:      recipient.Username,
		Content: strings.TrimSpace(content),
		SentAt:  sentAt,
	}, nil
}

// ensureDirectRoom returns the DM room for the pair, creating room and
// pairing when missing. A lost creation race resolves to the winner's room;
// CreateDM reclaims the loser's orphan.
func (s *Service) ensureDirectRoom(ctx context.Context, a, b int64) (int64, error) {
	roomID, err := s.direct.FindDMRoomID(ctx, a, b)
	if err != nil || roomID != 0 {
		return roomID, err
	}

	created, err := s.rooms.CreateDirectRoom(ctx)
	if err != nil {
		return 0, err
	}
	return s.direct.CreateDM(ctx, a, b, created)
}

// GetRoomHistory replays a public room, creating it on first reference to
// match posting semantics.
func (s *Service) GetRoomHistory(ctx context.Context, room string, limit int) ([]Message, error) {
	name := normalizeRoom(room)

	roomID, err := s.rooms.CreateRoom(ctx, name)
	if err != nil {
		return nil, err
	}

	items, err := s.messages.LoadHistory(ctx, roomID, limit)
	if err != nil {
		return nil, err
	}

	out := make([]Message, len(items))
	for i, item := range items {
		out[i] = Message{
			Room:    name,
			From:    item.SenderUsername,
			Content: item.Content,
			SentAt:  item.SentAt,
		}
	}
	return out, nil
}

// GetDirectHistory replays the DM thread between two users. No pairing yet
// means an empty history, not an error.
func (s *Service) GetDirectHistory(ctx context.Context, userA, userB string, limit int) ([]Message, error) {
	a, err := s.resolveUser(ctx, userA)
	if err != nil {
		return nil, err
	}
	b, err := s.resolveUser(ctx, userB)
	if err != nil {
		return nil, err
	}

	roomID, err := s.direct.FindDMRoomID(ctx, a.ID, b.ID)
	if err != nil {
		if errors.Is(err, storage.ErrValidation) {
			// Self-DM and the like: nothing to replay.
			return []Message{}, nil
		}
		return nil, err
	}
	if roomID == 0 {
		return []Message{}, nil
	}

	items, err := s.messages.LoadHistory(ctx, roomID, limit)
	if err != nil {
		return nil, err
	}

	out := make([]Message, len(items))
	for i, item := range items {
		to := a.Username
		if item.SenderID == a.ID {
			to = b.Username
		}
		out[i] = Message{
			From:    item.SenderUsername,
			To:      to,
			Content: item.Content,
			SentAt:  item.SentAt,
		}
	}
	return out, nil
}
