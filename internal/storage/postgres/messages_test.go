package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"parley/internal/storage"
)

func TestMessageStore_SaveAndLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := SetupTestDB(t)
	defer testDB.Close()

	rooms := NewRoomStore(testDB.Pool)
	messages := NewMessageStore(testDB.Pool)
	ctx := context.Background()

	alice := mustCreateUser(t, testDB.Pool, "alice")
	roomID, err := rooms.CreateRoom(ctx, "General")
	if err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, content := range []string{"first", "second", "third"} {
		if _, err := messages.SaveMessage(ctx, roomID, alice, content, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("Failed to save message %d: %v", i, err)
		}
	}

	items, err := messages.LoadHistory(ctx, roomID, 10)
	if err != nil {
		t.Fatalf("Failed to load history: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(items))
	}
	for i, want := range []string{"first", "second", "third"} {
		if items[i].Content != want {
			t.Errorf("Message %d: expected %q, got %q", i, want, items[i].Content)
		}
		if items[i].SenderUsername != "alice" {
			t.Errorf("Message %d: expected sender alice, got %q", i, items[i].SenderUsername)
		}
	}
}

func TestMessageStore_SaveTrimsContent(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := SetupTestDB(t)
	defer testDB.Close()

	rooms := NewRoomStore(testDB.Pool)
	messages := NewMessageStore(testDB.Pool)
	ctx := context.Background()

	alice := mustCreateUser(t, testDB.Pool, "alice")
	roomID, err := rooms.CreateRoom(ctx, "General")
	if err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}

	if _, err := messages.SaveMessage(ctx, roomID, alice, "  hello  ", time.Now()); err != nil {
		t.Fatalf("Failed to save message: %v", err)
	}

	items, err := messages.LoadHistory(ctx, roomID, 1)
	if err != nil {
		t.Fatalf("Failed to load history: %v", err)
	}
	if items[0].Content != "hello" {
		t.Errorf("Expected trimmed content, got %q", items[0].Content)
	}
}

func TestMessageStore_SaveValidation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := SetupTestDB(t)
	defer testDB.Close()

	messages := NewMessageStore(testDB.Pool)
	ctx := context.Background()
	now := time.Now()

	cases := []struct {
		name     string
		roomID   int64
		senderID int64
		content  string
		sentAt   time.Time
	}{
		{"zero room", 0, 1, "hi", now},
		{"zero sender", 1, 0, "hi", now},
		{"blank content", 1, 1, "   ", now},
		{"oversize content", 1, 1, strings.Repeat("a", 1001), now},
		{"zero time", 1, 1, "hi", time.Time{}},
	}
	for _, tc := range cases {
		if _, err := messages.SaveMessage(ctx, tc.roomID, tc.senderID, tc.content, tc.sentAt); !errors.Is(err, storage.ErrValidation) {
			t.Errorf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestMessageStore_LoadHistoryLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := SetupTestDB(t)
	defer testDB.Close()

	rooms := NewRoomStore(testDB.Pool)
	messages := NewMessageStore(testDB.Pool)
	ctx := context.Background()

	alice := mustCreateUser(t, testDB.Pool, "alice")
	roomID, err := rooms.CreateRoom(ctx, "General")
	if err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if _, err := messages.SaveMessage(ctx, roomID, alice, "msg", base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("Failed to save message: %v", err)
		}
	}

	items, err := messages.LoadHistory(ctx, roomID, 2)
	if err != nil {
		t.Fatalf("Failed to load history: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("Expected 2 messages, got %d", len(items))
	}

	// A non-positive limit is clamped to one, not treated as unlimited.
	items, err = messages.LoadHistory(ctx, roomID, 0)
	if err != nil {
		t.Fatalf("Failed to load history: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("Expected 1 message for limit 0, got %d", len(items))
	}
}
