package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"parley/internal/auth"
	"parley/internal/chat"
	"parley/internal/protocol"
	"parley/internal/registry"
	"parley/internal/storage"
)

var errForced = errors.New("forced failure")

// memoryStore backs the real services with in-memory state so handler tests
// exercise the full dispatch path without a database.
type memoryStore struct {
	mu          sync.Mutex
	users       map[string]*storage.User
	roomsByName map[string]int64
	pairs       map[[2]int64]int64
	messages    map[int64][]storage.HistoryItem
	nextID      int64
	failSaves   bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		users:       make(map[string]*storage.User),
		roomsByName: make(map[string]int64),
		pairs:       make(map[[2]int64]int64),
		messages:    make(map[int64][]storage.HistoryItem),
	}
}

func (m *memoryStore) FindByUsername(_ context.Context, username string) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[storage.NormalizeUsername(username)]
	if !ok {
		return nil, nil
	}
	copied := *u
	return &copied, nil
}

func (m *memoryStore) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	u, err := m.FindByUsername(ctx, username)
	return u != nil, err
}

func (m *memoryStore) Save(_ context.Context, user *storage.User) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := *user
	if saved.ID == 0 {
		m.nextID++
		saved.ID = m.nextID
	}
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = time.Now()
	}
	m.users[storage.NormalizeUsername(saved.Username)] = &saved
	return &saved, nil
}

func (m *memoryStore) FindRoomIDByName(_ context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomsByName[name], nil
}

func (m *memoryStore) CreateRoom(_ context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.roomsByName[name]; ok {
		return id, nil
	}
	m.nextID++
	m.roomsByName[name] = m.nextID
	return m.nextID, nil
}

func (m *memoryStore) CreateDirectRoom(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID, nil
}

func pairKey(a, b int64) [2]int64 {
	if a < b {
		return [2]int64{a, b}
	}
	return [2]int64{b, a}
}

func (m *memoryStore) FindDMRoomID(_ context.Context, a, b int64) (int64, error) {
	if a <= 0 || b <= 0 || a == b {
		return 0, storage.ValidationErrorf("bad pair")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pairs[pairKey(a, b)], nil
}

func (m *memoryStore) CreateDM(_ context.Context, a, b, roomID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(a, b)
	if existing, ok := m.pairs[key]; ok {
		return existing, nil
	}
	m.pairs[key] = roomID
	return roomID, nil
}

func (m *memoryStore) SaveMessage(_ context.Context, roomID, senderID int64, content string, sentAt time.Time) (int64, error) {
	m.mu.Lock()
	failing := m.failSaves
	m.mu.Unlock()
	if failing {
		return 0, storage.NewStorageError("save message", errForced)
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || len(trimmed) > 1000 {
		return 0, storage.ValidationErrorf("bad content")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	var sender string
	for _, u := range m.users {
		if u.ID == senderID {
			sender = u.Username
		}
	}
	m.messages[roomID] = append(m.messages[roomID], storage.HistoryItem{
		ID: m.nextID, RoomID: roomID, SenderID: senderID, SenderUsername: sender, Content: trimmed, SentAt: sentAt,
	})
	return m.nextID, nil
}

func (m *memoryStore) LoadHistory(_ context.Context, roomID int64, limit int) ([]storage.HistoryItem, error) {
	if limit < 1 {
		limit = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.messages[roomID]
	if len(items) > limit {
		items = items[:limit]
	}
	out := make([]storage.HistoryItem, len(items))
	copy(out, items)
	return out, nil
}

func (m *memoryStore) Upsert(_ context.Context, userID, roomID int64) error { return nil }

// messageCount reports how many messages a store holds in total.
func (m *memoryStore) messageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msgs := range m.messages {
		n += len(msgs)
	}
	return n
}

// testBackend bundles the real services over the memory store.
type testBackend struct {
	store    *memoryStore
	registry *registry.Registry
	auth     *auth.Service
	chat     *chat.Service
}

func newTestBackend() *testBackend {
	store := newMemoryStore()
	return &testBackend{
		store:    store,
		registry: registry.New(),
		auth:     auth.NewService(store, auth.NewPasswordHasher(1000)),
		chat:     chat.NewService(store, store, store, store, store, nil),
	}
}

// startServer runs a real TCP server over the backend and returns its
// address.
func startServer(t *testing.T, backend *testBackend) (*Server, string) {
	t.Helper()
	srv := New("127.0.0.1", 0, backend.registry, backend.auth, backend.chat)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("Server did not start in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv, srv.Addr().String()
}

// testClient is a line-oriented protocol client with a background reader.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	events chan *protocol.Envelope
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial server: %v", err)
	}

	c := &testClient{t: t, conn: conn, events: make(chan *protocol.Envelope, 64)}
	go func() {
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)
		for scanner.Scan() {
			env, err := protocol.Decode(scanner.Bytes())
			if err != nil {
				continue
			}
			c.events <- env
		}
		close(c.events)
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *testClient) sendRaw(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("Failed to write line: %v", err)
	}
}

func (c *testClient) send(msgType protocol.MessageType, payload any) {
	c.t.Helper()
	line, err := protocol.Encode(msgType, payload)
	if err != nil {
		c.t.Fatalf("Failed to encode %s: %v", msgType, err)
	}
	c.sendRaw(string(line))
}

// expect waits for the next envelope of the given type, failing on timeout
// and on any interleaved envelope of a different type.
func (c *testClient) expect(msgType protocol.MessageType) *protocol.Envelope {
	c.t.Helper()
	select {
	case env, ok := <-c.events:
		if !ok {
			c.t.Fatalf("Connection closed while waiting for %s", msgType)
		}
		if env.Type != msgType {
			c.t.Fatalf("Expected %s, got %s (%s)", msgType, env.Type, env.Data)
		}
		return env
	case <-time.After(5 * time.Second):
		c.t.Fatalf("Timed out waiting for %s", msgType)
	}
	return nil
}

// expectNone asserts no envelope arrives within the window.
func (c *testClient) expectNone(window time.Duration) {
	c.t.Helper()
	select {
	case env, ok := <-c.events:
		if ok {
			c.t.Fatalf("Expected silence, got %s (%s)", env.Type, env.Data)
		}
	case <-time.After(window):
	}
}

func (c *testClient) expectError(code string) {
	c.t.Helper()
	env := c.expect(protocol.TypeError)
	var payload protocol.ErrorPayload
	decodePayload(c.t, env, &payload)
	if payload.Code != code {
		c.t.Fatalf("Expected error code %s, got %s (%s)", code, payload.Code, payload.Message)
	}
}

// authenticate registers the user and consumes the welcome sequence
// (AUTH_RESPONSE, HISTORY_RESPONSE, own USER_PRESENCE).
func (c *testClient) authenticate(username, password string) {
	c.t.Helper()
	c.send(protocol.TypeAuthRequest, protocol.AuthRequest{Action: protocol.ActionRegister, Username: username, Password: password})
	c.expect(protocol.TypeAuthResponse)
	c.expect(protocol.TypeHistoryResponse)
	c.expect(protocol.TypeUserPresence)
}

// waitFor polls a condition until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func decodePayload(t *testing.T, env *protocol.Envelope, out any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("Failed to decode %s payload: %v", env.Type, err)
	}
}
