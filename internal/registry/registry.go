// Package registry tracks live client connections and fans events out to
// them. It is the only mutable state shared between connection handlers.
package registry

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"parley/internal/protocol"
)

// LineWriter is the outbound sink for one client: a single framed line per
// call. Implementations do not need to be concurrency-safe; the registry
// serializes writes per client.
type LineWriter interface {
	WriteLine(data []byte) error
}

// client is one live connection. The mutex serializes writes to the sink so
// concurrent senders never interleave a line.
type client struct {
	id       int64
	writer   LineWriter
	username string

	writeMu sync.Mutex
}

func (c *client) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writer.WriteLine(data)
}

// Registry is a concurrent map of connected clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[int64]*client
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{clients: make(map[int64]*client)}
}

// Add registers a connection. The username stays empty until authentication
// binds one.
func (r *Registry) Add(clientID int64, writer LineWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[clientID] = &client{id: clientID, writer: writer}
}

// Remove drops a connection. Sends to the id become no-ops afterwards.
func (r *Registry) Remove(clientID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, clientID)
}

// BindUsername attaches the authenticated identity to a connection.
func (r *Registry) BindUsername(clientID int64, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[clientID]; ok {
		c.username = username
	}
}

// Broadcast serializes the event once and delivers it to every client. A
// failed recipient is evicted; no failure touches the other recipients.
func (r *Registry) Broadcast(msgType protocol.MessageType, payload any) {
	r.broadcast(0, msgType, payload)
}

// BroadcastExcept is Broadcast minus one client.
func (r *Registry) BroadcastExcept(excludeID int64, msgType protocol.MessageType, payload any) {
	r.broadcast(excludeID, msgType, payload)
}

func (r *Registry) broadcast(excludeID int64, msgType protocol.MessageType, payload any) {
	line, err := protocol.Encode(msgType, payload)
	if err != nil {
		slog.Error("broadcast encode failed", "type", msgType, "error", err)
		return
	}

	for _, c := range r.snapshot() {
		if c.id == excludeID {
			continue
		}
		if err := c.send(line); err != nil {
			slog.Debug("evicting client after failed send", "client_id", c.id, "error", err)
			r.Remove(c.id)
		}
	}
}

// SendToClient delivers one event; false when the client is absent or the
// write fails (the client is evicted on failure).
func (r *Registry) SendToClient(clientID int64, msgType protocol.MessageType, payload any) bool {
	r.mu.RLock()
	c, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	line, err := protocol.Encode(msgType, payload)
	if err != nil {
		slog.Error("send encode failed", "type", msgType, "error", err)
		return false
	}
	if err := c.send(line); err != nil {
		slog.Debug("evicting client after failed send", "client_id", c.id, "error", err)
		r.Remove(c.id)
		return false
	}
	return true
}

// SendToUser delivers to the first client bound to the username,
// case-insensitively. False when nobody matches or the send fails.
func (r *Registry) SendToUser(username string, msgType protocol.MessageType, payload any) bool {
	target := strings.ToLower(strings.TrimSpace(username))
	if target == "" {
		return false
	}

	r.mu.RLock()
	var found *client
	for _, c := range r.clients {
		if c.username != "" && strings.ToLower(c.username) == target {
			found = c
			break
		}
	}
	r.mu.RUnlock()

	if found == nil {
		return false
	}
	return r.SendToClient(found.id, msgType, payload)
}

// OnlineCount is the number of clients with a bound username.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, c := range r.clients {
		if c.username != "" {
			count++
		}
	}
	return count
}

// OnlineSnapshot returns the bound usernames, deduplicated
// case-insensitively and sorted.
func (r *Registry) OnlineSnapshot() []string {
	r.mu.RLock()
	seen := make(map[string]string)
	for _, c := range r.clients {
		if c.username == "" {
			continue
		}
		key := strings.ToLower(c.username)
		if _, ok := seen[key]; !ok {
			seen[key] = c.username
		}
	}
	r.mu.RUnlock()

	names := make([]string, 0, len(seen))
	for _, name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// snapshot copies the current client set so delivery happens outside the
// lock; enumeration sees either the old set or the new one, never a torn
// view.
func (r *Registry) snapshot() []*client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}
