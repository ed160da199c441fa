package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"parley/internal/auth"
	"parley/internal/chat"
	"parley/internal/protocol"
	"parley/internal/registry"
	"parley/internal/storage"
)

// initialHistoryLimit is how much room history a freshly authenticated
// client receives, and the default for HISTORY_REQUEST.
const initialHistoryLimit = 150

// errSessionClosed signals a graceful LOGOUT; the defer path must not
// broadcast a second userLeft for it.
var errSessionClosed = errors.New("session closed")

// handler runs the protocol state machine for one connection. It starts
// unauthenticated; a successful AUTH_REQUEST binds a username, and the
// session ends on LOGOUT or any real I/O error.
type handler struct {
	clientID int64
	stream   lineStream
	registry *registry.Registry
	auth     *auth.Service
	chat     *chat.Service

	// username is non-empty once authenticated. Only this goroutine writes
	// it; the registry holds the copy other goroutines read.
	username string
}

func newHandler(clientID int64, stream lineStream, reg *registry.Registry, authSvc *auth.Service, chatSvc *chat.Service) *handler {
	return &handler{
		clientID: clientID,
		stream:   stream,
		registry: reg,
		auth:     authSvc,
		chat:     chatSvc,
	}
}

// run drives the session until the connection dies or the context is
// canceled. It always leaves the registry clean and the stream closed.
func (h *handler) run(ctx context.Context) {
	h.registry.Add(h.clientID, h.stream)

	defer func() {
		h.registry.Remove(h.clientID)
		if h.username != "" {
			h.broadcastPresence(protocol.PresenceLeft, h.username)
		}
		_ = h.stream.Close()
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		line, err := h.stream.ReadLine()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			// Anything else is EOF as far as the session is concerned.
			slog.Debug("session read ended", "client_id", h.clientID, "error", err)
			return
		}

		if err := h.dispatch(ctx, line); err != nil {
			if !errors.Is(err, errSessionClosed) {
				slog.Warn("session ended on fatal error", "client_id", h.clientID, "username", h.username, "error", err)
			}
			return
		}
	}
}

// dispatch handles one frame. A nil return keeps the session alive;
// validation and protocol errors are reported to the client, never fatal.
func (h *handler) dispatch(ctx context.Context, line []byte) error {
	env, err := protocol.Decode(line)
	if err != nil {
		h.sendError(protocol.ErrCodeInvalidJSON, "malformed JSON")
		return nil
	}
	if strings.TrimSpace(string(env.Type)) == "" {
		h.sendError(protocol.ErrCodeInvalidRequest, "missing message type")
		return nil
	}

	switch protocol.NormalizeType(env.Type) {
	case protocol.TypeAuthRequest:
		return h.handleAuth(ctx, env.Data)
	case protocol.TypeChatMessage:
		return h.handleChatMessage(ctx, env.Data)
	case protocol.TypeDirectMessage:
		return h.handleDirectMessage(ctx, env.Data)
	case protocol.TypeHistoryRequest:
		return h.handleHistoryRequest(ctx, env.Data)
	case protocol.TypeLogout:
		return h.handleLogout()
	default:
		h.sendError(protocol.ErrCodeUnknownType, "unknown message type")
		return nil
	}
}

// requireAuth reports whether the session is authenticated, telling the
// client off when it is not.
func (h *handler) requireAuth() bool {
	if h.username == "" {
		h.sendError(protocol.ErrCodeUnauthorized, "authenticate first")
		return false
	}
	return true
}

func (h *handler) handleAuth(ctx context.Context, data json.RawMessage) error {
	var req protocol.AuthRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(protocol.ErrCodeInvalidRequest, "malformed auth payload")
		return nil
	}

	var username string
	var authErr *auth.Error
	switch strings.ToUpper(strings.TrimSpace(req.Action)) {
	case protocol.ActionLogin:
		username, authErr = h.auth.Login(ctx, req.Username, req.Password)
	case protocol.ActionRegister:
		username, authErr = h.auth.Register(ctx, req.Username, req.Password)
	default:
		h.sendError(protocol.ErrCodeUnknownAction, "action must be LOGIN or REGISTER")
		return nil
	}
	if authErr != nil {
		h.sendError(authErr.Code, authErr.Message)
		return nil
	}

	h.username = username
	h.registry.BindUsername(h.clientID, username)

	h.registry.SendToClient(h.clientID, protocol.TypeAuthResponse, protocol.AuthResponse{Username: username})
	h.sendInitialHistory(ctx)
	h.broadcastPresence(protocol.PresenceJoined, username)
	return nil
}

// sendInitialHistory replays the default room right after authentication.
// Best-effort: a storage hiccup here downgrades to an empty replay rather
// than failing the login.
func (h *handler) sendInitialHistory(ctx context.Context) {
	messages, err := h.chat.GetRoomHistory(ctx, storage.DefaultRoomName, initialHistoryLimit)
	if err != nil {
		slog.Warn("initial history load failed", "client_id", h.clientID, "error", err)
		messages = nil
	}
	room := storage.DefaultRoomName
	h.registry.SendToClient(h.clientID, protocol.TypeHistoryResponse, protocol.HistoryResponse{
		Scope:    protocol.ScopeRoom,
		Room:     &room,
		Messages: toEvents(messages),
	})
}

func (h *handler) handleChatMessage(ctx context.Context, data json.RawMessage) error {
	if !h.requireAuth() {
		return nil
	}

	var req protocol.ChatMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(protocol.ErrCodeInvalidRequest, "malformed chat payload")
		return nil
	}
	if !h.validContent(req.Content) {
		return nil
	}

	msg, err := h.chat.PostToRoom(ctx, req.Room, h.username, req.Content, sentAtOrNow(req.SentAt))
	if err != nil {
		return h.reportMessagingError(err)
	}

	room := msg.Room
	h.registry.Broadcast(protocol.TypeChatMessage, protocol.ChatMessageEvent{
		Room:    &room,
		From:    msg.From,
		Content: msg.Content,
		SentAt:  protocol.NewTimestamp(msg.SentAt),
	})
	return nil
}

func (h *handler) handleDirectMessage(ctx context.Context, data json.RawMessage) error {
	if !h.requireAuth() {
		return nil
	}

	var req protocol.DirectMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(protocol.ErrCodeInvalidRequest, "malformed direct message payload")
		return nil
	}
	if strings.TrimSpace(req.To) == "" {
		h.sendError(protocol.ErrCodeValidation, "recipient is required")
		return nil
	}
	if !h.validContent(req.Content) {
		return nil
	}

	msg, err := h.chat.PostDirect(ctx, h.username, req.To, req.Content, sentAtOrNow(req.SentAt))
	if err != nil {
		return h.reportMessagingError(err)
	}

	to := msg.To
	event := protocol.ChatMessageEvent{
		From:    msg.From,
		To:      &to,
		Content: msg.Content,
		SentAt:  protocol.NewTimestamp(msg.SentAt),
	}

	// The message is persisted either way; delivery only works live.
	if !h.registry.SendToUser(msg.To, protocol.TypeDirectMessage, event) {
		h.sendError(protocol.ErrCodeUserOffline, "user is offline")
	}
	h.registry.SendToClient(h.clientID, protocol.TypeDirectMessage, event)
	return nil
}

func (h *handler) handleHistoryRequest(ctx context.Context, data json.RawMessage) error {
	if !h.requireAuth() {
		return nil
	}

	var req protocol.HistoryRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(protocol.ErrCodeInvalidRequest, "malformed history payload")
		return nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = initialHistoryLimit
	}

	switch strings.ToUpper(strings.TrimSpace(req.Scope)) {
	case protocol.ScopeRoom:
		if strings.TrimSpace(req.Room) == "" {
			h.sendError(protocol.ErrCodeValidation, "room is required for ROOM scope")
			return nil
		}
		messages, err := h.chat.GetRoomHistory(ctx, req.Room, limit)
		if err != nil {
			return h.reportMessagingError(err)
		}
		room := strings.TrimSpace(req.Room)
		h.registry.SendToClient(h.clientID, protocol.TypeHistoryResponse, protocol.HistoryResponse{
			Scope:    protocol.ScopeRoom,
			Room:     &room,
			Messages: toEvents(messages),
		})
	case protocol.ScopeDM:
		if strings.TrimSpace(req.Peer) == "" {
			h.sendError(protocol.ErrCodeValidation, "peer is required for DM scope")
			return nil
		}
		messages, err := h.chat.GetDirectHistory(ctx, h.username, req.Peer, limit)
		if err != nil {
			return h.reportMessagingError(err)
		}
		peer := strings.TrimSpace(req.Peer)
		h.registry.SendToClient(h.clientID, protocol.TypeHistoryResponse, protocol.HistoryResponse{
			Scope:    protocol.ScopeDM,
			Peer:     &peer,
			Messages: toEvents(messages),
		})
	default:
		h.sendError(protocol.ErrCodeUnknownScope, "scope must be ROOM or DM")
	}
	return nil
}

func (h *handler) handleLogout() error {
	if !h.requireAuth() {
		return nil
	}

	username := h.username
	h.username = "" // the defer path must not announce a second leave
	h.registry.Remove(h.clientID)
	h.broadcastPresence(protocol.PresenceLeft, username)
	return errSessionClosed
}

// validContent enforces the shared content rules before touching storage so
// the offending client gets a precise error without a round-trip.
func (h *handler) validContent(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		h.sendError(protocol.ErrCodeValidation, "content must not be blank")
		return false
	}
	if len(trimmed) > 1000 {
		h.sendError(protocol.ErrCodeValidation, "content exceeds 1000 characters")
		return false
	}
	return true
}

// reportMessagingError maps a chat service failure: validation and unknown
// recipients go back to the client, storage failures end the session.
func (h *handler) reportMessagingError(err error) error {
	switch {
	case errors.Is(err, storage.ErrValidation):
		h.sendError(protocol.ErrCodeValidation, "invalid message")
		return nil
	case errors.Is(err, chat.ErrUserNotFound):
		h.sendError(auth.CodeUserNotFound, "no such user")
		return nil
	default:
		return err
	}
}

func (h *handler) broadcastPresence(event, username string) {
	h.registry.Broadcast(protocol.TypeUserPresence, protocol.UserPresence{
		Event:       event,
		Username:    username,
		OnlineCount: h.registry.OnlineCount(),
	})
}

func (h *handler) sendError(code, message string) {
	h.registry.SendToClient(h.clientID, protocol.TypeError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	})
}

func sentAtOrNow(ts *protocol.Timestamp) time.Time {
	if ts == nil || ts.IsZero() {
		return time.Now()
	}
	return ts.Time
}

func toEvents(messages []chat.Message) []protocol.ChatMessageEvent {
	events := make([]protocol.ChatMessageEvent, len(messages))
	for i, m := range messages {
		events[i] = protocol.ChatMessageEvent{
			From:    m.From,
			Content: m.Content,
			SentAt:  protocol.NewTimestamp(m.SentAt),
		}
		if m.Room != "" {
			room := m.Room
			events[i].Room = &room
		}
		if m.To != "" {
			to := m.To
			events[i].To = &to
		}
	}
	return events
}
