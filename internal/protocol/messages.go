// Package protocol defines the wire envelopes exchanged with clients. One
// UTF-8 JSON object per newline-terminated line, wrapped as {type, data}.
package protocol

import (
	"encoding/json"
	"strings"
)

// MessageType identifies the type of message.
type MessageType string

const (
	// Client -> Server
	TypeAuthRequest    MessageType = "AUTH_REQUEST"
	TypeChatMessage    MessageType = "CHAT_MESSAGE"
	TypeDirectMessage  MessageType = "DIRECT_MESSAGE"
	TypeHistoryRequest MessageType = "HISTORY_REQUEST"
	TypeLogout         MessageType = "LOGOUT"

	// Server -> Client
	TypeAuthResponse    MessageType = "AUTH_RESPONSE"
	TypeHistoryResponse MessageType = "HISTORY_RESPONSE"
	TypeUserPresence    MessageType = "USER_PRESENCE"
	TypeError           MessageType = "ERROR"
)

// Auth actions inside an AUTH_REQUEST.
const (
	ActionLogin    = "LOGIN"
	ActionRegister = "REGISTER"
)

// History scopes inside a HISTORY_REQUEST.
const (
	ScopeRoom = "ROOM"
	ScopeDM   = "DM"
)

// Presence event names.
const (
	PresenceJoined = "userJoined"
	PresenceLeft   = "userLeft"
)

// Envelope is the {type, data} wrapper used for every frame.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NormalizeType folds an incoming type value for dispatch: trimmed and
// compared case-insensitively.
func NormalizeType(t MessageType) MessageType {
	return MessageType(strings.ToUpper(strings.TrimSpace(string(t))))
}

// Encode marshals a payload into a complete envelope line (no trailing
// newline; the writer frames it).
func Encode(msgType MessageType, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = encoded
	}
	return json.Marshal(Envelope{Type: msgType, Data: data})
}

// Decode parses one line into an envelope. Unknown fields are ignored.
func Decode(line []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// ==================== Client -> Server payloads ====================

// AuthRequest carries LOGIN or REGISTER credentials.
type AuthRequest struct {
	Action   string `json:"action"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// ChatMessageRequest posts to a public room. A blank room means the default.
type ChatMessageRequest struct {
	Room    string     `json:"room"`
	Content string     `json:"content"`
	SentAt  *Timestamp `json:"sentAt,omitempty"`
}

// DirectMessageRequest sends a DM to a username.
type DirectMessageRequest struct {
	To      string     `json:"to"`
	Content string     `json:"content"`
	SentAt  *Timestamp `json:"sentAt,omitempty"`
}

// HistoryRequest asks for ROOM or DM history.
type HistoryRequest struct {
	Scope string `json:"scope"`
	Room  string `json:"room,omitempty"`
	Peer  string `json:"peer,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// ==================== Server -> Client payloads ====================

// AuthResponse acknowledges a successful LOGIN or REGISTER.
type AuthResponse struct {
	Username string `json:"username"`
}

// ChatMessageEvent is a delivered message: room form carries the room name
// with a null to, DM form carries a null room with the recipient in to.
type ChatMessageEvent struct {
	Room    *string   `json:"room"`
	From    string    `json:"from"`
	To      *string   `json:"to"`
	Content string    `json:"content"`
	SentAt  Timestamp `json:"sentAt"`
}

// HistoryResponse returns messages for one scope.
type HistoryResponse struct {
	Scope    string             `json:"scope"`
	Room     *string            `json:"room"`
	Peer     *string            `json:"peer"`
	Messages []ChatMessageEvent `json:"messages"`
}

// UserPresence announces a join or leave together with the online count.
type UserPresence struct {
	Event       string `json:"event"`
	Username    string `json:"username"`
	OnlineCount int    `json:"onlineCount"`
}

// ErrorPayload reports a per-request failure; the session continues.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ==================== Error codes ====================

const (
	ErrCodeInvalidJSON    = "INVALID_JSON"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeUnknownType    = "UNKNOWN_TYPE"
	ErrCodeUnknownAction  = "UNKNOWN_ACTION"
	ErrCodeUnknownScope   = "UNKNOWN_SCOPE"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeUserOffline    = "USER_OFFLINE"
	ErrCodeValidation     = "VALIDATION_ERROR"
)
