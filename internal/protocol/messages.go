// Package protocol defines the WebSocket message types and structures used
// for communication between the client and server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeHello       = "hello"
	TypeJoin        = "join"
	TypeLeave       = "leave"
	TypeSendMessage = "send_message"
	TypeTyping      = "typing"
	TypeSignal      = "signal"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeWelcome       = "welcome"
	TypeJoined        = "joined"
	TypeHistory       = "history"
	TypeMessage       = "message"
	TypePresence      = "presence"
	TypeSignalEvent   = "signal_event"
	TypeMessageGone   = "message_gone"
	TypeRateLimited   = "rate_limited"
	TypeError         = "error"
	TypePong          = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// HelloMsg is the first message a client sends after connecting. It binds the
// authenticated user id to the connection. Verification of the identity is
// the auth layer's job; the engine trusts what the transport hands it.
type HelloMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// JoinMsg opens a room view: the client starts receiving the room's live
// message and presence streams.
type JoinMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Kind   string `json:"kind"` // "direct" or "group"
}

// LeaveMsg closes a room view.
type LeaveMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// SendMessageMsg publishes a message to a room. EphemeralSeconds, when
// positive, bounds the message's visibility window.
type SendMessageMsg struct {
	Type             string `json:"type"`
	RoomID           string `json:"room_id"`
	Content          string `json:"content"`
	ContentType      string `json:"content_type"` // text, image, video, audio, file
	EphemeralSeconds int    `json:"ephemeral_seconds,omitempty"`
}

// TypingMsg indicates whether the client is currently typing in a room.
type TypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// SignalMsg relays a call-signaling payload to another user. The payload is
// kept opaque here; the signaling relay interprets it.
type SignalMsg struct {
	Type   string          `json:"type"`
	To     string          `json:"to"`
	Signal json.RawMessage `json:"signal"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// WelcomeMsg is sent by the server when a new connection is established.
type WelcomeMsg struct {
	Type   string `json:"type"`
	ConnID string `json:"conn_id"`
}

// JoinedMsg confirms a successful room join.
type JoinedMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// MessageEvent is a single chat message delivered on the live stream or as
// part of a history batch.
type MessageEvent struct {
	ID        string `json:"id"`
	RoomID    string `json:"room_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	Kind      string `json:"kind"` // content type
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// HistoryMsg carries the one-time backlog fetched when a room is opened. The
// live stream never replays it.
type HistoryMsg struct {
	Type     string         `json:"type"`
	RoomID   string         `json:"room_id"`
	Messages []MessageEvent `json:"messages"`
}

// ServerMessageMsg delivers one live message to a subscriber.
type ServerMessageMsg struct {
	Type    string       `json:"type"`
	Message MessageEvent `json:"message"`
}

// PresenceEntryMsg is one user's merged presence state within a room.
type PresenceEntryMsg struct {
	UserID     string `json:"user_id"`
	Typing     bool   `json:"typing"`
	Online     bool   `json:"online"`
	LastUpdate int64  `json:"last_update"`
}

// PresenceMsg broadcasts the merged presence view of a room. The receiving
// user's own entry is never included.
type PresenceMsg struct {
	Type    string             `json:"type"`
	RoomID  string             `json:"room_id"`
	Users   []PresenceEntryMsg `json:"users"`
}

// SignalEventMsg delivers a call-signaling payload from another user.
type SignalEventMsg struct {
	Type   string          `json:"type"`
	From   string          `json:"from"`
	Signal json.RawMessage `json:"signal"`
}

// MessageGoneMsg tells subscribers that a message was removed (expiry reap),
// so cached views can drop it.
type MessageGoneMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

// RateLimitedMsg is sent when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeHello:
		var m HelloMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSignal:
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
