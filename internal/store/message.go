// Package store provides PostgreSQL-backed storage for chat messages.
// It owns the durable message table (insert, recent-history queries, expiry
// deletes) and runs its own schema migrations at startup.
package store

import "time"

// Message content types.
const (
	TypeText  = "text"
	TypeImage = "image"
	TypeVideo = "video"
	TypeAudio = "audio"
	TypeFile  = "file"
)

// validTypes is the set of allowed message types, matching the CHECK
// constraint on the messages table.
var validTypes = map[string]bool{
	TypeText:  true,
	TypeImage: true,
	TypeVideo: true,
	TypeAudio: true,
	TypeFile:  true,
}

// ValidType reports whether t is an allowed message type.
func ValidType(t string) bool {
	return validTypes[t]
}

// Message is a single chat message. Content is either text or a reference to
// an externally stored file, depending on Type. ExpiresAt is nil for
// permanent messages; ephemeral messages carry the instant after which they
// must no longer be delivered.
type Message struct {
	ID        string     `json:"id"`
	RoomID    string     `json:"room_id"`
	SenderID  string     `json:"sender_id"`
	Content   string     `json:"content"`
	Type      string     `json:"type"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the message's visibility window has closed at the
// given instant. Messages without an expiry never expire.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}
