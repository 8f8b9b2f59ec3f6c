// Package room implements the realtime coordination core: a registry of
// per-room actors that own their subscriber sets, presence maps, and typing
// timers. All state of a room is touched by exactly one goroutine; callers
// talk to it through the Hub.
package room

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/ripple/chat-engine/internal/store"
)

// Room kinds.
const (
	KindDirect = "direct"
	KindGroup  = "group"
)

// directPrefix marks deterministic direct-chat room ids.
const directPrefix = "dm:"

// ErrNotAMember is returned when a join or publish is attempted by a user who
// is not a member of the room. The operation leaves room state unchanged.
var ErrNotAMember = errors.New("not a member of room")

// DirectRoomID returns the deterministic room id for a direct chat between
// two users. The pair is sorted so both sides derive the same id.
func DirectRoomID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return directPrefix + a + ":" + b
}

// KindOf reports whether a room id names a direct chat or a group.
func KindOf(roomID string) string {
	if strings.HasPrefix(roomID, directPrefix) {
		return KindDirect
	}
	return KindGroup
}

// DirectMembers returns the two user ids of a direct room id, or false if the
// id is not a well-formed direct room id.
func DirectMembers(roomID string) (string, string, bool) {
	if !strings.HasPrefix(roomID, directPrefix) {
		return "", "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(roomID, directPrefix), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Event stream kinds delivered on a Subscription.
const (
	EventMessage  = "message"
	EventPresence = "presence"
	EventGone     = "gone"
)

// Event is one item on a subscription's stream: a live message, a merged
// presence view, or a removal notice for a reaped message.
type Event struct {
	Kind      string
	Message   *store.Message  // EventMessage
	Presence  []PresenceEntry // EventPresence, sorted by user id
	MessageID string          // EventGone
}

// MessageStore is the durable-store contract the hub depends on. The
// PostgreSQL implementation lives in internal/store; tests substitute an
// in-memory fake.
type MessageStore interface {
	Insert(ctx context.Context, m *store.Message) error
	Recent(ctx context.Context, roomID string, limit int) ([]store.Message, error)
}

// Membership answers group-room membership questions. Direct rooms are
// checked structurally from the room id and never reach this interface.
type Membership interface {
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

// Feed carries room change-feed events between nodes. The NATS client in
// internal/messaging satisfies it; a nil feed runs the hub single-node.
type Feed interface {
	PublishRoomEvent(roomID string, data []byte) error
	SubscribeRoom(roomID, key string, handler func(data []byte)) error
}

// sortPresence orders merged presence entries by user id so broadcasts are
// deterministic.
func sortPresence(entries []PresenceEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UserID < entries[j].UserID
	})
}
