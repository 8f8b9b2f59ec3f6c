package room

import "github.com/ripple/chat-engine/internal/store"

// Change-feed operations carried on room.<id>.events subjects.
const (
	FeedInsert = "insert"
	FeedDelete = "delete"
)

// FeedEvent is the payload published on a room's change-feed subject
// whenever the durable store changes: a publish emits an insert, the reaper
// emits deletes. Origin names the node that already delivered the event
// locally, so that node skips its own echo.
type FeedEvent struct {
	Op        string         `json:"op"`
	Origin    string         `json:"origin,omitempty"`
	RoomID    string         `json:"room_id"`
	Message   *store.Message `json:"message,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
}
