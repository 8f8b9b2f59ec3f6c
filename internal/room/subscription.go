package room

import "sync"

// Subscription is the live link from one connection to one room's event
// streams. Events arrive on Events() until Close is called or the room drops
// the subscriber as a slow consumer; the channel is then closed. Close is
// idempotent — every creation has exactly one teardown, and extra calls are
// no-ops.
type Subscription struct {
	id     string
	roomID string
	userID string
	connID string
	events chan Event
	room   *room
	once   sync.Once
}

// Events returns the subscription's event stream. The channel is closed on
// teardown.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// RoomID returns the subscribed room's id.
func (s *Subscription) RoomID() string {
	return s.roomID
}

// UserID returns the subscribing user's id.
func (s *Subscription) UserID() string {
	return s.userID
}

// Close tears the subscription down: delivery stops, the subscriber slot is
// released, and the user's typing contribution from this connection is
// cleared. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.room.post(func(r *room) {
			r.removeSub(s)
		})
	})
}
