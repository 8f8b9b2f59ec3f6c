package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ripple/chat-engine/internal/metrics"
	"github.com/ripple/chat-engine/internal/store"
)

// Config holds hub tuning parameters.
type Config struct {
	Node               string        // node name stamped on published feed events
	SubscriptionBuffer int           // per-subscription event buffer
	TypingTimeout      time.Duration // quiet period before a typing flag auto-clears
	PresenceStale      time.Duration // age past which a typing signal reads as false
	PresenceHorizon    time.Duration // age past which presence entries are pruned
	HistorySize        int           // messages kept in the per-room cache
}

// DefaultConfig returns production defaults. The 3s typing timeout matches
// the client-side debounce the UI uses.
func DefaultConfig() Config {
	return Config{
		Node:               "node-1",
		SubscriptionBuffer: 64,
		TypingTimeout:      3 * time.Second,
		PresenceStale:      30 * time.Second,
		PresenceHorizon:    5 * time.Minute,
		HistorySize:        50,
	}
}

// Hub is the room registry: it lazily creates one actor per active room and
// routes Join/Leave/Publish/SetTyping calls to the owning actor. Room state
// is never shared; concurrent calls on the same room are serialized by that
// room's actor.
type Hub struct {
	cfg     Config
	store   MessageStore
	members Membership
	feed    Feed

	mu     sync.RWMutex
	rooms  map[string]*room
	closed bool
}

// New creates a Hub. store, members, and feed may each be nil: a nil store
// skips durable writes (tests), a nil members rejects all group joins, a nil
// feed runs single-node.
func New(cfg Config, st MessageStore, members Membership, feed Feed) *Hub {
	return &Hub{
		cfg:     cfg,
		store:   st,
		members: members,
		feed:    feed,
		rooms:   make(map[string]*room),
	}
}

// Join subscribes a connection to a room, creating the room actor on first
// contact. The caller must be a member: one of the pair for direct rooms,
// recorded membership for groups. Returns ErrNotAMember otherwise, with no
// state change.
func (h *Hub) Join(ctx context.Context, roomID, userID, connID string) (*Subscription, error) {
	if err := h.checkMember(ctx, roomID, userID); err != nil {
		return nil, err
	}

	r, err := h.room(roomID)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		id:     uuid.New().String(),
		roomID: roomID,
		userID: userID,
		connID: connID,
		events: make(chan Event, h.cfg.SubscriptionBuffer),
		room:   r,
	}
	if !r.post(func(r *room) { r.addSub(sub) }) {
		return nil, fmt.Errorf("room: %s is shut down", roomID)
	}
	return sub, nil
}

// Leave tears down a subscription. Idempotent: a second Leave on the same
// subscription is a no-op, and a nil subscription is ignored.
func (h *Hub) Leave(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.Close()
}

// Publish durably stores a message and fans it out to the room's current
// subscribers in publish order. If the store write fails nothing is fanned
// out and the store error is returned. The sender must be a member.
func (h *Hub) Publish(ctx context.Context, m *store.Message) error {
	started := time.Now()

	if err := h.checkMember(ctx, m.RoomID, m.SenderID); err != nil {
		return err
	}

	if h.store != nil {
		if err := h.store.Insert(ctx, m); err != nil {
			return err
		}
	}

	r, err := h.room(m.RoomID)
	if err != nil {
		return err
	}

	msg := *m
	r.post(func(r *room) { r.deliver(msg) })

	if h.feed != nil {
		data, err := json.Marshal(FeedEvent{
			Op:      FeedInsert,
			Origin:  h.cfg.Node,
			RoomID:  m.RoomID,
			Message: m,
		})
		if err == nil {
			if err := h.feed.PublishRoomEvent(m.RoomID, data); err != nil {
				log.Printf("[room] feed publish room=%s: %v", m.RoomID, err)
			}
		}
	}

	metrics.MessagesTotal.WithLabelValues("published").Inc()
	metrics.PublishLatency.Observe(time.Since(started).Seconds())
	return nil
}

// SetTyping applies a typing update for (room, user, connection). The room
// actor broadcasts the merged presence set only if the observable state
// changed, and arms or cancels the debounce timer.
func (h *Hub) SetTyping(roomID, userID, connID string, typing bool) error {
	r, err := h.room(roomID)
	if err != nil {
		return err
	}
	r.post(func(r *room) { r.setTyping(userID, connID, typing) })
	return nil
}

// Snapshot returns the room's current merged presence view keyed by user id,
// for late joiners. Unknown rooms yield an empty map.
func (h *Hub) Snapshot(roomID string) map[string]PresenceEntry {
	out := make(map[string]PresenceEntry)

	h.mu.RLock()
	r := h.rooms[roomID]
	h.mu.RUnlock()
	if r == nil {
		return out
	}

	reply := make(chan []PresenceEntry, 1)
	if !r.post(func(r *room) { reply <- r.presence.merged("", time.Now()) }) {
		return out
	}
	// The actor may shut down with the op still queued; don't wait on a
	// reply that will never come.
	select {
	case entries := <-reply:
		for _, e := range entries {
			out[e.UserID] = e
		}
	case <-r.done:
	}
	return out
}

// History returns the room's recent backlog (oldest first), excluding
// expired messages. It queries the durable store; the in-memory cache serves
// as a fallback when the store is unavailable.
func (h *Hub) History(ctx context.Context, roomID string, limit int) ([]store.Message, error) {
	if h.store != nil {
		msgs, err := h.store.Recent(ctx, roomID, limit)
		if err == nil {
			return msgs, nil
		}
		log.Printf("[room] history query room=%s falling back to cache: %v", roomID, err)
	}

	h.mu.RLock()
	r := h.rooms[roomID]
	h.mu.RUnlock()
	if r == nil {
		return nil, nil
	}

	reply := make(chan []store.Message, 1)
	if !r.post(func(r *room) { reply <- r.cache.items(time.Now()) }) {
		return nil, nil
	}
	var msgs []store.Message
	select {
	case msgs = <-reply:
	case <-r.done:
		return nil, nil
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// PurgeMessage removes a reaped message from the room's cache and notifies
// subscribers. Purging a message the room never saw is a no-op.
func (h *Hub) PurgeMessage(roomID, messageID string) {
	h.mu.RLock()
	r := h.rooms[roomID]
	h.mu.RUnlock()
	if r == nil {
		return
	}
	r.post(func(r *room) { r.purge(messageID) })
}

// Close stops every room actor. Remaining subscriptions are closed; the hub
// must not be used afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, r := range h.rooms {
		close(r.done)
		delete(h.rooms, id)
		metrics.ActiveRooms.Dec()
	}
}

// checkMember validates room membership: structural containment for direct
// rooms, the membership service for groups.
func (h *Hub) checkMember(ctx context.Context, roomID, userID string) error {
	if userID == "" {
		return ErrNotAMember
	}
	if a, b, ok := DirectMembers(roomID); ok {
		if userID != a && userID != b {
			return fmt.Errorf("room %s user %s: %w", roomID, userID, ErrNotAMember)
		}
		return nil
	}
	if h.members == nil {
		return fmt.Errorf("room %s user %s: %w", roomID, userID, ErrNotAMember)
	}
	ok, err := h.members.IsMember(ctx, roomID, userID)
	if err != nil {
		return fmt.Errorf("room: membership check %s: %w", roomID, err)
	}
	if !ok {
		return fmt.Errorf("room %s user %s: %w", roomID, userID, ErrNotAMember)
	}
	return nil
}

// room returns the actor for roomID, creating and wiring it on first use.
// Rooms are never destroyed while the hub runs, matching their logical
// lifecycle: inactive rooms merely go quiet.
func (h *Hub) room(roomID string) (*room, error) {
	h.mu.RLock()
	r, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if ok {
		return r, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("room: hub is closed")
	}
	if r, ok = h.rooms[roomID]; ok {
		return r, nil
	}

	r = newRoom(roomID, h)
	h.rooms[roomID] = r
	metrics.ActiveRooms.Inc()

	if h.feed != nil {
		if err := h.feed.SubscribeRoom(roomID, h.cfg.Node+":"+roomID, r.handleFeed); err != nil {
			log.Printf("[room] feed subscribe room=%s: %v", roomID, err)
		}
	}
	return r, nil
}
