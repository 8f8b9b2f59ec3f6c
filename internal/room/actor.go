package room

import (
	"encoding/json"
	"log"
	"time"

	"github.com/ripple/chat-engine/internal/metrics"
	"github.com/ripple/chat-engine/internal/store"
)

// opBuffer bounds the actor's pending-operation queue. Posting blocks when
// full, which backpressures producers instead of growing without bound.
const opBuffer = 128

// housekeepingInterval is how often the actor prunes stale presence entries.
const housekeepingInterval = time.Minute

// room is the single-goroutine actor that owns one room's subscriber set,
// presence map, typing timers, and recent-message cache. All fields below
// ops/done are touched only from run().
type room struct {
	id   string
	kind string
	hub  *Hub

	ops  chan func(*room)
	done chan struct{}

	subs         map[string]*Subscription
	presence     *presenceMap
	typingGen    map[string]uint64
	typingTimers map[string]*time.Timer
	cache        *recentCache
}

func newRoom(id string, hub *Hub) *room {
	r := &room{
		id:           id,
		kind:         KindOf(id),
		hub:          hub,
		ops:          make(chan func(*room), opBuffer),
		done:         make(chan struct{}),
		subs:         make(map[string]*Subscription),
		presence:     newPresenceMap(hub.cfg.PresenceStale),
		typingGen:    make(map[string]uint64),
		typingTimers: make(map[string]*time.Timer),
		cache:        newRecentCache(hub.cfg.HistorySize),
	}
	go r.run()
	return r
}

// post hands an operation to the actor. It returns false if the room has
// been shut down, in which case the operation never runs.
func (r *room) post(op func(*room)) bool {
	select {
	case r.ops <- op:
		return true
	case <-r.done:
		return false
	}
}

// run is the actor loop. It is the only goroutine that touches room state.
func (r *room) run() {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			r.shutdown()
			return
		case op := <-r.ops:
			op(r)
		case <-ticker.C:
			if r.presence.prune(r.hub.cfg.PresenceHorizon, time.Now()) > 0 {
				r.broadcastPresence()
			}
		}
	}
}

// shutdown closes all remaining subscriptions and cancels pending timers.
// Only called from run() when the hub stops.
func (r *room) shutdown() {
	for _, t := range r.typingTimers {
		t.Stop()
	}
	for id, s := range r.subs {
		delete(r.subs, id)
		close(s.events)
		metrics.Subscribers.Dec()
	}
}

// addSub registers a subscriber and marks its user present. The new
// subscriber receives the current merged presence view as its first event;
// if its arrival changed the observable state, everyone else is notified too.
func (r *room) addSub(s *Subscription) {
	now := time.Now()
	r.subs[s.id] = s
	metrics.Subscribers.Inc()

	changed := r.presence.set(s.userID, s.connID, false, now)
	if changed {
		r.broadcastPresence()
	} else {
		r.push(s, Event{Kind: EventPresence, Presence: r.presence.merged(s.userID, now)})
	}
}

// removeSub releases a subscriber slot. Removing an already-removed
// subscription is a no-op, which makes Leave idempotent.
func (r *room) removeSub(s *Subscription) {
	if _, ok := r.subs[s.id]; !ok {
		return
	}
	delete(r.subs, s.id)
	close(s.events)
	metrics.Subscribers.Dec()

	r.cancelTyping(s.userID, s.connID)
	if r.presence.dropConn(s.userID, s.connID, time.Now()) {
		r.broadcastPresence()
	}
}

// deliver fans one message out to all current subscribers in arrival order.
// A message already past its expiry is suppressed entirely: it must never
// reach a subscriber that attached after expiry.
func (r *room) deliver(m store.Message) {
	now := time.Now()
	if m.Expired(now) {
		metrics.MessagesTotal.WithLabelValues("suppressed_expired").Inc()
		return
	}

	r.cache.add(m)
	ev := Event{Kind: EventMessage, Message: &m}
	for _, s := range r.subs {
		r.push(s, ev)
	}
}

// purge drops a reaped message from the cache and tells subscribers so their
// views can forget it.
func (r *room) purge(messageID string) {
	r.cache.remove(messageID)
	ev := Event{Kind: EventGone, MessageID: messageID}
	for _, s := range r.subs {
		r.push(s, ev)
	}
}

// push performs a non-blocking delivery to one subscriber. A subscriber
// whose buffer is full is dropped as a slow consumer. Deleting a map entry
// mid-range is safe, so push may be called while iterating r.subs.
func (r *room) push(s *Subscription, ev Event) {
	select {
	case s.events <- ev:
		if ev.Kind == EventMessage {
			metrics.MessagesTotal.WithLabelValues("delivered").Inc()
		}
	default:
		log.Printf("[room] dropping slow subscriber room=%s user=%s conn=%s", r.id, s.userID, s.connID)
		metrics.MessagesTotal.WithLabelValues("dropped_slow").Inc()
		r.removeSub(s)
	}
}

// setTyping applies a typing update from one connection. Each true update
// (re)arms the debounce timer under a fresh generation; a timer only fires
// its clear if no newer update superseded it.
func (r *room) setTyping(userID, connID string, typing bool) {
	now := time.Now()
	key := typingKey(userID, connID)

	r.typingGen[key]++
	gen := r.typingGen[key]
	if t, ok := r.typingTimers[key]; ok {
		t.Stop()
		delete(r.typingTimers, key)
	}

	changed := r.presence.set(userID, connID, typing, now)

	if typing {
		r.typingTimers[key] = time.AfterFunc(r.hub.cfg.TypingTimeout, func() {
			r.post(func(r *room) { r.typingExpired(key, gen, userID, connID) })
		})
	}

	if changed {
		r.broadcastPresence()
	}
}

// typingExpired is the debounce timer's clear. The generation check makes it
// race-free: a fresh typing=true between arm and fire bumps the generation,
// so a stale timer never clears the just-set flag.
func (r *room) typingExpired(key string, gen uint64, userID, connID string) {
	if r.typingGen[key] != gen {
		return
	}
	delete(r.typingTimers, key)
	if r.presence.set(userID, connID, false, time.Now()) {
		r.broadcastPresence()
	}
}

// cancelTyping invalidates any pending debounce timer for a connection.
func (r *room) cancelTyping(userID, connID string) {
	key := typingKey(userID, connID)
	r.typingGen[key]++
	if t, ok := r.typingTimers[key]; ok {
		t.Stop()
		delete(r.typingTimers, key)
	}
	delete(r.typingGen, key)
}

// broadcastPresence sends each subscriber the merged presence view with its
// own user excluded.
func (r *room) broadcastPresence() {
	now := time.Now()
	views := make(map[string][]PresenceEntry, 4)
	for _, s := range r.subs {
		entries, ok := views[s.userID]
		if !ok {
			entries = r.presence.merged(s.userID, now)
			views[s.userID] = entries
		}
		r.push(s, Event{Kind: EventPresence, Presence: entries})
	}
	metrics.PresenceBroadcasts.Inc()
}

// handleFeed processes one change-feed event from another node.
func (r *room) handleFeed(data []byte) {
	var ev FeedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("[room] invalid feed event room=%s: %v", r.id, err)
		return
	}
	if ev.Origin != "" && ev.Origin == r.hub.cfg.Node {
		return // our own publish, already delivered locally
	}

	switch ev.Op {
	case FeedInsert:
		if ev.Message == nil {
			return
		}
		m := *ev.Message
		r.post(func(r *room) { r.deliver(m) })
	case FeedDelete:
		if ev.MessageID == "" {
			return
		}
		r.post(func(r *room) { r.purge(ev.MessageID) })
	default:
		log.Printf("[room] unknown feed op %q room=%s", ev.Op, r.id)
	}
}

func typingKey(userID, connID string) string {
	return userID + "\x00" + connID
}
