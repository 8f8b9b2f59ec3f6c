package room

import (
	"time"

	"github.com/ripple/chat-engine/internal/store"
)

// recentCache keeps the last N messages of a room in memory so history reads
// for fresh joiners can usually skip the database. It is owned by the room
// actor. Reaped messages are removed so an expired message can never surface
// from cache after its delete committed.
type recentCache struct {
	max  int
	msgs []store.Message
}

func newRecentCache(max int) *recentCache {
	return &recentCache{max: max}
}

// add appends a message, evicting the oldest when full.
func (c *recentCache) add(m store.Message) {
	c.msgs = append(c.msgs, m)
	if len(c.msgs) > c.max {
		// Shift rather than reslice so the backing array doesn't pin
		// evicted messages.
		copy(c.msgs, c.msgs[1:])
		c.msgs = c.msgs[:c.max]
	}
}

// remove deletes a message by id. Removing an absent id is a no-op.
func (c *recentCache) remove(id string) bool {
	for i, m := range c.msgs {
		if m.ID == id {
			c.msgs = append(c.msgs[:i], c.msgs[i+1:]...)
			return true
		}
	}
	return false
}

// items returns the cached messages in chronological order, skipping any
// whose expiry has passed by now.
func (c *recentCache) items(now time.Time) []store.Message {
	out := make([]store.Message, 0, len(c.msgs))
	for _, m := range c.msgs {
		if m.Expired(now) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (c *recentCache) len() int {
	return len(c.msgs)
}
