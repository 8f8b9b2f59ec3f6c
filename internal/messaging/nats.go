// Package messaging provides a NATS client wrapper for pub/sub messaging
// between chat-engine nodes. It carries the durable store's change feed
// (message inserts and expiry deletes per room) and per-user call signaling
// subjects, and handles connection lifecycle and subscription cleanup.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across chat-engine nodes.
const (
	SubjectRoom   = "room"   // + .<room_id>.events (change feed per room)
	SubjectSignal = "signal" // + .<user_id> (call signaling delivery)
)

// RoomSubject returns the change-feed subject for a room.
func RoomSubject(roomID string) string {
	return SubjectRoom + "." + roomID + ".events"
}

// SignalSubject returns the signaling subject for a user.
func SignalSubject(userID string) string {
	return SubjectSignal + "." + userID
}

// Client wraps the NATS connection with helper methods for pub/sub.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "chat-engine",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishRoomEvent publishes change-feed data to the room.<roomID>.events
// subject.
func (c *Client) PublishRoomEvent(roomID string, data []byte) error {
	return c.Publish(RoomSubject(roomID), data)
}

// SubscribeRoom subscribes to a room's change feed. The subscription is keyed
// by the caller-supplied key so that multiple local consumers of the same
// room do not overwrite each other's subscriptions.
func (c *Client) SubscribeRoom(roomID, key string, handler func(data []byte)) error {
	subject := RoomSubject(roomID)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs["roomsub:"+key] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeRoom removes a room change-feed subscription by key.
func (c *Client) UnsubscribeRoom(key string) error {
	return c.unsubscribe("roomsub:" + key)
}

// PublishSignal publishes signaling data to a user's signal subject.
func (c *Client) PublishSignal(userID string, data []byte) error {
	return c.Publish(SignalSubject(userID), data)
}

// SubscribeSignals subscribes to a user's signaling subject. At most one
// subscription per user is held per node; re-subscribing replaces the
// previous one.
func (c *Client) SubscribeSignals(userID string, handler func(data []byte)) error {
	subject := SignalSubject(userID)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	key := "sigsub:" + userID
	c.mu.Lock()
	if old, ok := c.subs[key]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeSignals removes a user's signaling subscription.
func (c *Client) UnsubscribeSignals(userID string) error {
	return c.unsubscribe("sigsub:" + userID)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes a tracked subscription by key.
func (c *Client) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
