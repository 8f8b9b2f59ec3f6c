// Package reaper implements the background sweep that deletes ephemeral
// messages once their expiry passes: rows go from the durable store, delete
// notifications go out on the rooms' change-feed subjects so in-memory
// caches drop them too.
package reaper

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/ripple/chat-engine/internal/metrics"
	"github.com/ripple/chat-engine/internal/room"
	"github.com/ripple/chat-engine/internal/store"
)

// Store is the slice of the durable store the reaper needs.
type Store interface {
	DeleteExpired(ctx context.Context, now time.Time, limit int) ([]store.Expired, error)
}

// Notifier publishes delete events on room change-feed subjects. The NATS
// client satisfies it; nil disables notifications.
type Notifier interface {
	PublishRoomEvent(roomID string, data []byte) error
}

// Purger removes reaped messages from a local in-process cache. The room hub
// satisfies it; nil skips local purging (the standalone reaper binary has no
// hub and relies on the change feed).
type Purger interface {
	PurgeMessage(roomID, messageID string)
}

// Config holds reaper tuning parameters.
type Config struct {
	Interval  time.Duration // sweep cadence
	BatchSize int           // max deletes per sweep
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Second,
		BatchSize: 500,
	}
}

// Reaper sweeps expired messages on a fixed interval. Sweeps are idempotent:
// a message already deleted simply no longer matches.
type Reaper struct {
	cfg    Config
	store  Store
	notify Notifier
	purge  Purger
}

// New creates a Reaper.
func New(cfg Config, st Store, notify Notifier, purge Purger) *Reaper {
	return &Reaper{cfg: cfg, store: st, notify: notify, purge: purge}
}

// Run sweeps until the context is cancelled. Individual sweep failures are
// logged and retried on the next tick.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	log.Printf("[reaper] sweeping every %s (batch=%d)", r.cfg.Interval, r.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			log.Println("[reaper] stopped")
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				log.Printf("[reaper] sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("[reaper] reaped %d expired messages", n)
			}
		}
	}
}

// Sweep deletes one batch of expired messages and fans out the delete
// notifications. It returns the number of messages reaped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	deleted, err := r.store.DeleteExpired(ctx, time.Now(), r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, d := range deleted {
		if r.purge != nil {
			r.purge.PurgeMessage(d.RoomID, d.ID)
		}
		if r.notify != nil {
			data, err := json.Marshal(room.FeedEvent{
				Op:        room.FeedDelete,
				RoomID:    d.RoomID,
				MessageID: d.ID,
			})
			if err == nil {
				if err := r.notify.PublishRoomEvent(d.RoomID, data); err != nil {
					log.Printf("[reaper] notify room=%s message=%s: %v", d.RoomID, d.ID, err)
				}
			}
		}
		metrics.MessagesReaped.Inc()
	}
	return len(deleted), nil
}
