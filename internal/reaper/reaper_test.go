package reaper

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ripple/chat-engine/internal/room"
	"github.com/ripple/chat-engine/internal/store"
)

// fakeExpiryStore returns canned batches of expired rows, one per call.
type fakeExpiryStore struct {
	mu      sync.Mutex
	batches [][]store.Expired
	err     error
}

func (f *fakeExpiryStore) DeleteExpired(ctx context.Context, now time.Time, limit int) ([]store.Expired, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	if len(batch) > limit {
		batch = batch[:limit]
	}
	return batch, nil
}

// fakeNotifier records published change-feed events.
type fakeNotifier struct {
	mu     sync.Mutex
	events []room.FeedEvent
}

func (f *fakeNotifier) PublishRoomEvent(roomID string, data []byte) error {
	var ev room.FeedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return nil
}

// fakePurger records local cache purges.
type fakePurger struct {
	mu     sync.Mutex
	purged []string
}

func (f *fakePurger) PurgeMessage(roomID, messageID string) {
	f.mu.Lock()
	f.purged = append(f.purged, roomID+"/"+messageID)
	f.mu.Unlock()
}

func TestSweep_PurgesAndNotifies(t *testing.T) {
	st := &fakeExpiryStore{batches: [][]store.Expired{{
		{ID: "m1", RoomID: "dm:alice:bob"},
		{ID: "m2", RoomID: "team-standup"},
	}}}
	notify := &fakeNotifier{}
	purge := &fakePurger{}

	r := New(DefaultConfig(), st, notify, purge)
	n, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("reaped %d, want 2", n)
	}

	if len(purge.purged) != 2 || purge.purged[0] != "dm:alice:bob/m1" {
		t.Errorf("purges: %v", purge.purged)
	}

	if len(notify.events) != 2 {
		t.Fatalf("expected 2 feed events, got %d", len(notify.events))
	}
	for _, ev := range notify.events {
		if ev.Op != room.FeedDelete {
			t.Errorf("feed op = %q, want %q", ev.Op, room.FeedDelete)
		}
		if ev.MessageID == "" || ev.RoomID == "" {
			t.Errorf("incomplete feed event: %+v", ev)
		}
	}
}

func TestSweep_EmptyAndIdempotent(t *testing.T) {
	st := &fakeExpiryStore{batches: [][]store.Expired{{
		{ID: "m1", RoomID: "dm:alice:bob"},
	}}}
	notify := &fakeNotifier{}

	r := New(DefaultConfig(), st, notify, nil)

	if n, err := r.Sweep(context.Background()); err != nil || n != 1 {
		t.Fatalf("first sweep: n=%d err=%v", n, err)
	}
	// The rows are gone; a second sweep finds nothing and emits nothing.
	if n, err := r.Sweep(context.Background()); err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
	if len(notify.events) != 1 {
		t.Errorf("expected 1 feed event total, got %d", len(notify.events))
	}
}

func TestSweep_StoreErrorSurfaced(t *testing.T) {
	st := &fakeExpiryStore{err: errors.New("connection reset")}
	r := New(DefaultConfig(), st, nil, nil)

	if _, err := r.Sweep(context.Background()); err == nil {
		t.Fatal("expected sweep to surface the store error")
	}
}

func TestSweep_BatchLimitRespected(t *testing.T) {
	batch := make([]store.Expired, 10)
	for i := range batch {
		batch[i] = store.Expired{ID: "m", RoomID: "r"}
	}
	st := &fakeExpiryStore{batches: [][]store.Expired{batch}}

	cfg := DefaultConfig()
	cfg.BatchSize = 4
	r := New(cfg, st, nil, nil)

	n, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 4 {
		t.Errorf("reaped %d, want batch limit 4", n)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	r := New(cfg, &fakeExpiryStore{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
