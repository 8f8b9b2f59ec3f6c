package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ripple/chat-engine/internal/store"
)

// fakeMessageStore is an in-memory MessageStore. recentErr simulates a
// database outage for the history fallback path.
type fakeMessageStore struct {
	mu        sync.Mutex
	msgs      []store.Message
	insertErr error
	recentErr error
}

func (f *fakeMessageStore) Insert(ctx context.Context, m *store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.msgs = append(f.msgs, *m)
	return nil
}

func (f *fakeMessageStore) Recent(ctx context.Context, roomID string, limit int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	now := time.Now()
	out := make([]store.Message, 0, limit)
	for _, m := range f.msgs {
		if m.RoomID == roomID && !m.Expired(now) {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeMessageStore) setRecentErr(err error) {
	f.mu.Lock()
	f.recentErr = err
	f.mu.Unlock()
}

// fakeMembership answers group membership from a static map.
type fakeMembership struct {
	members map[string]map[string]bool // room id -> user id -> member
}

func (f *fakeMembership) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	return f.members[roomID][userID], nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Node = "test-node"
	cfg.SubscriptionBuffer = 16
	cfg.TypingTimeout = 60 * time.Millisecond
	cfg.HistorySize = 5
	return cfg
}

func newTestHub(t *testing.T, cfg Config, st MessageStore, members Membership) *Hub {
	t.Helper()
	h := New(cfg, st, members, nil)
	t.Cleanup(h.Close)
	return h
}

// nextEvent reads events from the subscription until one of the wanted kind
// arrives, failing the test if the stream closes or times out first.
func nextEvent(t *testing.T, sub *Subscription, kind string) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed while waiting for %q event", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", kind)
		}
	}
}

// expectNoEvent asserts that no event of the given kind arrives within d.
func expectNoEvent(t *testing.T, sub *Subscription, kind string, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Kind == kind {
				t.Fatalf("unexpected %q event: %+v", kind, ev)
			}
		case <-deadline:
			return
		}
	}
}

func textMessage(roomID, sender, content string) *store.Message {
	return &store.Message{
		ID:        fmt.Sprintf("%s-%s-%d", sender, content, time.Now().UnixNano()),
		RoomID:    roomID,
		SenderID:  sender,
		Content:   content,
		Type:      store.TypeText,
		CreatedAt: time.Now(),
	}
}

func TestDirectRoomID_CanonicalOrder(t *testing.T) {
	if got, want := DirectRoomID("bob", "alice"), "dm:alice:bob"; got != want {
		t.Errorf("DirectRoomID(bob, alice) = %q, want %q", got, want)
	}
	if DirectRoomID("alice", "bob") != DirectRoomID("bob", "alice") {
		t.Error("direct room id should not depend on argument order")
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf("dm:alice:bob"); got != KindDirect {
		t.Errorf("KindOf(dm:alice:bob) = %q, want %q", got, KindDirect)
	}
	if got := KindOf("team-standup"); got != KindGroup {
		t.Errorf("KindOf(team-standup) = %q, want %q", got, KindGroup)
	}
}

func TestDirectMembers(t *testing.T) {
	a, b, ok := DirectMembers("dm:alice:bob")
	if !ok || a != "alice" || b != "bob" {
		t.Errorf("DirectMembers(dm:alice:bob) = %q, %q, %v", a, b, ok)
	}
	if _, _, ok := DirectMembers("team-standup"); ok {
		t.Error("group room should have no structural members")
	}
}

func TestPublish_DeliversInOrder(t *testing.T) {
	st := &fakeMessageStore{}
	hub := newTestHub(t, testConfig(), st, nil)
	roomID := DirectRoomID("alice", "bob")
	ctx := context.Background()

	subA, err := hub.Join(ctx, roomID, "alice", "conn-a")
	if err != nil {
		t.Fatalf("alice join: %v", err)
	}
	subB, err := hub.Join(ctx, roomID, "bob", "conn-b")
	if err != nil {
		t.Fatalf("bob join: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if err := hub.Publish(ctx, textMessage(roomID, "alice", fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("publish msg-%d: %v", i, err)
		}
	}

	// Both sides, the sender included, receive all three in publish order.
	for _, sub := range []*Subscription{subA, subB} {
		for i := 1; i <= 3; i++ {
			ev := nextEvent(t, sub, EventMessage)
			if want := fmt.Sprintf("msg-%d", i); ev.Message.Content != want {
				t.Errorf("user %s: got %q, want %q", sub.UserID(), ev.Message.Content, want)
			}
		}
	}
}

func TestPublish_RejectsNonMember(t *testing.T) {
	hub := newTestHub(t, testConfig(), &fakeMessageStore{}, nil)
	roomID := DirectRoomID("alice", "bob")

	err := hub.Publish(context.Background(), textMessage(roomID, "carol", "hi"))
	if !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
}

func TestJoin_GroupMembershipChecked(t *testing.T) {
	members := &fakeMembership{members: map[string]map[string]bool{
		"team-standup": {"alice": true},
	}}
	hub := newTestHub(t, testConfig(), &fakeMessageStore{}, members)
	ctx := context.Background()

	if _, err := hub.Join(ctx, "team-standup", "alice", "conn-a"); err != nil {
		t.Fatalf("member join should succeed: %v", err)
	}
	if _, err := hub.Join(ctx, "team-standup", "mallory", "conn-m"); !errors.Is(err, ErrNotAMember) {
		t.Fatalf("non-member join: expected ErrNotAMember, got %v", err)
	}
}

func TestPublish_StoreFailureDeliversNothing(t *testing.T) {
	st := &fakeMessageStore{insertErr: errors.New("disk on fire")}
	hub := newTestHub(t, testConfig(), st, nil)
	roomID := DirectRoomID("alice", "bob")
	ctx := context.Background()

	subB, err := hub.Join(ctx, roomID, "bob", "conn-b")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := hub.Publish(ctx, textMessage(roomID, "alice", "lost")); err == nil {
		t.Fatal("expected publish to surface the store error")
	}
	expectNoEvent(t, subB, EventMessage, 100*time.Millisecond)
}

func TestPublish_SuppressesAlreadyExpired(t *testing.T) {
	hub := newTestHub(t, testConfig(), nil, nil)
	roomID := DirectRoomID("alice", "bob")
	ctx := context.Background()

	subB, err := hub.Join(ctx, roomID, "bob", "conn-b")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	m := textMessage(roomID, "alice", "gone already")
	exp := time.Now().Add(-time.Second)
	m.ExpiresAt = &exp

	if err := hub.Publish(ctx, m); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectNoEvent(t, subB, EventMessage, 100*time.Millisecond)
}

func TestLeave_Idempotent(t *testing.T) {
	hub := newTestHub(t, testConfig(), nil, nil)
	roomID := DirectRoomID("alice", "bob")

	sub, err := hub.Join(context.Background(), roomID, "alice", "conn-a")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	hub.Leave(sub)
	hub.Leave(sub) // second leave must be a no-op
	hub.Leave(nil) // nil subscription ignored

	select {
	case _, ok := <-sub.Events():
		if ok {
			// Drain any presence event that arrived before the close.
			for range sub.Events() {
			}
		}
	case <-time.After(time.Second):
		t.Fatal("events channel not closed after leave")
	}
}

func TestSlowConsumerEvicted(t *testing.T) {
	cfg := testConfig()
	cfg.SubscriptionBuffer = 1
	hub := newTestHub(t, cfg, nil, nil)
	roomID := DirectRoomID("alice", "bob")
	ctx := context.Background()

	sub, err := hub.Join(ctx, roomID, "bob", "conn-b")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	// Never drain sub. The join's presence event fills the buffer; the
	// following publishes overflow it and evict the subscriber.
	for i := 0; i < 3; i++ {
		if err := hub.Publish(ctx, textMessage(roomID, "alice", "flood")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return // evicted, channel closed
			}
		case <-deadline:
			t.Fatal("slow subscriber was not evicted")
		}
	}
}

func TestTyping_BroadcastAndAutoClear(t *testing.T) {
	hub := newTestHub(t, testConfig(), nil, nil)
	roomID := DirectRoomID("alice", "bob")
	ctx := context.Background()

	if _, err := hub.Join(ctx, roomID, "alice", "conn-a"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	subB, err := hub.Join(ctx, roomID, "bob", "conn-b")
	if err != nil {
		t.Fatalf("bob join: %v", err)
	}

	if err := hub.SetTyping(roomID, "alice", "conn-a", true); err != nil {
		t.Fatalf("set typing: %v", err)
	}

	// Bob sees alice typing.
	var sawTyping bool
	for !sawTyping {
		ev := nextEvent(t, subB, EventPresence)
		for _, e := range ev.Presence {
			if e.UserID == "alice" && e.Typing {
				sawTyping = true
			}
		}
	}

	// Without further updates the flag clears itself after the timeout.
	for {
		ev := nextEvent(t, subB, EventPresence)
		cleared := false
		for _, e := range ev.Presence {
			if e.UserID == "alice" && !e.Typing {
				cleared = true
			}
		}
		if cleared {
			return
		}
	}
}

func TestTyping_RefreshExtendsWindow(t *testing.T) {
	cfg := testConfig()
	cfg.TypingTimeout = 150 * time.Millisecond
	hub := newTestHub(t, cfg, nil, nil)
	roomID := DirectRoomID("alice", "bob")
	ctx := context.Background()

	if _, err := hub.Join(ctx, roomID, "alice", "conn-a"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	subB, err := hub.Join(ctx, roomID, "bob", "conn-b")
	if err != nil {
		t.Fatalf("bob join: %v", err)
	}

	if err := hub.SetTyping(roomID, "alice", "conn-a", true); err != nil {
		t.Fatalf("set typing: %v", err)
	}
	nextEvent(t, subB, EventPresence)

	// Refresh mid-window, then measure from the refresh to the clear.
	time.Sleep(80 * time.Millisecond)
	refreshed := time.Now()
	if err := hub.SetTyping(roomID, "alice", "conn-a", true); err != nil {
		t.Fatalf("refresh typing: %v", err)
	}

	for {
		ev := nextEvent(t, subB, EventPresence)
		for _, e := range ev.Presence {
			if e.UserID == "alice" && !e.Typing {
				if elapsed := time.Since(refreshed); elapsed < cfg.TypingTimeout {
					t.Fatalf("typing cleared %s after refresh, want >= %s", elapsed, cfg.TypingTimeout)
				}
				return
			}
		}
	}
}

func TestPresence_NeverIncludesSelf(t *testing.T) {
	hub := newTestHub(t, testConfig(), nil, nil)
	roomID := DirectRoomID("alice", "bob")
	ctx := context.Background()

	subA, err := hub.Join(ctx, roomID, "alice", "conn-a")
	if err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if _, err := hub.Join(ctx, roomID, "bob", "conn-b"); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	if err := hub.SetTyping(roomID, "alice", "conn-a", true); err != nil {
		t.Fatalf("set typing: %v", err)
	}

	// Every presence view alice receives must exclude alice herself.
	deadline := time.After(300 * time.Millisecond)
	for {
		select {
		case ev, ok := <-subA.Events():
			if !ok {
				t.Fatal("subscription closed unexpectedly")
			}
			if ev.Kind != EventPresence {
				continue
			}
			for _, e := range ev.Presence {
				if e.UserID == "alice" {
					t.Fatalf("alice's presence view contains herself: %+v", ev.Presence)
				}
			}
		case <-deadline:
			return
		}
	}
}

func TestSnapshot_ShowsOnlineUsers(t *testing.T) {
	hub := newTestHub(t, testConfig(), nil, nil)
	roomID := DirectRoomID("alice", "bob")
	ctx := context.Background()

	if _, err := hub.Join(ctx, roomID, "alice", "conn-a"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if _, err := hub.Join(ctx, roomID, "bob", "conn-b"); err != nil {
		t.Fatalf("bob join: %v", err)
	}

	// Joins are async; poll until the snapshot settles.
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := hub.Snapshot(roomID)
		if snap["alice"].Online && snap["bob"].Online {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot never showed both users online: %+v", snap)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSnapshot_UnknownRoomEmpty(t *testing.T) {
	hub := newTestHub(t, testConfig(), nil, nil)
	if snap := hub.Snapshot("dm:no:one"); len(snap) != 0 {
		t.Errorf("expected empty snapshot, got %+v", snap)
	}
}

func TestHistory_StoreFirstThenCacheFallback(t *testing.T) {
	st := &fakeMessageStore{}
	hub := newTestHub(t, testConfig(), st, nil)
	roomID := DirectRoomID("alice", "bob")
	ctx := context.Background()

	subB, err := hub.Join(ctx, roomID, "bob", "conn-b")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if err := hub.Publish(ctx, textMessage(roomID, "alice", fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	// Wait until delivery confirms the actor processed all three.
	for i := 1; i <= 3; i++ {
		nextEvent(t, subB, EventMessage)
	}

	msgs, err := hub.History(ctx, roomID, 10)
	if err != nil {
		t.Fatalf("history from store: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Content != "msg-1" || msgs[2].Content != "msg-3" {
		t.Fatalf("store history wrong: %+v", msgs)
	}

	// With the store down, history comes from the actor's cache.
	st.setRecentErr(errors.New("connection refused"))
	msgs, err = hub.History(ctx, roomID, 10)
	if err != nil {
		t.Fatalf("history from cache: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Content != "msg-1" || msgs[2].Content != "msg-3" {
		t.Fatalf("cache history wrong: %+v", msgs)
	}
}

func TestPurgeMessage_NotifiesAndForgets(t *testing.T) {
	hub := newTestHub(t, testConfig(), nil, nil)
	roomID := DirectRoomID("alice", "bob")
	ctx := context.Background()

	subB, err := hub.Join(ctx, roomID, "bob", "conn-b")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	m := textMessage(roomID, "alice", "short lived")
	if err := hub.Publish(ctx, m); err != nil {
		t.Fatalf("publish: %v", err)
	}
	nextEvent(t, subB, EventMessage)

	hub.PurgeMessage(roomID, m.ID)

	ev := nextEvent(t, subB, EventGone)
	if ev.MessageID != m.ID {
		t.Errorf("gone event for %q, want %q", ev.MessageID, m.ID)
	}

	msgs, err := hub.History(ctx, roomID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for _, got := range msgs {
		if got.ID == m.ID {
			t.Error("purged message still in history")
		}
	}
}

func TestSnapshotHistory_ReturnAfterClose(t *testing.T) {
	hub := New(testConfig(), nil, nil, nil)
	roomID := DirectRoomID("alice", "bob")
	ctx := context.Background()

	if _, err := hub.Join(ctx, roomID, "alice", "conn-a"); err != nil {
		t.Fatalf("join: %v", err)
	}

	hub.mu.RLock()
	r := hub.rooms[roomID]
	hub.mu.RUnlock()

	// Stall the actor so the queries below stay queued behind it.
	gate := make(chan struct{})
	defer close(gate)
	r.post(func(*room) { <-gate })

	snapDone := make(chan struct{})
	go func() {
		hub.Snapshot(roomID)
		close(snapDone)
	}()
	histDone := make(chan struct{})
	go func() {
		hub.History(ctx, roomID, 10)
		close(histDone)
	}()

	// Wait until both query ops are queued, then shut the hub down without
	// letting them run.
	deadline := time.Now().Add(2 * time.Second)
	for len(r.ops) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("query ops never reached the actor queue")
		}
		time.Sleep(time.Millisecond)
	}
	hub.Close()

	for _, ch := range []chan struct{}{snapDone, histDone} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("query blocked after hub close")
		}
	}
}
