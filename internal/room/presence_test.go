package room

import (
	"testing"
	"time"
)

func TestPresenceSet_ReportsChange(t *testing.T) {
	p := newPresenceMap(30 * time.Second)
	now := time.Now()

	if !p.set("alice", "c1", false, now) {
		t.Error("first sighting should change the merged view")
	}
	if p.set("alice", "c1", false, now.Add(time.Second)) {
		t.Error("redundant update should not change the merged view")
	}
	if !p.set("alice", "c1", true, now.Add(2*time.Second)) {
		t.Error("typing=true should change the merged view")
	}
	if p.set("alice", "c2", true, now.Add(3*time.Second)) {
		t.Error("second typing connection should not change the merged view")
	}
}

func TestPresenceMerge_TypingIsOrAcrossConnections(t *testing.T) {
	p := newPresenceMap(30 * time.Second)
	now := time.Now()

	p.set("alice", "phone", false, now)
	p.set("alice", "laptop", true, now)

	e := p.entry("alice", now)
	if !e.Online || !e.Typing {
		t.Errorf("expected online and typing, got %+v", e)
	}

	// The typing connection drops; the other keeps alice online, not typing.
	if !p.dropConn("alice", "laptop", now) {
		t.Error("dropping the typing connection should change the view")
	}
	e = p.entry("alice", now)
	if !e.Online || e.Typing {
		t.Errorf("expected online and not typing, got %+v", e)
	}
}

func TestPresenceMerge_StaleTypingReadsFalse(t *testing.T) {
	p := newPresenceMap(30 * time.Second)
	start := time.Now()

	p.set("alice", "c1", true, start)

	if e := p.entry("alice", start.Add(10*time.Second)); !e.Typing {
		t.Error("typing within the staleness window should read true")
	}
	if e := p.entry("alice", start.Add(31*time.Second)); e.Typing {
		t.Error("typing past the staleness window should read false")
	}
}

func TestPresenceMerge_LastUpdateIsMax(t *testing.T) {
	p := newPresenceMap(30 * time.Second)
	t0 := time.Now()
	t1 := t0.Add(5 * time.Second)

	p.set("alice", "c1", false, t0)
	p.set("alice", "c2", false, t1)

	if e := p.entry("alice", t1); !e.LastUpdate.Equal(t1) {
		t.Errorf("LastUpdate = %v, want %v", e.LastUpdate, t1)
	}
}

func TestPresenceMerged_ExcludesAndSorts(t *testing.T) {
	p := newPresenceMap(30 * time.Second)
	now := time.Now()

	p.set("carol", "c1", false, now)
	p.set("alice", "c1", false, now)
	p.set("bob", "c1", false, now)

	entries := p.merged("bob", now)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].UserID != "alice" || entries[1].UserID != "carol" {
		t.Errorf("expected [alice carol], got [%s %s]", entries[0].UserID, entries[1].UserID)
	}
}

func TestPresencePrune_DropsIdleUsers(t *testing.T) {
	p := newPresenceMap(30 * time.Second)
	start := time.Now()

	p.set("alice", "c1", false, start)
	p.set("bob", "c1", false, start.Add(4*time.Minute))

	removed := p.prune(5*time.Minute, start.Add(6*time.Minute))
	if removed != 1 {
		t.Fatalf("expected 1 user pruned, got %d", removed)
	}
	if len(p.merged("", start.Add(6*time.Minute))) != 1 {
		t.Error("expected only bob to remain")
	}
}
