package room

import "time"

// PresenceEntry is the merged, per-user presence view within a room: typing
// is the OR across the user's live connections, LastUpdate the max.
type PresenceEntry struct {
	UserID     string
	Typing     bool
	Online     bool
	LastUpdate time.Time
}

// connPresence is the raw per-connection state behind the merged view.
type connPresence struct {
	typing  bool
	updated time.Time
}

// presenceMap holds per-(user, connection) presence for one room and merges
// it into per-user entries. It is owned by the room actor and is not
// goroutine-safe on its own.
type presenceMap struct {
	stale time.Duration
	users map[string]map[string]connPresence // user id -> conn id -> state
}

func newPresenceMap(stale time.Duration) *presenceMap {
	return &presenceMap{
		stale: stale,
		users: make(map[string]map[string]connPresence),
	}
}

// set records a connection's typing state and reports whether the user's
// merged view changed. Redundant updates return false so broadcasts can be
// suppressed.
func (p *presenceMap) set(userID, connID string, typing bool, now time.Time) bool {
	before := p.userView(userID, now)

	conns, ok := p.users[userID]
	if !ok {
		conns = make(map[string]connPresence)
		p.users[userID] = conns
	}
	conns[connID] = connPresence{typing: typing, updated: now}

	after := p.userView(userID, now)
	return before != after
}

// dropConn removes a connection's contribution (on leave or disconnect) and
// reports whether the user's merged view changed. The user's entry lingers
// until the next housekeeping prune so snapshots can still show a last-seen
// timestamp.
func (p *presenceMap) dropConn(userID, connID string, now time.Time) bool {
	conns, ok := p.users[userID]
	if !ok {
		return false
	}
	if _, ok := conns[connID]; !ok {
		return false
	}

	before := p.userView(userID, now)
	delete(conns, connID)
	after := p.userView(userID, now)
	return before != after
}

// view is the comparable merged state of one user.
type view struct {
	typing bool
	online bool
}

// userView merges one user's connections. A connection past the staleness
// threshold contributes typing=false; a user with no live connections is
// offline.
func (p *presenceMap) userView(userID string, now time.Time) view {
	var v view
	for _, c := range p.users[userID] {
		v.online = true
		if c.typing && now.Sub(c.updated) < p.stale {
			v.typing = true
		}
	}
	return v
}

// entry builds the merged PresenceEntry for one user.
func (p *presenceMap) entry(userID string, now time.Time) PresenceEntry {
	e := PresenceEntry{UserID: userID}
	for _, c := range p.users[userID] {
		e.Online = true
		if c.typing && now.Sub(c.updated) < p.stale {
			e.Typing = true
		}
		if c.updated.After(e.LastUpdate) {
			e.LastUpdate = c.updated
		}
	}
	return e
}

// merged returns the full merged presence set, sorted by user id. Users whose
// id equals exclude are omitted: a user never sees their own typing state.
func (p *presenceMap) merged(exclude string, now time.Time) []PresenceEntry {
	entries := make([]PresenceEntry, 0, len(p.users))
	for uid := range p.users {
		if uid == exclude {
			continue
		}
		entries = append(entries, p.entry(uid, now))
	}
	sortPresence(entries)
	return entries
}

// prune drops connections that have not updated within the horizon, and
// users left with no connections. Returns the number of users removed.
func (p *presenceMap) prune(horizon time.Duration, now time.Time) int {
	removed := 0
	for uid, conns := range p.users {
		for cid, c := range conns {
			if now.Sub(c.updated) > horizon {
				delete(conns, cid)
			}
		}
		if len(conns) == 0 {
			delete(p.users, uid)
			removed++
		}
	}
	return removed
}
