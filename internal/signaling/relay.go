// Package signaling relays WebRTC session-setup messages (SDP offers and
// answers, ICE candidates, call teardown) between exactly two users. Each
// unordered user pair has at most one live CallSession, driven through an
// explicit state machine; signals that do not fit the current state are
// rejected instead of being forwarded blind.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ripple/chat-engine/internal/metrics"
)

// Signal kinds.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
	SignalDecline      = "decline"
	SignalEnd          = "end_call"
)

// Media kinds carried on an offer.
const (
	MediaAudio = "audio"
	MediaVideo = "video"
)

// Synthesized end_call reasons.
const (
	ReasonTimeout      = "timeout"
	ReasonDisconnected = "disconnected"
)

var (
	// ErrBusy rejects signals that would interfere with a session one of
	// the parties already has with someone else, and repeat offers on a
	// pair that already has a live session.
	ErrBusy = errors.New("party is busy")

	// ErrStaleSignal rejects signals addressed to a session that does not
	// exist or is in the wrong state. Dropped and logged by callers, never
	// fatal.
	ErrStaleSignal = errors.New("stale signal")
)

// Signal is one relayed signaling payload. SDP rides on offers and answers,
// Candidate on ice-candidate signals (relayed verbatim), Media on offers,
// Reason on synthesized end_call signals.
type Signal struct {
	Type      string          `json:"type"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Media     string          `json:"media,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Ts        int64           `json:"ts,omitempty"`
}

// State is a call session's position in the state machine.
type State int

const (
	StateIdle State = iota
	StateCalling
	StateInCall
)

func (s State) String() string {
	switch s {
	case StateCalling:
		return "calling"
	case StateInCall:
		return "in_call"
	default:
		return "idle"
	}
}

// PairKey returns the deterministic session key for an unordered user pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// session is one live call between caller and callee.
type session struct {
	key     string
	seq     uint64 // distinguishes this session from a later one on the same pair
	caller  string
	callee  string
	media   string
	state   State
	ring    *time.Timer
	pending map[string][]Signal // per-target buffer until the target attaches
}

func (s *session) other(userID string) string {
	if userID == s.caller {
		return s.callee
	}
	return s.caller
}

// Config holds relay tuning parameters.
type Config struct {
	RingTimeout time.Duration // unanswered offers revert to idle after this
	MaxPending  int           // buffered signals per target before oldest drop
}

// DefaultConfig returns production defaults: a 60s ringing timeout and a
// 16-signal buffer (stale ICE candidates are harmless to lose).
func DefaultConfig() Config {
	return Config{
		RingTimeout: 60 * time.Second,
		MaxPending:  16,
	}
}

// Sink receives signals for a locally connected user. Sinks must be quick
// and must not call back into the relay.
type Sink func(Signal)

// Relay pairs users into rendezvous sessions and relays signals between
// them, enforcing the state machine and per-pair FIFO delivery. Delivery is
// at-most-once; retry is the caller's concern.
type Relay struct {
	cfg Config

	mu       sync.Mutex
	seq      uint64
	sessions map[string]*session // pair key -> session
	byUser   map[string]*session // user id -> the session they are party to
	sinks    map[string]Sink
	fallback func(to string, sig Signal) bool
}

// NewRelay creates a Relay with the given configuration.
func NewRelay(cfg Config) *Relay {
	return &Relay{
		cfg:      cfg,
		sessions: make(map[string]*session),
		byUser:   make(map[string]*session),
		sinks:    make(map[string]Sink),
	}
}

// SetFallback installs a delivery function tried when a target has no local
// sink, e.g. publishing to the target's NATS signal subject. It returns true
// if it accepted the signal; otherwise the relay buffers.
func (r *Relay) SetFallback(fn func(to string, sig Signal) bool) {
	r.mu.Lock()
	r.fallback = fn
	r.mu.Unlock()
}

// Attach registers a user's local delivery sink and flushes any signals
// buffered for them, preserving send order.
func (r *Relay) Attach(userID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sinks[userID] = sink
	sess := r.byUser[userID]
	if sess == nil {
		return
	}
	buffered := sess.pending[userID]
	delete(sess.pending, userID)
	for _, sig := range buffered {
		sink(sig)
		metrics.SignalsTotal.WithLabelValues("delivered").Inc()
	}
}

// Detach removes a user's sink. If the user is mid-call, the session is torn
// down and a synthesized end_call is delivered to the remaining party.
func (r *Relay) Detach(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sinks, userID)
	sess := r.byUser[userID]
	if sess == nil {
		return
	}

	peer := sess.other(userID)
	r.teardown(sess)
	r.deliver(nil, peer, Signal{
		Type:   SignalEnd,
		From:   userID,
		Reason: ReasonDisconnected,
		Ts:     time.Now().Unix(),
	})
	log.Printf("[signaling] synthesized end_call pair=%s reason=disconnect from=%s", sess.key, userID)
}

// Send validates a signal from one user to another against the pair's
// session state and relays it. Sender and target are fixed by the arguments;
// any From/To inside sig are overwritten.
func (r *Relay) Send(from, to string, sig Signal) error {
	if from == "" || to == "" || from == to {
		return fmt.Errorf("signaling: invalid parties %q -> %q", from, to)
	}
	sig.From = from
	sig.To = to
	if sig.Ts == 0 {
		sig.Ts = time.Now().Unix()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := PairKey(from, to)
	if r.busyElsewhere(from, key) || r.busyElsewhere(to, key) {
		metrics.SignalsTotal.WithLabelValues("rejected_busy").Inc()
		return fmt.Errorf("signaling: %s/%s: %w", from, to, ErrBusy)
	}

	sess := r.sessions[key]

	switch sig.Type {
	case SignalOffer:
		if sess != nil {
			metrics.SignalsTotal.WithLabelValues("rejected_busy").Inc()
			return fmt.Errorf("signaling: pair %s already has a session: %w", key, ErrBusy)
		}
		sess = r.newSession(key, from, to, sig.Media)
		r.deliver(sess, to, sig)
		return nil

	case SignalAnswer:
		if sess == nil || sess.state != StateCalling || from != sess.callee {
			metrics.SignalsTotal.WithLabelValues("stale").Inc()
			return fmt.Errorf("signaling: answer for pair %s: %w", key, ErrStaleSignal)
		}
		sess.state = StateInCall
		if sess.ring != nil {
			sess.ring.Stop()
			sess.ring = nil
		}
		r.deliver(sess, sess.caller, sig)
		return nil

	case SignalDecline:
		if sess == nil || sess.state != StateCalling || from != sess.callee {
			metrics.SignalsTotal.WithLabelValues("stale").Inc()
			return fmt.Errorf("signaling: decline for pair %s: %w", key, ErrStaleSignal)
		}
		caller := sess.caller
		r.teardown(sess)
		r.deliver(nil, caller, sig)
		return nil

	case SignalEnd:
		if sess == nil {
			metrics.SignalsTotal.WithLabelValues("stale").Inc()
			return fmt.Errorf("signaling: end for pair %s: %w", key, ErrStaleSignal)
		}
		peer := sess.other(from)
		r.teardown(sess)
		r.deliver(nil, peer, sig)
		return nil

	case SignalICECandidate:
		if sess == nil {
			metrics.SignalsTotal.WithLabelValues("stale").Inc()
			return fmt.Errorf("signaling: ice-candidate for pair %s: %w", key, ErrStaleSignal)
		}
		r.deliver(sess, sess.other(from), sig)
		return nil

	default:
		return fmt.Errorf("signaling: unknown signal type %q", sig.Type)
	}
}

// PairState reports the current state of a pair's session.
func (r *Relay) PairState(a, b string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[PairKey(a, b)]
	if sess == nil {
		return StateIdle
	}
	return sess.state
}

// busyElsewhere reports whether a user is party to a live session under a
// different pair key.
func (r *Relay) busyElsewhere(userID, key string) bool {
	s := r.byUser[userID]
	return s != nil && s.key != key
}

// newSession creates a calling-state session and arms the ringing timeout.
// Called with the lock held.
func (r *Relay) newSession(key, caller, callee, media string) *session {
	r.seq++
	sess := &session{
		key:     key,
		seq:     r.seq,
		caller:  caller,
		callee:  callee,
		media:   media,
		state:   StateCalling,
		pending: make(map[string][]Signal),
	}
	r.sessions[key] = sess
	r.byUser[caller] = sess
	r.byUser[callee] = sess
	metrics.ActiveCalls.Inc()

	seq := sess.seq
	sess.ring = time.AfterFunc(r.cfg.RingTimeout, func() {
		r.ringExpired(key, seq)
	})
	return sess
}

// ringExpired reverts an unanswered call to idle. The sequence check makes
// it a no-op if the session was answered, torn down, or replaced while the
// timer was in flight.
func (r *Relay) ringExpired(key string, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.sessions[key]
	if sess == nil || sess.seq != seq || sess.state != StateCalling {
		return
	}

	caller, callee := sess.caller, sess.callee
	r.teardown(sess)
	now := time.Now().Unix()
	r.deliver(nil, caller, Signal{Type: SignalEnd, From: callee, Reason: ReasonTimeout, Ts: now})
	r.deliver(nil, callee, Signal{Type: SignalEnd, From: caller, Reason: ReasonTimeout, Ts: now})
	log.Printf("[signaling] ringing timeout pair=%s", key)
}

// teardown discards a session and everything buffered for it. Called with
// the lock held.
func (r *Relay) teardown(sess *session) {
	if sess.ring != nil {
		sess.ring.Stop()
		sess.ring = nil
	}
	delete(r.sessions, sess.key)
	if r.byUser[sess.caller] == sess {
		delete(r.byUser, sess.caller)
	}
	if r.byUser[sess.callee] == sess {
		delete(r.byUser, sess.callee)
	}
	sess.pending = nil
	metrics.ActiveCalls.Dec()
}

// deliver hands a signal to the target's sink, the fallback, or the
// session's bounded buffer, in that order. With a nil session (teardown
// notifications) undeliverable signals are dropped outright. The target is
// stamped into the signal so sinks and the fallback can route on it. Called
// with the lock held.
func (r *Relay) deliver(sess *session, to string, sig Signal) {
	sig.To = to
	if sink := r.sinks[to]; sink != nil {
		sink(sig)
		metrics.SignalsTotal.WithLabelValues("delivered").Inc()
		return
	}
	if r.fallback != nil && r.fallback(to, sig) {
		metrics.SignalsTotal.WithLabelValues("delivered").Inc()
		return
	}
	if sess == nil {
		metrics.SignalsTotal.WithLabelValues("dropped").Inc()
		return
	}

	q := sess.pending[to]
	if len(q) >= r.cfg.MaxPending {
		log.Printf("[signaling] pending buffer full pair=%s target=%s, dropping oldest %s",
			sess.key, to, q[0].Type)
		metrics.SignalsTotal.WithLabelValues("dropped").Inc()
		q = q[1:]
	}
	sess.pending[to] = append(q, sig)
	metrics.SignalsTotal.WithLabelValues("buffered").Inc()
}
