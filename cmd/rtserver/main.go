package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ripple/chat-engine/internal/membership"
	"github.com/ripple/chat-engine/internal/messaging"
	"github.com/ripple/chat-engine/internal/protocol"
	"github.com/ripple/chat-engine/internal/ratelimit"
	"github.com/ripple/chat-engine/internal/room"
	"github.com/ripple/chat-engine/internal/signaling"
	"github.com/ripple/chat-engine/internal/store"
	"github.com/ripple/chat-engine/internal/ws"
)

// connState tracks the per-connection application state: the rooms this
// connection currently has open. Guarded by its own mutex since dispatcher
// handlers and the disconnect callback run on different goroutines.
type connState struct {
	mu   sync.Mutex
	subs map[string]*room.Subscription // room id -> subscription
}

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	nodeName, _ := os.Hostname()
	if v := os.Getenv("NODE_NAME"); v != "" {
		nodeName = v
	}
	if nodeName == "" {
		nodeName = "rt-1"
	}

	// --- PostgreSQL ---
	pgDSN := "postgres://localhost:5432/chatengine?sslmode=disable"
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		pgDSN = v
	}
	messageStore, err := store.Open(pgDSN)
	if err != nil {
		log.Fatalf("failed to open message store: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	members, err := membership.NewStore(redisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(members.Client())

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsConfig.Name = "chat-engine-" + nodeName
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Room hub ---
	hubConfig := room.DefaultConfig()
	hubConfig.Node = nodeName
	if v := os.Getenv("HISTORY_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hubConfig.HistorySize = n
		}
	}
	if v := os.Getenv("TYPING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			hubConfig.TypingTimeout = d
		}
	}
	hub := room.New(hubConfig, messageStore, members, natsClient)

	// --- Call signaling relay ---
	relayConfig := signaling.DefaultConfig()
	if v := os.Getenv("RING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			relayConfig.RingTimeout = d
		}
	}
	relay := signaling.NewRelay(relayConfig)

	log.Printf("chat-engine realtime server starting")
	log.Printf("  node_name:       %s", nodeName)
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  history_size:    %d", hubConfig.HistorySize)
	log.Printf("  typing_timeout:  %s", hubConfig.TypingTimeout)
	log.Printf("  ring_timeout:    %s", relayConfig.RingTimeout)

	// Declare server early so closures can capture it.
	var server *ws.Server

	// Per-connection application state, keyed by connection ID.
	var statesMu sync.Mutex
	states := make(map[string]*connState)

	stateFor := func(connID string) *connState {
		statesMu.Lock()
		defer statesMu.Unlock()
		st, ok := states[connID]
		if !ok {
			st = &connState{subs: make(map[string]*room.Subscription)}
			states[connID] = st
		}
		return st
	}

	// Cross-node signal delivery: when the callee has no sink on the sending
	// node, the relay hands the signal to this fallback, which publishes it
	// on the callee's signal subject.
	relay.SetFallback(func(to string, sig signaling.Signal) bool {
		data, err := json.Marshal(sig)
		if err != nil {
			return false
		}
		if err := natsClient.PublishSignal(to, data); err != nil {
			log.Printf("[signal] fallback publish to=%s failed: %v", to, err)
			return false
		}
		return true
	})

	// sendSignalToUser wraps a relayed signal in a signal_event frame and
	// writes it to every local connection the target user holds.
	sendSignalToUser := func(userID string, sig signaling.Signal) {
		raw, err := json.Marshal(sig)
		if err != nil {
			return
		}
		data, err := protocol.NewServerMessage(protocol.TypeSignalEvent, protocol.SignalEventMsg{
			From:   sig.From,
			Signal: raw,
		})
		if err != nil {
			return
		}
		if n := server.SendToUser(userID, data); n == 0 {
			log.Printf("[signal] no live connection for user=%s type=%s", userID, sig.Type)
		}
	}

	// pumpEvents forwards a subscription's event stream to the connection
	// until the subscription is closed. Runs as one goroutine per open room
	// view.
	pumpEvents := func(conn *ws.Connection, sub *room.Subscription) {
		for ev := range sub.Events() {
			switch ev.Kind {
			case room.EventMessage:
				data, err := protocol.NewServerMessage(protocol.TypeMessage, protocol.ServerMessageMsg{
					Message: messageEvent(ev.Message),
				})
				if err == nil {
					_ = conn.WriteMessage(data)
				}

			case room.EventPresence:
				users := make([]protocol.PresenceEntryMsg, 0, len(ev.Presence))
				for _, p := range ev.Presence {
					users = append(users, protocol.PresenceEntryMsg{
						UserID:     p.UserID,
						Typing:     p.Typing,
						Online:     p.Online,
						LastUpdate: p.LastUpdate.Unix(),
					})
				}
				data, err := protocol.NewServerMessage(protocol.TypePresence, protocol.PresenceMsg{
					RoomID: sub.RoomID(),
					Users:  users,
				})
				if err == nil {
					_ = conn.WriteMessage(data)
				}

			case room.EventGone:
				data, err := protocol.NewServerMessage(protocol.TypeMessageGone, protocol.MessageGoneMsg{
					RoomID:    sub.RoomID(),
					MessageID: ev.MessageID,
				})
				if err == nil {
					_ = conn.WriteMessage(data)
				}
			}
		}
	}

	dispatcher := ws.NewMessageDispatcher(nil)

	// -----------------------------------------------------------------------
	// hello — bind the authenticated user identity to the connection
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeHello, func(conn *ws.Connection, msg interface{}) {
		helloMsg, ok := msg.(protocol.HelloMsg)
		if !ok || helloMsg.UserID == "" {
			dispatcher.SendError(conn, "invalid_hello", "user_id is required")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		// Connection-rate limit keyed by client IP.
		if ip := remoteIP(conn); ip != "" {
			allowed, _ := limiter.Allow(ctx, ip, ratelimit.RuleConnect)
			if !allowed {
				retry := limiter.RetryAfter(ctx, ip, ratelimit.RuleConnect)
				data, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
					RetryAfter: retry,
				})
				_ = conn.WriteMessage(data)
				server.RemoveConnection(conn)
				return
			}
		}

		userID := helloMsg.UserID
		if err := server.Connections().BindUser(conn, userID); err != nil {
			dispatcher.SendError(conn, "already_identified", "connection is bound to another user")
			return
		}

		if err := members.SetOnline(ctx, userID); err != nil {
			log.Printf("[hello] set online user=%s: %v", userID, err)
		}

		// Local sink for relayed call signals. Attaching again for a second
		// connection of the same user just replaces the sink; SendToUser
		// reaches all of the user's connections either way.
		relay.Attach(userID, func(sig signaling.Signal) {
			sendSignalToUser(sig.To, sig)
		})

		// Cross-node signals addressed to this user arrive on the user's
		// signal subject.
		if err := natsClient.SubscribeSignals(userID, func(data []byte) {
			var sig signaling.Signal
			if err := json.Unmarshal(data, &sig); err != nil {
				log.Printf("[signal] unmarshal for user=%s: %v", userID, err)
				return
			}
			sendSignalToUser(userID, sig)
		}); err != nil {
			log.Printf("[hello] signal subscribe user=%s: %v", userID, err)
		}

		log.Printf("hello conn=%s user=%s", conn.ID, userID)
	})

	// -----------------------------------------------------------------------
	// join — open a room view: live stream plus one-time history backlog
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoin, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinMsg)
		if !ok || joinMsg.RoomID == "" {
			dispatcher.SendError(conn, "invalid_join", "room_id is required")
			return
		}
		userID := conn.UserID()
		if userID == "" {
			dispatcher.SendError(conn, "not_identified", "send hello first")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		st := stateFor(conn.ID)
		st.mu.Lock()
		if _, open := st.subs[joinMsg.RoomID]; open {
			st.mu.Unlock()
			// Idempotent: the view is already open.
			data, _ := protocol.NewServerMessage(protocol.TypeJoined, protocol.JoinedMsg{RoomID: joinMsg.RoomID})
			_ = conn.WriteMessage(data)
			return
		}
		st.mu.Unlock()

		sub, err := hub.Join(ctx, joinMsg.RoomID, userID, conn.ID)
		if err != nil {
			if errors.Is(err, room.ErrNotAMember) {
				dispatcher.SendError(conn, "not_a_member", "not a member of this room")
			} else {
				log.Printf("[join] room=%s user=%s: %v", joinMsg.RoomID, userID, err)
				dispatcher.SendError(conn, "join_failed", "could not join room")
			}
			return
		}

		st.mu.Lock()
		st.subs[joinMsg.RoomID] = sub
		st.mu.Unlock()

		data, _ := protocol.NewServerMessage(protocol.TypeJoined, protocol.JoinedMsg{RoomID: joinMsg.RoomID})
		_ = conn.WriteMessage(data)

		// One-time backlog; the live stream never replays it.
		history, err := hub.History(ctx, joinMsg.RoomID, hubConfig.HistorySize)
		if err != nil {
			log.Printf("[join] history room=%s: %v", joinMsg.RoomID, err)
		}
		events := make([]protocol.MessageEvent, 0, len(history))
		for i := range history {
			events = append(events, messageEvent(&history[i]))
		}
		histData, err := protocol.NewServerMessage(protocol.TypeHistory, protocol.HistoryMsg{
			RoomID:   joinMsg.RoomID,
			Messages: events,
		})
		if err == nil {
			_ = conn.WriteMessage(histData)
		}

		go pumpEvents(conn, sub)

		log.Printf("join conn=%s user=%s room=%s", conn.ID, userID, joinMsg.RoomID)
	})

	// -----------------------------------------------------------------------
	// leave — close a room view
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLeave, func(conn *ws.Connection, msg interface{}) {
		leaveMsg, ok := msg.(protocol.LeaveMsg)
		if !ok || leaveMsg.RoomID == "" {
			return
		}
		st := stateFor(conn.ID)
		st.mu.Lock()
		sub := st.subs[leaveMsg.RoomID]
		delete(st.subs, leaveMsg.RoomID)
		st.mu.Unlock()

		// Unknown room or never joined: no-op.
		hub.Leave(sub)
		log.Printf("leave conn=%s room=%s", conn.ID, leaveMsg.RoomID)
	})

	// -----------------------------------------------------------------------
	// send_message — durably store and fan out a room message
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok || sendMsg.RoomID == "" {
			dispatcher.SendError(conn, "invalid_message", "room_id is required")
			return
		}
		userID := conn.UserID()
		if userID == "" {
			dispatcher.SendError(conn, "not_identified", "send hello first")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		allowed, _ := limiter.Allow(ctx, userID, ratelimit.RuleMessage)
		if !allowed {
			retry := limiter.RetryAfter(ctx, userID, ratelimit.RuleMessage)
			data, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: retry,
			})
			_ = conn.WriteMessage(data)
			return
		}

		contentType := sendMsg.ContentType
		if contentType == "" {
			contentType = store.TypeText
		}
		if !store.ValidType(contentType) {
			dispatcher.SendError(conn, "invalid_message", "unsupported content type")
			return
		}

		now := time.Now().UTC()
		m := &store.Message{
			ID:        uuid.New().String(),
			RoomID:    sendMsg.RoomID,
			SenderID:  userID,
			Content:   sendMsg.Content,
			Type:      contentType,
			CreatedAt: now,
		}
		if sendMsg.EphemeralSeconds > 0 {
			exp := now.Add(time.Duration(sendMsg.EphemeralSeconds) * time.Second)
			m.ExpiresAt = &exp
		}

		if err := hub.Publish(ctx, m); err != nil {
			switch {
			case errors.Is(err, room.ErrNotAMember):
				dispatcher.SendError(conn, "not_a_member", "not a member of this room")
			case errors.Is(err, store.ErrStore):
				log.Printf("[send] store error room=%s user=%s: %v", sendMsg.RoomID, userID, err)
				dispatcher.SendError(conn, "store_error", "message could not be stored")
			default:
				log.Printf("[send] room=%s user=%s: %v", sendMsg.RoomID, userID, err)
				dispatcher.SendError(conn, "send_failed", "message could not be published")
			}
			return
		}
	})

	// -----------------------------------------------------------------------
	// typing — typing indicator with server-side debounce
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok || typingMsg.RoomID == "" {
			return
		}
		userID := conn.UserID()
		if userID == "" {
			return
		}
		if err := hub.SetTyping(typingMsg.RoomID, userID, conn.ID, typingMsg.IsTyping); err != nil {
			log.Printf("[typing] room=%s user=%s: %v", typingMsg.RoomID, userID, err)
		}
	})

	// -----------------------------------------------------------------------
	// signal — relay call signaling to another user
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSignal, func(conn *ws.Connection, msg interface{}) {
		signalMsg, ok := msg.(protocol.SignalMsg)
		if !ok || signalMsg.To == "" {
			dispatcher.SendError(conn, "invalid_signal", "to is required")
			return
		}
		userID := conn.UserID()
		if userID == "" {
			dispatcher.SendError(conn, "not_identified", "send hello first")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		allowed, _ := limiter.Allow(ctx, userID, ratelimit.RuleSignal)
		if !allowed {
			retry := limiter.RetryAfter(ctx, userID, ratelimit.RuleSignal)
			data, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: retry,
			})
			_ = conn.WriteMessage(data)
			return
		}

		var sig signaling.Signal
		if err := json.Unmarshal(signalMsg.Signal, &sig); err != nil {
			dispatcher.SendError(conn, "invalid_signal", "malformed signal payload")
			return
		}

		if err := relay.Send(userID, signalMsg.To, sig); err != nil {
			switch {
			case errors.Is(err, signaling.ErrBusy):
				dispatcher.SendError(conn, "busy", "party is in another call")
			case errors.Is(err, signaling.ErrStaleSignal):
				// Late signals after teardown are expected; drop quietly.
				log.Printf("[signal] stale from=%s to=%s type=%s", userID, signalMsg.To, sig.Type)
			default:
				log.Printf("[signal] from=%s to=%s: %v", userID, signalMsg.To, err)
				dispatcher.SendError(conn, "signal_failed", "signal could not be relayed")
			}
		}
	})

	server = ws.NewServer(config, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// Disconnect cleanup: close room views, and if this was the user's last
	// connection on this node, tear down signaling and online status.
	server.SetOnDisconnect(func(conn *ws.Connection) {
		statesMu.Lock()
		st := states[conn.ID]
		delete(states, conn.ID)
		statesMu.Unlock()

		if st != nil {
			st.mu.Lock()
			subs := make([]*room.Subscription, 0, len(st.subs))
			for _, sub := range st.subs {
				subs = append(subs, sub)
			}
			st.subs = nil
			st.mu.Unlock()
			for _, sub := range subs {
				hub.Leave(sub)
			}
		}

		userID := conn.UserID()
		if userID == "" {
			return
		}

		// The connection is already out of the manager, so ByUser reflects
		// what remains.
		if len(server.Connections().ByUser(userID)) > 0 {
			return
		}

		relay.Detach(userID)
		_ = natsClient.UnsubscribeSignals(userID)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := members.SetOffline(ctx, userID); err != nil {
			log.Printf("[disconnect] set offline user=%s: %v", userID, err)
		}

		log.Printf("disconnect cleanup conn=%s user=%s", conn.ID, userID)
	})

	// Heartbeat keepalive doubles as the online-status refresh.
	server.SetOnAlive(func(conn *ws.Connection) {
		userID := conn.UserID()
		if userID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = members.SetOnline(ctx, userID)
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		hub.Close()
		natsClient.Close()
		if err := members.Close(); err != nil {
			log.Printf("membership store close error: %v", err)
		}
		if err := messageStore.Close(); err != nil {
			log.Printf("message store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// messageEvent converts a stored message into its wire representation.
func messageEvent(m *store.Message) protocol.MessageEvent {
	ev := protocol.MessageEvent{
		ID:        m.ID,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Kind:      m.Type,
		CreatedAt: m.CreatedAt.Unix(),
	}
	if m.ExpiresAt != nil {
		ev.ExpiresAt = m.ExpiresAt.Unix()
	}
	return ev
}

// remoteIP extracts the client IP from the connection's remote address.
func remoteIP(conn *ws.Connection) string {
	host, _, err := net.SplitHostPort(conn.Conn.RemoteAddr().String())
	if err != nil {
		return conn.Conn.RemoteAddr().String()
	}
	return host
}
