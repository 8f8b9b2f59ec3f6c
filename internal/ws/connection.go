package ws

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrAlreadyBound rejects binding a connection to a second user identity.
var ErrAlreadyBound = errors.New("ws: connection already bound to a user")

// Connection represents a single WebSocket client connection. A connection
// starts anonymous; once the client identifies itself the user ID is bound
// via ConnectionManager.BindUser so the manager's user index stays in sync.
type Connection struct {
	ID         string    // connection ID (UUID)
	Conn       net.Conn  // underlying TCP connection
	Fd         int       // file descriptor for epoll lookups
	CreatedAt  time.Time // when the connection was established
	LastPing   time.Time // last activity observed from the client
	userMu     sync.RWMutex
	userID     string     // bound user identity, empty until hello
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// UserID returns the user identity bound to this connection, or "" if the
// client has not identified itself yet.
func (c *Connection) UserID() string {
	c.userMu.RLock()
	defer c.userMu.RUnlock()
	return c.userID
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection IDs, file
// descriptors, and user IDs to their respective Connection objects. A single
// user may hold several concurrent connections (one per device or tab).
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection            // connection_id -> Connection
	byFd   map[int]*Connection               // fd -> Connection
	byUser map[string]map[string]*Connection // user_id -> connection_id -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byFd:   make(map[int]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers a new connection in the ID and fd lookup maps. The user index
// is populated later by BindUser once the client identifies itself.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// BindUser associates a connection with a user identity and indexes it for
// user-directed delivery. A connection's identity is bound once: a repeat
// bind to the same user is a no-op, and binding to a different user returns
// ErrAlreadyBound, so per-user state built on the first identity (signal
// sinks, subscriptions) cannot leak across identities.
func (cm *ConnectionManager) BindUser(conn *Connection, userID string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn.userMu.Lock()
	prev := conn.userID
	if prev == "" {
		conn.userID = userID
	}
	conn.userMu.Unlock()

	if prev != "" {
		if prev != userID {
			return ErrAlreadyBound
		}
		return nil
	}

	set, ok := cm.byUser[userID]
	if !ok {
		set = make(map[string]*Connection)
		cm.byUser[userID] = set
	}
	set[conn.ID] = conn
	return nil
}

// Remove removes a connection by connection ID, closes the underlying network
// connection, and removes it from all lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
		cm.unindexUser(conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// unindexUser drops the connection from the user index. Caller holds cm.mu.
func (cm *ConnectionManager) unindexUser(conn *Connection) {
	user := conn.UserID()
	if user == "" {
		return
	}
	if set, ok := cm.byUser[user]; ok {
		delete(set, conn.ID)
		if len(set) == 0 {
			delete(cm.byUser, user)
		}
	}
}

// Get returns the connection for the given connection ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// ByUser returns a snapshot of all connections currently bound to the given
// user. The returned slice is safe to iterate without holding the lock.
func (cm *ConnectionManager) ByUser(userID string) []*Connection {
	cm.mu.RLock()
	set := cm.byUser[userID]
	conns := make([]*Connection, 0, len(set))
	for _, conn := range set {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
