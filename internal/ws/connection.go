package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one authenticated socket. A user may hold several over
// time but the directory routes to at most one. Connection satisfies
// session.Handle.
type Connection struct {
	ID           string    // unique per socket
	UserID       string    // token subject
	Conn         net.Conn  // underlying TCP connection
	Fd           int       // epoll key
	CreatedAt    time.Time // upgrade time
	writeTimeout time.Duration
	lastSeen     atomic.Int64 // unix nanos of the last inbound frame
	writeMu      sync.Mutex
	processing   int32 // 1 while a worker is reading a frame
}

// Touch records inbound activity.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last inbound frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// WriteMessage sends data as a single text frame.
func (c *Connection) WriteMessage(data []byte) error {
	return c.write(func(w net.Conn) error {
		return wsutil.WriteServerMessage(w, ws.OpText, data)
	})
}

// WritePing sends an empty ping control frame.
func (c *Connection) WritePing() error {
	return c.write(func(w net.Conn) error {
		return ws.WriteFrame(w, ws.NewPingFrame(nil))
	})
}

// Send implements session.Handle.
func (c *Connection) Send(data []byte) error {
	return c.WriteMessage(data)
}

func (c *Connection) Close() error {
	return c.Conn.Close()
}

// write runs fn under the write lock with the configured deadline applied
// and cleared afterwards.
func (c *Connection) write(fn func(net.Conn) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return fn(c.Conn)
}

// ConnectionManager tracks live connections by connection ID.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove forgets the connection and closes its socket. It reports false if
// another caller already removed it, so teardown runs once per socket.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	delete(cm.byID, id)
	cm.mu.Unlock()

	if ok {
		_ = conn.Close()
	}
	return ok
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot in no particular order.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	return conns
}
