package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/concave-dev/nexa/internal/nexaerr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn is one agent or client websocket.
//
// Inbound frames are read and answered by a single goroutine, so acks go
// out in the order their requests arrived. Server-initiated frames (task
// assignments) go through a bounded queue drained by a writer goroutine.
// Both paths share writeMu, so frames never interleave on the wire.
type Conn struct {
	id          string
	ws          *websocket.Conn
	remote      string
	connectedAt time.Time

	writeMu      sync.Mutex
	writeTimeout time.Duration

	send chan []byte
	done chan struct{}
	once sync.Once

	mu      sync.RWMutex
	agentID string

	lastActivity atomic.Int64 // unix nanos
}

// ConnInfo describes a connection for status output.
type ConnInfo struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id,omitempty"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	QueueDepth   int       `json:"queue_depth"`
}

func newConn(ws *websocket.Conn, cfg *Config) *Conn {
	now := time.Now()
	c := &Conn{
		id:           uuid.NewString(),
		ws:           ws,
		remote:       remoteAddr(ws.RemoteAddr()),
		connectedAt:  now,
		writeTimeout: cfg.WriteTimeout,
		send:         make(chan []byte, cfg.SendQueueSize),
		done:         make(chan struct{}),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

func remoteAddr(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// AgentID returns the agent bound to this connection, if any.
func (c *Conn) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

func (c *Conn) bind(agentID string) {
	c.mu.Lock()
	c.agentID = agentID
	c.mu.Unlock()
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Info returns a snapshot of the connection.
func (c *Conn) Info() ConnInfo {
	return ConnInfo{
		ID:           c.id,
		AgentID:      c.AgentID(),
		RemoteAddr:   c.remote,
		ConnectedAt:  c.connectedAt,
		LastActivity: time.Unix(0, c.lastActivity.Load()),
		QueueDepth:   len(c.send),
	}
}

// write sends one frame under the write lock.
func (c *Conn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

// enqueue hands a frame to the writer goroutine without blocking.
func (c *Conn) enqueue(data []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection %s closed: %w", c.id, nexaerr.ErrUnreachable)
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("connection %s send queue full (%d): %w", c.id, cap(c.send), nexaerr.ErrOverloaded)
	}
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// close sends a close frame with code and reason, then closes the socket.
// Safe to call from any goroutine, any number of times.
func (c *Conn) close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)

		// WriteControl may run concurrently with a data frame write
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)

		_ = c.ws.Close()
	})
}
