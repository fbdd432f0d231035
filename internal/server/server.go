// Package server accepts agent and client websocket connections and turns
// their frames into registry and scheduler operations.
//
// CONNECTION LIFECYCLE:
// A connection slot is reserved before the HTTP upgrade so a node at
// capacity answers 503 without ever speaking websocket. Once upgraded, the
// handler goroutine owns the read side: it decodes each frame, applies it
// and writes the ack before reading the next frame. A second goroutine
// drains the per-connection send queue and keeps the peer alive with pings.
//
// A frame that fails to decode gets an Error frame and closes only its own
// connection. When a connection drops or idles out, the agent it carried is
// marked unreachable and its tasks go back to the queue.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/concave-dev/nexa/internal/health"
	"github.com/concave-dev/nexa/internal/logging"
	"github.com/concave-dev/nexa/internal/netutil"
	"github.com/concave-dev/nexa/internal/nexaerr"
	"github.com/concave-dev/nexa/internal/protocol"
	"github.com/concave-dev/nexa/internal/registry"
	"github.com/concave-dev/nexa/internal/scheduler"
	"github.com/concave-dev/nexa/internal/tokens"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// State is the server lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// Deps are the components frames are applied to. Registry and Scheduler are
// required; Tokens and Health may be nil.
type Deps struct {
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Tokens    *tokens.Tracker
	Health    *health.Collector
}

// Stats summarizes connection handling since the server was created.
type Stats struct {
	State               State         `json:"state"`
	TotalConnections    uint64        `json:"total_connections"`
	ActiveConnections   int           `json:"active_connections"`
	FailedConnections   uint64        `json:"failed_connections"`
	RejectedConnections uint64        `json:"rejected_connections"`
	ProtocolErrors      uint64        `json:"protocol_errors"`
	LastError           string        `json:"last_error,omitempty"`
	StartedAt           time.Time     `json:"started_at,omitempty"`
	Uptime              time.Duration `json:"uptime"`
}

// Server is the agent connection server.
type Server struct {
	config    *Config
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	tokens    *tokens.Tracker
	health    *health.Collector

	engine   *gin.Engine
	upgrader websocket.Upgrader

	stateMu    sync.RWMutex
	state      State
	startedAt  time.Time
	httpServer *http.Server
	listener   net.Listener

	active         atomic.Int64
	total          atomic.Uint64
	failed         atomic.Uint64
	rejected       atomic.Uint64
	protocolErrors atomic.Uint64

	errMu   sync.Mutex
	lastErr string

	connsMu sync.RWMutex
	conns   map[string]*Conn // by connection id
	agents  map[string]*Conn // by bound agent id

	wg sync.WaitGroup
}

// New creates a server. The returned server can be mounted with Handler or
// run on its own listener with Start.
func New(cfg *Config, deps Deps) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	if deps.Registry == nil || deps.Scheduler == nil {
		return nil, fmt.Errorf("server requires a registry and a scheduler")
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config:    cfg,
		registry:  deps.Registry,
		scheduler: deps.Scheduler,
		tokens:    deps.Tokens,
		health:    deps.Health,
		state:     StateStopped,
		conns:     make(map[string]*Conn),
		agents:    make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; origin is not meaningful here
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.GET("/ws", s.handleUpgrade)
	s.engine.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Stats())
	})

	deps.Scheduler.SetDispatcher(s)
	if s.health != nil {
		s.health.SetConnectionCounter(s.ActiveConnections)
	}
	return s, nil
}

// Handler returns the HTTP handler serving /ws.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the listener and serves until Stop.
func (s *Server) Start() error {
	s.stateMu.Lock()
	if s.state != StateStopped && s.state != StateError {
		state := s.state
		s.stateMu.Unlock()
		return fmt.Errorf("server is %s: %w", state, nexaerr.ErrInvalidState)
	}
	s.state = StateStarting
	s.stateMu.Unlock()

	logging.Info("Server: starting agent listener on %s", s.config.BindAddr)

	listener, err := netutil.Listen(s.config.BindAddr)
	if err != nil {
		s.recordError(err)
		s.setState(StateError)
		return fmt.Errorf("failed to bind agent listener to %s: %w", s.config.BindAddr, err)
	}

	httpServer := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: s.config.WriteTimeout,
		ErrorLog:          log.New(logging.NewLevelWriter("ERROR", "http"), "", 0),
	}

	s.stateMu.Lock()
	s.listener = listener
	s.httpServer = httpServer
	s.startedAt = time.Now()
	s.state = StateRunning
	s.stateMu.Unlock()

	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Server: agent listener failed: %v", err)
			s.recordError(err)
			s.setState(StateError)
		}
	}()

	logging.Success("Server: accepting agent connections on %s", listener.Addr())
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop refuses new connections, closes every open one and waits for their
// goroutines until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.stateMu.Lock()
	if s.state == StateStopped || s.state == StateStopping {
		s.stateMu.Unlock()
		return nil
	}
	s.state = StateStopping
	httpServer := s.httpServer
	s.stateMu.Unlock()

	logging.Info("Server: stopping agent listener")

	var shutdownErr error
	if httpServer != nil {
		// Shutdown does not track hijacked websocket connections
		shutdownErr = httpServer.Shutdown(ctx)
	}

	s.connsMu.RLock()
	open := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		open = append(open, c)
	}
	s.connsMu.RUnlock()
	for _, c := range open {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.setState(StateError)
		return fmt.Errorf("waiting for %d connection(s) to close: %w", s.ActiveConnections(), nexaerr.ErrTimeout)
	}

	s.stateMu.Lock()
	s.state = StateStopped
	s.httpServer = nil
	s.listener = nil
	s.stateMu.Unlock()

	logging.Info("Server: agent listener stopped")
	return shutdownErr
}

// State returns the lifecycle state.
func (s *Server) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Server) setState(state State) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

// Connections lists open connections.
func (s *Server) Connections() []ConnInfo {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	out := make([]ConnInfo, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.Info())
	}
	return out
}

// Stats returns connection counters.
func (s *Server) Stats() Stats {
	s.stateMu.RLock()
	state, startedAt := s.state, s.startedAt
	s.stateMu.RUnlock()

	s.errMu.Lock()
	lastErr := s.lastErr
	s.errMu.Unlock()

	st := Stats{
		State:               state,
		TotalConnections:    s.total.Load(),
		ActiveConnections:   s.ActiveConnections(),
		FailedConnections:   s.failed.Load(),
		RejectedConnections: s.rejected.Load(),
		ProtocolErrors:      s.protocolErrors.Load(),
		LastError:           lastErr,
		StartedAt:           startedAt,
	}
	if state == StateRunning && !startedAt.IsZero() {
		st.Uptime = time.Since(startedAt)
	}
	return st
}

func (s *Server) recordError(err error) {
	s.errMu.Lock()
	s.lastErr = err.Error()
	s.errMu.Unlock()
}

// Push queues msg for the connection bound to agentID. It implements
// scheduler.Dispatcher. A connection whose queue is full is closed, since a
// consumer that far behind would only see stale assignments.
func (s *Server) Push(agentID string, msg protocol.Message) error {
	s.connsMu.RLock()
	conn := s.agents[agentID]
	s.connsMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("agent %s has no open connection: %w", agentID, nexaerr.ErrUnreachable)
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := conn.enqueue(data); err != nil {
		if errors.Is(err, nexaerr.ErrOverloaded) {
			logging.Warn("Server: agent %s is not draining its queue, closing connection %s",
				logging.FormatID(agentID), logging.FormatID(conn.ID()))
			conn.close(websocket.CloseTryAgainLater, "send queue full")
		}
		return err
	}
	return nil
}

// reserve takes a connection slot, failing at MaxConnections.
func (s *Server) reserve() bool {
	limit := int64(s.config.MaxConnections)
	for {
		n := s.active.Load()
		if n >= limit {
			return false
		}
		if s.active.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *Server) handleUpgrade(c *gin.Context) {
	if s.State() == StateStopping {
		s.refuse(c, fmt.Errorf("server is shutting down: %w", nexaerr.ErrUnreachable))
		return
	}
	if !s.reserve() {
		s.rejected.Add(1)
		s.refuse(c, fmt.Errorf("connection limit %d reached: %w", s.config.MaxConnections, nexaerr.ErrOverloaded))
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		s.active.Add(-1)
		s.failed.Add(1)
		s.recordError(err)
		logging.Warn("Server: websocket upgrade from %s failed: %v", c.ClientIP(), err)
		return
	}

	conn := newConn(ws, s.config)
	s.connsMu.Lock()
	s.conns[conn.id] = conn
	s.connsMu.Unlock()
	s.total.Add(1)

	logging.Debug("Server: connection %s opened from %s", logging.FormatID(conn.id), conn.remote)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.writeLoop(conn)
	}()
	defer s.wg.Done()
	s.readLoop(conn)
}

func (s *Server) refuse(c *gin.Context, err error) {
	s.recordError(err)
	logging.Warn("Server: refusing connection from %s: %v", c.ClientIP(), err)

	data, encErr := protocol.Encode(&protocol.Error{ID: protocol.NewID(), Result: protocol.Failure("", err)})
	if encErr != nil {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	c.Data(http.StatusServiceUnavailable, "application/json", data)
}

func (s *Server) readLoop(conn *Conn) {
	defer s.disconnect(conn)

	ws := conn.ws
	ws.SetReadLimit(s.config.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
	ws.SetPongHandler(func(string) error {
		conn.touch()
		return ws.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case conn.closed():
			case errors.As(err, &netErr) && netErr.Timeout():
				logging.Info("Server: connection %s idle for %v, closing",
					logging.FormatID(conn.id), s.config.IdleTimeout)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				logging.Warn("Server: connection %s dropped: %v", logging.FormatID(conn.id), err)
			}
			return
		}

		conn.touch()
		_ = ws.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))

		if !s.handleFrame(conn, data) {
			return
		}
	}
}

func (s *Server) writeLoop(conn *Conn) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case data := <-conn.send:
			if err := conn.write(websocket.TextMessage, data); err != nil {
				logging.Warn("Server: write to connection %s failed: %v", logging.FormatID(conn.id), err)
				conn.close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			if err := conn.write(websocket.PingMessage, nil); err != nil {
				logging.Debug("Server: ping to connection %s failed: %v", logging.FormatID(conn.id), err)
				conn.close(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

// handleFrame applies one inbound frame and writes its ack. It returns false
// when the connection must close.
func (s *Server) handleFrame(conn *Conn, data []byte) bool {
	msg, err := protocol.Decode(data)
	if err == nil {
		var resp protocol.Message
		resp, err = s.dispatch(conn, msg)
		if err == nil {
			failed := false
			if r, ok := resp.(interface{ Err() error }); ok && r.Err() != nil {
				failed = true
			}
			s.recordRequest(failed)
			return s.send(conn, resp) == nil
		}
	}

	s.protocolErrors.Add(1)
	s.recordError(err)
	s.recordRequest(true)
	logging.Warn("Server: protocol error on connection %s: %v", logging.FormatID(conn.id), err)

	ref := ""
	if msg != nil {
		ref = msg.MessageID()
	}
	_ = s.send(conn, &protocol.Error{ID: protocol.NewID(), Result: protocol.Failure(ref, err)})
	conn.close(websocket.CloseProtocolError, "protocol error")
	return false
}

func (s *Server) send(conn *Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		logging.Error("Server: failed to encode %s: %v", msg.Kind(), err)
		return err
	}
	if err := conn.write(websocket.TextMessage, data); err != nil {
		logging.Debug("Server: write to connection %s failed: %v", logging.FormatID(conn.id), err)
		return err
	}
	return nil
}

func (s *Server) recordRequest(failed bool) {
	if s.health != nil {
		s.health.RecordRequest(failed)
	}
}

// claimAgent points agentID at conn and returns the connection it replaced.
// While another open connection carries a live registration of agentID the
// claim is refused and pushes keep going to the holder.
func (s *Server) claimAgent(conn *Conn, agentID string) (*Conn, error) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	prev := s.agents[agentID]
	if prev != nil && prev != conn && !prev.closed() && s.registry.Live(agentID) {
		return nil, fmt.Errorf("agent %s is connected on %s: %w", agentID, prev.ID(), nexaerr.ErrDuplicateID)
	}
	s.agents[agentID] = conn
	return prev, nil
}

// releaseAgent undoes claimAgent after a failed registration.
func (s *Server) releaseAgent(conn *Conn, agentID string, prev *Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.agents[agentID] != conn {
		return
	}
	if prev != nil && !prev.closed() {
		s.agents[agentID] = prev
	} else {
		delete(s.agents, agentID)
	}
}

// disconnect releases the connection slot and, if the connection still owns
// its agent, marks that agent unreachable.
func (s *Server) disconnect(conn *Conn) {
	conn.close(websocket.CloseNormalClosure, "")

	agentID := conn.AgentID()
	s.connsMu.Lock()
	delete(s.conns, conn.id)
	owner := agentID != "" && s.agents[agentID] == conn
	if owner {
		delete(s.agents, agentID)
	}
	s.connsMu.Unlock()
	s.active.Add(-1)

	logging.Debug("Server: connection %s closed", logging.FormatID(conn.id))
	if !owner {
		return
	}

	requeued, err := s.registry.MarkUnreachable(agentID)
	if err != nil {
		// Deregistered while connected
		if !errors.Is(err, nexaerr.ErrNotFound) {
			logging.Warn("Server: failed to mark agent %s unreachable: %v", logging.FormatID(agentID), err)
		}
		return
	}
	logging.Info("Server: agent %s disconnected, %d task(s) requeued", logging.FormatID(agentID), len(requeued))
}
