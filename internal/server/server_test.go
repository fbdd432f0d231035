package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/concave-dev/nexa/internal/balancer"
	"github.com/concave-dev/nexa/internal/logging"
	"github.com/concave-dev/nexa/internal/nexaerr"
	"github.com/concave-dev/nexa/internal/protocol"
	"github.com/concave-dev/nexa/internal/registry"
	"github.com/concave-dev/nexa/internal/scheduler"
	"github.com/concave-dev/nexa/internal/tokens"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	srv   *Server
	reg   *registry.Registry
	sched *scheduler.Scheduler
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	logging.SetLevel("ERROR")

	reg, err := registry.New(nil)
	require.NoError(t, err)

	tcfg := tokens.DefaultConfig()
	tcfg.Limit = 100
	tracker, err := tokens.NewTracker(tcfg)
	require.NoError(t, err)

	sched := scheduler.New("n1", reg, balancer.New(nil), tracker, nil)
	sched.SetRetryInterval(50 * time.Millisecond)

	cfg := DefaultConfig()
	cfg.BindAddr = "127.0.0.1:0"
	cfg.IdleTimeout = 2 * time.Second
	cfg.PingInterval = 500 * time.Millisecond
	cfg.WriteTimeout = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := New(cfg, Deps{Registry: reg, Scheduler: sched, Tokens: tracker})
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)

	t.Cleanup(func() {
		cancel()
		sched.Stop()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = srv.Stop(stopCtx)
	})
	return &testEnv{srv: srv, reg: reg, sched: sched}
}

// testClient reads frames in order, holding back server pushes that arrive
// while it waits for an ack.
type testClient struct {
	t       *testing.T
	ws      *websocket.Conn
	pending []protocol.Message
}

func (e *testEnv) dial(t *testing.T) *testClient {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+e.srv.Addr()+"/ws", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return &testClient{t: t, ws: ws}
}

func (c *testClient) send(msg protocol.Message) {
	c.t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, data))
}

func (c *testClient) read() (protocol.Message, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

func resultOf(msg protocol.Message) (protocol.Result, bool) {
	switch m := msg.(type) {
	case *protocol.RegisterAgentAck:
		return m.Result, true
	case *protocol.AgentQueryResult:
		return m.Result, true
	case *protocol.SubmitTaskAck:
		return m.Result, true
	case *protocol.TaskAssignmentAck:
		return m.Result, true
	case *protocol.StatusUpdateAck:
		return m.Result, true
	case *protocol.TaskUpdateAck:
		return m.Result, true
	case *protocol.Error:
		return m.Result, true
	}
	return protocol.Result{}, false
}

// call sends msg and returns the response that references it.
func (c *testClient) call(msg protocol.Message) protocol.Message {
	c.t.Helper()
	c.send(msg)
	for {
		resp, err := c.read()
		require.NoError(c.t, err)
		if r, ok := resultOf(resp); ok && r.Ref == msg.MessageID() {
			return resp
		}
		c.pending = append(c.pending, resp)
	}
}

func (c *testClient) assignment() *protocol.TaskAssignment {
	c.t.Helper()
	for i, m := range c.pending {
		if a, ok := m.(*protocol.TaskAssignment); ok {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return a
		}
	}
	for {
		msg, err := c.read()
		require.NoError(c.t, err)
		if a, ok := msg.(*protocol.TaskAssignment); ok {
			return a
		}
		c.pending = append(c.pending, msg)
	}
}

func (c *testClient) register(id string, caps ...string) *protocol.RegisterAgentAck {
	c.t.Helper()
	resp := c.call(&protocol.RegisterAgent{
		ID:    protocol.NewID(),
		Agent: &protocol.AgentInfo{ID: id, Capabilities: caps, Status: protocol.AgentIdle},
	})
	ack, ok := resp.(*protocol.RegisterAgentAck)
	require.True(c.t, ok, "got %T", resp)
	return ack
}

func (c *testClient) submit(id, taskType string) *protocol.SubmitTaskAck {
	c.t.Helper()
	resp := c.call(&protocol.SubmitTask{
		ID:   protocol.NewID(),
		Task: &protocol.TaskInfo{ID: id, Type: taskType},
	})
	ack, ok := resp.(*protocol.SubmitTaskAck)
	require.True(c.t, ok, "got %T", resp)
	return ack
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegisterSubmitAndComplete(t *testing.T) {
	env := newTestEnv(t, nil)
	agent := env.dial(t)
	client := env.dial(t)

	reg := agent.register("a1", "code_generation")
	assert.Equal(t, http.StatusCreated, reg.Status)
	assert.Nil(t, reg.Error)
	assert.Equal(t, "a1", reg.AgentID)

	ack := client.submit("t1", "code_generation")
	require.Nil(t, ack.Error)
	assert.Equal(t, http.StatusCreated, ack.Status)
	assert.Equal(t, "a1", ack.AgentID)
	assert.Equal(t, protocol.TaskAssigned, ack.State)

	a, err := env.reg.Agent("a1")
	require.NoError(t, err)
	assert.Equal(t, protocol.AgentRunning, a.Status)
	assert.Equal(t, "t1", a.CurrentTask)

	pushed := agent.assignment()
	assert.Equal(t, "t1", pushed.Task.ID)
	assert.Equal(t, "a1", pushed.AgentID)

	accept := agent.call(&protocol.TaskAssignment{ID: protocol.NewID(), Task: pushed.Task, AgentID: "a1"})
	acceptAck, ok := accept.(*protocol.TaskAssignmentAck)
	require.True(t, ok, "got %T", accept)
	assert.Nil(t, acceptAck.Error)

	task, err := env.reg.Task("t1")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskInProgress, task.State)

	done := agent.call(&protocol.TaskUpdate{ID: protocol.NewID(), AgentID: "a1", TaskID: "t1", State: protocol.TaskCompleted})
	doneAck, ok := done.(*protocol.TaskUpdateAck)
	require.True(t, ok, "got %T", done)
	assert.Nil(t, doneAck.Error)

	task, err = env.reg.Task("t1")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskCompleted, task.State)

	a, err = env.reg.Agent("a1")
	require.NoError(t, err)
	assert.Equal(t, protocol.AgentIdle, a.Status)
	assert.Empty(t, a.CurrentTask)
}

func TestSubmitWithoutAgentFails(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.dial(t)

	ack := client.submit("t1", "translation")
	require.NotNil(t, ack.Error)
	assert.Equal(t, "NoEligibleAgent", ack.Error.Kind)
	assert.Equal(t, http.StatusUnprocessableEntity, ack.Status)

	_, err := env.reg.Task("t1")
	assert.ErrorIs(t, err, nexaerr.ErrNotFound)
}

func TestQueuedTaskPlacedWhenAgentFreesUp(t *testing.T) {
	env := newTestEnv(t, nil)
	agent := env.dial(t)
	client := env.dial(t)

	resp := agent.call(&protocol.RegisterAgent{
		ID:    protocol.NewID(),
		Agent: &protocol.AgentInfo{ID: "a1", Capabilities: []string{"code_generation"}, Status: protocol.AgentIdle, MaxTasks: 1},
	})
	require.Nil(t, resp.(*protocol.RegisterAgentAck).Error)

	first := client.submit("t1", "code_generation")
	require.Equal(t, protocol.TaskAssigned, first.State)

	second := client.submit("t2", "code_generation")
	require.Nil(t, second.Error)
	assert.Equal(t, http.StatusAccepted, second.Status)
	assert.Equal(t, protocol.TaskQueued, second.State)

	assert.Equal(t, "t1", agent.assignment().Task.ID)
	agent.call(&protocol.TaskUpdate{ID: protocol.NewID(), AgentID: "a1", TaskID: "t1", State: protocol.TaskCompleted})

	assert.Equal(t, "t2", agent.assignment().Task.ID)
}

func TestDuplicateAgentID(t *testing.T) {
	env := newTestEnv(t, nil)
	first := env.dial(t)
	second := env.dial(t)

	require.Nil(t, first.register("a1", "code_generation").Error)

	ack := second.register("a1", "code_generation")
	require.NotNil(t, ack.Error)
	assert.Equal(t, "DuplicateId", ack.Error.Kind)
	assert.Equal(t, http.StatusConflict, ack.Status)

	// the live registration is untouched
	a, err := env.reg.Agent("a1")
	require.NoError(t, err)
	assert.False(t, a.Unreachable)
}

func TestDuplicateRegistrationKeepsPushesOnHolder(t *testing.T) {
	env := newTestEnv(t, nil)
	holder := env.dial(t)
	impostor := env.dial(t)
	client := env.dial(t)

	require.Nil(t, holder.register("a1", "code_generation").Error)
	ack := impostor.register("a1", "code_generation")
	require.NotNil(t, ack.Error)
	assert.Equal(t, "DuplicateId", ack.Error.Kind)

	require.Equal(t, protocol.TaskAssigned, client.submit("t1", "code_generation").State)
	assert.Equal(t, "t1", holder.assignment().Task.ID)

	_ = impostor.ws.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, data, err := impostor.ws.ReadMessage()
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "impostor received %s (%v)", data, err)
}

func TestClaimRefusedWhileHolderLive(t *testing.T) {
	env := newTestEnv(t, nil)
	holder := env.dial(t)
	require.Nil(t, holder.register("a1", "code_generation").Error)

	current := func() *Conn {
		env.srv.connsMu.RLock()
		defer env.srv.connsMu.RUnlock()
		return env.srv.agents["a1"]
	}
	held := current()
	require.NotNil(t, held)

	outsider := &Conn{id: "outsider", done: make(chan struct{})}
	_, err := env.srv.claimAgent(outsider, "a1")
	require.ErrorIs(t, err, nexaerr.ErrDuplicateID)
	assert.Same(t, held, current(), "a refused claim must not move pushes")

	// once the holder is stale the claim goes through
	_, err = env.reg.MarkUnreachable("a1")
	require.NoError(t, err)
	prev, err := env.srv.claimAgent(outsider, "a1")
	require.NoError(t, err)
	assert.Same(t, held, prev)
	assert.Same(t, outsider, current())
	env.srv.releaseAgent(outsider, "a1", prev)
}

func TestStatusUpdateUnknownAgent(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.dial(t)

	resp := client.call(&protocol.StatusUpdate{ID: protocol.NewID(), AgentID: "ghost", Status: protocol.AgentIdle})
	ack, ok := resp.(*protocol.StatusUpdateAck)
	require.True(t, ok, "got %T", resp)
	require.NotNil(t, ack.Error)
	assert.Equal(t, "NotFound", ack.Error.Kind)
}

func TestStatusUpdateChargesTokens(t *testing.T) {
	env := newTestEnv(t, nil)
	agent := env.dial(t)
	require.Nil(t, agent.register("a1", "code_generation").Error)

	update := func(used int64) *protocol.StatusUpdateAck {
		resp := agent.call(&protocol.StatusUpdate{
			ID:         protocol.NewID(),
			AgentID:    "a1",
			Status:     protocol.AgentIdle,
			Metrics:    map[string]float64{"cpu": 12},
			TokensUsed: used,
			Model:      "gpt",
		})
		return resp.(*protocol.StatusUpdateAck)
	}

	assert.Nil(t, update(60).Error)
	over := update(60)
	require.NotNil(t, over.Error)
	assert.Equal(t, "RateLimitExceeded", over.Error.Kind)
	assert.Equal(t, http.StatusTooManyRequests, over.Status)

	// the heartbeat itself was still applied
	a, err := env.reg.Agent("a1")
	require.NoError(t, err)
	assert.Equal(t, 12.0, a.Metrics["cpu"])
}

func TestAcksFollowRequestOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.dial(t)

	ids := []string{protocol.NewID(), protocol.NewID(), protocol.NewID()}
	for _, id := range ids {
		client.send(&protocol.AgentQuery{ID: id, Capability: "code_generation"})
	}
	for _, id := range ids {
		msg, err := client.read()
		require.NoError(t, err)
		r, ok := resultOf(msg)
		require.True(t, ok)
		assert.Equal(t, id, r.Ref)
	}
}

func TestMalformedFrameClosesOnlyThatConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	bad := env.dial(t)
	good := env.dial(t)

	require.NoError(t, bad.ws.WriteMessage(websocket.TextMessage, []byte(`{"type": "register_agent", "id": `)))

	msg, err := bad.read()
	require.NoError(t, err)
	errFrame, ok := msg.(*protocol.Error)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "ProtocolError", errFrame.Error.Kind)

	_, err = bad.read()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	assert.Equal(t, websocket.CloseProtocolError, closeErr.Code)

	resp := good.call(&protocol.AgentQuery{ID: protocol.NewID(), Capability: "code_generation"})
	assert.IsType(t, &protocol.AgentQueryResult{}, resp)
	assert.Equal(t, uint64(1), env.srv.Stats().ProtocolErrors)
}

func TestServerOnlyKindRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.dial(t)

	id := protocol.NewID()
	resp := client.call(&protocol.SubmitTaskAck{ID: id, Result: protocol.OK("x", http.StatusOK)})
	errFrame, ok := resp.(*protocol.Error)
	require.True(t, ok, "got %T", resp)
	assert.Equal(t, id, errFrame.Ref)
	assert.Equal(t, "ProtocolError", errFrame.Error.Kind)
}

func TestConnectionLimit(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxConnections = 1 })
	env.dial(t)

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+env.srv.Addr()+"/ws", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	msg, err := protocol.Decode(body)
	require.NoError(t, err)
	errFrame, ok := msg.(*protocol.Error)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "Overloaded", errFrame.Error.Kind)

	stats := env.srv.Stats()
	assert.Equal(t, uint64(1), stats.RejectedConnections)
	assert.Equal(t, 1, stats.ActiveConnections)
}

func TestDisconnectRequeuesTasks(t *testing.T) {
	env := newTestEnv(t, nil)
	agent := env.dial(t)
	client := env.dial(t)

	require.Nil(t, agent.register("a1", "code_generation").Error)
	require.Equal(t, protocol.TaskAssigned, client.submit("t1", "code_generation").State)

	require.NoError(t, agent.ws.Close())

	waitFor(t, "agent unreachable", func() bool {
		a, err := env.reg.Agent("a1")
		return err == nil && a.Unreachable
	})
	task, err := env.reg.Task("t1")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskQueued, task.State)
	assert.Empty(t, task.AssignedAgent)

	// reconnecting replaces the stale registration and picks the task up again
	again := env.dial(t)
	require.Nil(t, again.register("a1", "code_generation").Error)
	assert.Equal(t, "t1", again.assignment().Task.ID)
}

func TestIdleConnectionClosed(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.IdleTimeout = 300 * time.Millisecond
		c.PingInterval = 100 * time.Millisecond
	})
	agent := env.dial(t)
	require.Nil(t, agent.register("a1", "code_generation").Error)

	// Not reading means pings go unanswered
	waitFor(t, "idle agent marked unreachable", func() bool {
		a, err := env.reg.Agent("a1")
		return err == nil && a.Unreachable
	})
	waitFor(t, "connection released", func() bool { return env.srv.ActiveConnections() == 0 })
}

func TestPushUnknownAgent(t *testing.T) {
	env := newTestEnv(t, nil)
	err := env.srv.Push("ghost", &protocol.TaskAssignment{ID: protocol.NewID(), Task: &protocol.TaskInfo{ID: "t", Type: "x"}, AgentID: "ghost"})
	assert.ErrorIs(t, err, nexaerr.ErrUnreachable)
}

func TestLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, StateRunning, env.srv.State())
	assert.NotEmpty(t, env.srv.Addr())

	err := env.srv.Start()
	assert.ErrorIs(t, err, nexaerr.ErrInvalidState)

	client := env.dial(t)
	require.Nil(t, client.register("a1", "code_generation").Error)

	resp, err := http.Get("http://" + env.srv.Addr() + "/stats")
	require.NoError(t, err)
	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, StateRunning, stats.State)
	assert.Equal(t, uint64(1), stats.TotalConnections)
	assert.Equal(t, 1, stats.ActiveConnections)
	assert.Len(t, env.srv.Connections(), 1)
	assert.Equal(t, "a1", env.srv.Connections()[0].AgentID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Stop(ctx))
	assert.Equal(t, StateStopped, env.srv.State())
	assert.Equal(t, 0, env.srv.ActiveConnections())

	_, err = client.read()
	assert.Error(t, err)

	// Stop is idempotent
	require.NoError(t, env.srv.Stop(ctx))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.PingInterval = cfg.IdleTimeout
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.BindAddr = "not-an-address"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxConnections = 0
	assert.Error(t, cfg.Validate())
}
