package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/concave-dev/nexa/internal/logging"
	"github.com/concave-dev/nexa/internal/netutil"
	"github.com/concave-dev/nexa/internal/nexaerr"
	"github.com/concave-dev/nexa/internal/statefile"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// ChangeFunc receives membership changes.
type ChangeFunc func(Change)

// Option customizes a Manager. Tests use them to run raft in memory.
type Option func(*Manager)

// WithTransport uses t instead of a TCP transport on BindAddr:BindPort.
func WithTransport(t raft.Transport) Option {
	return func(m *Manager) { m.transport = t }
}

// WithStores uses the given stores instead of raft-boltdb and a file
// snapshot store under DataDir.
func WithStores(logs raft.LogStore, stable raft.StableStore, snaps raft.SnapshotStore) Option {
	return func(m *Manager) {
		m.logStore = logs
		m.stableStore = stable
		m.snapshots = snaps
	}
}

// Status is a point-in-time view of this node's cluster state.
type Status struct {
	NodeID     string `json:"node_id"`
	Role       Role   `json:"role"`
	Term       uint64 `json:"term"`
	LeaderID   string `json:"leader_id"`
	LeaderAddr string `json:"leader_addr"`
	ClusterID  string `json:"cluster_id"`
	Version    uint64 `json:"version"`
	Members    []Node `json:"members"`
}

// Manager runs raft for one node and exposes leader-only membership changes.
type Manager struct {
	config *Config

	raft        *raft.Raft
	fsm         *FSM
	transport   raft.Transport
	logStore    raft.LogStore
	stableStore raft.StableStore
	snapshots   raft.SnapshotStore
	closers     []io.Closer
	logWriter   io.WriteCloser
	state       *statefile.Store
	raftAddr    string

	observations chan raft.Observation
	observer     *raft.Observer

	mu          sync.RWMutex
	listeners   []ChangeFunc
	serfManager SerfInterface
	localHealth Health

	failedMu sync.Mutex
	failed   map[string]time.Time // node id -> when gossip reported it failed

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager validates cfg and creates a stopped manager.
func NewManager(cfg *Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:       cfg,
		fsm:          NewFSM(),
		observations: make(chan raft.Observation, 64),
		localHealth:  HealthHealthy,
		failed:       make(map[string]time.Time),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start opens storage, starts raft and bootstraps when there is no existing
// raft state. A node with recorded peers in its state file bootstraps with
// those peers so it rejoins the cluster it belonged to.
func (m *Manager) Start() error {
	logging.Info("Cluster: starting node %s", m.config.NodeID)

	if err := os.MkdirAll(m.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	var err error
	m.state, err = statefile.Open(m.config.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open cluster state: %w", err)
	}

	var raftLogWriter io.Writer = io.Discard
	if m.config.LogLevel != "ERROR" {
		lw := logging.NewLibraryWriter("raft")
		m.logWriter = lw
		raftLogWriter = lw
	}

	if err := m.setupTransport(raftLogWriter); err != nil {
		return fmt.Errorf("failed to setup transport: %w", err)
	}
	if err := m.setupStorage(raftLogWriter); err != nil {
		return fmt.Errorf("failed to setup storage: %w", err)
	}

	m.fsm.OnChange(m.handleChange)

	r, err := raft.NewRaft(m.buildRaftConfig(raftLogWriter), m.fsm, m.logStore, m.stableStore, m.snapshots, m.transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	m.raft = r

	m.observer = raft.NewObserver(m.observations, false, func(o *raft.Observation) bool {
		switch o.Data.(type) {
		case raft.RaftState, raft.LeaderObservation:
			return true
		}
		return false
	})
	r.RegisterObserver(m.observer)

	m.wg.Add(1)
	go m.watchObservations()

	if err := m.bootstrapIfNeeded(); err != nil {
		return err
	}

	logging.Success("Cluster: node %s started, raft at %s", m.config.NodeID, m.raftAddr)
	return nil
}

func (m *Manager) bootstrapIfNeeded() error {
	hasState, err := raft.HasExistingState(m.logStore, m.stableStore, m.snapshots)
	if err != nil {
		return fmt.Errorf("failed to inspect raft state: %w", err)
	}
	if hasState {
		logging.Info("Cluster: resuming from existing raft state")
		return nil
	}

	var servers []raft.Server
	recorded := m.state.State().Members
	switch {
	case len(recorded) > 0:
		servers = append(servers, raft.Server{ID: raft.ServerID(m.config.NodeID), Address: raft.ServerAddress(m.raftAddr)})
		for _, peer := range recorded {
			if peer.ID == m.config.NodeID {
				continue
			}
			servers = append(servers, raft.Server{ID: raft.ServerID(peer.ID), Address: raft.ServerAddress(peer.Address)})
		}
		logging.Info("Cluster: rejoining %d recorded peer(s)", len(servers)-1)

	case m.config.Bootstrap:
		servers = []raft.Server{{ID: raft.ServerID(m.config.NodeID), Address: raft.ServerAddress(m.raftAddr)}}
		logging.Info("Cluster: bootstrapping new cluster")

	default:
		logging.Info("Cluster: waiting to be added to a cluster")
		return nil
	}

	if err := m.raft.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	return nil
}

// setupTransport binds the raft listener unless a transport was injected.
func (m *Manager) setupTransport(logWriter io.Writer) error {
	if m.transport != nil {
		m.raftAddr = string(m.transport.LocalAddr())
		return nil
	}

	advertise := m.config.RaftAddress(netutil.AdvertiseIP)
	addr, err := net.ResolveTCPAddr("tcp", advertise)
	if err != nil {
		return fmt.Errorf("failed to resolve advertise address %s: %w", advertise, err)
	}

	listener, err := netutil.Listen(net.JoinHostPort(m.config.BindAddr, strconv.Itoa(m.config.BindPort)))
	if err != nil {
		return err
	}

	// TODO: expose the connection pool size and IO timeout as config knobs
	transport := raft.NewNetworkTransport(netutil.NewRaftStreamLayer(listener, addr), 3, 10*time.Second, logWriter)
	m.transport = transport
	m.raftAddr = advertise
	return nil
}

// setupStorage opens raft-boltdb for the log and stable stores and a file
// snapshot store, unless stores were injected.
func (m *Manager) setupStorage(logWriter io.Writer) error {
	if m.logStore != nil {
		return nil
	}

	store, err := raftboltdb.NewBoltStore(filepath.Join(m.config.DataDir, "raft.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}
	m.logStore = store
	m.stableStore = store
	m.closers = append(m.closers, store)

	snapshots, err := raft.NewFileSnapshotStore(m.config.DataDir, 3, logWriter)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}
	m.snapshots = snapshots
	return nil
}

func (m *Manager) buildRaftConfig(logWriter io.Writer) *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.config.NodeID)
	config.HeartbeatTimeout = m.config.HeartbeatTimeout
	config.ElectionTimeout = m.config.ElectionTimeout
	config.CommitTimeout = m.config.CommitTimeout
	config.LeaderLeaseTimeout = m.config.LeaderLeaseTimeout

	config.LogOutput = logWriter
	config.LogLevel = m.config.LogLevel
	return config
}

// Stop transfers leadership when possible and shuts raft down. Safe to call
// more than once.
func (m *Manager) Stop() error {
	var stopErr error
	m.stopOnce.Do(func() {
		logging.Info("Cluster: stopping node %s", m.config.NodeID)
		m.cancel()

		if m.raft != nil {
			if m.IsLeader() && len(m.servers()) > 1 {
				if err := m.raft.LeadershipTransfer().Error(); err != nil {
					logging.Warn("Cluster: leadership transfer failed: %v", err)
				} else {
					logging.Success("Cluster: leadership transferred")
				}
			}
			if m.observer != nil {
				m.raft.DeregisterObserver(m.observer)
			}
			if err := m.raft.Shutdown().Error(); err != nil {
				logging.Error("Cluster: error shutting down raft: %v", err)
				stopErr = err
			}
		}

		m.wg.Wait()

		if closer, ok := m.transport.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				logging.Warn("Cluster: error closing transport: %v", err)
			}
		}
		for _, c := range m.closers {
			if err := c.Close(); err != nil {
				logging.Warn("Cluster: error closing store: %v", err)
			}
		}
		if m.logWriter != nil {
			m.logWriter.Close()
		}
		logging.Info("Cluster: stopped")
	})
	return stopErr
}

// watchObservations persists the term on every role or leader change and
// starts leader duties when this node wins an election.
func (m *Manager) watchObservations() {
	defer m.wg.Done()

	for {
		select {
		case o := <-m.observations:
			switch data := o.Data.(type) {
			case raft.RaftState:
				logging.Info("Cluster: role is now %s (term %d)", data, m.Term())
				if data == raft.Leader {
					m.wg.Add(1)
					go m.establishLeadership()
				}
			case raft.LeaderObservation:
				if data.LeaderID != "" {
					logging.Info("Cluster: leader is %s (%s)", data.LeaderID, data.LeaderAddr)
				} else {
					logging.Warn("Cluster: no known leader")
				}
			}
			m.persistState()

		case <-m.ctx.Done():
			return
		}
	}
}

// establishLeadership runs once per won election. It records this node in
// membership, records raft servers that have no membership entry yet (peers
// restored from the state file, or a join interrupted between the raft
// configuration change and its membership entry) and assigns the cluster id
// if none exists.
func (m *Manager) establishLeadership() {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.ctx, m.config.ApplyTimeout)
	defer cancel()

	if _, err := m.apply(ctx, Command{Type: CommandJoin, Node: m.localNodePtr()}); err != nil {
		logging.Warn("Cluster: failed to record self in membership: %v", err)
		return
	}

	recorded := make(map[string]statefile.Member)
	for _, r := range m.state.State().Members {
		recorded[r.ID] = r
	}
	for _, server := range m.servers() {
		id := string(server.ID)
		if _, ok := m.fsm.Member(id); ok {
			continue
		}
		node := Node{ID: id, Address: string(server.Address), Health: HealthHealthy}
		if r, ok := recorded[id]; ok {
			node.APIAddr = r.APIAddr
			node.GRPCAddr = r.GRPCAddr
		}
		if _, err := m.apply(ctx, Command{Type: CommandJoin, Node: &node}); err != nil {
			logging.Warn("Cluster: failed to record peer %s: %v", id, err)
		}
	}

	if m.fsm.ClusterID() == "" {
		clusterID := uuid.New().String()
		if _, err := m.apply(ctx, Command{Type: CommandClusterID, ClusterID: clusterID}); err != nil {
			logging.Warn("Cluster: failed to set cluster id: %v", err)
		} else {
			logging.Success("Cluster: established cluster id %s", clusterID)
		}
	}
}

func (m *Manager) servers() []raft.Server {
	if m.raft == nil {
		return nil
	}
	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil
	}
	return future.Configuration().Servers
}

func (m *Manager) localNodePtr() *Node {
	m.mu.RLock()
	health := m.localHealth
	m.mu.RUnlock()
	return &Node{
		ID:       m.config.NodeID,
		Address:  m.raftAddr,
		APIAddr:  m.config.APIAddr,
		GRPCAddr: m.config.GRPCAddr,
		Health:   health,
	}
}

// OnMembershipChange registers fn for every membership change applied on
// this node. Callbacks run on raft's apply goroutine in log order.
func (m *Manager) OnMembershipChange(fn ChangeFunc) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Manager) handleChange(change Change) {
	for _, id := range change.Joined {
		logging.Info("Cluster: node %s joined (membership version %d)", id, change.Version)
	}
	for _, id := range change.Departed {
		logging.Info("Cluster: node %s departed (membership version %d)", id, change.Version)
	}

	m.persistState()

	m.mu.RLock()
	listeners := append([]ChangeFunc(nil), m.listeners...)
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(change)
	}
}

// persistState records the current term and, once membership is known, the
// member list. An empty FSM never overwrites recorded peers.
func (m *Manager) persistState() {
	if m.state == nil {
		return
	}
	term := m.Term()
	version := m.fsm.Version()
	members := m.fsm.Members()
	clusterID := m.fsm.ClusterID()

	err := m.state.Update(func(st *statefile.State) {
		st.NodeID = m.config.NodeID
		if term > st.Term {
			st.Term = term
		}
		if version == 0 {
			return
		}
		st.ClusterID = clusterID
		st.Version = version
		st.Members = st.Members[:0]
		for _, n := range members {
			st.Members = append(st.Members, statefile.Member{
				ID:       n.ID,
				Address:  n.Address,
				APIAddr:  n.APIAddr,
				GRPCAddr: n.GRPCAddr,
			})
		}
	})
	if err != nil {
		logging.Error("Cluster: failed to persist state: %v", err)
	}
}

// Join adds node as a voter and records it in membership. Leader only.
// Joining a node that is already a member with the same endpoints is a no-op.
func (m *Manager) Join(ctx context.Context, node Node) error {
	if node.ID == "" || node.Address == "" {
		return fmt.Errorf("join requires a node id and raft address: %w", nexaerr.ErrProtocol)
	}
	if err := m.requireLeader(ctx); err != nil {
		return err
	}
	node.Leader = false
	if node.Health == "" {
		node.Health = HealthHealthy
	}

	if node.ID != m.config.NodeID {
		future := m.raft.AddVoter(raft.ServerID(node.ID), raft.ServerAddress(node.Address), 0, m.config.ApplyTimeout)
		if err := waitFuture(ctx, future); err != nil {
			return fmt.Errorf("add voter %s: %w", node.ID, translateRaftError(err))
		}
	}

	if _, err := m.apply(ctx, Command{Type: CommandJoin, Node: &node}); err != nil {
		return fmt.Errorf("join %s: %w", node.ID, err)
	}
	return nil
}

// Leave removes a node from membership and from the raft configuration.
// Leader only. Removing an unknown node is a no-op.
func (m *Manager) Leave(ctx context.Context, nodeID string) error {
	if nodeID == "" {
		return fmt.Errorf("leave requires a node id: %w", nexaerr.ErrProtocol)
	}
	if err := m.requireLeader(ctx); err != nil {
		return err
	}

	if _, err := m.apply(ctx, Command{Type: CommandLeave, NodeID: nodeID}); err != nil {
		return fmt.Errorf("leave %s: %w", nodeID, err)
	}

	for _, server := range m.servers() {
		if string(server.ID) != nodeID {
			continue
		}
		future := m.raft.RemoveServer(server.ID, 0, m.config.ApplyTimeout)
		if err := waitFuture(ctx, future); err != nil {
			return fmt.Errorf("remove server %s: %w", nodeID, translateRaftError(err))
		}
		break
	}

	m.clearFailed(nodeID)
	return nil
}

// SetHealth records a member's health. Leader only.
func (m *Manager) SetHealth(ctx context.Context, nodeID string, health Health) error {
	if _, err := ParseHealth(string(health)); err != nil {
		return fmt.Errorf("%v: %w", err, nexaerr.ErrProtocol)
	}
	if err := m.requireLeader(ctx); err != nil {
		return err
	}
	if _, err := m.apply(ctx, Command{Type: CommandHealth, NodeID: nodeID, Health: health}); err != nil {
		return fmt.Errorf("set health of %s: %w", nodeID, err)
	}
	return nil
}

// ReportHealth records this node's own health. The value is gossiped so the
// leader can replicate it; when this node is the leader it is applied
// directly.
func (m *Manager) ReportHealth(ctx context.Context, health Health) error {
	m.mu.Lock()
	m.localHealth = health
	serfManager := m.serfManager
	m.mu.Unlock()

	if serfManager != nil {
		if err := serfManager.SetHealthTag(string(health)); err != nil {
			logging.Warn("Cluster: failed to gossip health: %v", err)
		}
	}
	if m.IsLeader() {
		return m.SetHealth(ctx, m.config.NodeID, health)
	}
	return nil
}

// requireLeader fails unless this node is a leader that can still reach a
// majority.
func (m *Manager) requireLeader(ctx context.Context) error {
	if m.raft == nil {
		return fmt.Errorf("cluster manager not started: %w", nexaerr.ErrInvalidState)
	}
	if m.raft.State() != raft.Leader {
		addr, id := m.raft.LeaderWithID()
		if id == "" {
			return fmt.Errorf("no reachable leader: %w", nexaerr.ErrNoQuorum)
		}
		notLeader := &NotLeaderError{LeaderID: string(id), LeaderAddr: string(addr)}
		if n, ok := m.fsm.Member(string(id)); ok {
			notLeader.APIAddr = n.APIAddr
		}
		return notLeader
	}
	if err := waitFuture(ctx, m.raft.VerifyLeader()); err != nil {
		return translateRaftError(err)
	}
	return nil
}

func (m *Manager) apply(ctx context.Context, cmd Command) (*ApplyResult, error) {
	if cmd.Time.IsZero() {
		cmd.Time = time.Now().UTC()
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	timeout := m.config.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	future := m.raft.Apply(data, timeout)
	if err := waitFuture(ctx, future); err != nil {
		return nil, translateRaftError(err)
	}

	switch resp := future.Response().(type) {
	case error:
		return nil, resp
	case *ApplyResult:
		return resp, nil
	}
	return &ApplyResult{}, nil
}

func waitFuture(ctx context.Context, f raft.Future) error {
	done := make(chan error, 1)
	go func() { done <- f.Error() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", nexaerr.ErrTimeout, ctx.Err())
	}
}

// translateRaftError maps raft's leadership errors onto NoQuorum.
func translateRaftError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, raft.ErrNotLeader),
		errors.Is(err, raft.ErrLeadershipLost),
		errors.Is(err, raft.ErrLeadershipTransferInProgress),
		errors.Is(err, raft.ErrEnqueueTimeout),
		errors.Is(err, raft.ErrAbortedByRestore):
		return fmt.Errorf("%w: %v", nexaerr.ErrNoQuorum, err)
	case errors.Is(err, raft.ErrRaftShutdown):
		return fmt.Errorf("cluster manager stopped: %w", nexaerr.ErrInvalidState)
	}
	return err
}

// IsLeader reports whether this node currently believes it is the leader.
func (m *Manager) IsLeader() bool {
	return m.raft != nil && m.raft.State() == raft.Leader
}

// Role returns this node's raft role.
func (m *Manager) Role() Role {
	if m.raft == nil {
		return RoleShutdown
	}
	switch m.raft.State() {
	case raft.Leader:
		return RoleLeader
	case raft.Candidate:
		return RoleCandidate
	case raft.Follower:
		return RoleFollower
	}
	return RoleShutdown
}

// Term returns the current raft term.
func (m *Manager) Term() uint64 {
	if m.raft == nil {
		return 0
	}
	term, err := strconv.ParseUint(m.raft.Stats()["term"], 10, 64)
	if err != nil {
		return 0
	}
	return term
}

// Leader returns the leader's id and raft address, empty when unknown.
func (m *Manager) Leader() (string, string) {
	if m.raft == nil {
		return "", ""
	}
	addr, id := m.raft.LeaderWithID()
	return string(id), string(addr)
}

// LeaderAPIAddr returns the leader's API address from membership.
func (m *Manager) LeaderAPIAddr() string {
	id, _ := m.Leader()
	if id == "" {
		return ""
	}
	n, ok := m.fsm.Member(id)
	if !ok {
		return ""
	}
	return n.APIAddr
}

// NodeID returns this node's id.
func (m *Manager) NodeID() string {
	return m.config.NodeID
}

// RaftAddr returns the address peers use to reach this node's raft.
func (m *Manager) RaftAddr() string {
	return m.raftAddr
}

// Members returns the replicated membership with the leader flagged.
func (m *Manager) Members() []Node {
	leaderID, _ := m.Leader()
	members := m.fsm.Members()
	for i := range members {
		members[i].Leader = members[i].ID == leaderID
	}
	return members
}

// Member looks up one member.
func (m *Manager) Member(id string) (Node, bool) {
	return m.fsm.Member(id)
}

// Version returns the membership version.
func (m *Manager) Version() uint64 {
	return m.fsm.Version()
}

// Status returns role, term, leader and membership.
func (m *Manager) Status() Status {
	leaderID, leaderAddr := m.Leader()
	return Status{
		NodeID:     m.config.NodeID,
		Role:       m.Role(),
		Term:       m.Term(),
		LeaderID:   leaderID,
		LeaderAddr: leaderAddr,
		ClusterID:  m.fsm.ClusterID(),
		Version:    m.fsm.Version(),
		Members:    m.Members(),
	}
}

// WaitForLeader blocks until a leader is known or ctx ends.
func (m *Manager) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		if id, _ := m.Leader(); id != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for leader: %w", nexaerr.ErrTimeout)
		case <-ticker.C:
		}
	}
}
