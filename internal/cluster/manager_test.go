package cluster

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/concave-dev/nexa/internal/nexaerr"
	serfpkg "github.com/concave-dev/nexa/internal/serf"
	"github.com/concave-dev/nexa/internal/statefile"
	"github.com/hashicorp/raft"
	"github.com/hashicorp/serf/serf"
)

type testNode struct {
	manager   *Manager
	transport *raft.InmemTransport
	addr      raft.ServerAddress
	dataDir   string
}

func testClusterConfig(t *testing.T, id, dataDir string, bootstrap bool) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.NodeID = id
	cfg.DataDir = dataDir
	cfg.APIAddr = "api-" + id
	cfg.GRPCAddr = "grpc-" + id
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	cfg.ElectionTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 50 * time.Millisecond
	cfg.CommitTimeout = 5 * time.Millisecond
	cfg.ApplyTimeout = 2 * time.Second
	cfg.ReconcileInterval = time.Hour
	cfg.Bootstrap = bootstrap
	cfg.LogLevel = "ERROR"
	return cfg
}

// startNode runs a manager on in-memory raft storage and transport. An empty
// addr picks a fresh transport address.
func startNode(t *testing.T, id string, addr raft.ServerAddress, dataDir string, bootstrap bool) *testNode {
	t.Helper()
	if dataDir == "" {
		dataDir = t.TempDir()
	}
	addr, transport := raft.NewInmemTransport(addr)
	store := raft.NewInmemStore()

	m, err := NewManager(testClusterConfig(t, id, dataDir, bootstrap),
		WithTransport(transport),
		WithStores(store, store, raft.NewInmemSnapshotStore()))
	if err != nil {
		t.Fatalf("NewManager(%s): %v", id, err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start(%s): %v", id, err)
	}
	t.Cleanup(func() { m.Stop() })

	return &testNode{manager: m, transport: transport, addr: addr, dataDir: dataDir}
}

func connectAll(nodes ...*testNode) {
	for _, a := range nodes {
		for _, b := range nodes {
			if a != b {
				a.transport.Connect(b.addr, b.transport)
			}
		}
	}
}

func (n *testNode) node() Node {
	id := n.manager.NodeID()
	return Node{ID: id, Address: string(n.addr), APIAddr: "api-" + id, GRPCAddr: "grpc-" + id}
}

func statefileName(dir string) string {
	return filepath.Join(dir, statefile.FileName)
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func leaderOf(nodes []*testNode) *testNode {
	for _, n := range nodes {
		if n.manager.IsLeader() {
			return n
		}
	}
	return nil
}

// startCluster bootstraps the first node and joins the rest through it.
func startCluster(t *testing.T, size int) []*testNode {
	t.Helper()
	ids := []string{"n1", "n2", "n3", "n4", "n5"}[:size]

	nodes := make([]*testNode, 0, size)
	for i, id := range ids {
		nodes = append(nodes, startNode(t, id, "", "", i == 0))
	}
	connectAll(nodes...)

	first := nodes[0].manager
	waitFor(t, 5*time.Second, "bootstrap leader", first.IsLeader)
	waitFor(t, 5*time.Second, "cluster id", func() bool { return first.Status().ClusterID != "" })

	for _, n := range nodes[1:] {
		if err := first.Join(testCtx(t), n.node()); err != nil {
			t.Fatalf("join %s: %v", n.manager.NodeID(), err)
		}
	}
	for _, n := range nodes {
		n := n
		waitFor(t, 5*time.Second, n.manager.NodeID()+" to see all members", func() bool {
			return len(n.manager.Members()) == size
		})
	}
	return nodes
}

func TestManagerSingleNodeBootstrap(t *testing.T) {
	n := startNode(t, "n1", "", "", true)
	m := n.manager

	if err := m.WaitForLeader(testCtx(t)); err != nil {
		t.Fatalf("WaitForLeader: %v", err)
	}
	waitFor(t, 5*time.Second, "self in membership", func() bool { return len(m.Members()) == 1 })

	status := m.Status()
	if status.Role != RoleLeader || status.LeaderID != "n1" {
		t.Errorf("status = %+v, want n1 leading", status)
	}
	if status.Term < 1 {
		t.Errorf("term = %d, want >= 1", status.Term)
	}
	members := m.Members()
	if !members[0].Leader || members[0].APIAddr != "api-n1" {
		t.Errorf("member = %+v, want leader with api address", members[0])
	}
	waitFor(t, 5*time.Second, "cluster id", func() bool { return m.Status().ClusterID != "" })

	waitFor(t, 5*time.Second, "state file", func() bool {
		st, err := statefile.Load(statefileName(n.dataDir))
		return err == nil && len(st.Members) == 1 && st.Term >= 1 && st.ClusterID != ""
	})
}

func TestManagerWaitsWithoutBootstrap(t *testing.T) {
	n := startNode(t, "n1", "", "", false)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := n.manager.WaitForLeader(ctx)
	if !errors.Is(err, nexaerr.ErrTimeout) {
		t.Fatalf("WaitForLeader = %v, want timeout", err)
	}
	if n.manager.IsLeader() {
		t.Error("an unbootstrapped node must not elect itself")
	}
}

func TestManagerThreeNodeMembership(t *testing.T) {
	nodes := startCluster(t, 3)
	leader := leaderOf(nodes)
	if leader == nil {
		t.Fatal("no leader")
	}

	var leaders int
	for _, n := range nodes {
		for _, member := range n.manager.Members() {
			if member.Leader {
				leaders++
			}
		}
	}
	if leaders != 3 {
		t.Errorf("leader flags = %d, want exactly one leader per view", leaders)
	}

	for _, n := range nodes {
		if n == leader {
			continue
		}
		err := n.manager.Join(testCtx(t), Node{ID: "n9", Address: "nowhere"})
		var notLeader *NotLeaderError
		if !errors.As(err, &notLeader) {
			t.Fatalf("follower join = %v, want NotLeaderError", err)
		}
		if !errors.Is(err, ErrNotLeader) {
			t.Error("NotLeaderError should unwrap to ErrNotLeader")
		}
		if notLeader.LeaderID != leader.manager.NodeID() || notLeader.APIAddr != "api-"+leader.manager.NodeID() {
			t.Errorf("not-leader hint = %+v", notLeader)
		}
	}
}

func TestManagerJoinIsIdempotent(t *testing.T) {
	nodes := startCluster(t, 3)
	leader := leaderOf(nodes).manager

	before := leader.Version()
	if err := leader.Join(testCtx(t), nodes[1].node()); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if leader.Version() != before {
		t.Errorf("version = %d after duplicate join, want %d", leader.Version(), before)
	}
	if len(leader.Members()) != 3 {
		t.Errorf("members = %d, want 3", len(leader.Members()))
	}
}

func TestManagerLeaveAndHealth(t *testing.T) {
	nodes := startCluster(t, 3)
	leader := leaderOf(nodes)

	var victim *testNode
	for _, n := range nodes {
		if n != leader {
			victim = n
			break
		}
	}
	victimID := victim.manager.NodeID()

	if err := leader.manager.SetHealth(testCtx(t), victimID, HealthDegraded); err != nil {
		t.Fatalf("SetHealth: %v", err)
	}
	for _, n := range nodes {
		n := n
		waitFor(t, 5*time.Second, "degraded health on "+n.manager.NodeID(), func() bool {
			member, ok := n.manager.Member(victimID)
			return ok && member.Health == HealthDegraded
		})
	}

	if err := leader.manager.SetHealth(testCtx(t), victimID, "sleepy"); !errors.Is(err, nexaerr.ErrProtocol) {
		t.Errorf("SetHealth(sleepy) = %v, want protocol error", err)
	}

	if err := leader.manager.Leave(testCtx(t), victimID); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	for _, n := range nodes {
		if n == victim {
			continue
		}
		n := n
		waitFor(t, 5*time.Second, "departure on "+n.manager.NodeID(), func() bool {
			_, ok := n.manager.Member(victimID)
			return !ok
		})
	}
	if len(leader.manager.servers()) != 2 {
		t.Errorf("raft servers = %d, want 2", len(leader.manager.servers()))
	}

	if err := leader.manager.Leave(testCtx(t), "ghost"); err != nil {
		t.Errorf("leaving an unknown node = %v, want no-op", err)
	}
}

func TestManagerMembershipListener(t *testing.T) {
	n1 := startNode(t, "n1", "", "", true)
	n2 := startNode(t, "n2", "", "", false)
	connectAll(n1, n2)
	waitFor(t, 5*time.Second, "leader", n1.manager.IsLeader)

	var mu sync.Mutex
	var joined []string
	n2.manager.OnMembershipChange(func(c Change) {
		mu.Lock()
		joined = append(joined, c.Joined...)
		mu.Unlock()
	})

	if err := n1.manager.Join(testCtx(t), n2.node()); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, 5*time.Second, "listener to see n2 join", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, id := range joined {
			if id == "n2" {
				return true
			}
		}
		return false
	})
}

func TestManagerNoQuorum(t *testing.T) {
	dir := t.TempDir()
	store, err := statefile.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	err = store.Update(func(st *statefile.State) {
		st.Members = []statefile.Member{
			{ID: "n1", Address: "addr-n1"},
			{ID: "n2", Address: "addr-n2"},
			{ID: "n3", Address: "addr-n3"},
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	// the recorded peers never start, so no majority exists
	n := startNode(t, "n1", "addr-n1", dir, false)
	time.Sleep(500 * time.Millisecond)

	if n.manager.IsLeader() {
		t.Fatal("a single node of three must not become leader")
	}
	err = n.manager.Join(testCtx(t), Node{ID: "n4", Address: "addr-n4"})
	if !errors.Is(err, nexaerr.ErrNoQuorum) {
		t.Fatalf("Join = %v, want NoQuorum", err)
	}
	if nexaerr.Kind(err) != "NoQuorum" {
		t.Errorf("kind = %q", nexaerr.Kind(err))
	}
	if err := n.manager.SetHealth(testCtx(t), "n1", HealthDegraded); !errors.Is(err, nexaerr.ErrNoQuorum) {
		t.Errorf("SetHealth = %v, want NoQuorum", err)
	}
}

func TestManagerPartitionedLeaderStepsDown(t *testing.T) {
	nodes := startCluster(t, 3)
	old := leaderOf(nodes)
	oldTerm := old.manager.Term()

	var rest []*testNode
	for _, n := range nodes {
		if n != old {
			rest = append(rest, n)
		}
	}

	old.transport.DisconnectAll()
	for _, n := range rest {
		n.transport.Disconnect(old.addr)
	}

	waitFor(t, 5*time.Second, "majority side to elect a new leader", func() bool {
		return leaderOf(rest) != nil
	})
	newLeader := leaderOf(rest)
	if newLeader.manager.Term() <= oldTerm {
		t.Errorf("new term %d should exceed old term %d", newLeader.manager.Term(), oldTerm)
	}

	waitFor(t, 5*time.Second, "isolated leader to step down", func() bool {
		return !old.manager.IsLeader()
	})
	err := old.manager.Join(testCtx(t), Node{ID: "n9", Address: "nowhere"})
	if !errors.Is(err, nexaerr.ErrNoQuorum) {
		t.Errorf("isolated join = %v, want NoQuorum", err)
	}

	// the majority keeps accepting changes
	if err := newLeader.manager.SetHealth(testCtx(t), old.manager.NodeID(), HealthUnreachable); err != nil {
		t.Fatalf("majority SetHealth: %v", err)
	}

	connectAll(nodes...)

	newID := newLeader.manager.NodeID()
	waitFor(t, 5*time.Second, "healed node to follow the new leader", func() bool {
		id, _ := old.manager.Leader()
		return id == newID && old.manager.Role() == RoleFollower
	})
	waitFor(t, 5*time.Second, "terms to converge", func() bool {
		term := nodes[0].manager.Term()
		for _, n := range nodes[1:] {
			if n.manager.Term() != term {
				return false
			}
		}
		return true
	})
	waitFor(t, 5*time.Second, "healed node to catch up", func() bool {
		member, ok := old.manager.Member(old.manager.NodeID())
		return ok && member.Health == HealthUnreachable
	})
}

func TestManagerRejoinsFromStateFile(t *testing.T) {
	nodes := startCluster(t, 3)

	for _, n := range nodes {
		n := n
		waitFor(t, 5*time.Second, "state file on "+n.manager.NodeID(), func() bool {
			st, err := statefile.Load(statefileName(n.dataDir))
			return err == nil && len(st.Members) == 3
		})
	}
	for _, n := range nodes {
		if err := n.manager.Stop(); err != nil {
			t.Fatalf("stop %s: %v", n.manager.NodeID(), err)
		}
	}

	// restart with empty raft storage; only the state file survives
	var restarted []*testNode
	for _, n := range nodes {
		restarted = append(restarted, startNode(t, n.manager.NodeID(), n.addr, n.dataDir, false))
	}
	connectAll(restarted...)

	waitFor(t, 10*time.Second, "leader after restart", func() bool {
		return leaderOf(restarted) != nil
	})
	for _, n := range restarted {
		n := n
		waitFor(t, 5*time.Second, "membership on "+n.manager.NodeID(), func() bool {
			members := n.manager.Members()
			if len(members) != 3 {
				return false
			}
			for _, member := range members {
				if member.APIAddr != "api-"+member.ID {
					return false
				}
			}
			return true
		})
	}
}

type fakeGossip struct {
	mu      sync.Mutex
	members map[string]*serfpkg.Member
	health  string
}

func (f *fakeGossip) GetMembers() map[string]*serfpkg.Member {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*serfpkg.Member, len(f.members))
	for k, v := range f.members {
		c := *v
		out[k] = &c
	}
	return out
}

func (f *fakeGossip) SetHealthTag(health string) error {
	f.mu.Lock()
	f.health = health
	f.mu.Unlock()
	return nil
}

func TestReconcileRemovesNodesAfterGrace(t *testing.T) {
	nodes := startCluster(t, 3)
	leader := leaderOf(nodes)
	m := leader.manager
	m.config.DepartureGrace = time.Minute

	var gone string
	gossip := &fakeGossip{members: map[string]*serfpkg.Member{}}
	for _, n := range nodes {
		id := n.manager.NodeID()
		if n != leader && gone == "" {
			gone = id
			continue
		}
		gossip.members[id] = &serfpkg.Member{ID: id, Status: serf.StatusAlive}
	}
	m.SetSerfManager(gossip)

	start := time.Now()
	m.reconcile(start)

	member, ok := m.Member(gone)
	if !ok || member.Health != HealthUnreachable {
		t.Fatalf("%s = %+v, want unreachable but still a member", gone, member)
	}

	m.reconcile(start.Add(30 * time.Second))
	if _, ok := m.Member(gone); !ok {
		t.Fatal("node removed before the grace period elapsed")
	}

	m.reconcile(start.Add(time.Minute))
	if _, ok := m.Member(gone); ok {
		t.Fatal("node should be removed once the grace period elapsed")
	}
	if len(m.Members()) != 2 {
		t.Errorf("members = %d, want 2", len(m.Members()))
	}
}

func TestSerfEventsUpdateMembership(t *testing.T) {
	nodes := startCluster(t, 3)
	leader := leaderOf(nodes)
	m := leader.manager

	var peer *testNode
	for _, n := range nodes {
		if n != leader {
			peer = n
			break
		}
	}
	id := peer.manager.NodeID()
	tags := map[string]string{
		serfpkg.TagNodeID:   id,
		serfpkg.TagRaftAddr: string(peer.addr),
		serfpkg.TagAPIAddr:  "api-" + id,
		serfpkg.TagGRPCAddr: "grpc-" + id,
		serfpkg.TagHealth:   "healthy",
	}

	m.handleMemberEvent(serf.MemberEvent{Type: serf.EventMemberFailed, Members: []serf.Member{{Name: id, Tags: tags}}})
	if member, _ := m.Member(id); member.Health != HealthUnreachable {
		t.Fatalf("health after failure = %q, want unreachable", member.Health)
	}

	tags[serfpkg.TagHealth] = "degraded"
	m.handleMemberEvent(serf.MemberEvent{Type: serf.EventMemberUpdate, Members: []serf.Member{{Name: id, Tags: tags}}})
	if member, _ := m.Member(id); member.Health != HealthDegraded {
		t.Fatalf("health after update = %q, want degraded", member.Health)
	}

	m.failedMu.Lock()
	_, pending := m.failed[id]
	m.failedMu.Unlock()
	if pending {
		t.Error("recovered node should no longer be pending removal")
	}

	m.handleMemberEvent(serf.MemberEvent{Type: serf.EventMemberLeave, Members: []serf.Member{{Name: id, Tags: tags}}})
	if _, ok := m.Member(id); ok {
		t.Error("node that left gossip should be removed")
	}
}

func TestReportHealth(t *testing.T) {
	n := startNode(t, "n1", "", "", true)
	m := n.manager
	waitFor(t, 5*time.Second, "leader", m.IsLeader)
	waitFor(t, 5*time.Second, "self in membership", func() bool { return len(m.Members()) == 1 })

	gossip := &fakeGossip{}
	m.SetSerfManager(gossip)

	if err := m.ReportHealth(testCtx(t), HealthDegraded); err != nil {
		t.Fatalf("ReportHealth: %v", err)
	}
	if member, _ := m.Member("n1"); member.Health != HealthDegraded {
		t.Errorf("health = %q, want degraded", member.Health)
	}
	gossip.mu.Lock()
	defer gossip.mu.Unlock()
	if gossip.health != "degraded" {
		t.Errorf("gossiped health = %q, want degraded", gossip.health)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	n := startNode(t, "n1", "", "", true)
	if err := n.manager.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := n.manager.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if n.manager.Role() != RoleShutdown {
		t.Errorf("role = %q, want shutdown", n.manager.Role())
	}
	if err := n.manager.Join(testCtx(t), Node{ID: "n2", Address: "x"}); err == nil {
		t.Error("join after stop should fail")
	}
}

func TestTermFollowsRaftStats(t *testing.T) {
	var idle Manager
	if got := idle.Term(); got != 0 {
		t.Errorf("term before start = %d, want 0", got)
	}

	n := startNode(t, "n1", "", "", true)
	m := n.manager
	if err := m.WaitForLeader(testCtx(t)); err != nil {
		t.Fatalf("WaitForLeader: %v", err)
	}

	want, err := strconv.ParseUint(m.raft.Stats()["term"], 10, 64)
	if err != nil {
		t.Fatalf("raft stats term: %v", err)
	}
	if got := m.Term(); got != want || got < 1 {
		t.Errorf("term = %d, want %d from raft stats", got, want)
	}
}
