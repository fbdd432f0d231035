package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/concave-dev/nexa/internal/logging"
	"github.com/hashicorp/raft"
)

// CommandType names a membership command.
type CommandType string

const (
	CommandJoin      CommandType = "join"
	CommandLeave     CommandType = "leave"
	CommandHealth    CommandType = "health"
	CommandClusterID CommandType = "cluster_id"
)

// Command is the JSON document stored in each raft log entry. Time is set by
// the leader so every replica records identical timestamps.
type Command struct {
	Type      CommandType `json:"type"`
	Node      *Node       `json:"node,omitempty"`
	NodeID    string      `json:"node_id,omitempty"`
	Health    Health      `json:"health,omitempty"`
	ClusterID string      `json:"cluster_id,omitempty"`
	Time      time.Time   `json:"time"`
}

// ApplyResult is returned through the raft future for a successful command.
type ApplyResult struct {
	Changed bool   // False when the command was already in effect
	Version uint64 // Membership version after the command
}

// Change describes one membership transition. Members is the full
// membership after the change, sorted by id.
type Change struct {
	Version  uint64
	Members  []Node
	Joined   []string
	Departed []string
	Updated  []string // Endpoint or health changes
}

// FSM is the replicated membership state machine.
type FSM struct {
	mu        sync.RWMutex
	clusterID string
	version   uint64
	members   map[string]*Node

	onChange func(Change)
}

// NewFSM creates an empty membership FSM.
func NewFSM() *FSM {
	return &FSM{members: make(map[string]*Node)}
}

// OnChange registers fn for every applied command that changed membership
// and for restores. fn runs on raft's apply goroutine after the FSM lock is
// released; it must not wait on raft futures.
func (f *FSM) OnChange(fn func(Change)) {
	f.mu.Lock()
	f.onChange = fn
	f.mu.Unlock()
}

// Apply implements raft.FSM.
func (f *FSM) Apply(log *raft.Log) interface{} {
	if log.Type != raft.LogCommand {
		return nil
	}

	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		logging.Error("Cluster FSM: failed to unmarshal command at index %d: %v", log.Index, err)
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}
	return f.applyCommand(cmd)
}

func (f *FSM) applyCommand(cmd Command) interface{} {
	f.mu.Lock()
	change, err := f.applyLocked(cmd)
	if err != nil {
		f.mu.Unlock()
		logging.Warn("Cluster FSM: rejected %s command: %v", cmd.Type, err)
		return err
	}
	changed := change != nil
	if changed {
		f.version++
		change.Version = f.version
		change.Members = f.membersLocked()
	}
	result := &ApplyResult{Changed: changed, Version: f.version}
	notify := f.onChange
	f.mu.Unlock()

	if changed {
		logging.Debug("Cluster FSM: applied %s, membership version %d", cmd.Type, result.Version)
		if notify != nil {
			notify(*change)
		}
	}
	return result
}

// applyLocked mutates state and returns nil when the command is a no-op.
func (f *FSM) applyLocked(cmd Command) (*Change, error) {
	switch cmd.Type {
	case CommandJoin:
		if cmd.Node == nil || cmd.Node.ID == "" || cmd.Node.Address == "" {
			return nil, fmt.Errorf("join requires a node id and address")
		}
		incoming := *cmd.Node
		incoming.Leader = false
		if incoming.Health == "" {
			incoming.Health = HealthHealthy
		}

		existing, ok := f.members[incoming.ID]
		if ok && existing.sameEndpoints(incoming) && existing.Health == incoming.Health {
			return nil, nil
		}
		if ok {
			existing.Address = incoming.Address
			existing.APIAddr = incoming.APIAddr
			existing.GRPCAddr = incoming.GRPCAddr
			existing.Health = incoming.Health
			existing.Updated = cmd.Time
			return &Change{Updated: []string{incoming.ID}}, nil
		}
		incoming.JoinedAt = cmd.Time
		incoming.Updated = cmd.Time
		f.members[incoming.ID] = &incoming
		return &Change{Joined: []string{incoming.ID}}, nil

	case CommandLeave:
		if _, ok := f.members[cmd.NodeID]; !ok {
			return nil, nil
		}
		delete(f.members, cmd.NodeID)
		return &Change{Departed: []string{cmd.NodeID}}, nil

	case CommandHealth:
		if _, err := ParseHealth(string(cmd.Health)); err != nil {
			return nil, err
		}
		node, ok := f.members[cmd.NodeID]
		if !ok {
			// health for a node that already left is stale, not an error
			return nil, nil
		}
		if node.Health == cmd.Health {
			return nil, nil
		}
		node.Health = cmd.Health
		node.Updated = cmd.Time
		return &Change{Updated: []string{cmd.NodeID}}, nil

	case CommandClusterID:
		// set once; later proposals from a racing leader lose
		if f.clusterID != "" || cmd.ClusterID == "" {
			return nil, nil
		}
		f.clusterID = cmd.ClusterID
		return &Change{}, nil
	}

	return nil, fmt.Errorf("unknown command type: %q", cmd.Type)
}

func (f *FSM) membersLocked() []Node {
	nodes := make([]Node, 0, len(f.members))
	for _, n := range f.members {
		nodes = append(nodes, *n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Members returns the membership sorted by id.
func (f *FSM) Members() []Node {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.membersLocked()
}

// Member looks up one node.
func (f *FSM) Member(id string) (Node, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n, ok := f.members[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Version returns the membership version.
func (f *FSM) Version() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.version
}

// ClusterID returns the cluster identifier, empty until the first leader
// sets it.
func (f *FSM) ClusterID() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.clusterID
}

// fsmState is the snapshot document.
type fsmState struct {
	ClusterID string `json:"cluster_id"`
	Version   uint64 `json:"version"`
	Members   []Node `json:"members"`
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &fsmSnapshot{state: fsmState{
		ClusterID: f.clusterID,
		Version:   f.version,
		Members:   f.membersLocked(),
	}}, nil
}

// Restore implements raft.FSM.
func (f *FSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var state fsmState
	if err := json.NewDecoder(snapshot).Decode(&state); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	previous := f.members
	f.members = make(map[string]*Node, len(state.Members))
	for i := range state.Members {
		n := state.Members[i]
		f.members[n.ID] = &n
	}
	f.clusterID = state.ClusterID
	f.version = state.Version

	change := Change{Version: f.version, Members: f.membersLocked()}
	for id, n := range f.members {
		old, ok := previous[id]
		switch {
		case !ok:
			change.Joined = append(change.Joined, id)
		case !old.sameEndpoints(*n) || old.Health != n.Health:
			change.Updated = append(change.Updated, id)
		}
	}
	for id := range previous {
		if _, ok := f.members[id]; !ok {
			change.Departed = append(change.Departed, id)
		}
	}
	notify := f.onChange
	f.mu.Unlock()

	sort.Strings(change.Joined)
	sort.Strings(change.Departed)
	sort.Strings(change.Updated)

	logging.Info("Cluster FSM: restored snapshot with %d member(s) at version %d", len(state.Members), state.Version)
	if notify != nil {
		notify(change)
	}
	return nil
}

type fsmSnapshot struct {
	state fsmState
}

// Persist implements raft.FSMSnapshot.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.state)
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return sink.Close()
}

// Release implements raft.FSMSnapshot.
func (s *fsmSnapshot) Release() {}
