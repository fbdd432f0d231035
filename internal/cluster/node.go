package cluster

import (
	"errors"
	"fmt"
	"time"
)

// Role is this node's raft role.
type Role string

const (
	RoleLeader    Role = "leader"
	RoleFollower  Role = "follower"
	RoleCandidate Role = "candidate"
	RoleShutdown  Role = "shutdown"
)

// Health is a member's replicated health state.
type Health string

const (
	HealthHealthy     Health = "healthy"
	HealthDegraded    Health = "degraded"
	HealthUnreachable Health = "unreachable"
)

// ParseHealth accepts the three health names.
func ParseHealth(s string) (Health, error) {
	switch h := Health(s); h {
	case HealthHealthy, HealthDegraded, HealthUnreachable:
		return h, nil
	}
	return "", fmt.Errorf("unknown health %q", s)
}

// Node is one cluster member as recorded in replicated membership.
type Node struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"` // Raft address
	APIAddr  string    `json:"api_addr,omitempty"`
	GRPCAddr string    `json:"grpc_addr,omitempty"`
	Health   Health    `json:"health"`
	JoinedAt time.Time `json:"joined_at"`
	Updated  time.Time `json:"updated_at"`

	// Leader is filled in by views; it is not part of replicated state.
	Leader bool `json:"leader,omitempty"`
}

// sameEndpoints reports whether two records describe the same endpoints.
func (n Node) sameEndpoints(o Node) bool {
	return n.Address == o.Address && n.APIAddr == o.APIAddr && n.GRPCAddr == o.GRPCAddr
}

// ErrNotLeader is wrapped by NotLeaderError.
var ErrNotLeader = errors.New("node is not the cluster leader")

// NotLeaderError is returned by membership changes on a follower that knows
// the current leader.
type NotLeaderError struct {
	LeaderID   string
	LeaderAddr string // Raft address
	APIAddr    string // Leader's API address when known, for forwarding
}

func (e *NotLeaderError) Error() string {
	return fmt.Sprintf("not the leader, current leader is %s (%s)", e.LeaderID, e.LeaderAddr)
}

func (e *NotLeaderError) Unwrap() error {
	return ErrNotLeader
}
