package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/concave-dev/nexa/internal/cluster"
	"github.com/concave-dev/nexa/internal/grpc"
	"github.com/concave-dev/nexa/internal/health"
	"github.com/concave-dev/nexa/internal/logging"
	"github.com/concave-dev/nexa/internal/registry"
	"github.com/concave-dev/nexa/internal/server"
	"github.com/concave-dev/nexa/internal/tokens"
	"github.com/gin-gonic/gin"
)

// NodeStatus is one node's view of the cluster and its local workload.
type NodeStatus struct {
	NodeID       string         `json:"node_id"`
	Role         cluster.Role   `json:"role"`
	Term         uint64         `json:"term"`
	LeaderID     string         `json:"leader_id,omitempty"`
	LeaderAddr   string         `json:"leader_addr,omitempty"`
	ClusterID    string         `json:"cluster_id,omitempty"`
	Version      uint64         `json:"membership_version"`
	Members      []cluster.Node `json:"members"`
	ActiveAgents int            `json:"active_agents"`
	ActiveTasks  int            `json:"active_tasks"`
	QueuedTasks  int            `json:"queued_tasks"`
	Uptime       time.Duration  `json:"uptime"`
}

// NodeMetrics gathers every counter the node keeps. Peers is filled only
// when cluster-wide metrics are requested.
type NodeMetrics struct {
	NodeID      string                              `json:"node_id"`
	Timestamp   time.Time                           `json:"timestamp"`
	Counts      registry.Counts                     `json:"counts"`
	Health      *health.Snapshot                    `json:"health,omitempty"`
	Tokens      []tokens.Usage                      `json:"tokens,omitempty"`
	Connections *server.Stats                       `json:"connections,omitempty"`
	Peers       map[string]*grpc.GetMetricsResponse `json:"peers,omitempty"`
	PeerErrors  map[string]string                   `json:"peer_errors,omitempty"`
}

// CollectStatus builds the node status.
func CollectStatus(d *Deps) NodeStatus {
	cs := d.Cluster.Status()
	counts := d.Registry.Counts()

	st := NodeStatus{
		NodeID:       cs.NodeID,
		Role:         cs.Role,
		Term:         cs.Term,
		LeaderID:     cs.LeaderID,
		LeaderAddr:   cs.LeaderAddr,
		ClusterID:    cs.ClusterID,
		Version:      cs.Version,
		Members:      cs.Members,
		ActiveAgents: counts.ReachableAgents,
		ActiveTasks:  counts.ActiveTasks,
		QueuedTasks:  counts.QueuedTasks,
	}
	if !d.StartTime.IsZero() {
		st.Uptime = time.Since(d.StartTime)
	}
	return st
}

// CollectMetrics builds the node metrics. With peers set, every other member
// is asked for its own metrics over gRPC; unreachable peers are reported in
// PeerErrors rather than failing the whole call.
func CollectMetrics(ctx context.Context, d *Deps, peers bool) NodeMetrics {
	m := NodeMetrics{
		NodeID:    d.Cluster.Status().NodeID,
		Timestamp: time.Now(),
		Counts:    d.Registry.Counts(),
	}
	if d.Health != nil {
		snap := d.Health.Snapshot()
		m.Health = &snap
	}
	if d.Tokens != nil {
		m.Tokens = d.Tokens.Snapshot()
	}
	if d.Connections != nil {
		stats := d.Connections.Stats()
		m.Connections = &stats
	}

	if !peers || d.Peers == nil {
		return m
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()

	for _, node := range d.Cluster.Members() {
		if node.ID == m.NodeID {
			continue
		}
		resp, err := d.Peers.GetMetrics(ctx, node.ID)
		if err != nil {
			logging.Debug("API: metrics from node %s unavailable: %v", logging.FormatID(node.ID), err)
			if m.PeerErrors == nil {
				m.PeerErrors = make(map[string]string)
			}
			m.PeerErrors[node.ID] = err.Error()
			continue
		}
		if m.Peers == nil {
			m.Peers = make(map[string]*grpc.GetMetricsResponse)
		}
		m.Peers[node.ID] = resp
	}
	return m
}

// HandleStatus returns the node status
func HandleStatus(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, CollectStatus(d))
	}
}

// HandleMetrics returns the node metrics; ?scope=cluster adds every peer.
func HandleMetrics(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, CollectMetrics(c.Request.Context(), d, c.Query("scope") == "cluster"))
	}
}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status    string       `json:"status"` // healthy, degraded or no_leader
	Timestamp time.Time    `json:"timestamp"`
	Version   string       `json:"version"`
	Uptime    string       `json:"uptime"`
	Role      cluster.Role `json:"role"`
	Alerts    []string     `json:"alerts,omitempty"`
}

// HandleHealth reports whether this node can serve. A node without a known
// leader answers 503 so load balancers route around it.
func HandleHealth(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		cs := d.Cluster.Status()
		resp := HealthResponse{
			Status:    "healthy",
			Timestamp: time.Now(),
			Version:   d.Version,
			Uptime:    time.Since(d.StartTime).Round(time.Second).String(),
			Role:      cs.Role,
		}

		if d.Health != nil {
			for _, alert := range d.Health.Snapshot().Alerts {
				resp.Alerts = append(resp.Alerts, alert.String())
			}
			sort.Strings(resp.Alerts)
			if d.Health.Degraded() {
				resp.Status = "degraded"
			}
		}

		code := http.StatusOK
		if cs.LeaderID == "" {
			resp.Status = "no_leader"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, resp)
	}
}
