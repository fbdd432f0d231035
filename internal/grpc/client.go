package grpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/concave-dev/nexa/internal/cluster"
	"github.com/concave-dev/nexa/internal/logging"
	"github.com/concave-dev/nexa/internal/nexaerr"
	"github.com/concave-dev/nexa/internal/protocol"
	"github.com/concave-dev/nexa/internal/scheduler"
	grpcstd "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// MemberSource resolves a node id to its advertised endpoints.
type MemberSource interface {
	Member(id string) (cluster.Node, bool)
}

// ClientPool keeps one connection per peer node. It implements
// scheduler.Forwarder. Connections to nodes that leave the membership are
// closed by HandleMembershipChange.
type ClientPool struct {
	mu          sync.Mutex
	connections map[string]*grpcstd.ClientConn // nodeID -> connection
	addrs       map[string]string              // nodeID -> address dialed
	members     MemberSource
	origin      string
}

var _ scheduler.Forwarder = (*ClientPool)(nil)

// NewClientPool creates a pool resolving peers through members. origin is
// this node's id, sent with forwarded tasks.
func NewClientPool(origin string, members MemberSource) *ClientPool {
	return &ClientPool{
		connections: make(map[string]*grpcstd.ClientConn),
		addrs:       make(map[string]string),
		members:     members,
		origin:      origin,
	}
}

// conn returns the connection for nodeID, redialing when the node now
// advertises a different address.
func (cp *ClientPool) conn(nodeID string) (*grpcstd.ClientConn, error) {
	node, ok := cp.members.Member(nodeID)
	if !ok {
		return nil, fmt.Errorf("node %s: %w", nodeID, nexaerr.ErrNotFound)
	}
	if node.GRPCAddr == "" {
		return nil, fmt.Errorf("node %s advertises no gRPC address: %w", nodeID, nexaerr.ErrUnreachable)
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if conn, ok := cp.connections[nodeID]; ok {
		if cp.addrs[nodeID] == node.GRPCAddr {
			return conn, nil
		}
		conn.Close()
		delete(cp.connections, nodeID)
	}

	// TODO: add TLS once node certificates exist
	conn, err := grpcstd.NewClient(node.GRPCAddr,
		grpcstd.WithTransportCredentials(insecure.NewCredentials()),
		grpcstd.WithDefaultCallOptions(grpcstd.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to node %s at %s: %w", nodeID, node.GRPCAddr, err)
	}
	cp.connections[nodeID] = conn
	cp.addrs[nodeID] = node.GRPCAddr

	logging.Debug("gRPC: created client for node %s at %s", logging.FormatID(nodeID), node.GRPCAddr)
	return conn, nil
}

// ForwardTask submits task on nodeID and returns the placement made there.
func (cp *ClientPool) ForwardTask(ctx context.Context, nodeID string, task protocol.TaskInfo) (scheduler.Placement, error) {
	conn, err := cp.conn(nodeID)
	if err != nil {
		return scheduler.Placement{}, err
	}

	ctx, cancel := withCallTimeout(ctx)
	defer cancel()

	resp := new(ForwardTaskResponse)
	req := &ForwardTaskRequest{Origin: cp.origin, Task: task}
	if err := conn.Invoke(ctx, methodForwardTask, req, resp); err != nil {
		return scheduler.Placement{}, cp.callError(nodeID, err)
	}
	if err := resp.Result.Err(); err != nil {
		return scheduler.Placement{}, err
	}
	return resp.Placement, nil
}

// ReportTask tells nodeID, the origin of a forwarded task, how it ended.
func (cp *ClientPool) ReportTask(ctx context.Context, nodeID string, task protocol.TaskInfo) error {
	conn, err := cp.conn(nodeID)
	if err != nil {
		return err
	}

	ctx, cancel := withCallTimeout(ctx)
	defer cancel()

	resp := new(ReportTaskResponse)
	req := &ReportTaskRequest{Node: cp.origin, Task: task}
	if err := conn.Invoke(ctx, methodReportTask, req, resp); err != nil {
		return cp.callError(nodeID, err)
	}
	return resp.Result.Err()
}

// GetMetrics reads nodeID's metrics.
func (cp *ClientPool) GetMetrics(ctx context.Context, nodeID string) (*GetMetricsResponse, error) {
	conn, err := cp.conn(nodeID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withCallTimeout(ctx)
	defer cancel()

	resp := new(GetMetricsResponse)
	if err := conn.Invoke(ctx, methodGetMetrics, &GetMetricsRequest{}, resp); err != nil {
		return nil, cp.callError(nodeID, err)
	}
	return resp, nil
}

func withCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultCallTimeout)
}

// callError maps transport failures onto the error taxonomy. A node that
// could not be reached has its connection dropped so the next call redials.
func (cp *ClientPool) callError(nodeID string, err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("call to node %s: %v: %w", nodeID, err, nexaerr.ErrTimeout)
	case codes.Unavailable:
		cp.CloseConnection(nodeID)
		return fmt.Errorf("call to node %s: %v: %w", nodeID, err, nexaerr.ErrUnreachable)
	}
	return fmt.Errorf("call to node %s: %w", nodeID, err)
}

// HandleMembershipChange closes the connections of departed nodes. It is
// registered with cluster.Manager.OnMembershipChange.
func (cp *ClientPool) HandleMembershipChange(change cluster.Change) {
	for _, nodeID := range change.Departed {
		cp.CloseConnection(nodeID)
	}
}

// Connected reports whether the pool holds a connection to nodeID.
func (cp *ClientPool) Connected(nodeID string) bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	_, ok := cp.connections[nodeID]
	return ok
}

// CloseConnection closes and removes a specific node connection
func (cp *ClientPool) CloseConnection(nodeID string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if conn, ok := cp.connections[nodeID]; ok {
		conn.Close()
		delete(cp.connections, nodeID)
		delete(cp.addrs, nodeID)
		logging.Debug("gRPC: closed connection to node %s", logging.FormatID(nodeID))
	}
}

// Close closes all connections in the pool
func (cp *ClientPool) Close() {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	for _, conn := range cp.connections {
		conn.Close()
	}
	cp.connections = make(map[string]*grpcstd.ClientConn)
	cp.addrs = make(map[string]string)
}
