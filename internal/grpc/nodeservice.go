package grpc

import (
	"context"
	"net/http"

	"github.com/concave-dev/nexa/internal/health"
	"github.com/concave-dev/nexa/internal/logging"
	"github.com/concave-dev/nexa/internal/protocol"
	"github.com/concave-dev/nexa/internal/registry"
	"github.com/concave-dev/nexa/internal/scheduler"
)

// NodeServiceImpl serves peers from this node's scheduler and collector.
type NodeServiceImpl struct {
	nodeID    string
	scheduler *scheduler.Scheduler
	registry  *registry.Registry
	collector *health.Collector // may be nil
}

// NewNodeServiceImpl creates a new NodeService implementation
func NewNodeServiceImpl(nodeID string, sched *scheduler.Scheduler, reg *registry.Registry, collector *health.Collector) *NodeServiceImpl {
	return &NodeServiceImpl{
		nodeID:    nodeID,
		scheduler: sched,
		registry:  reg,
		collector: collector,
	}
}

// ForwardTask submits a task on behalf of another node. The task is placed
// locally and never forwarded again, even if this node's ring has moved on.
func (n *NodeServiceImpl) ForwardTask(ctx context.Context, req *ForwardTaskRequest) (*ForwardTaskResponse, error) {
	logging.Debug("gRPC: task %s forwarded from %s", logging.FormatID(req.Task.ID), logging.FormatID(req.Origin))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	task := registry.TaskFromInfo(req.Task)
	task.Origin = req.Origin
	placement, err := n.scheduler.Submit(task)
	if err != nil {
		return &ForwardTaskResponse{Result: protocol.Failure(req.Task.ID, err)}, nil
	}

	status := http.StatusCreated
	if placement.State == protocol.TaskQueued {
		status = http.StatusAccepted
	}
	return &ForwardTaskResponse{Result: protocol.OK(req.Task.ID, status), Placement: placement}, nil
}

// ReportTask records the outcome of a task this node forwarded to the
// reporting node.
func (n *NodeServiceImpl) ReportTask(ctx context.Context, req *ReportTaskRequest) (*ReportTaskResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	task, err := n.registry.FinishForwarded(req.Task.ID, req.Node, req.Task.State, req.Task.Reason)
	if err != nil {
		logging.Warn("gRPC: report for task %s from %s rejected: %v", logging.FormatID(req.Task.ID), logging.FormatID(req.Node), err)
		return &ReportTaskResponse{Result: protocol.Failure(req.Task.ID, err)}, nil
	}
	logging.Info("gRPC: forwarded task %s %s on %s", logging.FormatID(task.ID), task.State, logging.FormatID(req.Node))
	return &ReportTaskResponse{Result: protocol.OK(req.Task.ID, http.StatusOK)}, nil
}

// GetMetrics returns this node's registry counts and, when a collector is
// attached, its latest health snapshot.
func (n *NodeServiceImpl) GetMetrics(ctx context.Context, req *GetMetricsRequest) (*GetMetricsResponse, error) {
	resp := &GetMetricsResponse{
		NodeID: n.nodeID,
		Counts: n.registry.Counts(),
	}
	if n.collector != nil {
		snap := n.collector.Snapshot()
		resp.Health = &snap
	}
	return resp, nil
}
