package grpc

import (
	"context"

	"github.com/concave-dev/nexa/internal/health"
	"github.com/concave-dev/nexa/internal/protocol"
	"github.com/concave-dev/nexa/internal/registry"
	"github.com/concave-dev/nexa/internal/scheduler"
	grpcstd "google.golang.org/grpc"
)

const (
	serviceName       = "nexa.NodeService"
	methodForwardTask = "/" + serviceName + "/ForwardTask"
	methodGetMetrics  = "/" + serviceName + "/GetMetrics"
	methodReportTask  = "/" + serviceName + "/ReportTask"
)

// ForwardTaskRequest hands a task to the node that owns its routing key.
type ForwardTaskRequest struct {
	Origin string            `json:"origin"`
	Task   protocol.TaskInfo `json:"task"`
}

// ForwardTaskResponse carries the owner's placement. Failures travel in
// Result so the error kind survives the hop.
type ForwardTaskResponse struct {
	Result    protocol.Result     `json:"result"`
	Placement scheduler.Placement `json:"placement"`
}

// ReportTaskRequest tells the node a task was forwarded from what became of
// it. Node is the reporting owner.
type ReportTaskRequest struct {
	Node string            `json:"node"`
	Task protocol.TaskInfo `json:"task"`
}

// ReportTaskResponse acknowledges a report.
type ReportTaskResponse struct {
	Result protocol.Result `json:"result"`
}

// GetMetricsRequest asks a node for its current metrics.
type GetMetricsRequest struct{}

// GetMetricsResponse is one node's view of itself.
type GetMetricsResponse struct {
	NodeID string           `json:"node_id"`
	Health *health.Snapshot `json:"health,omitempty"`
	Counts registry.Counts  `json:"counts"`
}

// NodeServiceServer is implemented by the node serving peers.
type NodeServiceServer interface {
	ForwardTask(context.Context, *ForwardTaskRequest) (*ForwardTaskResponse, error)
	GetMetrics(context.Context, *GetMetricsRequest) (*GetMetricsResponse, error)
	ReportTask(context.Context, *ReportTaskRequest) (*ReportTaskResponse, error)
}

// nodeServiceDesc is written out by hand in the shape protoc-gen-go-grpc
// would produce, with the JSON codec doing the marshalling.
var nodeServiceDesc = grpcstd.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*NodeServiceServer)(nil),
	Methods: []grpcstd.MethodDesc{
		{MethodName: "ForwardTask", Handler: forwardTaskHandler},
		{MethodName: "GetMetrics", Handler: getMetricsHandler},
		{MethodName: "ReportTask", Handler: reportTaskHandler},
	},
	Streams:  []grpcstd.StreamDesc{},
	Metadata: "nexa/node_service",
}

// RegisterNodeServiceServer attaches srv to s.
func RegisterNodeServiceServer(s grpcstd.ServiceRegistrar, srv NodeServiceServer) {
	s.RegisterService(&nodeServiceDesc, srv)
}

func forwardTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpcstd.UnaryServerInterceptor) (any, error) {
	in := new(ForwardTaskRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).ForwardTask(ctx, in)
	}
	info := &grpcstd.UnaryServerInfo{Server: srv, FullMethod: methodForwardTask}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServiceServer).ForwardTask(ctx, req.(*ForwardTaskRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getMetricsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpcstd.UnaryServerInterceptor) (any, error) {
	in := new(GetMetricsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).GetMetrics(ctx, in)
	}
	info := &grpcstd.UnaryServerInfo{Server: srv, FullMethod: methodGetMetrics}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServiceServer).GetMetrics(ctx, req.(*GetMetricsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func reportTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpcstd.UnaryServerInterceptor) (any, error) {
	in := new(ReportTaskRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).ReportTask(ctx, in)
	}
	info := &grpcstd.UnaryServerInfo{Server: srv, FullMethod: methodReportTask}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServiceServer).ReportTask(ctx, req.(*ReportTaskRequest))
	}
	return interceptor(ctx, in, info, handler)
}
