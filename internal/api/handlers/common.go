// Package handlers provides HTTP request handlers for the Nexa API
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/concave-dev/nexa/internal/cluster"
	"github.com/concave-dev/nexa/internal/grpc"
	"github.com/concave-dev/nexa/internal/health"
	"github.com/concave-dev/nexa/internal/nexaerr"
	"github.com/concave-dev/nexa/internal/protocol"
	"github.com/concave-dev/nexa/internal/registry"
	"github.com/concave-dev/nexa/internal/scheduler"
	"github.com/concave-dev/nexa/internal/server"
	"github.com/concave-dev/nexa/internal/tokens"
	"github.com/gin-gonic/gin"
)

// ClusterManager is the part of the cluster manager the API reads and
// writes through.
type ClusterManager interface {
	Status() cluster.Status
	Members() []cluster.Node
	Member(id string) (cluster.Node, bool)
	Join(ctx context.Context, node cluster.Node) error
	Leave(ctx context.Context, nodeID string) error
}

// ConnectionStats reports the agent connection server's counters.
type ConnectionStats interface {
	Stats() server.Stats
}

// PeerMetrics reads another node's metrics.
type PeerMetrics interface {
	GetMetrics(ctx context.Context, nodeID string) (*grpc.GetMetricsResponse, error)
}

// Deps are the components handlers serve from. Cluster, Registry and
// Scheduler are required; the rest may be nil.
type Deps struct {
	Cluster     ClusterManager
	Registry    *registry.Registry
	Scheduler   *scheduler.Scheduler
	Health      *health.Collector
	Tokens      *tokens.Tracker
	Connections ConnectionStats
	Peers       PeerMetrics
	Version     string
	StartTime   time.Time
	Timeout     time.Duration // Budget for membership writes and peer calls
}

func (d *Deps) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return 5 * time.Second
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error protocol.ErrorBody `json:"error"`
}

// writeError answers with the taxonomy status and kind of err.
func writeError(c *gin.Context, err error) {
	c.JSON(nexaerr.Status(err), ErrorResponse{
		Error: protocol.ErrorBody{Kind: nexaerr.Kind(err), Message: err.Error()},
	})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: protocol.ErrorBody{Kind: nexaerr.Kind(nexaerr.ErrProtocol), Message: message},
	})
}

// AsNotLeader extracts the leader hint from a membership write refused by a
// follower.
func AsNotLeader(err error) (*cluster.NotLeaderError, bool) {
	var nle *cluster.NotLeaderError
	ok := errors.As(err, &nle)
	return nle, ok
}
