package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/concave-dev/nexa/internal/api/handlers"
	"github.com/concave-dev/nexa/internal/cluster"
	"github.com/concave-dev/nexa/internal/logging"
	"github.com/concave-dev/nexa/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
)

const (
	// ForwardedByHeader marks a request replayed by a follower, so the
	// receiver never forwards it again.
	ForwardedByHeader = "X-Nexa-Forwarded-By"

	// MaxForwardingTimeout limits how long we wait for leader responses
	MaxForwardingTimeout = 30 * time.Second
)

// NotLeaderResponse is returned when a membership write cannot reach the
// leader through this node.
type NotLeaderResponse struct {
	Error         protocol.ErrorBody `json:"error"`
	LeaderID      string             `json:"leader_id,omitempty"`
	LeaderAPIAddr string             `json:"leader_api_addr,omitempty"`
}

// LeaderForwarder replays membership writes refused by a follower on the
// leader the follower named.
//
// Handlers run first. A handler whose write came back with a NotLeaderError
// records it on the gin context and writes nothing; the forwarder then sends
// the same method, path and body to the leader's API and copies the answer
// back. Requests that already carry ForwardedByHeader are answered with the
// leader hint instead.
type LeaderForwarder struct {
	client *resty.Client
	nodeID string
}

// NewLeaderForwarder creates a forwarder for this node.
func NewLeaderForwarder(nodeID string, timeout time.Duration) *LeaderForwarder {
	if timeout <= 0 || timeout > MaxForwardingTimeout {
		timeout = MaxForwardingTimeout
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader(ForwardedByHeader, nodeID)
	return &LeaderForwarder{client: client, nodeID: nodeID}
}

// ForwardNotLeader returns the gin middleware.
func (lf *LeaderForwarder) ForwardNotLeader() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body []byte
		if isWriteOperation(c.Request.Method) && c.Request.Body != nil {
			var err error
			body, err = io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, handlers.ErrorResponse{
					Error: protocol.ErrorBody{Kind: "ProtocolError", Message: "unreadable body"},
				})
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		c.Next()

		if c.Writer.Written() {
			return
		}
		var nle *cluster.NotLeaderError
		for _, e := range c.Errors {
			if found, ok := handlers.AsNotLeader(e.Err); ok {
				nle = found
			}
		}
		if nle == nil {
			return
		}

		if c.GetHeader(ForwardedByHeader) != "" || nle.APIAddr == "" {
			lf.notLeader(c, nle)
			return
		}

		logging.Info("API: forwarding %s %s to leader %s at %s",
			c.Request.Method, c.Request.URL.Path, logging.FormatID(nle.LeaderID), nle.APIAddr)
		if err := lf.forward(c, nle.APIAddr, body); err != nil {
			logging.Warn("API: forwarding to leader %s failed: %v", logging.FormatID(nle.LeaderID), err)
			lf.notLeader(c, nle)
		}
	}
}

func (lf *LeaderForwarder) notLeader(c *gin.Context, nle *cluster.NotLeaderError) {
	c.JSON(http.StatusMisdirectedRequest, NotLeaderResponse{
		Error:         protocol.ErrorBody{Kind: "NotLeader", Message: nle.Error()},
		LeaderID:      nle.LeaderID,
		LeaderAPIAddr: nle.APIAddr,
	})
}

// forward sends the request to the leader and copies status, content type
// and body back.
func (lf *LeaderForwarder) forward(c *gin.Context, apiAddr string, body []byte) error {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	req := lf.client.R().SetContext(ctx)
	if len(body) > 0 {
		req.SetBody(body).SetHeader("Content-Type", c.ContentType())
	}

	target := "http://" + apiAddr + c.Request.URL.RequestURI()
	resp, err := req.Execute(c.Request.Method, target)
	if err != nil {
		return fmt.Errorf("%s %s: %w", c.Request.Method, target, err)
	}

	contentType := resp.Header().Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode(), contentType, resp.Body())
	return nil
}

// isWriteOperation determines if the HTTP method mutates state.
func isWriteOperation(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}
