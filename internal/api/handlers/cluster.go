package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/concave-dev/nexa/internal/cluster"
	"github.com/concave-dev/nexa/internal/nexaerr"
	"github.com/gin-gonic/gin"
)

// JoinRequest adds a node to the membership.
type JoinRequest struct {
	ID       string `json:"id" binding:"required"`
	Address  string `json:"address" binding:"required"` // Raft address
	APIAddr  string `json:"api_addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// HandleMembers lists the replicated membership, sorted by id.
func HandleMembers(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		members := d.Cluster.Members()
		sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
		c.JSON(http.StatusOK, gin.H{"members": members, "count": len(members)})
	}
}

// HandleMemberByID returns one member.
func HandleMemberByID(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		node, ok := d.Cluster.Member(c.Param("id"))
		if !ok {
			writeError(c, fmt.Errorf("node %s: %w", c.Param("id"), nexaerr.ErrNotFound))
			return
		}
		c.JSON(http.StatusOK, node)
	}
}

// HandleJoin applies a join through the leader. On a follower the refusal is
// recorded on the context for the forwarding middleware to replay.
func HandleJoin(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req JoinRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid join request: "+err.Error())
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), d.timeout())
		defer cancel()

		node := cluster.Node{ID: req.ID, Address: req.Address, APIAddr: req.APIAddr, GRPCAddr: req.GRPCAddr}
		if err := d.Cluster.Join(ctx, node); err != nil {
			membershipError(c, err)
			return
		}

		joined, _ := d.Cluster.Member(req.ID)
		c.JSON(http.StatusCreated, joined)
	}
}

// HandleLeave removes a member through the leader.
func HandleLeave(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d.timeout())
		defer cancel()

		if err := d.Cluster.Leave(ctx, c.Param("id")); err != nil {
			membershipError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// membershipError leaves NotLeader refusals unanswered, attached to the
// context, so the forwarder can replay them on the leader.
func membershipError(c *gin.Context, err error) {
	if _, ok := AsNotLeader(err); ok {
		_ = c.Error(err)
		return
	}
	writeError(c, err)
}
