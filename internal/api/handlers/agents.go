package handlers

import (
	"net/http"

	"github.com/concave-dev/nexa/internal/protocol"
	"github.com/concave-dev/nexa/internal/registry"
	"github.com/gin-gonic/gin"
)

// HandleAgents lists connected agents, optionally only those advertising
// ?capability=.
func HandleAgents(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var agents []registry.Agent
		if capability := c.Query("capability"); capability != "" {
			agents = d.Registry.FindByCapability(capability)
		} else {
			agents = d.Registry.Agents()
		}

		infos := make([]protocol.AgentInfo, 0, len(agents))
		for _, a := range agents {
			infos = append(infos, a.Info())
		}
		c.JSON(http.StatusOK, gin.H{"agents": infos, "count": len(infos)})
	}
}

// HandleAgentByID returns one agent.
func HandleAgentByID(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		agent, err := d.Registry.Agent(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, agent.Info())
	}
}
