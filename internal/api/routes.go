package api

import (
	"github.com/concave-dev/nexa/internal/api/handlers"
	"github.com/gin-gonic/gin"
)

// Configures all API routes
func (s *Server) setupRoutes(router *gin.Engine) {
	d := &s.config.Deps
	v1 := router.Group("/api/v1")

	v1.GET("/health", handlers.HandleHealth(d))
	v1.GET("/status", handlers.HandleStatus(d))
	v1.GET("/metrics", handlers.HandleMetrics(d))

	agents := v1.Group("/agents")
	{
		agents.GET("", handlers.HandleAgents(d))
		agents.GET("/:id", handlers.HandleAgentByID(d))
	}

	tasks := v1.Group("/tasks")
	{
		tasks.GET("", handlers.HandleTasks(d))
		tasks.GET("/:id", handlers.HandleTaskByID(d))
		tasks.POST("", handlers.HandleSubmitTask(d))
	}

	// Membership writes only apply on the leader
	cluster := v1.Group("/cluster")
	cluster.Use(s.forwarder.ForwardNotLeader())
	{
		cluster.GET("/members", handlers.HandleMembers(d))
		cluster.GET("/members/:id", handlers.HandleMemberByID(d))
		cluster.POST("/members", handlers.HandleJoin(d))
		cluster.DELETE("/members/:id", handlers.HandleLeave(d))
	}
}
