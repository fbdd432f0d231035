package api

import (
	"net/http"

	"github.com/concave-dev/nexa/internal/logging"
	"github.com/gin-gonic/gin"
)

// loggingMiddleware logs every request at debug level, failures at warn.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		if param.StatusCode >= http.StatusInternalServerError {
			logging.Warn("API: %s %s -> %d (%v) %s",
				param.Method, param.Path, param.StatusCode, param.Latency, param.ErrorMessage)
		} else {
			logging.Debug("API: %s %s %s -> %d (%v)",
				param.ClientIP, param.Method, param.Path, param.StatusCode, param.Latency)
		}
		return ""
	})
}

// corsMiddleware lets browser dashboards read the API.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Accept, Content-Type")
		c.Header("Access-Control-Max-Age", "300")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
