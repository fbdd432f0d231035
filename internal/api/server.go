package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/concave-dev/nexa/internal/logging"
	"github.com/concave-dev/nexa/internal/netutil"
	"github.com/gin-gonic/gin"
)

// Server is the node's HTTP API server.
type Server struct {
	config     *Config
	forwarder  *LeaderForwarder
	router     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	mu         sync.Mutex
}

// NewServer creates an API server that binds its own listener on Start.
func NewServer(config *Config) (*Server, error) {
	return NewServerWithListener(config, nil)
}

// NewServerWithListener creates an API server on a listener bound earlier
// during startup.
func NewServerWithListener(config *Config, listener net.Listener) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config:    config,
		forwarder: NewLeaderForwarder(config.NodeID, config.WriteTimeout),
		listener:  listener,
	}

	// Configure Gin logging only if not already configured by CLI tools
	if !logging.IsConfiguredByCLI() {
		gin.DefaultWriter = logging.NewLevelWriter("INFO", "gin")
		gin.DefaultErrorWriter = logging.NewLevelWriter("ERROR", "gin")
	}

	s.router = gin.New()
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.corsMiddleware())
	s.router.Use(gin.Recovery())
	s.setupRoutes(s.router)
	return s, nil
}

// Handler returns the API handler, for mounting in tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("API server already started")
	}

	if s.listener == nil {
		listener, err := netutil.Listen(s.config.BindAddr)
		if err != nil {
			return fmt.Errorf("failed to bind to %s: %w", s.config.BindAddr, err)
		}
		s.listener = listener
	}

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
		ErrorLog:     log.New(logging.NewLevelWriter("ERROR", "http"), "", 0),
	}

	httpServer, listener := s.httpServer, s.listener
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("API: HTTP server failed: %v", err)
		}
	}()

	logging.Success("API: serving on %s", listener.Addr())
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.BindAddr
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	if httpServer == nil {
		return nil
	}
	logging.Info("API: shutting down")
	return httpServer.Shutdown(ctx)
}
