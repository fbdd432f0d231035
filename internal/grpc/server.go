package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/concave-dev/nexa/internal/logging"
	"github.com/concave-dev/nexa/internal/netutil"
	grpcstd "google.golang.org/grpc"
)

// Server hosts NodeService for peers.
//
// In-flight calls are tracked so Stop can cancel them before GracefulStop,
// and GracefulStop itself is bounded by ShutdownTimeout.
type Server struct {
	config     *Config
	service    NodeServiceServer
	grpcServer *grpcstd.Server
	listener   net.Listener
	mu         sync.RWMutex
	stopped    bool

	inflight   map[uint64]context.CancelFunc
	inflightMu sync.Mutex
	nextCall   uint64
}

// NewServer creates a server that binds its own listener on Start.
func NewServer(config *Config, service NodeServiceServer) (*Server, error) {
	return NewServerWithListener(config, nil, service)
}

// NewServerWithListener creates a server on a listener bound earlier during
// startup, so the port is held from the moment the daemon claims it.
func NewServerWithListener(config *Config, listener net.Listener, service NodeServiceServer) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if service == nil {
		return nil, fmt.Errorf("node service cannot be nil")
	}

	return &Server{
		config:   config,
		service:  service,
		listener: listener,
		inflight: make(map[uint64]context.CancelFunc),
	}, nil
}

// Start registers NodeService and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.grpcServer != nil {
		return fmt.Errorf("gRPC server already started")
	}

	if s.listener == nil {
		listener, err := netutil.Listen(s.config.BindAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.config.BindAddr, err)
		}
		s.listener = listener
	}

	s.grpcServer = grpcstd.NewServer(
		grpcstd.MaxRecvMsgSize(s.config.MaxMsgSize),
		grpcstd.MaxSendMsgSize(s.config.MaxMsgSize),
		grpcstd.UnaryInterceptor(s.trackingInterceptor),
	)
	RegisterNodeServiceServer(s.grpcServer, s.service)

	grpcServer, listener := s.grpcServer, s.listener
	go func() {
		if err := grpcServer.Serve(listener); err != nil {
			logging.Error("gRPC: server error: %v", err)
		}
	}()

	logging.Info("gRPC: serving NodeService on %s", listener.Addr())
	return nil
}

// trackingInterceptor gives each call a cancellable context that Stop can
// cancel, and logs failed calls.
func (s *Server) trackingInterceptor(
	ctx context.Context,
	req any,
	info *grpcstd.UnaryServerInfo,
	handler grpcstd.UnaryHandler,
) (any, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.inflightMu.Lock()
	s.nextCall++
	id := s.nextCall
	s.inflight[id] = cancel
	s.inflightMu.Unlock()

	defer func() {
		s.inflightMu.Lock()
		delete(s.inflight, id)
		s.inflightMu.Unlock()
	}()

	start := time.Now()
	resp, err := handler(callCtx, req)
	if err != nil {
		logging.Warn("gRPC: %s failed after %v: %v", info.FullMethod, time.Since(start), err)
	}
	return resp, err
}

func (s *Server) drainCalls() {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()

	if n := len(s.inflight); n > 0 {
		logging.Info("gRPC: cancelling %d in-flight call(s)", n)
	}
	for _, cancel := range s.inflight {
		cancel()
	}
}

// Stop cancels in-flight calls, then stops gracefully, forcing the stop if
// that takes longer than ShutdownTimeout. Safe to call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true

	s.drainCalls()

	if s.grpcServer != nil {
		done := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(s.config.ShutdownTimeout):
			logging.Warn("gRPC: graceful stop timed out after %v, forcing stop", s.config.ShutdownTimeout)
			s.grpcServer.Stop()
		}
	} else if s.listener != nil {
		// Never served; Serve would have closed it
		_ = s.listener.Close()
	}

	logging.Info("gRPC: server stopped")
	return nil
}

// Addr returns the address the server is bound to.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.BindAddr
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grpcServer != nil && !s.stopped
}

// HealthStatus describes the gRPC server without calling through it.
type HealthStatus struct {
	IsHealthy       bool   `json:"is_healthy"`
	IsRunning       bool   `json:"is_running"`
	ListenerAddress string `json:"listener_address"`
	InflightCalls   int    `json:"inflight_calls"`
	Message         string `json:"message"`
}

// GetHealthStatus checks the server locally: it is running and its port
// accepts TCP connections.
func (s *Server) GetHealthStatus() *HealthStatus {
	status := &HealthStatus{IsRunning: s.IsRunning()}
	if !status.IsRunning {
		status.Message = "gRPC server not running"
		return status
	}

	status.ListenerAddress = s.Addr()
	s.inflightMu.Lock()
	status.InflightCalls = len(s.inflight)
	s.inflightMu.Unlock()

	if !s.isSelfReachable() {
		status.Message = "gRPC server is running but its port does not accept connections"
		return status
	}
	status.IsHealthy = true
	status.Message = "gRPC service is healthy"
	return status
}

func (s *Server) isSelfReachable() bool {
	host, port, err := net.SplitHostPort(s.Addr())
	if err != nil {
		return false
	}
	// A wildcard bind is not a dialable target
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host = "127.0.0.1"
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), 500*time.Millisecond)
	if err != nil {
		logging.Debug("gRPC: self-connectivity check failed: %v", err)
		return false
	}
	conn.Close()
	return true
}
