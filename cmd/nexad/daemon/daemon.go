// Package daemon wires every nexad component together and runs them.
//
// STARTUP ORDER:
//  1. Local state: registry sweep, token tracker, health sampler, router and
//     scheduler retry loop
//  2. Pre-bind the gRPC and API listeners so their ports are known before
//     they are published through gossip
//  3. Serf, then the cluster manager (raft), integrated with serf events
//  4. gRPC node service and the client pool the scheduler forwards through
//  5. Agent connection server and HTTP API
//  6. Join the cluster and wait, bounded, for a leader
//
// Stop runs the same list backwards: agent-facing listeners close first so
// no new work arrives while consensus is still up to record departures.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/concave-dev/nexa/cmd/nexad/config"
	"github.com/concave-dev/nexa/internal/api"
	"github.com/concave-dev/nexa/internal/api/handlers"
	"github.com/concave-dev/nexa/internal/balancer"
	"github.com/concave-dev/nexa/internal/cluster"
	"github.com/concave-dev/nexa/internal/grpc"
	"github.com/concave-dev/nexa/internal/health"
	"github.com/concave-dev/nexa/internal/logging"
	"github.com/concave-dev/nexa/internal/netutil"
	"github.com/concave-dev/nexa/internal/registry"
	"github.com/concave-dev/nexa/internal/router"
	"github.com/concave-dev/nexa/internal/scheduler"
	"github.com/concave-dev/nexa/internal/serf"
	"github.com/concave-dev/nexa/internal/server"
	"github.com/concave-dev/nexa/internal/tokens"
	"github.com/concave-dev/nexa/internal/version"
)

// ErrJoinFailed is returned by Start in strict join mode.
var ErrJoinFailed = errors.New("cluster join failed")

// Daemon owns one node's components.
type Daemon struct {
	config *config.Config

	registry  *registry.Registry
	tokens    *tokens.Tracker
	health    *health.Collector
	router    *router.Router
	scheduler *scheduler.Scheduler

	serf       *serf.SerfManager
	cluster    *cluster.Manager
	grpcServer *grpc.Server
	clientPool *grpc.ClientPool
	server     *server.Server
	api        *api.Server

	deps handlers.Deps

	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stopErr  error
}

// New builds the local components from a validated config. Nothing listens
// until Start.
func New(cfg *config.Config) (*Daemon, error) {
	reg, err := registry.New(cfg.RegistryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}
	tracker, err := tokens.NewTracker(cfg.TokensConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create token tracker: %w", err)
	}
	collector, err := health.NewCollector(cfg.HealthConfig(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create health collector: %w", err)
	}

	// Alerts about an agent end with its registration
	reg.OnRemove(collector.ForgetAgent)

	// The ring stays empty until membership is known; routed tasks are
	// placed locally meanwhile
	ring := router.New(cfg.Router.VirtualNodes)

	sched := scheduler.New(cfg.NodeID, reg, balancer.New(cfg.BalancerConfig()), tracker, ring)
	sched.SetRetryInterval(cfg.Agents.RetryInterval.D())

	return &Daemon{
		config:    cfg,
		registry:  reg,
		tokens:    tracker,
		health:    collector,
		router:    ring,
		scheduler: sched,
	}, nil
}

// Start brings the node up. On error every component started so far is
// stopped again.
func (d *Daemon) Start(ctx context.Context) (err error) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	cfg := d.config
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.startedAt = time.Now()
	defer func() {
		if err != nil {
			_ = d.Stop()
		}
	}()

	logging.Info("Starting Nexa daemon v%s", version.NexadVersion)
	logging.Info("Node: %s", cfg.NodeID)

	d.registry.Start(d.ctx)
	d.health.Start(d.ctx)
	d.scheduler.Start(d.ctx)

	// Listeners are claimed up front so the published ports are real
	grpcListener, err := netutil.Listen(cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to bind gRPC listener: %w", err)
	}
	apiListener, err := netutil.Listen(cfg.APIAddr)
	if err != nil {
		grpcListener.Close()
		return fmt.Errorf("failed to bind API listener: %w", err)
	}
	grpcAdvertise := d.advertise(grpcListener)
	apiAdvertise := d.advertise(apiListener)
	clusterCfg := cfg.ClusterConfig(apiAdvertise, grpcAdvertise)
	raftAdvertise := clusterCfg.RaftAddress(netutil.AdvertiseIP)

	if err := d.startSerf(raftAdvertise, apiAdvertise, grpcAdvertise); err != nil {
		grpcListener.Close()
		apiListener.Close()
		return err
	}

	if err := d.startCluster(clusterCfg); err != nil {
		grpcListener.Close()
		apiListener.Close()
		return err
	}
	d.health.Subscribe(d.handleAlert)

	if err := d.startGRPC(grpcListener); err != nil {
		apiListener.Close()
		return err
	}

	srv, err := server.New(cfg.ServerConfig(), server.Deps{
		Registry:  d.registry,
		Scheduler: d.scheduler,
		Tokens:    d.tokens,
		Health:    d.health,
	})
	if err != nil {
		apiListener.Close()
		return fmt.Errorf("failed to create connection server: %w", err)
	}
	d.server = srv

	if err := d.startAPI(apiListener); err != nil {
		return err
	}

	if err := d.join(); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(d.ctx, cfg.LeaderWaitTimeout.D())
	defer cancel()
	if err := d.cluster.WaitForLeader(waitCtx); err != nil {
		logging.Warn("No leader after %s; accepting agents anyway, membership writes will fail until one is elected", cfg.LeaderWaitTimeout.D())
	} else {
		leaderID, _ := d.cluster.Leader()
		logging.Info("Cluster leader is %s", logging.FormatID(leaderID))
	}

	if err := d.server.Start(); err != nil {
		return fmt.Errorf("failed to start connection server: %w", err)
	}

	logging.Success("Nexa daemon started successfully")
	logging.Info("Node services started:")
	logging.Info("  - Agent connections: %s", d.server.Addr())
	logging.Info("  - Serf cluster membership: %s:%d", cfg.SerfHost, cfg.SerfPort)
	logging.Info("  - Raft consensus: %s (Leader: %v)", raftAdvertise, d.cluster.IsLeader())
	logging.Info("  - gRPC server: %s", d.grpcServer.Addr())
	logging.Info("  - HTTP API: %s", d.api.Addr())
	return nil
}

func (d *Daemon) advertise(l net.Listener) string {
	port, _ := netutil.Port(l)
	host := d.config.AdvertiseAddr
	if host == "" {
		bind, _, _ := net.SplitHostPort(l.Addr().String())
		host = netutil.AdvertiseIP(bind)
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (d *Daemon) startSerf(raftAddr, apiAddr, grpcAddr string) error {
	cfg := serf.DefaultConfig()
	cfg.BindAddr = d.config.SerfHost
	cfg.BindPort = d.config.SerfPort
	cfg.AdvertiseAddr = d.config.AdvertiseAddr
	cfg.NodeID = d.config.NodeID
	cfg.LogLevel = d.config.LogLevel
	cfg.RaftAddr = raftAddr
	cfg.APIAddr = apiAddr
	cfg.GRPCAddr = grpcAddr
	cfg.Tags["nexa_version"] = version.NexadVersion

	manager, err := serf.NewSerfManager(cfg)
	if err != nil {
		return fmt.Errorf("failed to create serf manager: %w", err)
	}
	if err := manager.Start(); err != nil {
		return fmt.Errorf("failed to start serf manager: %w", err)
	}
	d.serf = manager
	return nil
}

func (d *Daemon) startCluster(cfg *cluster.Config) error {
	manager, err := cluster.NewManager(cfg)
	if err != nil {
		return fmt.Errorf("failed to create cluster manager: %w", err)
	}

	manager.OnMembershipChange(d.handleMembershipChange)

	if err := manager.Start(); err != nil {
		_ = manager.Stop()
		return fmt.Errorf("failed to start cluster manager: %w", err)
	}
	d.cluster = manager

	manager.SetSerfManager(d.serf)
	manager.IntegrateWithSerf(d.serf.ConsumerEventCh)
	return nil
}

// handleMembershipChange keeps the routing ring in step with replicated
// membership and takes back tasks forwarded to departed nodes. It runs on
// raft's apply goroutine, so forwarding happens in the background.
func (d *Daemon) handleMembershipChange(change cluster.Change) {
	d.rebuildRing(change.Members)
	if len(change.Departed) == 0 {
		return
	}

	ctx := d.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	departed := slices.Clone(change.Departed)
	go func() {
		if n := d.scheduler.NodesDeparted(ctx, departed); n > 0 {
			logging.Info("Moved %d task(s) off departed node(s) %v", n, departed)
		}
	}()
}

// rebuildRing places routing keys on the members that can serve them. Only
// replicated membership decides the ring; a node that is not yet a member
// owns no keys.
func (d *Daemon) rebuildRing(members []cluster.Node) {
	ids := make([]string, 0, len(members))
	for _, n := range members {
		if n.Health == cluster.HealthUnreachable {
			continue
		}
		ids = append(ids, n.ID)
	}
	ring := d.router.Rebuild(ids)
	logging.Debug("Router: ring version %d with %d node(s)", ring.Version(), len(ring.Members()))
}

func (d *Daemon) startGRPC(listener net.Listener) error {
	grpcCfg := grpc.DefaultConfig()
	grpcCfg.BindAddr = listener.Addr().String()
	grpcCfg.NodeID = d.config.NodeID

	svc := grpc.NewNodeServiceImpl(d.config.NodeID, d.scheduler, d.registry, d.health)
	srv, err := grpc.NewServerWithListener(grpcCfg, listener, svc)
	if err != nil {
		listener.Close()
		return fmt.Errorf("failed to create gRPC server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}
	d.grpcServer = srv

	d.clientPool = grpc.NewClientPool(d.config.NodeID, d.cluster)
	d.cluster.OnMembershipChange(d.clientPool.HandleMembershipChange)
	d.scheduler.SetForwarder(d.clientPool)
	return nil
}

func (d *Daemon) startAPI(listener net.Listener) error {
	d.deps = handlers.Deps{
		Cluster:     d.cluster,
		Registry:    d.registry,
		Scheduler:   d.scheduler,
		Health:      d.health,
		Tokens:      d.tokens,
		Connections: d.server,
		Peers:       d.clientPool,
		Version:     version.NexadVersion,
		StartTime:   d.startedAt,
	}

	apiCfg := api.DefaultConfig()
	apiCfg.BindAddr = listener.Addr().String()
	apiCfg.NodeID = d.config.NodeID
	apiCfg.Deps = d.deps

	if d.config.SerfHost == "127.0.0.1" && d.config.AdvertiseAddr == "" {
		logging.Warn("API bound to localhost: leader forwarding only reaches nodes on this host")
	}

	srv, err := api.NewServerWithListener(apiCfg, listener)
	if err != nil {
		listener.Close()
		return fmt.Errorf("failed to create API server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	d.api = srv
	return nil
}

func (d *Daemon) join() error {
	if len(d.config.JoinAddrs) == 0 {
		return nil
	}

	logging.Info("Joining cluster via %v", d.config.JoinAddrs)
	err := d.serf.Join(d.config.JoinAddrs)
	if err == nil {
		return nil
	}

	logging.Error("Failed to join cluster: %v", err)
	if netutil.IsConnectionRefusedError(err) {
		logging.Error("TIP: Check if the target node(s) are running and accessible")
		logging.Error("     You can verify with: nexactl node ls")
	}
	if d.config.StrictJoin {
		return fmt.Errorf("%w: %v", ErrJoinFailed, err)
	}
	logging.Warn("Continuing in isolation mode (use --strict-join to exit on join failure)")
	return nil
}

// handleAlert applies health alerts. Node alerts change the health this node
// publishes; agent alerts move the agent behind healthier ones.
func (d *Daemon) handleAlert(alert health.Alert) {
	if !alert.IsNode() {
		if d.config.Health.DeprioritizeOn {
			d.registry.SetDeprioritized(alert.Subject, !alert.Cleared)
		}
		return
	}

	state := cluster.HealthHealthy
	if d.health.Degraded() {
		state = cluster.HealthDegraded
	}

	// Reporting may wait on raft; the collector must not
	go func() {
		ctx, cancel := context.WithTimeout(d.ctx, time.Duration(d.config.Cluster.ApplyTimeout))
		defer cancel()
		if err := d.cluster.ReportHealth(ctx, state); err != nil {
			logging.Warn("Failed to report node health %s: %v", state, err)
		}
	}()
}

// Status returns this node's view of the cluster and its workload.
func (d *Daemon) Status() handlers.NodeStatus {
	return handlers.CollectStatus(&d.deps)
}

// Metrics returns this node's metrics; cluster adds every reachable peer.
func (d *Daemon) Metrics(ctx context.Context, cluster bool) handlers.NodeMetrics {
	return handlers.CollectMetrics(ctx, &d.deps, cluster)
}

// Stop shuts components down in reverse start order. Safe to call more than
// once and after a failed Start.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		logging.Info("Initiating graceful shutdown...")
		var errs []error

		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.config.ShutdownTimeout.D())
		defer cancel()

		if d.api != nil {
			if err := d.api.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("API server: %w", err))
			}
		}
		if d.server != nil {
			if err := d.server.Stop(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("connection server: %w", err))
			}
		}
		if d.grpcServer != nil {
			if err := d.grpcServer.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("gRPC server: %w", err))
			}
		}
		if d.clientPool != nil {
			d.clientPool.Close()
		}
		if d.cluster != nil {
			if err := d.cluster.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("cluster manager: %w", err))
			}
		}
		if d.serf != nil {
			if err := d.serf.Leave(); err != nil {
				logging.Warn("Serf leave failed: %v", err)
			}
			if err := d.serf.Shutdown(); err != nil {
				errs = append(errs, fmt.Errorf("serf: %w", err))
			}
		}

		d.scheduler.Stop()
		d.health.Stop()
		d.registry.Stop()
		if d.cancel != nil {
			d.cancel()
		}

		d.stopErr = errors.Join(errs...)
		if d.stopErr != nil {
			logging.Error("Shutdown finished with errors: %v", d.stopErr)
			return
		}
		logging.Success("Nexa daemon shutdown completed")
	})
	return d.stopErr
}

// Run starts the daemon and blocks until SIGINT or SIGTERM.
func Run(cfg *config.Config) error {
	d, err := New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		return err
	}
	logging.Info("Daemon running... Press Ctrl+C to shutdown")

	<-ctx.Done()
	logging.Info("Received shutdown signal")
	return d.Stop()
}
