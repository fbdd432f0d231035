// Package serf provides gossip membership and failure detection for Nexa
// nodes.
//
// Serf tells every node who else is alive and carries each node's endpoint
// and health tags. It does not decide membership: the cluster manager turns
// serf events into replicated join, leave and health commands, and only the
// raft leader applies them.
package serf

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/concave-dev/nexa/internal/logging"
	"github.com/concave-dev/nexa/internal/netutil"
	"github.com/hashicorp/serf/serf"
)

// Member is a node as seen through gossip.
type Member struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Addr   net.IP            `json:"addr"`
	Port   uint16            `json:"port"`
	Status serf.MemberStatus `json:"status"`
	Tags   map[string]string `json:"tags"`

	LastSeen time.Time `json:"last_seen"`
}

// Alive reports whether gossip currently considers the member alive.
func (m *Member) Alive() bool {
	return m.Status == serf.StatusAlive
}

// SerfManager manages serf membership and events for one node.
type SerfManager struct {
	serf   *serf.Serf
	NodeID string

	// Two channels keep internal member tracking independent of consumers:
	// serf writes to ingestEventQueue which is always drained, and events are
	// then offered to ConsumerEventCh without blocking.
	ConsumerEventCh  chan serf.Event
	ingestEventQueue chan serf.Event

	memberLock sync.RWMutex
	members    map[string]*Member

	tagLock sync.Mutex
	tags    map[string]string

	logWriter io.WriteCloser

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	config *Config
}

// NewSerfManager creates a new SerfManager instance
func NewSerfManager(config *Config) (*SerfManager, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	manager := &SerfManager{
		NodeID: config.NodeID,

		// the internal queue is twice as large so serf itself never blocks
		ConsumerEventCh:  make(chan serf.Event, config.EventBufferSize),
		ingestEventQueue: make(chan serf.Event, config.EventBufferSize*2),

		members: make(map[string]*Member),
		ctx:     ctx,
		cancel:  cancel,
		config:  config,
	}
	manager.tags = manager.buildNodeTags()

	return manager, nil
}

// Start creates the serf instance and begins processing events
func (sm *SerfManager) Start() error {
	logging.Info("Serf: starting for node %s on %s:%d", sm.NodeID, sm.config.BindAddr, sm.config.BindPort)

	serfConfig := serf.DefaultConfig()

	if sm.config.LogLevel == "ERROR" {
		serfConfig.LogOutput = io.Discard
		serfConfig.MemberlistConfig.LogOutput = io.Discard
	} else {
		sm.logWriter = logging.NewLibraryWriter("serf")
		serfConfig.LogOutput = sm.logWriter
		serfConfig.MemberlistConfig.LogOutput = sm.logWriter
	}

	serfConfig.Init()
	serfConfig.NodeName = sm.NodeID
	serfConfig.MemberlistConfig.BindAddr = sm.config.BindAddr
	serfConfig.MemberlistConfig.BindPort = sm.config.BindPort
	if sm.config.AdvertiseAddr != "" {
		serfConfig.MemberlistConfig.AdvertiseAddr = sm.config.AdvertiseAddr
		serfConfig.MemberlistConfig.AdvertisePort = sm.config.BindPort
	} else if ip := netutil.AdvertiseIP(sm.config.BindAddr); ip != sm.config.BindAddr {
		serfConfig.MemberlistConfig.AdvertiseAddr = ip
		serfConfig.MemberlistConfig.AdvertisePort = sm.config.BindPort
	}

	// failed members are reported right away; permanent removal from raft is
	// the cluster manager's decision after its own grace period
	serfConfig.MemberlistConfig.DeadNodeReclaimTime = sm.config.DeadNodeReclaimTime

	serfConfig.EventCh = sm.ingestEventQueue
	serfConfig.Tags = sm.currentTags()

	var err error
	sm.serf, err = serf.Create(serfConfig)
	if err != nil {
		return fmt.Errorf("failed to create serf instance: %w", err)
	}

	sm.wg.Add(1)
	go sm.processEvents()

	sm.addMember(sm.serf.LocalMember())

	logging.Success("Serf: started on %s:%d", sm.config.BindAddr, sm.config.BindPort)
	return nil
}

// Join attempts to join an existing cluster using one or more seed addresses.
// Serf tries each address until one succeeds; the whole attempt is retried
// with a linear backoff up to JoinRetries times.
func (sm *SerfManager) Join(addresses []string) error {
	if len(addresses) == 0 {
		return fmt.Errorf("no join addresses provided")
	}

	logging.Info("Serf: joining cluster via %v", addresses)

	var lastErr error
	for attempt := 1; attempt <= sm.config.JoinRetries; attempt++ {
		ctx, cancel := context.WithTimeout(sm.ctx, sm.config.JoinTimeout)

		type joinResult struct {
			n   int
			err error
		}
		joinDone := make(chan joinResult, 1)

		go func() {
			n, err := sm.serf.Join(addresses, false)
			joinDone <- joinResult{n, err}
		}()

		select {
		case result := <-joinDone:
			cancel()
			if result.err == nil {
				logging.Success("Serf: joined cluster, contacted %d node(s)", result.n)
				return nil
			}
			lastErr = result.err
			logging.Warn("Serf: join attempt %d/%d failed: %v", attempt, sm.config.JoinRetries, result.err)

		case <-ctx.Done():
			cancel()
			if sm.ctx.Err() != nil {
				return fmt.Errorf("join cancelled: %w", sm.ctx.Err())
			}
			lastErr = fmt.Errorf("join attempt timed out after %v", sm.config.JoinTimeout)
			logging.Warn("Serf: join attempt %d/%d timed out after %v", attempt, sm.config.JoinRetries, sm.config.JoinTimeout)
		}

		if attempt < sm.config.JoinRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to join cluster after %d attempts: %w", sm.config.JoinRetries, lastErr)
}

// Leave gracefully leaves the cluster. Peers see an explicit leave rather
// than a failure.
func (sm *SerfManager) Leave() error {
	if sm.serf == nil {
		return nil
	}
	logging.Info("Serf: leaving cluster")
	if err := sm.serf.Leave(); err != nil {
		return fmt.Errorf("failed to leave cluster: %w", err)
	}
	return nil
}

// Shutdown leaves the cluster and stops the manager
func (sm *SerfManager) Shutdown() error {
	logging.Info("Serf: shutting down")

	if err := sm.Leave(); err != nil {
		logging.Warn("Serf: error during graceful leave: %v", err)
	}

	if sm.serf != nil {
		if err := sm.serf.Shutdown(); err != nil {
			logging.Error("Serf: error shutting down: %v", err)
		}
	}

	sm.cancel()
	sm.wg.Wait()

	if sm.logWriter != nil {
		sm.logWriter.Close()
	}

	logging.Success("Serf: shutdown completed")
	return nil
}

// SetTag publishes a tag change to the cluster. Reserved tags are allowed
// here; this is how the daemon updates its health.
func (sm *SerfManager) SetTag(key, value string) error {
	sm.tagLock.Lock()
	defer sm.tagLock.Unlock()

	if sm.tags[key] == value {
		return nil
	}
	next := make(map[string]string, len(sm.tags)+1)
	for k, v := range sm.tags {
		next[k] = v
	}
	next[key] = value

	if sm.serf != nil {
		if err := sm.serf.SetTags(next); err != nil {
			return fmt.Errorf("failed to set tag %s: %w", key, err)
		}
	}
	sm.tags = next
	return nil
}

// SetHealthTag publishes this node's health.
func (sm *SerfManager) SetHealthTag(health string) error {
	return sm.SetTag(TagHealth, health)
}

func (sm *SerfManager) currentTags() map[string]string {
	sm.tagLock.Lock()
	defer sm.tagLock.Unlock()
	tags := make(map[string]string, len(sm.tags))
	for k, v := range sm.tags {
		tags[k] = v
	}
	return tags
}

// GetMembers returns a copy of all known members keyed by node id
func (sm *SerfManager) GetMembers() map[string]*Member {
	sm.memberLock.RLock()
	defer sm.memberLock.RUnlock()

	members := make(map[string]*Member, len(sm.members))
	for id, node := range sm.members {
		members[id] = copyMember(node)
	}

	return members
}

// GetMember returns a specific member by node id
func (sm *SerfManager) GetMember(nodeID string) (*Member, bool) {
	sm.memberLock.RLock()
	defer sm.memberLock.RUnlock()

	member, exists := sm.members[nodeID]
	if !exists {
		return nil, false
	}

	return copyMember(member), true
}

// GetLocalMember returns this node's member record
func (sm *SerfManager) GetLocalMember() *Member {
	member, _ := sm.GetMember(sm.NodeID)
	return member
}

// copyMember only needs to copy reference types; values come along with *node.
func copyMember(node *Member) *Member {
	nodeCopy := *node

	nodeCopy.Tags = make(map[string]string, len(node.Tags))
	for k, v := range node.Tags {
		nodeCopy.Tags[k] = v
	}

	return &nodeCopy
}

// buildNodeTags constructs the tags map for this node
func (sm *SerfManager) buildNodeTags() map[string]string {
	tags := make(map[string]string, len(sm.config.Tags)+5)

	for k, v := range sm.config.Tags {
		tags[k] = v
	}

	tags[TagNodeID] = sm.NodeID
	if sm.config.RaftAddr != "" {
		tags[TagRaftAddr] = sm.config.RaftAddr
	}
	if sm.config.APIAddr != "" {
		tags[TagAPIAddr] = sm.config.APIAddr
	}
	if sm.config.GRPCAddr != "" {
		tags[TagGRPCAddr] = sm.config.GRPCAddr
	}
	tags[TagHealth] = "healthy"

	return tags
}
