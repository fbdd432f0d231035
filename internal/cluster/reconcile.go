package cluster

import (
	"context"
	"time"

	"github.com/concave-dev/nexa/internal/logging"
	serfpkg "github.com/concave-dev/nexa/internal/serf"
	"github.com/hashicorp/serf/serf"
)

// SerfInterface is the part of the gossip layer the manager uses to check
// liveness and publish its own health.
type SerfInterface interface {
	GetMembers() map[string]*serfpkg.Member
	SetHealthTag(health string) error
}

// SetSerfManager gives the manager a liveness source for reconciliation.
func (m *Manager) SetSerfManager(s SerfInterface) {
	m.mu.Lock()
	m.serfManager = s
	m.mu.Unlock()
}

func (m *Manager) gossip() SerfInterface {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.serfManager
}

// IntegrateWithSerf consumes gossip membership events and starts the
// reconcile loop that removes members which stayed failed longer than
// DepartureGrace.
func (m *Manager) IntegrateWithSerf(events <-chan serf.Event) {
	logging.Info("Cluster: integrating with gossip membership")

	m.wg.Add(2)
	go m.handleSerfEvents(events)
	go m.reconcileLoop()
}

func (m *Manager) handleSerfEvents(events <-chan serf.Event) {
	defer m.wg.Done()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if e, ok := event.(serf.MemberEvent); ok {
				m.handleMemberEvent(e)
			}
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) handleMemberEvent(event serf.MemberEvent) {
	for _, member := range event.Members {
		id := member.Tags[serfpkg.TagNodeID]
		if id == "" {
			id = member.Name
		}

		switch event.Type {
		case serf.EventMemberJoin, serf.EventMemberUpdate:
			m.clearFailed(id)
			if m.IsLeader() {
				m.reconcileMember(id, member)
			}

		case serf.EventMemberFailed:
			if id == m.config.NodeID {
				continue
			}
			logging.Warn("Cluster: gossip reports %s failed, removing after %s", id, m.config.DepartureGrace)
			m.markFailed(id, time.Now())
			if m.IsLeader() {
				m.markHealth(id, HealthUnreachable)
			}

		case serf.EventMemberLeave, serf.EventMemberReap:
			if id == m.config.NodeID {
				continue
			}
			m.clearFailed(id)
			if m.IsLeader() {
				ctx, cancel := context.WithTimeout(m.ctx, m.config.ApplyTimeout)
				if err := m.Leave(ctx, id); err != nil {
					logging.Error("Cluster: failed to remove departed node %s: %v", id, err)
				}
				cancel()
			}
		}
	}
}

// reconcileMember brings membership in line with what a gossip member
// advertises: new or moved nodes are joined, health changes are recorded.
func (m *Manager) reconcileMember(id string, member serf.Member) {
	raftAddr := member.Tags[serfpkg.TagRaftAddr]
	if raftAddr == "" {
		logging.Warn("Cluster: member %s has no %s tag, skipping", id, serfpkg.TagRaftAddr)
		return
	}

	node := Node{
		ID:       id,
		Address:  raftAddr,
		APIAddr:  member.Tags[serfpkg.TagAPIAddr],
		GRPCAddr: member.Tags[serfpkg.TagGRPCAddr],
		Health:   HealthHealthy,
	}
	if h, err := ParseHealth(member.Tags[serfpkg.TagHealth]); err == nil {
		node.Health = h
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.config.ApplyTimeout)
	defer cancel()

	existing, ok := m.fsm.Member(id)
	switch {
	case !ok || !existing.sameEndpoints(node):
		if err := m.Join(ctx, node); err != nil {
			logging.Error("Cluster: failed to join %s: %v", id, err)
		}
	case existing.Health != node.Health:
		if err := m.SetHealth(ctx, id, node.Health); err != nil {
			logging.Error("Cluster: failed to update health of %s: %v", id, err)
		}
	}
}

func (m *Manager) markHealth(id string, health Health) {
	ctx, cancel := context.WithTimeout(m.ctx, m.config.ApplyTimeout)
	defer cancel()
	if err := m.SetHealth(ctx, id, health); err != nil {
		logging.Warn("Cluster: failed to mark %s %s: %v", id, health, err)
	}
}

func (m *Manager) markFailed(id string, at time.Time) {
	m.failedMu.Lock()
	defer m.failedMu.Unlock()
	if _, ok := m.failed[id]; !ok {
		m.failed[id] = at
	}
}

func (m *Manager) clearFailed(id string) {
	m.failedMu.Lock()
	delete(m.failed, id)
	m.failedMu.Unlock()
}

func (m *Manager) reconcileLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			m.reconcile(now)
		case <-m.ctx.Done():
			return
		}
	}
}

// reconcile runs one pass. On the leader it notices members gossip no
// longer sees and removes those past DepartureGrace. Elsewhere it reports
// when no leader can be elected.
func (m *Manager) reconcile(now time.Time) {
	if !m.IsLeader() {
		m.reportDeadlock()
		return
	}

	if g := m.gossip(); g != nil {
		alive := make(map[string]bool)
		for id, member := range g.GetMembers() {
			alive[id] = member.Alive()
		}
		for _, node := range m.fsm.Members() {
			if node.ID == m.config.NodeID {
				continue
			}
			if alive[node.ID] {
				m.clearFailed(node.ID)
				continue
			}
			m.markFailed(node.ID, now)
			if node.Health != HealthUnreachable {
				m.markHealth(node.ID, HealthUnreachable)
			}
		}
	}

	m.failedMu.Lock()
	var expired []string
	for id, since := range m.failed {
		if now.Sub(since) >= m.config.DepartureGrace {
			expired = append(expired, id)
		}
	}
	m.failedMu.Unlock()

	for _, id := range expired {
		logging.Warn("Cluster: removing %s after %s unreachable", id, m.config.DepartureGrace)
		ctx, cancel := context.WithTimeout(m.ctx, m.config.ApplyTimeout)
		if err := m.Leave(ctx, id); err != nil {
			logging.Error("Cluster: failed to remove %s: %v", id, err)
		}
		cancel()
	}
}

// reportDeadlock logs when there is no leader and too few voters are alive
// in gossip to elect one.
func (m *Manager) reportDeadlock() {
	if id, _ := m.Leader(); id != "" {
		return
	}
	g := m.gossip()
	if g == nil {
		return
	}

	servers := m.servers()
	if len(servers) < 2 {
		return
	}
	members := g.GetMembers()
	alive := 0
	for _, s := range servers {
		if member, ok := members[string(s.ID)]; ok && member.Alive() {
			alive++
		}
	}
	quorum := len(servers)/2 + 1
	if alive < quorum {
		logging.Warn("Cluster: no leader, %d of %d voters alive, %d needed for quorum", alive, len(servers), quorum)
	}
}
