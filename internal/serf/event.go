package serf

import (
	"time"

	"github.com/concave-dev/nexa/internal/logging"
	"github.com/hashicorp/serf/serf"
)

// processEvents drains the internal queue. Every event first updates member
// tracking, then is offered to ConsumerEventCh; a full consumer channel drops
// the event rather than stalling serf.
func (sm *SerfManager) processEvents() {
	defer sm.wg.Done()

	for {
		select {
		case event := <-sm.ingestEventQueue:
			sm.handleEvent(event)

			select {
			case sm.ConsumerEventCh <- event:
			default:
				logging.Warn("Serf: event channel full, dropping event: %s", event)
			}

		case <-sm.ctx.Done():
			logging.Debug("Serf: event processor shutting down")
			return
		}
	}
}

func (sm *SerfManager) handleEvent(event serf.Event) {
	switch e := event.(type) {
	case serf.MemberEvent:
		sm.handleMemberEvent(e)
	default:
		logging.Debug("Serf: unhandled event type: %T", event)
	}
}

func (sm *SerfManager) handleMemberEvent(event serf.MemberEvent) {
	for _, member := range event.Members {
		switch event.EventType() {
		case serf.EventMemberJoin:
			logging.Info("Serf: node joined: %s (%s:%d)", member.Name, member.Addr, member.Port)
			sm.addMember(member)

		case serf.EventMemberLeave:
			logging.Info("Serf: node left: %s (%s:%d)", member.Name, member.Addr, member.Port)
			sm.removeMember(member)

		case serf.EventMemberFailed:
			logging.Warn("Serf: node failed: %s (%s:%d)", member.Name, member.Addr, member.Port)
			sm.updateMemberStatus(member, serf.StatusFailed)

		case serf.EventMemberUpdate:
			logging.Debug("Serf: node updated: %s (%s:%d)", member.Name, member.Addr, member.Port)
			sm.updateMember(member)

		case serf.EventMemberReap:
			logging.Info("Serf: node reaped: %s (%s:%d)", member.Name, member.Addr, member.Port)
			sm.removeMember(member)
		}
	}
}

// memberID prefers the node_id tag and falls back to the serf name, which the
// daemon sets to the same value.
func memberID(member serf.Member) string {
	if id := member.Tags[TagNodeID]; id != "" {
		return id
	}
	return member.Name
}

func (sm *SerfManager) addMember(member serf.Member) {
	node := memberFromSerf(member)

	sm.memberLock.Lock()
	sm.members[node.ID] = node
	sm.memberLock.Unlock()
}

func (sm *SerfManager) updateMember(member serf.Member) {
	node := memberFromSerf(member)

	sm.memberLock.Lock()
	if existing, exists := sm.members[node.ID]; exists && member.Status != serf.StatusAlive {
		node.LastSeen = existing.LastSeen
	}
	sm.members[node.ID] = node
	sm.memberLock.Unlock()
}

func (sm *SerfManager) updateMemberStatus(member serf.Member, status serf.MemberStatus) {
	sm.memberLock.Lock()
	defer sm.memberLock.Unlock()

	node, exists := sm.members[memberID(member)]
	if !exists {
		node = memberFromSerf(member)
		sm.members[node.ID] = node
	}
	node.Status = status
	if status == serf.StatusAlive {
		node.LastSeen = time.Now()
	}
}

func (sm *SerfManager) removeMember(member serf.Member) {
	sm.memberLock.Lock()
	delete(sm.members, memberID(member))
	sm.memberLock.Unlock()
}

func memberFromSerf(member serf.Member) *Member {
	node := &Member{
		ID:       memberID(member),
		Name:     member.Name,
		Addr:     member.Addr,
		Port:     member.Port,
		Status:   member.Status,
		Tags:     make(map[string]string, len(member.Tags)),
		LastSeen: time.Now(),
	}
	for k, v := range member.Tags {
		node.Tags[k] = v
	}
	return node
}
