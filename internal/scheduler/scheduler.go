// Package scheduler places submitted tasks on agents connected to this node.
//
// PLACEMENT FLOW:
// A submitted task is checked against the agent directory (at least one
// eligible agent must exist), charged to the token tracker, queued in the
// registry and then offered to the load balancer. When the balancer picks an
// agent the task is assigned in the registry and a task_assignment is pushed
// to the agent's connection. A task the balancer cannot place because every
// eligible agent is busy stays queued; the retry loop offers it again when
// capacity may have appeared (an agent registered, finished a task, or tasks
// were requeued) and on a fixed interval.
//
// ROUTING:
// Tasks with a routing key are owned by the node the key hashes to on the
// cluster ring. SubmitRouted forwards such tasks to their owner; tasks
// arriving from another node are placed locally without consulting the ring
// again, so a forwarded task never bounces. An owner that cannot be reached
// is skipped for the next node in ring order, and when no remote candidate
// answers the task is placed here.
//
// A forwarded task is recorded in the local registry against its owner. The
// owner reports the outcome back when the task finishes; when the owner
// leaves the cluster first, NodesDeparted routes the task again on the
// current ring or queues it locally.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/concave-dev/nexa/internal/balancer"
	"github.com/concave-dev/nexa/internal/logging"
	"github.com/concave-dev/nexa/internal/nexaerr"
	"github.com/concave-dev/nexa/internal/protocol"
	"github.com/concave-dev/nexa/internal/registry"
	"github.com/concave-dev/nexa/internal/router"
	"github.com/concave-dev/nexa/internal/tokens"
)

// DefaultRetryInterval is how often queued tasks are offered again when
// nothing else wakes the scheduler.
const DefaultRetryInterval = 2 * time.Second

// ReportTimeout bounds one attempt to report a task outcome to its origin.
const ReportTimeout = 5 * time.Second

// Dispatcher pushes a message to the connection an agent registered on.
// Implementations must not block; a full or closed connection is an error.
type Dispatcher interface {
	Push(agentID string, msg protocol.Message) error
}

// Forwarder carries tasks between nodes: it submits a task on its owner and
// reports a finished task back to the node that forwarded it.
type Forwarder interface {
	ForwardTask(ctx context.Context, nodeID string, task protocol.TaskInfo) (Placement, error)
	ReportTask(ctx context.Context, nodeID string, task protocol.TaskInfo) error
}

// Placement is the outcome of a submission.
type Placement struct {
	TaskID  string             `json:"task_id"`
	AgentID string             `json:"agent_id,omitempty"`
	NodeID  string             `json:"node_id,omitempty"`
	State   protocol.TaskState `json:"state"`
}

// Scheduler places tasks from the registry queue onto agents.
type Scheduler struct {
	nodeID   string
	registry *registry.Registry
	balancer *balancer.Balancer
	tokens   *tokens.Tracker
	router   *router.Router

	mu         sync.RWMutex
	dispatcher Dispatcher
	forwarder  Forwarder

	placeMu  sync.Mutex // serializes balancer decisions with registry assignment
	submitMu sync.Mutex // serializes the duplicate check with charging

	retryInterval time.Duration
	kick          chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler for the local node. tokens and nodes may be nil to
// disable rate charging and routing respectively.
func New(nodeID string, reg *registry.Registry, bal *balancer.Balancer, tracker *tokens.Tracker, nodes *router.Router) *Scheduler {
	s := &Scheduler{
		nodeID:        nodeID,
		registry:      reg,
		balancer:      bal,
		tokens:        tracker,
		router:        nodes,
		retryInterval: DefaultRetryInterval,
		kick:          make(chan struct{}, 1),
	}
	reg.OnRequeue(func(ids []string) {
		logging.Debug("Scheduler: %d task(s) requeued", len(ids))
		s.Kick()
	})
	reg.OnFinish(s.report)
	return s
}

// SetDispatcher installs the connection-side delivery path.
func (s *Scheduler) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	s.dispatcher = d
	s.mu.Unlock()
}

// SetForwarder installs the node-to-node submission path.
func (s *Scheduler) SetForwarder(f Forwarder) {
	s.mu.Lock()
	s.forwarder = f
	s.mu.Unlock()
}

// SetRetryInterval changes the retry period. Call before Start.
func (s *Scheduler) SetRetryInterval(d time.Duration) {
	if d > 0 {
		s.retryInterval = d
	}
}

// Kick wakes the retry loop. It never blocks.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// SubmitRouted submits a task, forwarding it to the node that owns its
// routing key when that node is not this one. Owners that cannot be reached
// are passed over for the next node on the ring; if none can be reached the
// task is submitted here. A timed out forward is not retried elsewhere since
// the owner may have accepted it.
func (s *Scheduler) SubmitRouted(ctx context.Context, task registry.Task) (Placement, error) {
	owners := s.owners(task.RoutingKey)
	forwarder := s.getForwarder()
	if len(owners) == 0 || owners[0] == s.nodeID || forwarder == nil {
		return s.Submit(task)
	}
	if _, err := s.registry.Task(task.ID); err == nil {
		return Placement{}, fmt.Errorf("task %s: %w", task.ID, nexaerr.ErrDuplicateID)
	}

	for _, owner := range owners {
		if owner == s.nodeID {
			break
		}
		placement, err := s.forward(ctx, forwarder, owner, task)
		if err == nil {
			return placement, nil
		}
		if !undeliverable(err) {
			return Placement{}, err
		}
		logging.Warn("Scheduler: owner %s of task %s unreachable, trying next: %v",
			logging.FormatID(owner), logging.FormatID(task.ID), err)
	}

	logging.Info("Scheduler: placing task %s locally", logging.FormatID(task.ID))
	return s.Submit(task)
}

// forward submits task on owner and records it as owned there.
func (s *Scheduler) forward(ctx context.Context, f Forwarder, owner string, task registry.Task) (Placement, error) {
	logging.Info("Scheduler: forwarding task %s to owner %s", logging.FormatID(task.ID), owner)
	placement, err := f.ForwardTask(ctx, owner, task.Info())
	if err != nil {
		return Placement{}, fmt.Errorf("forward task %s to %s: %w", task.ID, owner, err)
	}
	placement.NodeID = owner
	if _, err := s.registry.RecordForwarded(task, owner, placement.AgentID, placement.State); err != nil {
		logging.Warn("Scheduler: failed to record forwarded task %s: %v", logging.FormatID(task.ID), err)
	}
	return placement, nil
}

// undeliverable reports whether a forward failed before the owner could
// have seen the task.
func undeliverable(err error) bool {
	return errors.Is(err, nexaerr.ErrUnreachable) || errors.Is(err, nexaerr.ErrNotFound)
}

// owners returns every ring member in order of preference for key, or nil
// when the key is empty or the ring has no members.
func (s *Scheduler) owners(key string) []string {
	if key == "" || s.router == nil {
		return nil
	}
	ring := s.router.Snapshot()
	owners, err := ring.LookupN(key, len(ring.Members()))
	if err != nil {
		return nil
	}
	return owners
}

func (s *Scheduler) getForwarder() Forwarder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.forwarder
}

// NodesDeparted takes back the unfinished tasks forwarded to nodes that
// left the cluster. Each is routed again on the current ring; a task whose
// new owner is this node, or that no remote owner accepts, is queued here.
// It returns how many tasks were moved.
func (s *Scheduler) NodesDeparted(ctx context.Context, nodeIDs []string) int {
	moved := 0
	for _, nodeID := range nodeIDs {
		tasks := s.registry.ForwardedTo(nodeID)
		if len(tasks) == 0 {
			continue
		}
		logging.Warn("Scheduler: node %s departed holding %d forwarded task(s)", logging.FormatID(nodeID), len(tasks))
		for _, task := range tasks {
			if s.reroute(ctx, task, nodeIDs) {
				moved++
			}
		}
	}
	return moved
}

func (s *Scheduler) reroute(ctx context.Context, task registry.Task, departed []string) bool {
	if forwarder := s.getForwarder(); forwarder != nil {
		for _, owner := range s.owners(task.RoutingKey) {
			if owner == s.nodeID {
				break
			}
			if slices.Contains(departed, owner) {
				continue
			}
			placement, err := forwarder.ForwardTask(ctx, owner, task.Info())
			if err != nil {
				logging.Warn("Scheduler: reroute of task %s to %s failed: %v", logging.FormatID(task.ID), owner, err)
				if undeliverable(err) {
					continue
				}
				break
			}
			if _, err := s.registry.Reroute(task.ID, owner, placement.AgentID, placement.State); err != nil {
				logging.Warn("Scheduler: failed to record reroute of task %s: %v", logging.FormatID(task.ID), err)
				return false
			}
			logging.Info("Scheduler: task %s rerouted to %s", logging.FormatID(task.ID), owner)
			return true
		}
	}

	if _, err := s.registry.Reclaim(task.ID); err != nil {
		logging.Warn("Scheduler: failed to reclaim task %s: %v", logging.FormatID(task.ID), err)
		return false
	}
	return true
}

// report sends the outcome of a task forwarded from another node back to
// that node. Delivery runs in the background and failures are logged.
func (s *Scheduler) report(task registry.Task) {
	if task.Origin == "" || task.Origin == s.nodeID {
		return
	}
	forwarder := s.getForwarder()
	if forwarder == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), ReportTimeout)
		defer cancel()
		if err := forwarder.ReportTask(ctx, task.Origin, task.Info()); err != nil {
			logging.Warn("Scheduler: failed to report task %s to %s: %v",
				logging.FormatID(task.ID), logging.FormatID(task.Origin), err)
		}
	}()
}

// Submit queues task locally and tries to place it immediately.
//
// It fails with ErrNoEligibleAgent when no connected agent could ever run
// the task, ErrRateLimitExceeded when the task's token charge is refused and
// ErrDuplicateID for a reused task id; in each case nothing is queued and
// no tokens are charged. A task that only waits for capacity is accepted in
// state queued.
func (s *Scheduler) Submit(task registry.Task) (Placement, error) {
	if !s.hasEligibleAgent(task) {
		return Placement{}, fmt.Errorf("task %s needs capability %q: %w", task.ID, task.Type, nexaerr.ErrNoEligibleAgent)
	}

	// a reused id is refused before any tokens are taken
	s.submitMu.Lock()
	if _, err := s.registry.Task(task.ID); err == nil {
		s.submitMu.Unlock()
		return Placement{}, fmt.Errorf("task %s: %w", task.ID, nexaerr.ErrDuplicateID)
	}
	if err := s.charge(task); err != nil {
		s.submitMu.Unlock()
		return Placement{}, err
	}
	queued, err := s.registry.SubmitTask(task)
	s.submitMu.Unlock()
	if err != nil {
		return Placement{}, err
	}
	logging.Info("Scheduler: task %s (%s) submitted", logging.FormatID(queued.ID), queued.Type)

	placed, err := s.place(queued)
	switch {
	case err == nil:
		return Placement{TaskID: placed.ID, AgentID: placed.AssignedAgent, NodeID: s.nodeID, State: placed.State}, nil
	case errors.Is(err, nexaerr.ErrOverloaded), errors.Is(err, nexaerr.ErrNoEligibleAgent):
		logging.Info("Scheduler: task %s queued: %v", logging.FormatID(queued.ID), err)
		return Placement{TaskID: queued.ID, NodeID: s.nodeID, State: protocol.TaskQueued}, nil
	default:
		return Placement{}, err
	}
}

func (s *Scheduler) hasEligibleAgent(task registry.Task) bool {
	for _, a := range s.registry.FindByCapability(task.Type) {
		if balancer.Eligible(task, a) {
			return true
		}
	}
	return false
}

// charge bills task.Tokens to the task's model key, all or nothing.
func (s *Scheduler) charge(task registry.Task) error {
	if s.tokens == nil || task.Tokens == 0 {
		return nil
	}
	key := "model:" + task.Model
	if task.Model == "" {
		key = "type:" + task.Type
	}
	return s.tokens.TrackAll(task.Tokens, key)
}

// place asks the balancer for an agent, records the assignment and pushes
// it. When the push fails the agent is marked unreachable, which returns the
// task to the queue.
func (s *Scheduler) place(task registry.Task) (registry.Task, error) {
	s.placeMu.Lock()
	agent, err := s.balancer.Assign(task, s.registry.FindByCapability(task.Type))
	if err != nil {
		s.placeMu.Unlock()
		return registry.Task{}, err
	}
	assigned, err := s.registry.AssignTask(task.ID, agent.ID)
	s.placeMu.Unlock()
	if err != nil {
		return registry.Task{}, err
	}

	if err := s.push(assigned); err != nil {
		logging.Warn("Scheduler: failed to deliver task %s to agent %s: %v",
			logging.FormatID(assigned.ID), logging.FormatID(agent.ID), err)
		// an agent whose connection cannot take a push is treated as lost
		if _, mErr := s.registry.MarkUnreachable(agent.ID); mErr != nil {
			logging.Warn("Scheduler: failed to mark agent %s unreachable: %v", logging.FormatID(agent.ID), mErr)
		}
		return registry.Task{}, fmt.Errorf("deliver to %s: %w", agent.ID, nexaerr.ErrOverloaded)
	}

	logging.Success("Scheduler: task %s assigned to agent %s", logging.FormatID(assigned.ID), logging.FormatID(agent.ID))
	return assigned, nil
}

func (s *Scheduler) push(task registry.Task) error {
	s.mu.RLock()
	d := s.dispatcher
	s.mu.RUnlock()
	if d == nil {
		return nil
	}
	info := task.Info()
	return d.Push(task.AssignedAgent, &protocol.TaskAssignment{
		ID:      protocol.NewID(),
		Task:    &info,
		AgentID: task.AssignedAgent,
	})
}

// Drain offers every queued task to the balancer once, oldest first, and
// returns how many were placed.
func (s *Scheduler) Drain() int {
	placed := 0
	full := make(map[string]bool) // capabilities with no free agent this pass
	for _, task := range s.registry.QueuedTasks() {
		if full[task.Type] {
			continue
		}
		if _, err := s.place(task); err != nil {
			if errors.Is(err, nexaerr.ErrOverloaded) || errors.Is(err, nexaerr.ErrNoEligibleAgent) {
				full[task.Type] = true
			} else if !errors.Is(err, nexaerr.ErrInvalidState) {
				logging.Warn("Scheduler: retry of task %s failed: %v", logging.FormatID(task.ID), err)
			}
			continue
		}
		placed++
	}
	return placed
}

// Start runs the retry loop until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.retryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.kick:
			case <-ticker.C:
			}
			if n := s.Drain(); n > 0 {
				logging.Info("Scheduler: placed %d queued task(s)", n)
			}
		}
	}()
}

// Stop halts the retry loop.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}
