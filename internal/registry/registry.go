// Package registry is the in-memory directory of agents connected to this
// node and the tasks they run.
//
// Agents and tasks share one lock so the pairing between an agent's active
// task list and each task's assigned agent is always updated together: a
// task in state assigned or in_progress appears in exactly one agent's Tasks,
// and that agent is the task's AssignedAgent.
//
// LIVENESS:
// Agents refresh themselves with Heartbeat. A background sweep marks agents
// unreachable after MissedHeartbeats intervals of silence and returns their
// active tasks to the queue. An agent is only transitioned once; a second
// sweep or a disconnect racing the sweep finds nothing left to requeue.
//
// TASK LIFECYCLE:
//
//	queued -> assigned -> in_progress -> completed | failed
//	   ^__________|____________|  (agent lost)
//
// Completed and failed tasks are kept for TaskRetention, then pruned.
//
// FORWARDED TASKS:
// A task whose routing key belongs to another node is recorded here with
// Node set to that owner. It never enters the local queue or an agent's task
// list. The owner reports its outcome back through FinishForwarded; if the
// owner leaves the cluster first, the task is rerouted or reclaimed into the
// local queue.
package registry

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/concave-dev/nexa/internal/logging"
	"github.com/concave-dev/nexa/internal/nexaerr"
	"github.com/concave-dev/nexa/internal/protocol"
)

// RequeueFunc is called, outside the registry lock, with the ids of tasks
// that went back to the queue.
type RequeueFunc func(taskIDs []string)

// RemoveFunc is called, outside the registry lock, when an agent record is
// dropped by Deregister or replaced by a new registration.
type RemoveFunc func(agentID string)

// FinishFunc is called, outside the registry lock, with a copy of each local
// task that reached completed or failed.
type FinishFunc func(task Task)

// Registry holds agents and tasks for the local node.
type Registry struct {
	config *Config

	mu     sync.RWMutex
	agents map[string]*Agent
	tasks  map[string]*Task
	queue  []string // Queued task ids, oldest first

	hooksMu   sync.RWMutex
	onRequeue RequeueFunc
	onRemove  RemoveFunc
	onFinish  FinishFunc

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a registry. A nil config uses DefaultConfig.
func New(cfg *Config) (*Registry, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry config: %w", err)
	}

	return &Registry{
		config: cfg,
		agents: make(map[string]*Agent),
		tasks:  make(map[string]*Task),
		now:    time.Now,
	}, nil
}

// OnRequeue installs the callback invoked when tasks return to the queue.
func (r *Registry) OnRequeue(fn RequeueFunc) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.onRequeue = fn
}

// OnRemove installs the callback invoked when an agent record goes away.
func (r *Registry) OnRemove(fn RemoveFunc) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.onRemove = fn
}

// OnFinish installs the callback invoked when a local task finishes.
func (r *Registry) OnFinish(fn FinishFunc) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.onFinish = fn
}

func (r *Registry) notifyRequeue(ids []string) {
	if len(ids) == 0 {
		return
	}
	r.hooksMu.RLock()
	fn := r.onRequeue
	r.hooksMu.RUnlock()
	if fn != nil {
		fn(ids)
	}
}

func (r *Registry) notifyRemove(agentID string) {
	r.hooksMu.RLock()
	fn := r.onRemove
	r.hooksMu.RUnlock()
	if fn != nil {
		fn(agentID)
	}
}

func (r *Registry) notifyFinish(tasks ...Task) {
	r.hooksMu.RLock()
	fn := r.onFinish
	r.hooksMu.RUnlock()
	if fn == nil {
		return
	}
	for _, t := range tasks {
		fn(t)
	}
}

// ============================================================================
// AGENTS
// ============================================================================

// Register adds an agent. It fails with ErrDuplicateID when the id is held
// by a live agent and leaves the registry unchanged. A stale holder
// (unreachable, or silent past the heartbeat threshold) is replaced and its
// tasks requeued.
func (r *Registry) Register(a Agent) (Agent, error) {
	if a.ID == "" {
		return Agent{}, fmt.Errorf("%w: agent id is required", nexaerr.ErrProtocol)
	}

	now := r.now()

	r.mu.Lock()
	var requeued []string
	existing, replaced := r.agents[a.ID]
	if replaced {
		if !r.isStaleLocked(existing, now) {
			r.mu.Unlock()
			return Agent{}, fmt.Errorf("agent %s: %w", a.ID, nexaerr.ErrDuplicateID)
		}
		requeued = r.requeueAgentLocked(existing, now)
		logging.Warn("Registry: replacing stale agent %s", logging.FormatID(a.ID))
	}

	agent := &Agent{
		ID:            a.ID,
		Name:          a.Name,
		Capabilities:  slices.Clone(a.Capabilities),
		Status:        a.Status,
		MaxTasks:      a.MaxTasks,
		ConnID:        a.ConnID,
		Metrics:       make(map[string]float64),
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	if agent.Status == "" {
		agent.Status = protocol.AgentIdle
	}
	if agent.MaxTasks <= 0 {
		agent.MaxTasks = r.config.MaxTasksPerAgent
	}
	r.agents[a.ID] = agent
	out := agent.clone()
	r.mu.Unlock()

	if replaced {
		r.notifyRemove(a.ID)
	}
	r.notifyRequeue(requeued)
	logging.Info("Registry: registered agent %s with capabilities %v", logging.FormatID(a.ID), a.Capabilities)
	return out, nil
}

// Deregister removes an agent and requeues its active tasks.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %s: %w", id, nexaerr.ErrNotFound)
	}
	requeued := r.requeueAgentLocked(agent, r.now())
	delete(r.agents, id)
	r.mu.Unlock()

	r.notifyRemove(id)
	r.notifyRequeue(requeued)
	logging.Info("Registry: deregistered agent %s", logging.FormatID(id))
	return nil
}

// UpdateStatus records an agent's self-reported status and metrics. Metrics
// are merged into the previous report.
func (r *Registry) UpdateStatus(id string, status protocol.AgentStatus, metrics map[string]float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, nexaerr.ErrNotFound)
	}
	if status != "" {
		agent.Status = status
	}
	for k, v := range metrics {
		agent.Metrics[k] = v
	}
	return nil
}

// Heartbeat refreshes an agent's last-seen time and clears unreachable.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, nexaerr.ErrNotFound)
	}
	if agent.Unreachable {
		logging.Info("Registry: agent %s is reachable again", logging.FormatID(id))
	}
	agent.LastHeartbeat = r.now()
	agent.Unreachable = false
	return nil
}

// SetDeprioritized flags an agent so the balancer prefers others. Unknown
// ids are ignored since alerts can outlive the agent they are about.
func (r *Registry) SetDeprioritized(id string, deprioritized bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[id]; ok {
		agent.Deprioritized = deprioritized
	}
}

// Agent returns a copy of one agent.
func (r *Registry) Agent(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("agent %s: %w", id, nexaerr.ErrNotFound)
	}
	return agent.clone(), nil
}

// Agents returns copies of all agents sorted by id.
func (r *Registry) Agents() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByCapability returns every agent advertising tag, whatever its status,
// sorted by id.
func (r *Registry) FindByCapability(tag string) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Agent
	for _, a := range r.agents {
		if a.HasCapability(tag) {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkUnreachable flags an agent as lost and requeues its active tasks. It
// returns the requeued task ids; an agent already unreachable yields none.
func (r *Registry) MarkUnreachable(id string) ([]string, error) {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("agent %s: %w", id, nexaerr.ErrNotFound)
	}
	if agent.Unreachable {
		r.mu.Unlock()
		return nil, nil
	}
	agent.Unreachable = true
	requeued := r.requeueAgentLocked(agent, r.now())
	r.mu.Unlock()

	logging.Warn("Registry: agent %s unreachable, requeued %d task(s)", logging.FormatID(id), len(requeued))
	r.notifyRequeue(requeued)
	return requeued, nil
}

// Sweep marks every agent silent for longer than the heartbeat threshold as
// unreachable and returns the ids of tasks that went back to the queue.
func (r *Registry) Sweep(now time.Time) []string {
	staleAfter := r.config.StaleAfter()

	r.mu.Lock()
	var requeued []string
	for _, agent := range r.agents {
		if agent.Unreachable || now.Sub(agent.LastHeartbeat) <= staleAfter {
			continue
		}
		agent.Unreachable = true
		ids := r.requeueAgentLocked(agent, now)
		requeued = append(requeued, ids...)
		logging.Warn("Registry: agent %s missed %d heartbeats, requeued %d task(s)",
			logging.FormatID(agent.ID), r.config.MissedHeartbeats, len(ids))
	}
	r.mu.Unlock()

	r.notifyRequeue(requeued)
	return requeued
}

// Live reports whether id is registered and would not be replaced by a new
// registration.
func (r *Registry) Live(id string) bool {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	return ok && !r.isStaleLocked(agent, now)
}

func (r *Registry) isStaleLocked(a *Agent, now time.Time) bool {
	return a.Unreachable || now.Sub(a.LastHeartbeat) > r.config.StaleAfter()
}

// requeueAgentLocked returns every active task of agent to the front of the
// queue, in their original assignment order. Must hold r.mu.
func (r *Registry) requeueAgentLocked(agent *Agent, now time.Time) []string {
	var ids []string
	for _, taskID := range agent.Tasks {
		task, ok := r.tasks[taskID]
		if !ok || !task.Active() || task.AssignedAgent != agent.ID {
			continue
		}
		task.State = protocol.TaskQueued
		task.AssignedAgent = ""
		task.UpdatedAt = now
		ids = append(ids, taskID)
	}
	r.queue = append(slices.Clone(ids), r.queue...)

	agent.Tasks = nil
	agent.CurrentTask = ""
	if agent.Status == protocol.AgentRunning {
		agent.Status = protocol.AgentIdle
	}
	return ids
}

// ============================================================================
// TASKS
// ============================================================================

// SubmitTask queues a new task. Task ids must be unique.
func (r *Registry) SubmitTask(t Task) (Task, error) {
	if t.ID == "" || t.Type == "" {
		return Task{}, fmt.Errorf("%w: task id and type are required", nexaerr.ErrProtocol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[t.ID]; ok {
		return Task{}, fmt.Errorf("task %s: %w", t.ID, nexaerr.ErrDuplicateID)
	}

	now := r.now()
	task := t.clone()
	task.State = protocol.TaskQueued
	task.AssignedAgent = ""
	task.Node = ""
	task.Attempts = 0
	task.Reason = ""
	task.CreatedAt = now
	task.UpdatedAt = now

	r.tasks[task.ID] = &task
	r.queue = append(r.queue, task.ID)
	return task.clone(), nil
}

// AssignTask moves a queued task to an agent. The agent must be reachable,
// not in error status and below its concurrency cap.
func (r *Registry) AssignTask(taskID, agentID string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("task %s: %w", taskID, nexaerr.ErrNotFound)
	}
	if task.State != protocol.TaskQueued || task.Forwarded() {
		return Task{}, fmt.Errorf("task %s is %s on node %q: %w", taskID, task.State, task.Node, nexaerr.ErrInvalidState)
	}

	agent, ok := r.agents[agentID]
	if !ok {
		return Task{}, fmt.Errorf("agent %s: %w", agentID, nexaerr.ErrNotFound)
	}
	if agent.Unreachable {
		return Task{}, fmt.Errorf("agent %s: %w", agentID, nexaerr.ErrUnreachable)
	}
	if !agent.HasCapability(task.Type) {
		return Task{}, fmt.Errorf("agent %s lacks capability %q: %w", agentID, task.Type, nexaerr.ErrNoEligibleAgent)
	}
	if len(agent.Tasks) >= agent.MaxTasks {
		return Task{}, fmt.Errorf("agent %s at %d task(s): %w", agentID, agent.MaxTasks, nexaerr.ErrOverloaded)
	}

	now := r.now()
	task.State = protocol.TaskAssigned
	task.AssignedAgent = agentID
	task.Attempts++
	task.UpdatedAt = now
	r.removeFromQueueLocked(taskID)

	agent.Tasks = append(agent.Tasks, taskID)
	agent.CurrentTask = taskID
	agent.Status = protocol.AgentRunning
	agent.LastAssigned = now

	return task.clone(), nil
}

// StartTask records that the assigned agent accepted the task. Accepting a
// task already in progress is a no-op.
func (r *Registry) StartTask(taskID, agentID string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.ownedTaskLocked(taskID, agentID)
	if err != nil {
		return Task{}, err
	}
	if task.State == protocol.TaskAssigned {
		task.State = protocol.TaskInProgress
		task.UpdatedAt = r.now()
	}
	return task.clone(), nil
}

// CompleteTask finishes a task successfully and frees the agent's slot.
func (r *Registry) CompleteTask(taskID, agentID string) (Task, error) {
	return r.finishTask(taskID, agentID, protocol.TaskCompleted, "")
}

// FailTask finishes a task unsuccessfully and frees the agent's slot.
func (r *Registry) FailTask(taskID, agentID, reason string) (Task, error) {
	return r.finishTask(taskID, agentID, protocol.TaskFailed, reason)
}

func (r *Registry) finishTask(taskID, agentID string, state protocol.TaskState, reason string) (Task, error) {
	r.mu.Lock()
	task, err := r.ownedTaskLocked(taskID, agentID)
	if err != nil {
		r.mu.Unlock()
		return Task{}, err
	}

	task.State = state
	task.Reason = reason
	task.UpdatedAt = r.now()

	if agent, ok := r.agents[agentID]; ok {
		agent.Tasks = slices.DeleteFunc(agent.Tasks, func(id string) bool { return id == taskID })
		agent.CurrentTask = ""
		if n := len(agent.Tasks); n > 0 {
			agent.CurrentTask = agent.Tasks[n-1]
		} else if agent.Status == protocol.AgentRunning {
			agent.Status = protocol.AgentIdle
		}
	}
	out := task.clone()
	r.mu.Unlock()

	r.notifyFinish(out)
	return out, nil
}

// ownedTaskLocked returns the task if it is active and assigned to agentID.
func (r *Registry) ownedTaskLocked(taskID, agentID string) (*Task, error) {
	task, ok := r.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, nexaerr.ErrNotFound)
	}
	if !task.Active() || task.Forwarded() || task.AssignedAgent != agentID {
		return nil, fmt.Errorf("task %s is %s for agent %q: %w",
			taskID, task.State, task.AssignedAgent, nexaerr.ErrInvalidState)
	}
	return task, nil
}

// Task returns a copy of one task.
func (r *Registry) Task(id string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %s: %w", id, nexaerr.ErrNotFound)
	}
	return task.clone(), nil
}

// Tasks returns copies of all tasks ordered by creation time.
func (r *Registry) Tasks() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// QueuedTasks returns queued tasks in the order they should be placed.
func (r *Registry) QueuedTasks() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Task, 0, len(r.queue))
	for _, id := range r.queue {
		if t, ok := r.tasks[id]; ok && t.State == protocol.TaskQueued {
			out = append(out, t.clone())
		}
	}
	return out
}

// ExpireQueued applies the deadline policy to queued tasks whose deadline is
// before now. It returns the ids of tasks that were failed.
func (r *Registry) ExpireQueued(now time.Time) []string {
	if r.config.DeadlinePolicy == DeadlineKeep {
		return nil
	}

	r.mu.Lock()
	var expired []string
	var finished []Task
	for _, id := range r.queue {
		t, ok := r.tasks[id]
		if !ok || t.State != protocol.TaskQueued || t.Deadline.IsZero() || !now.After(t.Deadline) {
			continue
		}
		t.State = protocol.TaskFailed
		t.Reason = "deadline exceeded"
		t.UpdatedAt = now
		expired = append(expired, id)
		finished = append(finished, t.clone())
	}
	for _, id := range expired {
		r.removeFromQueueLocked(id)
	}
	r.mu.Unlock()

	if len(expired) > 0 {
		logging.Warn("Registry: %d queued task(s) failed past their deadline", len(expired))
	}
	r.notifyFinish(finished...)
	return expired
}

// PruneTasks deletes finished tasks older than the retention window and
// returns how many were removed.
func (r *Registry) PruneTasks(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for id, t := range r.tasks {
		if t.Terminal() && now.Sub(t.UpdatedAt) > r.config.TaskRetention {
			delete(r.tasks, id)
			pruned++
		}
	}
	return pruned
}

func (r *Registry) removeFromQueueLocked(taskID string) {
	r.queue = slices.DeleteFunc(r.queue, func(id string) bool { return id == taskID })
}

// ============================================================================
// FORWARDED TASKS
// ============================================================================

// RecordForwarded stores a task that nodeID accepted on this node's behalf,
// in the state and with the agent the owner reported. Task ids stay unique
// across local and forwarded tasks.
func (r *Registry) RecordForwarded(t Task, nodeID, agentID string, state protocol.TaskState) (Task, error) {
	if t.ID == "" || t.Type == "" || nodeID == "" {
		return Task{}, fmt.Errorf("%w: task id, type and owner node are required", nexaerr.ErrProtocol)
	}
	if state == "" {
		state = protocol.TaskAssigned
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[t.ID]; ok {
		return Task{}, fmt.Errorf("task %s: %w", t.ID, nexaerr.ErrDuplicateID)
	}

	now := r.now()
	task := t.clone()
	task.Node = nodeID
	task.State = state
	task.AssignedAgent = agentID
	task.Attempts = 1
	task.Reason = ""
	task.CreatedAt = now
	task.UpdatedAt = now

	r.tasks[task.ID] = &task
	return task.clone(), nil
}

// ForwardedTo returns the unfinished tasks owned by nodeID, oldest first.
func (r *Registry) ForwardedTo(nodeID string) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Task
	for _, t := range r.tasks {
		if t.Node == nodeID && nodeID != "" && !t.Terminal() {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Reroute moves an unfinished forwarded task to a new owner node.
func (r *Registry) Reroute(taskID, nodeID, agentID string, state protocol.TaskState) (Task, error) {
	if state == "" {
		state = protocol.TaskAssigned
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.forwardedLocked(taskID)
	if err != nil {
		return Task{}, err
	}
	task.Node = nodeID
	task.State = state
	task.AssignedAgent = agentID
	task.Attempts++
	task.UpdatedAt = r.now()
	return task.clone(), nil
}

// Reclaim turns an unfinished forwarded task into a local queued task ahead
// of newer work. The queue is placed by the scheduler as agents allow.
func (r *Registry) Reclaim(taskID string) (Task, error) {
	r.mu.Lock()
	task, err := r.forwardedLocked(taskID)
	if err != nil {
		r.mu.Unlock()
		return Task{}, err
	}
	logging.Info("Registry: reclaimed task %s from node %s", logging.FormatID(taskID), logging.FormatID(task.Node))
	task.Node = ""
	task.State = protocol.TaskQueued
	task.AssignedAgent = ""
	task.UpdatedAt = r.now()
	r.queue = append([]string{taskID}, r.queue...)
	out := task.clone()
	r.mu.Unlock()

	r.notifyRequeue([]string{taskID})
	return out, nil
}

// FinishForwarded applies an update reported by the node running a
// forwarded task. Only that node may report, and only in_progress, completed
// or failed.
func (r *Registry) FinishForwarded(taskID, nodeID string, state protocol.TaskState, reason string) (Task, error) {
	switch state {
	case protocol.TaskInProgress, protocol.TaskCompleted, protocol.TaskFailed:
	default:
		return Task{}, fmt.Errorf("%w: forwarded task update state %q", nexaerr.ErrProtocol, state)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.forwardedLocked(taskID)
	if err != nil {
		return Task{}, err
	}
	if task.Node != nodeID {
		return Task{}, fmt.Errorf("task %s is owned by node %q, not %q: %w", taskID, task.Node, nodeID, nexaerr.ErrInvalidState)
	}
	task.State = state
	if state == protocol.TaskFailed {
		task.Reason = reason
	}
	task.UpdatedAt = r.now()
	return task.clone(), nil
}

// forwardedLocked returns the task if it is forwarded and unfinished.
func (r *Registry) forwardedLocked(taskID string) (*Task, error) {
	task, ok := r.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, nexaerr.ErrNotFound)
	}
	if !task.Forwarded() || task.Terminal() {
		return nil, fmt.Errorf("task %s is %s on node %q: %w", taskID, task.State, task.Node, nexaerr.ErrInvalidState)
	}
	return task, nil
}

// Counts summarizes agents and tasks.
func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := Counts{Agents: len(r.agents)}
	for _, a := range r.agents {
		if !a.Unreachable {
			c.ReachableAgents++
		}
	}
	for _, t := range r.tasks {
		switch {
		case t.Forwarded() && !t.Terminal():
			c.ForwardedTasks++
		case t.State == protocol.TaskQueued:
			c.QueuedTasks++
		case t.Active():
			c.ActiveTasks++
		default:
			c.FinishedTasks++
		}
	}
	return c
}

// ============================================================================
// BACKGROUND SWEEP
// ============================================================================

// Start runs the liveness sweep, deadline policy and retention pruning every
// SweepInterval until Stop or ctx cancellation.
func (r *Registry) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				now := r.now()
				r.Sweep(now)
				r.ExpireQueued(now)
				if n := r.PruneTasks(now); n > 0 {
					logging.Debug("Registry: pruned %d finished task(s)", n)
				}
			}
		}
	}()

	logging.Info("Registry: sweep started (stale after %v)", r.config.StaleAfter())
}

// Stop halts the background sweep and waits for it to exit.
func (r *Registry) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
	logging.Info("Registry: sweep stopped")
}
