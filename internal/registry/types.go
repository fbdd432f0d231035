package registry

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/concave-dev/nexa/internal/protocol"
)

// Agent is a registered worker. Values returned by the Registry are copies;
// mutating them does not change registry state.
type Agent struct {
	ID            string
	Name          string
	Capabilities  []string
	Status        protocol.AgentStatus
	MaxTasks      int                // Concurrency cap; 0 means registry default
	Tasks         []string           // Active task ids in assignment order
	CurrentTask   string             // Most recently assigned active task
	Unreachable   bool               // Missed heartbeats or connection lost
	Deprioritized bool               // Set by health alerts, cleared on recovery
	Metrics       map[string]float64 // Last reported gauges
	ConnID        string             // Connection the agent registered on
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	LastAssigned  time.Time
}

// HasCapability reports whether the agent advertises tag.
func (a Agent) HasCapability(tag string) bool {
	return slices.Contains(a.Capabilities, tag)
}

// ActiveTasks is the number of tasks currently assigned or in progress.
func (a Agent) ActiveTasks() int {
	return len(a.Tasks)
}

// Info renders the agent for the wire.
func (a Agent) Info() protocol.AgentInfo {
	info := protocol.AgentInfo{
		ID:           a.ID,
		Name:         a.Name,
		Capabilities: slices.Clone(a.Capabilities),
		Status:       a.Status,
		MaxTasks:     a.MaxTasks,
		CurrentTask:  a.CurrentTask,
		ActiveTasks:  len(a.Tasks),
		Unreachable:  a.Unreachable,
	}
	if !a.LastHeartbeat.IsZero() {
		hb := a.LastHeartbeat.UTC()
		info.LastHeartbeat = &hb
	}
	return info
}

func (a *Agent) clone() Agent {
	c := *a
	c.Capabilities = slices.Clone(a.Capabilities)
	c.Tasks = slices.Clone(a.Tasks)
	if a.Metrics != nil {
		c.Metrics = make(map[string]float64, len(a.Metrics))
		for k, v := range a.Metrics {
			c.Metrics[k] = v
		}
	}
	return c
}

// Task is a unit of work submitted by a client.
type Task struct {
	ID            string
	Type          string // Capability an agent needs to run it
	Payload       json.RawMessage
	Deadline      time.Time // Zero means no deadline
	RoutingKey    string
	Model         string
	Tokens        int64
	State         protocol.TaskState
	AssignedAgent string
	Attempts      int    // Number of times the task has been assigned
	Reason        string // Failure reason
	Node          string // Owner node of a forwarded task; empty when local
	Origin        string // Node that forwarded the task here
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TaskFromInfo converts a wire task into a registry task.
func TaskFromInfo(info protocol.TaskInfo) Task {
	t := Task{
		ID:         info.ID,
		Type:       info.Type,
		Payload:    slices.Clone(info.Payload),
		RoutingKey: info.RoutingKey,
		Model:      info.Model,
		Tokens:     info.Tokens,
	}
	if info.Deadline != nil {
		t.Deadline = info.Deadline.UTC()
	}
	return t
}

// Info renders the task for the wire.
func (t Task) Info() protocol.TaskInfo {
	info := protocol.TaskInfo{
		ID:            t.ID,
		Type:          t.Type,
		Payload:       slices.Clone(t.Payload),
		RoutingKey:    t.RoutingKey,
		Model:         t.Model,
		Tokens:        t.Tokens,
		State:         t.State,
		AssignedAgent: t.AssignedAgent,
		Node:          t.Node,
		Reason:        t.Reason,
	}
	if !t.Deadline.IsZero() {
		d := t.Deadline.UTC()
		info.Deadline = &d
	}
	return info
}

// Active reports whether the task holds an agent slot.
func (t Task) Active() bool {
	return t.State == protocol.TaskAssigned || t.State == protocol.TaskInProgress
}

// Forwarded reports whether another node owns the task.
func (t Task) Forwarded() bool {
	return t.Node != ""
}

// Terminal reports whether the task has finished.
func (t Task) Terminal() bool {
	return t.State == protocol.TaskCompleted || t.State == protocol.TaskFailed
}

func (t *Task) clone() Task {
	c := *t
	c.Payload = slices.Clone(t.Payload)
	return c
}

// Counts summarizes the registry for status reporting.
type Counts struct {
	Agents          int `json:"agents"`
	ReachableAgents int `json:"reachable_agents"`
	QueuedTasks     int `json:"queued_tasks"`
	ActiveTasks     int `json:"active_tasks"`
	FinishedTasks   int `json:"finished_tasks"`
	ForwardedTasks  int `json:"forwarded_tasks"`
}
