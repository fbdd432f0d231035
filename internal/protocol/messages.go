// Package protocol defines the message set spoken between agents (or client
// tooling) and a Nexa node over the agent websocket.
//
// MESSAGE SET:
// The set of kinds is closed. Every kind has one Go type implementing
// Message; the unexported isMessage method keeps other packages from adding
// their own, so a type switch over Message in the dispatcher covers every
// case the decoder can produce.
//
//	client -> server   register_agent, agent_query, submit_task,
//	                   task_assignment (agent accepting), status_update,
//	                   task_update
//	server -> client   task_assignment (push), *_ack, agent_query_result,
//	                   error
//
// WIRE FORMAT:
// One JSON object per websocket text frame. The `type` discriminator and
// `id` are required on every message. Unknown fields are ignored; missing
// required fields fail decoding with a ProtocolError that names the field.
package protocol

import (
	"encoding/json"
	"time"
)

// Kind is the value of the `type` discriminator.
type Kind string

const (
	KindRegisterAgent    Kind = "register_agent"
	KindRegisterAgentAck Kind = "register_agent_ack"
	KindAgentQuery       Kind = "agent_query"
	KindAgentQueryResult Kind = "agent_query_result"
	KindSubmitTask       Kind = "submit_task"
	KindSubmitTaskAck    Kind = "submit_task_ack"
	KindTaskAssignment   Kind = "task_assignment"
	KindTaskAssignAck    Kind = "task_assignment_ack"
	KindStatusUpdate     Kind = "status_update"
	KindStatusUpdateAck  Kind = "status_update_ack"
	KindTaskUpdate       Kind = "task_update"
	KindTaskUpdateAck    Kind = "task_update_ack"
	KindError            Kind = "error"
)

// AgentStatus is the lifecycle status an agent reports for itself.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentRunning AgentStatus = "running"
	AgentError   AgentStatus = "error"
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskQueued     TaskState = "queued"
	TaskAssigned   TaskState = "assigned"
	TaskInProgress TaskState = "in_progress"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
)

// Message is implemented by every wire message.
type Message interface {
	Kind() Kind
	MessageID() string
	isMessage()
}

// AgentInfo describes an agent on the wire.
type AgentInfo struct {
	ID            string      `json:"id" validate:"required"`
	Name          string      `json:"name,omitempty"`
	Capabilities  []string    `json:"capabilities" validate:"required,min=1,dive,required"`
	Status        AgentStatus `json:"status" validate:"required,oneof=idle running error"`
	MaxTasks      int         `json:"max_tasks,omitempty" validate:"gte=0"`
	CurrentTask   string      `json:"current_task,omitempty"`
	ActiveTasks   int         `json:"active_tasks,omitempty"`
	Unreachable   bool        `json:"unreachable,omitempty"`
	LastHeartbeat *time.Time  `json:"last_heartbeat,omitempty"`
}

// TaskInfo describes a task on the wire.
type TaskInfo struct {
	ID            string          `json:"id" validate:"required"`
	Type          string          `json:"type" validate:"required"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Deadline      *time.Time      `json:"deadline,omitempty"`
	RoutingKey    string          `json:"routing_key,omitempty"`
	Model         string          `json:"model,omitempty"`
	Tokens        int64           `json:"tokens,omitempty" validate:"gte=0"`
	State         TaskState       `json:"state,omitempty"`
	AssignedAgent string          `json:"assigned_agent,omitempty"`
	Node          string          `json:"node_id,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// ErrorBody carries a failure kind from the error taxonomy ("NotFound",
// "DuplicateId", ...) and a human readable message.
type ErrorBody struct {
	Kind    string `json:"kind" validate:"required"`
	Message string `json:"message,omitempty"`
}

// Result is embedded in every response. Status is an HTTP-style code; Ref is
// the id of the message being answered.
type Result struct {
	Ref    string     `json:"ref,omitempty"`
	Status int        `json:"status" validate:"required"`
	Error  *ErrorBody `json:"error,omitempty"`
}

// RegisterAgent registers the sending connection as an agent.
type RegisterAgent struct {
	ID    string     `json:"id" validate:"required"`
	Agent *AgentInfo `json:"agent" validate:"required"`
}

// RegisterAgentAck answers RegisterAgent.
type RegisterAgentAck struct {
	ID string `json:"id" validate:"required"`
	Result
	AgentID string `json:"agent_id,omitempty"`
}

// AgentQuery lists agents advertising a capability.
type AgentQuery struct {
	ID         string `json:"id" validate:"required"`
	Capability string `json:"capability" validate:"required"`
}

// AgentQueryResult answers AgentQuery.
type AgentQueryResult struct {
	ID string `json:"id" validate:"required"`
	Result
	Agents []AgentInfo `json:"agents,omitempty"`
}

// NewAgentQueryResult answers the query ref with agents. An empty result
// carries a nil slice and heartbeats are rendered in UTC, matching what
// Decode produces.
func NewAgentQueryResult(ref string, agents []AgentInfo) *AgentQueryResult {
	m := &AgentQueryResult{ID: NewID(), Result: OK(ref, 0), Agents: agents}
	m.normalize()
	return m
}

func (m *AgentQueryResult) normalize() {
	if len(m.Agents) == 0 {
		m.Agents = nil
	}
	for i := range m.Agents {
		m.Agents[i].LastHeartbeat = inUTC(m.Agents[i].LastHeartbeat)
	}
}

// inUTC returns t in UTC, keeping nil as nil.
func inUTC(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// SubmitTask asks the node to queue and place a new task.
type SubmitTask struct {
	ID   string    `json:"id" validate:"required"`
	Task *TaskInfo `json:"task" validate:"required"`
}

// SubmitTaskAck answers SubmitTask with the placement outcome.
type SubmitTaskAck struct {
	ID string `json:"id" validate:"required"`
	Result
	TaskID  string    `json:"task_id,omitempty"`
	AgentID string    `json:"agent_id,omitempty"`
	State   TaskState `json:"state,omitempty"`
}

// TaskAssignment is pushed to an agent when it is chosen for a task, and
// sent back by the agent to accept it.
type TaskAssignment struct {
	ID      string    `json:"id" validate:"required"`
	Task    *TaskInfo `json:"task" validate:"required"`
	AgentID string    `json:"agent_id" validate:"required"`
}

// TaskAssignmentAck answers an agent's TaskAssignment acceptance.
type TaskAssignmentAck struct {
	ID string `json:"id" validate:"required"`
	Result
	TaskID  string `json:"task_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
}

// StatusUpdate is the agent heartbeat. Metrics are free-form gauges
// ("cpu", "memory", "errors"); TokensUsed is charged against the agent's
// (and Model's, when set) rate window.
type StatusUpdate struct {
	ID         string             `json:"id" validate:"required"`
	AgentID    string             `json:"agent_id" validate:"required"`
	Status     AgentStatus        `json:"status" validate:"required,oneof=idle running error"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	TokensUsed int64              `json:"tokens_used,omitempty" validate:"gte=0"`
	Model      string             `json:"model,omitempty"`
}

// StatusUpdateAck answers StatusUpdate.
type StatusUpdateAck struct {
	ID string `json:"id" validate:"required"`
	Result
}

// TaskUpdate reports progress or completion of an assigned task.
type TaskUpdate struct {
	ID       string    `json:"id" validate:"required"`
	AgentID  string    `json:"agent_id" validate:"required"`
	TaskID   string    `json:"task_id" validate:"required"`
	State    TaskState `json:"state" validate:"required,oneof=in_progress completed failed"`
	Progress *float64  `json:"progress,omitempty" validate:"omitempty,gte=0,lte=100"`
	Message  string    `json:"message,omitempty"`
}

// TaskUpdateAck answers TaskUpdate.
type TaskUpdateAck struct {
	ID string `json:"id" validate:"required"`
	Result
}

// Error is sent when a frame cannot be answered with its own ack kind, for
// example when it failed to decode. The connection is closed after it.
type Error struct {
	ID string `json:"id" validate:"required"`
	Result
}

func (m *RegisterAgent) Kind() Kind     { return KindRegisterAgent }
func (m *RegisterAgentAck) Kind() Kind  { return KindRegisterAgentAck }
func (m *AgentQuery) Kind() Kind        { return KindAgentQuery }
func (m *AgentQueryResult) Kind() Kind  { return KindAgentQueryResult }
func (m *SubmitTask) Kind() Kind        { return KindSubmitTask }
func (m *SubmitTaskAck) Kind() Kind     { return KindSubmitTaskAck }
func (m *TaskAssignment) Kind() Kind    { return KindTaskAssignment }
func (m *TaskAssignmentAck) Kind() Kind { return KindTaskAssignAck }
func (m *StatusUpdate) Kind() Kind      { return KindStatusUpdate }
func (m *StatusUpdateAck) Kind() Kind   { return KindStatusUpdateAck }
func (m *TaskUpdate) Kind() Kind        { return KindTaskUpdate }
func (m *TaskUpdateAck) Kind() Kind     { return KindTaskUpdateAck }
func (m *Error) Kind() Kind             { return KindError }

func (m *RegisterAgent) MessageID() string     { return m.ID }
func (m *RegisterAgentAck) MessageID() string  { return m.ID }
func (m *AgentQuery) MessageID() string        { return m.ID }
func (m *AgentQueryResult) MessageID() string  { return m.ID }
func (m *SubmitTask) MessageID() string        { return m.ID }
func (m *SubmitTaskAck) MessageID() string     { return m.ID }
func (m *TaskAssignment) MessageID() string    { return m.ID }
func (m *TaskAssignmentAck) MessageID() string { return m.ID }
func (m *StatusUpdate) MessageID() string      { return m.ID }
func (m *StatusUpdateAck) MessageID() string   { return m.ID }
func (m *TaskUpdate) MessageID() string        { return m.ID }
func (m *TaskUpdateAck) MessageID() string     { return m.ID }
func (m *Error) MessageID() string             { return m.ID }

func (*RegisterAgent) isMessage()     {}
func (*RegisterAgentAck) isMessage()  {}
func (*AgentQuery) isMessage()        {}
func (*AgentQueryResult) isMessage()  {}
func (*SubmitTask) isMessage()        {}
func (*SubmitTaskAck) isMessage()     {}
func (*TaskAssignment) isMessage()    {}
func (*TaskAssignmentAck) isMessage() {}
func (*StatusUpdate) isMessage()      {}
func (*StatusUpdateAck) isMessage()   {}
func (*TaskUpdate) isMessage()        {}
func (*TaskUpdateAck) isMessage()     {}
func (*Error) isMessage()             {}
