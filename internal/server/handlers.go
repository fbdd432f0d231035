package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/concave-dev/nexa/internal/logging"
	"github.com/concave-dev/nexa/internal/nexaerr"
	"github.com/concave-dev/nexa/internal/protocol"
	"github.com/concave-dev/nexa/internal/registry"
)

// dispatch applies one decoded frame. Operational failures are reported in
// the returned ack; a non-nil error is a protocol violation and closes the
// connection.
func (s *Server) dispatch(conn *Conn, msg protocol.Message) (protocol.Message, error) {
	switch m := msg.(type) {
	case *protocol.RegisterAgent:
		return s.handleRegister(conn, m), nil
	case *protocol.AgentQuery:
		return s.handleQuery(m), nil
	case *protocol.SubmitTask:
		return s.handleSubmit(m), nil
	case *protocol.TaskAssignment:
		return s.handleAccept(conn, m), nil
	case *protocol.StatusUpdate:
		return s.handleStatus(m), nil
	case *protocol.TaskUpdate:
		return s.handleTaskUpdate(m), nil
	default:
		return nil, fmt.Errorf("%w: %s is sent by the server, not accepted from peers", nexaerr.ErrProtocol, msg.Kind())
	}
}

func (s *Server) handleRegister(conn *Conn, m *protocol.RegisterAgent) protocol.Message {
	ack := &protocol.RegisterAgentAck{ID: protocol.NewID(), AgentID: m.Agent.ID}

	if bound := conn.AgentID(); bound != "" && bound != m.Agent.ID {
		ack.Result = protocol.Failure(m.ID, fmt.Errorf("connection already carries agent %s: %w", bound, nexaerr.ErrInvalidState))
		return ack
	}

	// Route pushes to this connection before the agent becomes placeable
	prev, err := s.claimAgent(conn, m.Agent.ID)
	if err != nil {
		ack.Result = protocol.Failure(m.ID, err)
		return ack
	}

	agent, err := s.registry.Register(registry.Agent{
		ID:           m.Agent.ID,
		Name:         m.Agent.Name,
		Capabilities: m.Agent.Capabilities,
		Status:       m.Agent.Status,
		MaxTasks:     m.Agent.MaxTasks,
		ConnID:       conn.id,
	})
	if err != nil {
		s.releaseAgent(conn, m.Agent.ID, prev)
		ack.Result = protocol.Failure(m.ID, err)
		return ack
	}

	conn.bind(agent.ID)
	s.scheduler.Kick()

	ack.Result = protocol.OK(m.ID, http.StatusCreated)
	return ack
}

func (s *Server) handleQuery(m *protocol.AgentQuery) protocol.Message {
	agents := s.registry.FindByCapability(m.Capability)
	infos := make([]protocol.AgentInfo, 0, len(agents))
	for _, a := range agents {
		infos = append(infos, a.Info())
	}
	return protocol.NewAgentQueryResult(m.ID, infos)
}

func (s *Server) handleSubmit(m *protocol.SubmitTask) protocol.Message {
	ack := &protocol.SubmitTaskAck{ID: protocol.NewID(), TaskID: m.Task.ID}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
	defer cancel()

	placement, err := s.scheduler.SubmitRouted(ctx, registry.TaskFromInfo(*m.Task))
	if err != nil {
		ack.Result = protocol.Failure(m.ID, err)
		return ack
	}

	status := http.StatusCreated
	if placement.State == protocol.TaskQueued {
		status = http.StatusAccepted
	}
	ack.Result = protocol.OK(m.ID, status)
	ack.AgentID = placement.AgentID
	ack.State = placement.State
	return ack
}

// handleAccept records an agent accepting a pushed assignment.
func (s *Server) handleAccept(conn *Conn, m *protocol.TaskAssignment) protocol.Message {
	ack := &protocol.TaskAssignmentAck{ID: protocol.NewID(), TaskID: m.Task.ID, AgentID: m.AgentID}

	bound := conn.AgentID()
	if bound == "" {
		ack.Result = protocol.Failure(m.ID, fmt.Errorf("register before accepting tasks: %w", nexaerr.ErrInvalidState))
		return ack
	}
	if bound != m.AgentID {
		ack.Result = protocol.Failure(m.ID, fmt.Errorf("connection carries agent %s, not %s: %w", bound, m.AgentID, nexaerr.ErrInvalidState))
		return ack
	}

	if _, err := s.registry.StartTask(m.Task.ID, m.AgentID); err != nil {
		ack.Result = protocol.Failure(m.ID, err)
		return ack
	}
	ack.Result = protocol.OK(m.ID, http.StatusOK)
	return ack
}

// handleStatus applies a heartbeat. Token usage is charged after the status
// is recorded, so a refused charge still counts as a heartbeat.
func (s *Server) handleStatus(m *protocol.StatusUpdate) protocol.Message {
	ack := &protocol.StatusUpdateAck{ID: protocol.NewID()}

	if err := s.registry.UpdateStatus(m.AgentID, m.Status, m.Metrics); err != nil {
		ack.Result = protocol.Failure(m.ID, err)
		return ack
	}
	if err := s.registry.Heartbeat(m.AgentID); err != nil {
		ack.Result = protocol.Failure(m.ID, err)
		return ack
	}

	if s.health != nil && len(m.Metrics) > 0 {
		s.health.RecordAgent(m.AgentID, m.Metrics)
	}

	if s.tokens != nil && m.TokensUsed > 0 {
		keys := []string{"agent:" + m.AgentID}
		if m.Model != "" {
			keys = append(keys, "model:"+m.Model)
		}
		if err := s.tokens.TrackAll(m.TokensUsed, keys...); err != nil {
			logging.Warn("Server: agent %s over token budget: %v", logging.FormatID(m.AgentID), err)
			ack.Result = protocol.Failure(m.ID, err)
			return ack
		}
	}

	if m.Status == protocol.AgentIdle {
		s.scheduler.Kick()
	}
	ack.Result = protocol.OK(m.ID, http.StatusOK)
	return ack
}

func (s *Server) handleTaskUpdate(m *protocol.TaskUpdate) protocol.Message {
	ack := &protocol.TaskUpdateAck{ID: protocol.NewID()}

	var err error
	switch m.State {
	case protocol.TaskInProgress:
		_, err = s.registry.StartTask(m.TaskID, m.AgentID)
		if err == nil && m.Progress != nil {
			logging.Debug("Server: task %s at %.0f%%", logging.FormatID(m.TaskID), *m.Progress)
		}
	case protocol.TaskCompleted:
		_, err = s.registry.CompleteTask(m.TaskID, m.AgentID)
	case protocol.TaskFailed:
		_, err = s.registry.FailTask(m.TaskID, m.AgentID, m.Message)
	default:
		err = fmt.Errorf("%w: task update state %q", nexaerr.ErrProtocol, m.State)
	}
	if err != nil {
		ack.Result = protocol.Failure(m.ID, err)
		return ack
	}

	if m.State != protocol.TaskInProgress {
		logging.Info("Server: task %s %s by agent %s", logging.FormatID(m.TaskID), m.State, logging.FormatID(m.AgentID))
		s.scheduler.Kick()
	}
	ack.Result = protocol.OK(m.ID, http.StatusOK)
	return ack
}
