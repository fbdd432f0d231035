package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/concave-dev/nexa/internal/nexaerr"
	"github.com/concave-dev/nexa/internal/validate"
	"github.com/google/uuid"
)

// constructors is the closed set of decodable kinds.
var constructors = map[Kind]func() Message{
	KindRegisterAgent:    func() Message { return &RegisterAgent{} },
	KindRegisterAgentAck: func() Message { return &RegisterAgentAck{} },
	KindAgentQuery:       func() Message { return &AgentQuery{} },
	KindAgentQueryResult: func() Message { return &AgentQueryResult{} },
	KindSubmitTask:       func() Message { return &SubmitTask{} },
	KindSubmitTaskAck:    func() Message { return &SubmitTaskAck{} },
	KindTaskAssignment:   func() Message { return &TaskAssignment{} },
	KindTaskAssignAck:    func() Message { return &TaskAssignmentAck{} },
	KindStatusUpdate:     func() Message { return &StatusUpdate{} },
	KindStatusUpdateAck:  func() Message { return &StatusUpdateAck{} },
	KindTaskUpdate:       func() Message { return &TaskUpdate{} },
	KindTaskUpdateAck:    func() Message { return &TaskUpdateAck{} },
	KindError:            func() Message { return &Error{} },
}

// Encode validates m and renders it as a JSON object with the `type`
// discriminator as its first member.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", nexaerr.ErrProtocol)
	}
	if err := validate.Struct(m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", nexaerr.ErrProtocol, m.Kind(), err)
	}

	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", nexaerr.ErrProtocol, m.Kind(), err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 32)
	fmt.Fprintf(&buf, `{"type":%q`, m.Kind())
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// Decode parses one frame. Every failure wraps nexaerr.ErrProtocol.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", nexaerr.ErrProtocol, err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("%w: type is required", nexaerr.ErrProtocol)
	}

	newMsg, ok := constructors[head.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown message type %q", nexaerr.ErrProtocol, head.Type)
	}

	msg := newMsg()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", nexaerr.ErrProtocol, head.Type, err)
	}
	if err := validate.Struct(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", nexaerr.ErrProtocol, head.Type, err)
	}
	normalize(msg)
	return msg, nil
}

// normalize puts decoded timestamps in UTC and empty lists to nil, so a
// frame decodes to the same value whatever offset the sender wrote.
func normalize(msg Message) {
	switch m := msg.(type) {
	case *RegisterAgent:
		m.Agent.LastHeartbeat = inUTC(m.Agent.LastHeartbeat)
	case *AgentQueryResult:
		m.normalize()
	case *SubmitTask:
		m.Task.Deadline = inUTC(m.Task.Deadline)
	case *TaskAssignment:
		m.Task.Deadline = inUTC(m.Task.Deadline)
	}
}

// NewID returns a fresh message id.
func NewID() string {
	return uuid.NewString()
}

// OK builds a successful Result answering ref.
func OK(ref string, status int) Result {
	if status == 0 {
		status = http.StatusOK
	}
	return Result{Ref: ref, Status: status}
}

// Failure builds a failed Result answering ref, classifying err through the
// error taxonomy.
func Failure(ref string, err error) Result {
	return Result{
		Ref:    ref,
		Status: nexaerr.Status(err),
		Error: &ErrorBody{
			Kind:    nexaerr.Kind(err),
			Message: err.Error(),
		},
	}
}

// Err converts a failed Result back into an error wrapping the matching
// sentinel, or nil on success.
func (r Result) Err() error {
	if r.Error == nil {
		return nil
	}
	if sentinel := nexaerr.FromKind(r.Error.Kind); sentinel != nil {
		return fmt.Errorf("%s: %w", r.Error.Message, sentinel)
	}
	return fmt.Errorf("%s: %s", r.Error.Kind, r.Error.Message)
}
