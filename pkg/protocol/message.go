// Package protocol defines the wire protocol between a browser and a live
// wizard session.
package protocol

import (
	"time"

	"github.com/gabrielmiguelok/livewizard/pkg/wizard"
)

// MessageType identifies the type of protocol message.
type MessageType uint8

const (
	// MsgJoin starts or resumes a wizard session.
	MsgJoin MessageType = iota
	// MsgLeave ends a session for good.
	MsgLeave
	// MsgEvent carries a user action.
	MsgEvent
	// MsgReply answers a join or an event.
	MsgReply
	// MsgState pushes a state change the client did not ask for.
	MsgState
	// MsgError reports a problem not tied to a request.
	MsgError
	// MsgHeartbeat keeps the connection alive.
	MsgHeartbeat
)

// String returns a string representation of the message type.
func (mt MessageType) String() string {
	switch mt {
	case MsgJoin:
		return "join"
	case MsgLeave:
		return "leave"
	case MsgEvent:
		return "event"
	case MsgReply:
		return "reply"
	case MsgState:
		return "state"
	case MsgError:
		return "error"
	case MsgHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Wizard events.
const (
	EventSetField = "set_field"
	EventAdvance  = "advance"
	EventRetreat  = "retreat"
	EventJump     = "jump"
	EventSubmit   = "submit"
	EventReset    = "reset"
)

// Reply statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Message is exchanged between client and server.
type Message struct {
	Type MessageType `json:"t" msgpack:"t"`

	// Ref correlates a reply with its request.
	Ref string `json:"ref,omitempty" msgpack:"ref,omitempty"`

	// Session is the live session id, assigned by the server on join.
	Session string `json:"session,omitempty" msgpack:"session,omitempty"`

	Event   string         `json:"event,omitempty" msgpack:"event,omitempty"`
	Payload map[string]any `json:"payload,omitempty" msgpack:"payload,omitempty"`

	// Reply fields.
	Status  string        `json:"status,omitempty" msgpack:"status,omitempty"`
	Outcome string        `json:"outcome,omitempty" msgpack:"outcome,omitempty"`
	Reason  string        `json:"reason,omitempty" msgpack:"reason,omitempty"`
	State   *wizard.State `json:"state,omitempty" msgpack:"state,omitempty"`

	Timestamp int64 `json:"ts,omitempty" msgpack:"ts,omitempty"`
}

// NewMessage creates a new message with the given parameters.
func NewMessage(msgType MessageType, session, event string) *Message {
	return &Message{
		Type:      msgType,
		Session:   session,
		Event:     event,
		Timestamp: time.Now().UnixMilli(),
	}
}

// WithRef adds a reference ID to the message.
func (m *Message) WithRef(ref string) *Message {
	m.Ref = ref
	return m
}

// WithPayload sets the message payload.
func (m *Message) WithPayload(payload map[string]any) *Message {
	m.Payload = payload
	return m
}

// WithState attaches a copy of st.
func (m *Message) WithState(st wizard.State) *Message {
	m.State = &st
	return m
}

// GetPayloadString retrieves a string value from the payload.
func (m *Message) GetPayloadString(key string) string {
	if v, ok := m.Payload[key].(string); ok {
		return v
	}
	return ""
}

// GetPayloadInt retrieves an int value from the payload. The second result
// is false when the key is missing or not a whole number.
func (m *Message) GetPayloadInt(key string) (int, bool) {
	switch v := m.Payload[key].(type) {
	case int:
		return v, true
	case int8:
		return int(v), true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}

// IsReply returns true if this message is a reply.
func (m *Message) IsReply() bool {
	return m.Type == MsgReply
}

// OK reports whether a reply succeeded.
func (m *Message) OK() bool {
	return m.Type == MsgReply && m.Status == StatusOK
}

// JoinMessage asks for a session of wizard. A non-empty resume names the
// session of a dropped connection.
func JoinMessage(wizardID, resume string) *Message {
	payload := map[string]any{"wizard": wizardID}
	return NewMessage(MsgJoin, resume, "join").WithPayload(payload)
}

// LeaveMessage ends a session.
func LeaveMessage(session string) *Message {
	return NewMessage(MsgLeave, session, "leave")
}

// EventMessage creates an event message.
func EventMessage(ref, event string, payload map[string]any) *Message {
	return NewMessage(MsgEvent, "", event).WithRef(ref).WithPayload(payload)
}

// SetFieldMessage sets field name to value.
func SetFieldMessage(ref, name string, value any) *Message {
	return EventMessage(ref, EventSetField, map[string]any{"name": name, "value": value})
}

// JumpMessage jumps to step.
func JumpMessage(ref string, step int) *Message {
	return EventMessage(ref, EventJump, map[string]any{"step": step})
}

// OkReply answers ref with the resulting state.
func OkReply(ref, session string, outcome wizard.Outcome, st wizard.State) *Message {
	m := NewMessage(MsgReply, session, "reply").WithRef(ref).WithState(st)
	m.Status = StatusOK
	m.Outcome = string(outcome)
	return m
}

// ErrorReply answers ref with a failure reason.
func ErrorReply(ref, session, reason string) *Message {
	m := NewMessage(MsgReply, session, "reply").WithRef(ref)
	m.Status = StatusError
	m.Reason = reason
	return m
}

// StateMessage pushes st.
func StateMessage(session string, st wizard.State) *Message {
	return NewMessage(MsgState, session, "state").WithState(st)
}

// ErrorMessage reports reason outside a request.
func ErrorMessage(session, reason string) *Message {
	m := NewMessage(MsgError, session, "error")
	m.Reason = reason
	return m
}

// HeartbeatMessage creates a heartbeat message.
func HeartbeatMessage() *Message {
	return NewMessage(MsgHeartbeat, "", "heartbeat")
}
