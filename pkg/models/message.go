package models

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates bus messages.
type MessageType string

const (
	// MessageDispatch carries a TaskSpec from the coordinator to a worker.
	MessageDispatch MessageType = "dispatch"
	// MessageResult carries a successful task output back to the coordinator.
	MessageResult MessageType = "result"
	// MessageError carries a failed attempt back to the coordinator.
	MessageError MessageType = "error"
	// MessageHeartbeat announces that a worker is alive.
	MessageHeartbeat MessageType = "heartbeat"
)

// Valid returns true if the type is a known value.
func (t MessageType) Valid() bool {
	switch t {
	case MessageDispatch, MessageResult, MessageError, MessageHeartbeat:
		return true
	default:
		return false
	}
}

// Message is the unit of transport on the bus. Messages are immutable.
type Message struct {
	ID   string      `json:"id"`
	Type MessageType `json:"type"`
	// Payload is the JSON encoding of one of the *Payload types below.
	Payload json.RawMessage `json:"payload,omitempty"`
	// CorrelationID is the run ID the message belongs to.
	CorrelationID string `json:"correlation_id,omitempty"`
	// CausalParentID links a result or error to its originating dispatch.
	CausalParentID string `json:"causal_parent_id,omitempty"`
	Sender         string `json:"sender,omitempty"`
	Recipient      string `json:"recipient,omitempty"`
}

// NewMessage builds a message with the payload JSON-encoded.
func NewMessage(id string, typ MessageType, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Message{ID: id, Type: typ, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.ID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// DispatchPayload is the payload of a dispatch message.
type DispatchPayload struct {
	Task TaskSpec `json:"task"`
}

// ResultPayload is the payload of a result message.
type ResultPayload struct {
	TaskID string     `json:"task_id"`
	Output string     `json:"output"`
	Steps  int        `json:"steps"`
	Usage  TokenUsage `json:"usage"`
}

// ErrorPayload is the payload of an error message.
type ErrorPayload struct {
	TaskID string      `json:"task_id"`
	Status AgentStatus `json:"status"`
	Reason string      `json:"reason"`
	Steps  int         `json:"steps"`
	// Recoverable is false for failures no retry can fix, such as an
	// undecodable dispatch. Those fail the task without spending its budget.
	Recoverable bool `json:"recoverable"`
}

// HeartbeatPayload is the payload of a heartbeat message.
type HeartbeatPayload struct {
	WorkerID string `json:"worker_id"`
	// Busy is the dispatch ID the worker is executing, if any.
	Busy string `json:"busy,omitempty"`
}
