package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the payload carried by an Envelope.
type MessageType string

const (
	// Outbound, orchestrator to executors and clients.
	MessageTaskAssign        MessageType = "task_assign"
	MessageTaskCancel        MessageType = "task_cancel"
	MessageWorkflowStarted   MessageType = "workflow_started"
	MessageWorkflowProgress  MessageType = "workflow_progress"
	MessageWorkflowCompleted MessageType = "workflow_completed"

	// Inbound, executors to orchestrator.
	MessageNodeRegister   MessageType = "node_register"
	MessageNodeHeartbeat  MessageType = "node_heartbeat"
	MessageNodeDisconnect MessageType = "node_disconnect"
	MessageTaskAccepted   MessageType = "task_accepted"
	MessageTaskProgress   MessageType = "task_progress"
	MessageTaskCompleted  MessageType = "task_completed"
	MessageTaskFailed     MessageType = "task_failed"
)

// Envelope is the unit carried by the message bus.
type Envelope struct {
	Type       MessageType     `json:"type"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	TaskID     string          `json:"task_id,omitempty"`
	NodeID     string          `json:"node_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewEnvelope marshals payload into a new envelope.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	env := &Envelope{Type: msgType, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Data = data
	}
	return env, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	return json.Unmarshal(e.Data, v)
}

// Assignment is sent to the member chosen for a task.
type Assignment struct {
	TaskID     string        `json:"task_id"`
	WorkflowID string        `json:"workflow_id"`
	Name       string        `json:"name"`
	Type       TaskType      `json:"type"`
	Parameters Parameters    `json:"parameters"`
	Priority   Priority      `json:"priority"`
	Attempt    int           `json:"attempt"`
	Timeout    time.Duration `json:"timeout,omitempty"`
}

// Cancellation asks a member to stop work on a task.
type Cancellation struct {
	TaskID     string `json:"task_id"`
	WorkflowID string `json:"workflow_id"`
	Reason     string `json:"reason"`
}

// NodeRegistration announces an executor and its capabilities.
type NodeRegistration struct {
	NodeID       string       `json:"node_id"`
	Address      string       `json:"address,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

// Heartbeat carries a member's live utilisation.
type Heartbeat struct {
	NodeID    string    `json:"node_id"`
	Resources Resources `json:"resources"`
}

// TaskReport is an executor's account of a task's progress or outcome.
type TaskReport struct {
	TaskID     string        `json:"task_id"`
	WorkflowID string        `json:"workflow_id"`
	NodeID     string        `json:"node_id"`
	Result     any           `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
	Permanent  bool          `json:"permanent,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Progress   float64       `json:"progress,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
}

// WorkflowEvent is broadcast to the workflow's group.
type WorkflowEvent struct {
	WorkflowID string            `json:"workflow_id"`
	Name       string            `json:"name"`
	Status     WorkflowStatus    `json:"status"`
	Progress   Progress          `json:"progress"`
	TaskID     string            `json:"task_id,omitempty"`
	Errors     map[string]string `json:"errors,omitempty"`
}
