package domain

import "time"

// EventType names the lifecycle transitions the Event Bus broadcasts.
type EventType string

const (
	EventNodeStarted       EventType = "node:started"
	EventNodeCompleted     EventType = "node:completed"
	EventNodeFailedRetry   EventType = "node:failed"
	EventNodeErrorTerminal EventType = "node:error"
	EventWorkflowStarted   EventType = "workflow:started"
	EventWorkflowCompleted EventType = "workflow:completed"
	EventWorkflowFailed    EventType = "workflow:failed"
	EventWorkflowCancelled EventType = "workflow:cancelled"
)

// Event is the envelope delivered to Event Bus subscribers, matching
// spec.md §6's wire shape. Generalized off the teacher's
// websocket.WSEvent, which carries the same fields tied to a
// WebSocket transport this module does not own.
type Event struct {
	Type        EventType `json:"type"`
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id"`
	NodeID      string    `json:"node_id,omitempty"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
