package domain

import "time"

// Status is the lifecycle state of an Execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// NodeError is the recorded terminal failure for one node: the final
// message plus how many attempts were made before giving up.
type NodeError struct {
	Message  string `json:"message"`
	Attempts int    `json:"attempts"`
}

// Execution is mutable state for a single run of a Workflow. Every
// mutation during a run happens through Store.PatchExecution, which
// enforces the per-execution lock spec.md §4.2 requires; Execution
// itself carries no lock of its own so that a frozen snapshot (the
// result of Store.GetExecution) can be handed to callers and read
// without synchronization.
//
// Grounded on the teacher's non-event-sourced execution_state.go /
// state.go generation rather than the event-sourced execution.go: the
// spec's Execution is a direct-mutation value, not a replay log.
type Execution struct {
	ID           string               `json:"id" bun:"id,pk"`
	WorkflowID   string               `json:"workflow_id" bun:"workflow_id"`
	Status       Status               `json:"status" bun:"status"`
	StartedAt    time.Time            `json:"started_at" bun:"started_at"`
	EndedAt      *time.Time           `json:"ended_at" bun:"ended_at"`
	InitialInput any                  `json:"initial_input" bun:"initial_input,type:jsonb"`
	NodeResults  map[string]any       `json:"node_results" bun:"node_results,type:jsonb"`
	NodeErrors   map[string]NodeError `json:"node_errors" bun:"node_errors,type:jsonb"`
	FatalError   string               `json:"fatal_error,omitempty" bun:"fatal_error"`

	// resultOrder preserves the insertion order of NodeResults so P5
	// (topological order of the executed subgraph) is observable and
	// testable without relying on Go map iteration order.
	resultOrder []string
}

// NewExecution creates a pending Execution for workflowID with the
// given initial input. The caller (Engine Facade) assigns id.
func NewExecution(id, workflowID string, initialInput any, now time.Time) *Execution {
	return &Execution{
		ID:           id,
		WorkflowID:   workflowID,
		Status:       StatusPending,
		StartedAt:    now,
		InitialInput: initialInput,
		NodeResults:  make(map[string]any),
		NodeErrors:   make(map[string]NodeError),
	}
}

// Clone returns a deep-enough copy safe for a caller to read without
// racing further mutation of the original (map fields are copied;
// stored values themselves are not deep-copied, matching the spec's
// treatment of result values as opaque).
func (e *Execution) Clone() *Execution {
	c := *e
	c.NodeResults = make(map[string]any, len(e.NodeResults))
	for k, v := range e.NodeResults {
		c.NodeResults[k] = v
	}
	c.NodeErrors = make(map[string]NodeError, len(e.NodeErrors))
	for k, v := range e.NodeErrors {
		c.NodeErrors[k] = v
	}
	c.resultOrder = append([]string(nil), e.resultOrder...)
	if e.EndedAt != nil {
		ended := *e.EndedAt
		c.EndedAt = &ended
	}
	return &c
}

// RecordResult stores a node's successful result, enforcing P1 (result
// and error sets stay disjoint) by construction: any error already
// recorded for the same node id is removed.
func (e *Execution) RecordResult(nodeID string, result any) {
	delete(e.NodeErrors, nodeID)
	if _, exists := e.NodeResults[nodeID]; !exists {
		e.resultOrder = append(e.resultOrder, nodeID)
	}
	e.NodeResults[nodeID] = result
}

// RecordError stores a node's terminal error.
func (e *Execution) RecordError(nodeID string, nodeErr NodeError) {
	delete(e.NodeResults, nodeID)
	e.NodeErrors[nodeID] = nodeErr
}

// ResultOrder returns node ids in the order their results were
// recorded (P5).
func (e *Execution) ResultOrder() []string {
	return append([]string(nil), e.resultOrder...)
}

// IsTerminal reports whether Status is one that ends the execution.
func (e *Execution) IsTerminal() bool {
	switch e.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
