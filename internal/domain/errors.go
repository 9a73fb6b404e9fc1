package domain

import "fmt"

// ErrorKind enumerates the error taxonomy a node or component can raise.
// Retryability is a function of the kind, never an ad hoc flag a call
// site might set inconsistently.
type ErrorKind string

const (
	// ErrInvalidWorkflow is a validation failure at workflow creation
	// time: a cycle, a dangling edge, or a duplicate node id. Surfaced
	// synchronously; no execution state is created.
	ErrInvalidWorkflow ErrorKind = "invalid_workflow"
	// ErrUnknownNodeType means, at execute time, a node's type string
	// is not registered. Terminal for that node.
	ErrUnknownNodeType ErrorKind = "unknown_node_type"
	// ErrInvalidNodeConfig means the node factory rejected its config.
	// Terminal for that node.
	ErrInvalidNodeConfig ErrorKind = "invalid_node_config"
	// ErrNodeTimeout means execute exceeded its deadline. Retryable.
	ErrNodeTimeout ErrorKind = "node_timeout"
	// ErrNodeTransient is a node-signaled retryable failure (upstream
	// 5xx, connection reset, and the like).
	ErrNodeTransient ErrorKind = "node_transient"
	// ErrNodeTerminal is a node-signaled permanent failure (4xx,
	// malformed script, and the like). Not retried.
	ErrNodeTerminal ErrorKind = "node_terminal"
	// ErrStorePersistenceFailure means durable state could not be
	// recorded. Propagates to the caller; does not poison the
	// execution unless the execution itself cannot be loaded.
	ErrStorePersistenceFailure ErrorKind = "store_persistence_failure"
	// ErrCancelled means the execution was cancelled while a node was
	// running.
	ErrCancelled ErrorKind = "cancelled"
)

// EngineError is the single error type every component in this module
// raises for the taxonomy above.
type EngineError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func NewEngineError(kind ErrorKind, message string, cause error) *EngineError {
	return &EngineError{Kind: kind, Message: message, Cause: cause}
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the scheduler should re-enqueue the job
// that produced this error rather than recording it as a terminal
// node error.
func (e *EngineError) Retryable() bool {
	switch e.Kind {
	case ErrNodeTimeout, ErrNodeTransient:
		return true
	default:
		return false
	}
}

// AsEngineError unwraps err looking for an *EngineError, returning it
// and true if found. A plain error from a node implementation that
// never classified itself is treated as terminal (ErrNodeTerminal) by
// callers, on the theory that an unclassified error should not be
// retried indefinitely by default.
func AsEngineError(err error) (*EngineError, bool) {
	var ee *EngineError
	for err != nil {
		if e, ok := err.(*EngineError); ok {
			ee = e
			return ee, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return nil, false
}
