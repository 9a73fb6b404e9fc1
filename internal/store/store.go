// Package store implements the State Store: recording of workflow
// definitions and execution progress, either in memory or durably in
// Postgres.
package store

import (
	"context"
	"errors"

	"github.com/mbflow/engine/internal/domain"
)

// ErrNotFound is returned by Get* when no record exists for the id.
var ErrNotFound = errors.New("store: not found")

// Mutator is the function patch_execution runs under the
// per-execution lock. It observes a fresh read of exec and mutates it
// in place; the store persists the result afterward. Returning an
// error aborts the patch: the store must not advance the in-memory
// copy past durable state, so a persistence failure inside Patch
// leaves exec untouched from the caller's point of view.
type Mutator func(exec *domain.Execution) error

// Store is the State Store contract. Implementations: MemoryStore
// (tests, embedded mode) and BunStore (Postgres-backed,
// process-restart survival). Each is a single layer: MemoryStore has
// no durable backing, and BunStore reads and writes Postgres directly
// with no in-memory cache in front of it.
type Store interface {
	PutWorkflow(ctx context.Context, wf *domain.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*domain.Workflow, error)

	PutExecution(ctx context.Context, exec *domain.Execution) error
	GetExecution(ctx context.Context, id string) (*domain.Execution, error)
	// PatchExecution runs mutate under the per-execution lock for id,
	// observing a fresh read, and persists the result. It is the sole
	// serialization point for state transitions (spec.md §4.2).
	PatchExecution(ctx context.Context, id string, mutate Mutator) (*domain.Execution, error)
	ListExecutions(ctx context.Context, workflowID string) ([]*domain.Execution, error)
}
