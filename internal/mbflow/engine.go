// Package mbflow implements the Engine Facade: the single entry point
// spec.md §4.6 describes, composing the Node Registry, State Store,
// Job Queue, DAG Scheduler and Event Bus into the operations
// register_node / create_workflow / execute_workflow / get_execution /
// cancel_execution / subscribe / unsubscribe.
//
// Grounded on the teacher's root mbflow.go functional-options
// constructor (NewExecutor(opts ...ExecutorOption)) and
// cmd/server/main.go's wiring order (store, then executor, then
// server) — generalized from the teacher's single in-process executor
// to this module's durable-queue-backed, crash-recoverable pipeline.
package mbflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/mbflow/engine/internal/domain"
	"github.com/mbflow/engine/internal/eventbus"
	"github.com/mbflow/engine/internal/queue"
	"github.com/mbflow/engine/internal/registry"
	"github.com/mbflow/engine/internal/scheduler"
	"github.com/mbflow/engine/internal/store"
)

// Engine is the facade spec.md §4.6 names. Construct with New.
type Engine struct {
	store     store.Store
	jobStore  queue.JobStore
	registry  *registry.Registry
	queue     *queue.Queue
	bus       *eventbus.Bus
	scheduler *scheduler.Scheduler
	logger    zerolog.Logger

	// workflowCache holds published workflow snapshots keyed by id, so
	// the hot path (ExecuteWorkflow, re-executed many times per
	// workflow) doesn't round-trip the State Store on every call.
	// Workflows are immutable once created, so no invalidation beyond
	// process lifetime is needed.
	workflowCache *xsync.MapOf[string, *domain.Workflow]

	shutdownGrace time.Duration
}

// Option configures an Engine at construction time.
type Option func(*engineConfig)

type engineConfig struct {
	store    store.Store
	jobStore queue.JobStore
	registry *registry.Registry
	logger   zerolog.Logger

	queueCfg     queue.Config
	schedulerCfg scheduler.Config
	shutdownGrace time.Duration
}

// WithStore supplies the State Store implementation. Defaults to
// store.NewMemoryStore() if omitted.
func WithStore(s store.Store) Option {
	return func(c *engineConfig) { c.store = s }
}

// WithJobStore supplies the Job Queue's durable backing store.
// Defaults to queue.NewMemoryJobStore() if omitted.
func WithJobStore(s queue.JobStore) Option {
	return func(c *engineConfig) { c.jobStore = s }
}

// WithRegistry supplies a pre-populated Node Registry. Defaults to an
// empty registry.New() if omitted; callers normally use RegisterNode
// after construction instead.
func WithRegistry(r *registry.Registry) Option {
	return func(c *engineConfig) { c.registry = r }
}

// WithLogger supplies the base logger every component derives from.
func WithLogger(l zerolog.Logger) Option {
	return func(c *engineConfig) { c.logger = l }
}

// WithQueueConfig supplies the Job Queue's tunables.
func WithQueueConfig(cfg queue.Config) Option {
	return func(c *engineConfig) { c.queueCfg = cfg }
}

// WithSchedulerConfig supplies the DAG Scheduler's tunables (retry
// attempts, base delay, node timeout).
func WithSchedulerConfig(cfg scheduler.Config) Option {
	return func(c *engineConfig) { c.schedulerCfg = cfg }
}

// WithShutdownGrace bounds how long Shutdown waits for in-flight jobs.
func WithShutdownGrace(d time.Duration) Option {
	return func(c *engineConfig) { c.shutdownGrace = d }
}

// New wires up an Engine and starts its Job Queue worker pool,
// replaying any redeliverable jobs left by a prior process (spec.md
// §8's crash-recovery scenario).
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	cfg := engineConfig{
		logger:        zerolog.Nop(),
		shutdownGrace: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.store == nil {
		cfg.store = store.NewMemoryStore()
	}
	if cfg.jobStore == nil {
		cfg.jobStore = queue.NewMemoryJobStore()
	}
	if cfg.registry == nil {
		cfg.registry = registry.New()
	}

	e := &Engine{
		store:         cfg.store,
		jobStore:      cfg.jobStore,
		registry:      cfg.registry,
		logger:        cfg.logger,
		workflowCache: xsync.NewMapOf[string, *domain.Workflow](),
		shutdownGrace: cfg.shutdownGrace,
	}

	e.bus = eventbus.New(cfg.logger)
	e.queue = queue.New(cfg.jobStore, cfg.queueCfg, cfg.logger)
	e.scheduler = scheduler.New(e.store, e.queue, e.bus, e.executeNode, cfg.schedulerCfg, cfg.logger)
	e.queue.OnRetry(e.scheduler.OnJobRetry)

	// Rehydrate every non-terminal execution's tracker from durable
	// state before the Job Queue replays Pending/Leased rows, so a
	// redelivered job finds a live tracker instead of being discarded
	// as cancelled (spec.md §5/§8 crash-recovery requirement).
	if err := e.scheduler.Rehydrate(ctx); err != nil {
		return nil, err
	}
	if err := e.queue.Start(ctx, e.scheduler.RunJob, e.scheduler.OnJobComplete); err != nil {
		return nil, err
	}
	return e, nil
}

// executeNode is the scheduler.NodeExecuteFunc: it resolves nodeType
// via the Registry and runs the instantiated Node. Kept here rather
// than in the scheduler package so the scheduler has no compile-time
// dependency on registry.
func (e *Engine) executeNode(ctx context.Context, nodeType string, config map[string]any, input any) (any, error) {
	node, err := e.registry.Instantiate(nodeType, config)
	if err != nil {
		return nil, err
	}
	return node.Execute(ctx, input)
}

// RegisterNode adds a node type to the Registry (spec.md §4.1
// register_node).
func (e *Engine) RegisterNode(typ string, factory registry.Factory, metadata registry.Metadata) error {
	return e.registry.Register(typ, factory, metadata)
}

// ListNodeTypes returns every registered node type's metadata.
func (e *Engine) ListNodeTypes() []registry.Metadata {
	return e.registry.ListTypes()
}

// CreateWorkflow validates and persists a workflow definition
// (spec.md §4.6 create_workflow). id is assigned by the caller so
// workflow files loaded from disk can keep a stable id.
func (e *Engine) CreateWorkflow(ctx context.Context, id, name string, nodes []domain.NodeSpec, edges []domain.Edge) (*domain.Workflow, error) {
	wf, err := domain.NewWorkflow(id, name, nodes, edges, time.Now())
	if err != nil {
		return nil, err
	}
	if err := e.store.PutWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	e.workflowCache.Store(wf.ID, wf)
	return wf, nil
}

// GetWorkflow returns the workflow for id, serving from the published
// snapshot cache when present.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	if wf, ok := e.workflowCache.Load(id); ok {
		return wf, nil
	}
	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	e.workflowCache.Store(id, wf)
	return wf, nil
}

// ListWorkflows returns every stored workflow.
func (e *Engine) ListWorkflows(ctx context.Context) ([]*domain.Workflow, error) {
	return e.store.ListWorkflows(ctx)
}

// ExecuteWorkflow creates a pending Execution for workflowID, then
// starts it (spec.md §4.6 execute_workflow): the scheduler enqueues
// every source node before ExecuteWorkflow returns, but node execution
// itself happens asynchronously on the Job Queue's workers.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, initialInput any) (*domain.Execution, error) {
	wf, err := e.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	exec := domain.NewExecution(uuid.NewString(), workflowID, initialInput, time.Now())
	if err := e.store.PutExecution(ctx, exec); err != nil {
		return nil, err
	}

	exec, err = e.store.PatchExecution(ctx, exec.ID, func(ex *domain.Execution) error {
		ex.Status = domain.StatusRunning
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.scheduler.StartExecution(ctx, wf, exec); err != nil {
		return nil, err
	}
	return e.store.GetExecution(ctx, exec.ID)
}

// GetExecution returns the current snapshot for id.
func (e *Engine) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	return e.store.GetExecution(ctx, id)
}

// ListExecutions returns every execution recorded for workflowID.
func (e *Engine) ListExecutions(ctx context.Context, workflowID string) ([]*domain.Execution, error) {
	return e.store.ListExecutions(ctx, workflowID)
}

// CancelExecution transitions execution id to cancelled, preventing
// any further nodes from starting (spec.md §4.6 cancel_execution).
func (e *Engine) CancelExecution(ctx context.Context, id string) error {
	return e.scheduler.Cancel(ctx, id)
}

// Subscribe registers an Event Bus subscription (spec.md §4.6
// subscribe). An empty executionID/workflowID means "don't filter on
// this dimension".
func (e *Engine) Subscribe(executionID, workflowID string) (eventbus.Handle, <-chan domain.Event) {
	return e.bus.Subscribe(eventbus.Filter{ExecutionID: executionID, WorkflowID: workflowID})
}

// Unsubscribe discards a subscription.
func (e *Engine) Unsubscribe(handle eventbus.Handle) {
	e.bus.Unsubscribe(handle)
}

// Shutdown stops accepting further Job Queue work and waits for
// in-flight jobs to finish, bounded by the configured shutdown grace —
// grounded on the teacher's cmd/server/main.go signal.Notify +
// context.WithTimeout(10*time.Second) idiom, generalized to a method
// callers invoke from their own signal handler instead of one this
// package installs itself.
func (e *Engine) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, e.shutdownGrace)
	defer cancel()
	if err := e.queue.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("engine shutdown: %w", err)
	}
	e.bus.Close()
	return nil
}
