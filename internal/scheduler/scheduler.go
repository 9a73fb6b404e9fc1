// Package scheduler implements the DAG Scheduler: per execution, it
// tracks which nodes are pending/running/done/failed, discovers ready
// nodes whose predecessors have completed, aggregates predecessor
// outputs into node input, enqueues them via the Job Queue, and
// detects execution completion/failure.
//
// Grounded on the teacher's internal/application/executor/graph.go
// (TopologicalSort via Kahn's algorithm, cycle checks) and planner.go
// (readiness/join evaluation shape), generalized to spec.md §4.4's
// plain AND-over-all-predecessors fan-in rule. The teacher's
// conditional-edge pruning (shouldExecuteNode) is deliberately not
// ported: see SPEC_FULL.md §4.4 and §9.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mbflow/engine/internal/domain"
	"github.com/mbflow/engine/internal/eventbus"
	"github.com/mbflow/engine/internal/queue"
	"github.com/mbflow/engine/internal/store"
)

// nodeState tracks one node's progress within one execution, held
// only in memory — node_results/node_errors in the Execution record
// are the durable source of truth; this is the scheduler's working
// index to avoid double-enqueuing and to know when in_flight is
// empty (spec.md §4.4.4's termination rule).
type nodeState int

const (
	stateUnready nodeState = iota
	stateEnqueued
	stateRunning
	stateDone // result or terminal error recorded
)

// execTracker is the scheduler's in-memory bookkeeping for one
// execution, guarded by its own mutex distinct from the store's
// per-execution lock: this mutex protects only the enqueued/running
// set that decides whether a node is a readiness candidate, never the
// durable Execution record itself.
type execTracker struct {
	mu          sync.Mutex
	workflow    *domain.Workflow
	states      map[string]nodeState
	unreachable map[string]bool
}

// Scheduler is the DAG Scheduler. One instance serves every execution
// the Engine Facade creates; per-execution state lives in trackers
// keyed by execution id.
type Scheduler struct {
	store  store.Store
	queue  *queue.Queue
	bus    *eventbus.Bus
	logger zerolog.Logger

	defaultAttempts   int
	baseDelay         time.Duration
	nodeTimeout       time.Duration

	trackMu  sync.Mutex
	trackers map[string]*execTracker

	// execute runs one node's Node.Execute under nodeTimeout; supplied
	// by the Engine Facade, which resolves the node type via the
	// Registry. Kept as a function value so the scheduler has no
	// import-time dependency on the registry package.
	execute NodeExecuteFunc
}

// NodeExecuteFunc instantiates and runs the node for nodeType/config
// against input, honoring ctx's deadline.
type NodeExecuteFunc func(ctx context.Context, nodeType string, config map[string]any, input any) (any, error)

type Config struct {
	DefaultRetryAttempts int
	RetryBaseDelayMS     int
	NodeDefaultTimeoutMS int
}

func New(st store.Store, q *queue.Queue, bus *eventbus.Bus, execute NodeExecuteFunc, cfg Config, logger zerolog.Logger) *Scheduler {
	if cfg.DefaultRetryAttempts <= 0 {
		cfg.DefaultRetryAttempts = 3
	}
	if cfg.NodeDefaultTimeoutMS <= 0 {
		cfg.NodeDefaultTimeoutMS = 30_000
	}
	s := &Scheduler{
		store:             st,
		queue:             q,
		bus:               bus,
		logger:            logger.With().Str("component", "scheduler").Logger(),
		defaultAttempts:   cfg.DefaultRetryAttempts,
		baseDelay:         time.Duration(cfg.RetryBaseDelayMS) * time.Millisecond,
		nodeTimeout:       time.Duration(cfg.NodeDefaultTimeoutMS) * time.Millisecond,
		trackers:          make(map[string]*execTracker),
		execute:           execute,
	}
	return s
}

// StartExecution initializes an execution's tracker and enqueues its
// source nodes (spec.md §4.6 execute_workflow behavior, plus the
// scheduler-side half of §4.4.1's "source nodes are ready
// immediately").
func (s *Scheduler) StartExecution(ctx context.Context, wf *domain.Workflow, exec *domain.Execution) error {
	tr := &execTracker{
		workflow:    wf,
		states:      make(map[string]nodeState, len(wf.Nodes)),
		unreachable: make(map[string]bool),
	}
	for _, n := range wf.Nodes {
		tr.states[n.ID] = stateUnready
	}
	s.trackMu.Lock()
	s.trackers[exec.ID] = tr
	s.trackMu.Unlock()

	s.bus.Publish(domain.Event{
		Type:        domain.EventWorkflowStarted,
		ExecutionID: exec.ID,
		WorkflowID:  wf.ID,
		Timestamp:   time.Now(),
	})

	sources := wf.SourceNodeIDs()
	if len(sources) == 0 {
		// No source nodes: either the workflow is empty (completes
		// immediately) or every node has a predecessor, which
		// ValidateStructure's acyclicity check makes impossible for a
		// non-empty node set. Re-evaluate termination either way.
		return s.evaluateTermination(ctx, exec.ID)
	}
	for _, id := range sources {
		if err := s.enqueueNode(ctx, exec.ID, tr, id, exec.InitialInput); err != nil {
			return err
		}
	}
	return nil
}

// Rehydrate rebuilds in-memory trackers for every non-terminal
// execution recorded in the store, so jobs the Job Queue redelivers
// from a crash (queue.Start's ListRedeliverable replay) find a live
// tracker instead of being discarded with ErrCancelled — spec.md §5's
// "restart resumes unfinished executions from durable records"
// requirement and §8 scenario 6. The Engine Facade calls this before
// queue.Start during construction.
func (s *Scheduler) Rehydrate(ctx context.Context) error {
	execs, err := s.store.ListExecutions(ctx, "")
	if err != nil {
		return domain.NewEngineError(domain.ErrStorePersistenceFailure, "list executions for rehydration", err)
	}
	inFlight, err := s.queue.InFlightNodeIDs(ctx)
	if err != nil {
		return err
	}
	for _, exec := range execs {
		if exec.IsTerminal() {
			continue
		}
		wf, err := s.store.GetWorkflow(ctx, exec.WorkflowID)
		if err != nil {
			s.logger.Error().Err(err).Str("execution_id", exec.ID).Str("workflow_id", exec.WorkflowID).
				Msg("failed to load workflow while rehydrating execution; leaving unresumed")
			continue
		}
		s.rehydrateExecution(ctx, wf, exec, inFlight[exec.ID])
	}
	return nil
}

// rehydrateExecution rebuilds one execution's tracker from its durable
// record: nodes with a recorded result or error are done, nodes with a
// job row still Pending/Leased are enqueued (the queue will redeliver
// their job and RunJob will move them to running), everything else is
// unready. It then re-runs readiness and termination in case the
// crash landed between a result being recorded and its successors
// being scanned, or between the last node finishing and the execution
// being marked terminal.
func (s *Scheduler) rehydrateExecution(ctx context.Context, wf *domain.Workflow, exec *domain.Execution, inFlightNodeIDs []string) {
	tr := &execTracker{
		workflow:    wf,
		states:      make(map[string]nodeState, len(wf.Nodes)),
		unreachable: make(map[string]bool),
	}
	inFlightSet := make(map[string]bool, len(inFlightNodeIDs))
	for _, id := range inFlightNodeIDs {
		inFlightSet[id] = true
	}
	for _, n := range wf.Nodes {
		switch {
		case hasResultOrError(exec, n.ID):
			tr.states[n.ID] = stateDone
		case inFlightSet[n.ID]:
			tr.states[n.ID] = stateEnqueued
		default:
			tr.states[n.ID] = stateUnready
		}
	}
	for nodeID := range exec.NodeErrors {
		s.markUnreachable(tr, nodeID)
	}

	s.trackMu.Lock()
	s.trackers[exec.ID] = tr
	s.trackMu.Unlock()

	s.logger.Info().Str("execution_id", exec.ID).Str("workflow_id", wf.ID).
		Int("in_flight", len(inFlightNodeIDs)).Msg("rehydrated execution tracker for crash recovery")

	s.scanForReadyNodes(ctx, exec.ID, tr, exec)
	s.evaluateTermination(ctx, exec.ID)
}

func hasResultOrError(exec *domain.Execution, nodeID string) bool {
	if _, ok := exec.NodeResults[nodeID]; ok {
		return true
	}
	_, ok := exec.NodeErrors[nodeID]
	return ok
}

// enqueueNode constructs input per spec.md §4.4.2 and transitions the
// node unready -> enqueued, publishing node:started only once the
// worker actually picks it up (handled in RunJob) — enqueue itself is
// silent on the bus, matching spec.md §4.5's event list, which has no
// "node:enqueued" event.
func (s *Scheduler) enqueueNode(ctx context.Context, execID string, tr *execTracker, nodeID string, input any) error {
	tr.mu.Lock()
	if tr.states[nodeID] != stateUnready {
		tr.mu.Unlock()
		return nil
	}
	tr.states[nodeID] = stateEnqueued
	tr.mu.Unlock()

	_, err := s.queue.Enqueue(ctx, execID, nodeID, input, s.defaultAttempts, 0)
	return err
}

// RunJob is the Job Queue's Handler: it resolves the node, runs it
// with a timeout, and classifies the outcome. It does not mutate
// Execution state directly — OnJobComplete does that, under
// patch_execution, once the queue reports a terminal outcome (success
// or attempts-exhausted/non-retryable failure). A retryable failure
// the queue silently re-enqueues never reaches OnJobComplete.
func (s *Scheduler) RunJob(ctx context.Context, job *queue.JobItem) (any, error) {
	tr := s.trackerFor(job.ExecutionID)
	if tr == nil {
		return nil, domain.NewEngineError(domain.ErrCancelled, "execution tracker no longer present", nil)
	}

	exec, err := s.store.GetExecution(ctx, job.ExecutionID)
	if err != nil {
		return nil, domain.NewEngineError(domain.ErrStorePersistenceFailure, "load execution for job", err)
	}
	if exec.Status == domain.StatusCancelled {
		return nil, domain.NewEngineError(domain.ErrCancelled, "execution cancelled", nil)
	}

	tr.mu.Lock()
	tr.states[job.NodeID] = stateRunning
	tr.mu.Unlock()

	spec, ok := tr.workflow.NodeByID(job.NodeID)
	if !ok {
		return nil, domain.NewEngineError(domain.ErrUnknownNodeType, fmt.Sprintf("node %q missing from workflow", job.NodeID), nil)
	}

	s.bus.Publish(domain.Event{
		Type:        domain.EventNodeStarted,
		ExecutionID: job.ExecutionID,
		WorkflowID:  exec.WorkflowID,
		NodeID:      job.NodeID,
		Timestamp:   time.Now(),
	})

	runCtx, cancel := context.WithTimeout(ctx, s.nodeTimeout)
	defer cancel()

	result, execErr := s.execute(runCtx, spec.Type, spec.Config, job.Input)
	if execErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, domain.NewEngineError(domain.ErrNodeTimeout, "node execution exceeded its deadline", execErr)
		}
		if _, isEngine := domain.AsEngineError(execErr); isEngine {
			return nil, execErr
		}
		// An unclassified error from a node implementation is treated
		// as terminal: see domain.AsEngineError's doc comment.
		return nil, domain.NewEngineError(domain.ErrNodeTerminal, "node returned an unclassified error", execErr)
	}
	return result, nil
}

// OnJobComplete is the Job Queue's CompletionFunc: it records the
// terminal outcome under patch_execution, emits the corresponding
// event, re-evaluates the frontier for newly-ready successors, and
// evaluates termination.
func (s *Scheduler) OnJobComplete(job *queue.JobItem, result any, jobErr error) {
	ctx := context.Background()
	tr := s.trackerFor(job.ExecutionID)
	if tr == nil {
		return
	}

	if jobErr != nil {
		if ee, ok := domain.AsEngineError(jobErr); ok && ee.Kind == domain.ErrCancelled {
			return
		}
	}

	exec, err := s.store.PatchExecution(ctx, job.ExecutionID, func(e *domain.Execution) error {
		if e.Status == domain.StatusCancelled {
			return nil
		}
		if jobErr == nil {
			e.RecordResult(job.NodeID, result)
			return nil
		}
		e.RecordError(job.NodeID, domain.NodeError{Message: jobErr.Error(), Attempts: job.Attempt})
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("execution_id", job.ExecutionID).Str("node_id", job.NodeID).Msg("failed to persist job outcome")
		return
	}

	if exec.Status == domain.StatusCancelled {
		return
	}

	tr.mu.Lock()
	tr.states[job.NodeID] = stateDone
	if jobErr != nil {
		s.markUnreachable(tr, job.NodeID)
	}
	tr.mu.Unlock()

	if jobErr == nil {
		s.bus.Publish(domain.Event{
			Type:        domain.EventNodeCompleted,
			ExecutionID: job.ExecutionID,
			WorkflowID:  exec.WorkflowID,
			NodeID:      job.NodeID,
			Payload:     result,
			Timestamp:   time.Now(),
		})
		s.scanForReadyNodes(ctx, job.ExecutionID, tr, exec)
	} else {
		s.bus.Publish(domain.Event{
			Type:        domain.EventNodeErrorTerminal,
			ExecutionID: job.ExecutionID,
			WorkflowID:  exec.WorkflowID,
			NodeID:      job.NodeID,
			Payload:     jobErr.Error(),
			Timestamp:   time.Now(),
		})
	}

	s.evaluateTermination(ctx, job.ExecutionID)
}

// OnJobRetry is the Job Queue's RetryFunc: it publishes node:failed
// (spec.md §4.5's retry event, §4.4.3's running -> error (retry)
// transition) without touching the execution record, since the
// retried attempt hasn't resolved yet.
func (s *Scheduler) OnJobRetry(job *queue.JobItem, jobErr error, nextAttempt int) {
	tr := s.trackerFor(job.ExecutionID)
	if tr == nil {
		return
	}
	exec, err := s.store.GetExecution(context.Background(), job.ExecutionID)
	if err != nil {
		s.logger.Error().Err(err).Str("execution_id", job.ExecutionID).Msg("failed to load execution for retry event")
		return
	}
	s.bus.Publish(domain.Event{
		Type:        domain.EventNodeFailedRetry,
		ExecutionID: job.ExecutionID,
		WorkflowID:  exec.WorkflowID,
		NodeID:      job.NodeID,
		Payload:     map[string]any{"error": jobErr.Error(), "next_attempt": nextAttempt},
		Timestamp:   time.Now(),
	})
}

// markUnreachable marks every transitive successor of a terminally
// failed node as unreachable, recursively, under tr.mu (caller holds
// it already).
func (s *Scheduler) markUnreachable(tr *execTracker, nodeID string) {
	var mark func(id string)
	mark = func(id string) {
		for _, succ := range tr.workflow.Successors(id) {
			if tr.unreachable[succ] {
				continue
			}
			tr.unreachable[succ] = true
			mark(succ)
		}
	}
	mark(nodeID)
}

// scanForReadyNodes implements spec.md §4.4.1's readiness rule over
// every node, enqueuing newly-ready ones in ascending node-id order
// (§4.4.6 tie-breaking) and carrying out §4.4.2 input assembly.
func (s *Scheduler) scanForReadyNodes(ctx context.Context, execID string, tr *execTracker, exec *domain.Execution) {
	tr.mu.Lock()
	var candidates []string
	for _, id := range tr.workflow.AllNodeIDs() {
		if tr.states[id] != stateUnready {
			continue
		}
		if tr.unreachable[id] {
			continue
		}
		preds := tr.workflow.Predecessors(id)
		ready := true
		for _, p := range preds {
			if _, ok := exec.NodeResults[p]; !ok {
				ready = false
				break
			}
		}
		if ready {
			candidates = append(candidates, id)
		}
	}
	sort.Strings(candidates)
	for _, id := range candidates {
		tr.states[id] = stateEnqueued
	}
	tr.mu.Unlock()

	for _, id := range candidates {
		input := assembleInput(tr.workflow, id, exec)
		if _, err := s.queue.Enqueue(ctx, execID, id, input, s.defaultAttempts, 0); err != nil {
			s.logger.Error().Err(err).Str("execution_id", execID).Str("node_id", id).Msg("failed to enqueue ready node")
		}
	}
}

// assembleInput implements spec.md §4.4.2: raw initial_input for
// source nodes, {predecessor_id: result} for every other node
// (including the single-predecessor case, per §9's resolved open
// question on input shape uniformity).
func assembleInput(wf *domain.Workflow, nodeID string, exec *domain.Execution) any {
	preds := wf.Predecessors(nodeID)
	if len(preds) == 0 {
		return exec.InitialInput
	}
	m := make(map[string]any, len(preds))
	for _, p := range preds {
		m[p] = exec.NodeResults[p]
	}
	return m
}

// evaluateTermination implements spec.md §4.4.4.
func (s *Scheduler) evaluateTermination(ctx context.Context, execID string) {
	tr := s.trackerFor(execID)
	if tr == nil {
		return
	}

	tr.mu.Lock()
	total := len(tr.workflow.Nodes)
	inFlight := 0
	anyFailedOrUnreachable := len(tr.unreachable) > 0
	for _, st := range tr.states {
		if st == stateEnqueued || st == stateRunning {
			inFlight++
		}
	}
	tr.mu.Unlock()

	exec, err := s.store.GetExecution(ctx, execID)
	if err != nil {
		s.logger.Error().Err(err).Str("execution_id", execID).Msg("failed to load execution while evaluating termination")
		return
	}
	if exec.IsTerminal() {
		return
	}
	if len(exec.NodeErrors) > 0 {
		anyFailedOrUnreachable = true
	}

	allResulted := len(exec.NodeResults) == total && total > 0

	switch {
	case total == 0, allResulted:
		s.finish(ctx, execID, domain.StatusCompleted, domain.EventWorkflowCompleted, "")
	case inFlight == 0 && anyFailedOrUnreachable:
		s.finish(ctx, execID, domain.StatusFailed, domain.EventWorkflowFailed, "one or more nodes failed terminally; downstream nodes are unreachable")
	}
}

func (s *Scheduler) finish(ctx context.Context, execID string, status domain.Status, evt domain.EventType, fatal string) {
	exec, err := s.store.PatchExecution(ctx, execID, func(e *domain.Execution) error {
		if e.IsTerminal() {
			return nil
		}
		now := time.Now()
		e.Status = status
		e.EndedAt = &now
		if fatal != "" {
			e.FatalError = fatal
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("execution_id", execID).Msg("failed to persist terminal status")
		return
	}
	s.bus.Publish(domain.Event{
		Type:        evt,
		ExecutionID: execID,
		WorkflowID:  exec.WorkflowID,
		Timestamp:   time.Now(),
	})
}

// Cancel marks an execution cancelled under the per-execution lock; no
// new nodes are enqueued afterward: OnJobComplete discards any
// in-flight result it observes against a cancelled execution without
// recording it and returns before scanForReadyNodes, and RunJob
// refuses to run a job whose execution is cancelled.
func (s *Scheduler) Cancel(ctx context.Context, execID string) error {
	exec, err := s.store.PatchExecution(ctx, execID, func(e *domain.Execution) error {
		if e.IsTerminal() {
			return nil
		}
		now := time.Now()
		e.Status = domain.StatusCancelled
		e.EndedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	s.bus.Publish(domain.Event{
		Type:        domain.EventWorkflowCancelled,
		ExecutionID: execID,
		WorkflowID:  exec.WorkflowID,
		Timestamp:   time.Now(),
	})
	return nil
}

func (s *Scheduler) trackerFor(execID string) *execTracker {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	return s.trackers[execID]
}
