package mbflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbflow/engine/internal/domain"
	"github.com/mbflow/engine/internal/queue"
	"github.com/mbflow/engine/internal/registry"
	"github.com/mbflow/engine/internal/store"
)

type echoNode struct{}

func (echoNode) Execute(_ context.Context, input any) (any, error) { return input, nil }

func echoFactory(_ map[string]any) (registry.Node, error) { return echoNode{}, nil }

// blockingNode waits until release is closed (or ctx is cancelled)
// before returning, so tests can observe an execution mid-flight.
type blockingNode struct {
	started chan struct{}
	release chan struct{}
}

func (n blockingNode) Execute(ctx context.Context, input any) (any, error) {
	close(n.started)
	select {
	case <-n.release:
		return input, nil
	case <-ctx.Done():
		return nil, domain.NewEngineError(domain.ErrNodeTimeout, "cancelled mid-flight", ctx.Err())
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	ctx := context.Background()
	e, err := New(ctx)
	require.NoError(t, err)
	require.NoError(t, e.RegisterNode("echo", echoFactory, registry.Metadata{InputCount: 1, OutputCount: 1}))
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	})
	return e
}

func TestEngine_CreateAndGetWorkflow(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	nodes := []domain.NodeSpec{{ID: "a", Type: "echo"}}
	wf, err := e.CreateWorkflow(ctx, "wf1", "single node", nodes, nil)
	require.NoError(t, err)
	assert.Equal(t, "wf1", wf.ID)

	got, err := e.GetWorkflow(ctx, "wf1")
	require.NoError(t, err)
	assert.Equal(t, "single node", got.Name)
}

func TestEngine_CreateWorkflowRejectsCycle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	nodes := []domain.NodeSpec{{ID: "a", Type: "echo"}, {ID: "b", Type: "echo"}}
	edges := []domain.Edge{{ID: "e1", Source: "a", Target: "b"}, {ID: "e2", Source: "b", Target: "a"}}
	_, err := e.CreateWorkflow(ctx, "wf1", "cyclic", nodes, edges)
	require.Error(t, err)
	ee, ok := domain.AsEngineError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ErrInvalidWorkflow, ee.Kind)
}

func TestEngine_ExecuteWorkflowRunsToCompletion(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	nodes := []domain.NodeSpec{{ID: "a", Type: "echo"}, {ID: "b", Type: "echo"}}
	edges := []domain.Edge{{ID: "e1", Source: "a", Target: "b"}}
	_, err := e.CreateWorkflow(ctx, "wf1", "two nodes", nodes, edges)
	require.NoError(t, err)

	handle, events := e.Subscribe("", "wf1")
	defer e.Unsubscribe(handle)

	exec, err := e.ExecuteWorkflow(ctx, "wf1", "seed")
	require.NoError(t, err)
	assert.NotEmpty(t, exec.ID)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Type == domain.EventWorkflowCompleted {
				final, err := e.GetExecution(ctx, exec.ID)
				require.NoError(t, err)
				assert.Equal(t, domain.StatusCompleted, final.Status)
				assert.Equal(t, "seed", final.NodeResults["a"])
				return
			}
		case <-deadline:
			t.Fatal("execution did not complete in time")
		}
	}
}

func TestEngine_CancelExecution(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, e.RegisterNode("blocker", func(_ map[string]any) (registry.Node, error) {
		return blockingNode{started: started, release: release}, nil
	}, registry.Metadata{}))
	defer close(release)

	nodes := []domain.NodeSpec{{ID: "a", Type: "blocker"}}
	_, err := e.CreateWorkflow(ctx, "wf1", "single", nodes, nil)
	require.NoError(t, err)

	exec, err := e.ExecuteWorkflow(ctx, "wf1", nil)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("node never started")
	}

	require.NoError(t, e.CancelExecution(ctx, exec.ID))

	final, err := e.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, final.Status)
}

func TestEngine_ExecuteUnknownWorkflow(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.ExecuteWorkflow(context.Background(), "ghost", nil)
	require.Error(t, err)
}

func TestEngine_RegisterNodeRejectsDuplicate(t *testing.T) {
	e := newTestEngine(t)
	err := e.RegisterNode("echo", echoFactory, registry.Metadata{})
	require.Error(t, err)
}

// TestEngine_CrashRecoveryResumesAfterRestart covers spec.md §5/§8's
// crash-recovery requirement end to end through the public API: an
// execution whose node is in flight when the process "dies" (engine1
// is abandoned without Shutdown) must resume and complete once a new
// Engine is constructed against the same durable store and job store.
func TestEngine_CrashRecoveryResumesAfterRestart(t *testing.T) {
	ctx := context.Background()
	sharedStore := store.NewMemoryStore()
	sharedJobStore := queue.NewMemoryJobStore()

	started := make(chan struct{}, 1)
	engine1, err := New(ctx, WithStore(sharedStore), WithJobStore(sharedJobStore))
	require.NoError(t, err)
	require.NoError(t, engine1.RegisterNode("blocker", func(_ map[string]any) (registry.Node, error) {
		return blockingNode{started: started, release: make(chan struct{})}, nil
	}, registry.Metadata{}))
	require.NoError(t, engine1.RegisterNode("echo", echoFactory, registry.Metadata{}))

	nodes := []domain.NodeSpec{{ID: "a", Type: "blocker"}, {ID: "b", Type: "echo"}}
	edges := []domain.Edge{{ID: "e1", Source: "a", Target: "b"}}
	_, err = engine1.CreateWorkflow(ctx, "wf1", "crash recovery", nodes, edges)
	require.NoError(t, err)

	exec, err := engine1.ExecuteWorkflow(ctx, "wf1", "seed")
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("node never started before simulated crash")
	}

	// Simulate a crash: engine1 is abandoned without Shutdown. Its
	// worker goroutine stays blocked on the node's context forever; the
	// job row for "a" is left Leased in the shared job store, exactly
	// as a dead process would leave it.

	engine2, err := New(ctx, WithStore(sharedStore), WithJobStore(sharedJobStore))
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = engine2.Shutdown(shutdownCtx)
	})
	// The restarted process registers a working "blocker" implementation
	// (here, an echo) in place of whatever produced the stuck attempt.
	require.NoError(t, engine2.RegisterNode("blocker", echoFactory, registry.Metadata{}))
	require.NoError(t, engine2.RegisterNode("echo", echoFactory, registry.Metadata{}))

	deadline := time.After(2 * time.Second)
	for {
		final, err := engine2.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		if final.Status == domain.StatusCompleted {
			assert.Equal(t, "seed", final.NodeResults["a"])
			return
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("execution was not resumed and completed after simulated crash")
		}
	}
}
