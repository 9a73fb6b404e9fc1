package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbflow/engine/internal/domain"
)

func TestMemoryStore_WorkflowRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	wf, err := domain.NewWorkflow("wf1", "test", []domain.NodeSpec{{ID: "a", Type: "http-request"}}, nil, time.Now())
	require.NoError(t, err)

	require.NoError(t, s.PutWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, "wf1")
	require.NoError(t, err)
	assert.Equal(t, "test", got.Name)
	assert.Equal(t, []string{"a"}, got.SourceNodeIDs())
}

func TestMemoryStore_GetWorkflowNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetWorkflow(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_PatchExecutionAppliesMutation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	exec := domain.NewExecution("exec1", "wf1", nil, time.Now())
	require.NoError(t, s.PutExecution(ctx, exec))

	updated, err := s.PatchExecution(ctx, "exec1", func(e *domain.Execution) error {
		e.RecordResult("n1", "done")
		e.Status = domain.StatusCompleted
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, updated.Status)

	reread, err := s.GetExecution(ctx, "exec1")
	require.NoError(t, err)
	assert.Equal(t, "done", reread.NodeResults["n1"])
}

func TestMemoryStore_PatchExecutionIsSerializedPerExecution(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	exec := domain.NewExecution("exec1", "wf1", nil, time.Now())
	require.NoError(t, s.PutExecution(ctx, exec))

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := s.PatchExecution(ctx, "exec1", func(e *domain.Execution) error {
				e.RecordResult("counter", lenPlusOne(e.NodeResults))
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	final, err := s.GetExecution(ctx, "exec1")
	require.NoError(t, err)
	assert.Equal(t, n, final.NodeResults["counter"])
}

func lenPlusOne(m map[string]any) int {
	if v, ok := m["counter"].(int); ok {
		return v + 1
	}
	return 1
}

func TestMemoryStore_PatchExecutionNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.PatchExecution(context.Background(), "ghost", func(e *domain.Execution) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListExecutionsFiltersByWorkflow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.PutExecution(ctx, domain.NewExecution("e1", "wfA", nil, time.Now())))
	require.NoError(t, s.PutExecution(ctx, domain.NewExecution("e2", "wfB", nil, time.Now())))
	require.NoError(t, s.PutExecution(ctx, domain.NewExecution("e3", "wfA", nil, time.Now())))

	list, err := s.ListExecutions(ctx, "wfA")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
