package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkflow_ValidDiamond(t *testing.T) {
	nodes := []NodeSpec{{ID: "a", Type: "http-request"}, {ID: "b", Type: "http-request"}, {ID: "c", Type: "http-request"}, {ID: "d", Type: "http-request"}}
	edges := []Edge{{ID: "e1", Source: "a", Target: "b"}, {ID: "e2", Source: "a", Target: "c"}, {ID: "e3", Source: "b", Target: "d"}, {ID: "e4", Source: "c", Target: "d"}}

	wf, err := NewWorkflow("wf1", "diamond", nodes, edges, time.Now())
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, wf.SourceNodeIDs())
	assert.ElementsMatch(t, []string{"b", "c"}, wf.Successors("a"))
	assert.ElementsMatch(t, []string{"b", "c"}, wf.Predecessors("d"))
	assert.Equal(t, []string{"a", "b", "c", "d"}, wf.AllNodeIDs())
}

func TestNewWorkflow_RejectsCycle(t *testing.T) {
	nodes := []NodeSpec{{ID: "a", Type: "http-request"}, {ID: "b", Type: "http-request"}}
	edges := []Edge{{ID: "e1", Source: "a", Target: "b"}, {ID: "e2", Source: "b", Target: "a"}}

	_, err := NewWorkflow("wf1", "cyclic", nodes, edges, time.Now())
	require.Error(t, err)
	ee, ok := AsEngineError(err)
	require.True(t, ok)
	assert.Equal(t, ErrInvalidWorkflow, ee.Kind)
}

func TestNewWorkflow_RejectsSelfLoop(t *testing.T) {
	nodes := []NodeSpec{{ID: "a", Type: "http-request"}}
	edges := []Edge{{ID: "e1", Source: "a", Target: "a"}}

	_, err := NewWorkflow("wf1", "self-loop", nodes, edges, time.Now())
	require.Error(t, err)
}

func TestNewWorkflow_RejectsDuplicateNodeID(t *testing.T) {
	nodes := []NodeSpec{{ID: "a", Type: "http-request"}, {ID: "a", Type: "http-request"}}
	_, err := NewWorkflow("wf1", "dup", nodes, nil, time.Now())
	require.Error(t, err)
}

func TestNewWorkflow_RejectsUnknownEdgeEndpoint(t *testing.T) {
	nodes := []NodeSpec{{ID: "a", Type: "http-request"}}
	edges := []Edge{{ID: "e1", Source: "a", Target: "ghost"}}
	_, err := NewWorkflow("wf1", "bad-edge", nodes, edges, time.Now())
	require.Error(t, err)
}

func TestNewWorkflow_EmptyWorkflowIsValid(t *testing.T) {
	wf, err := NewWorkflow("wf-empty", "empty", nil, nil, time.Now())
	require.NoError(t, err)
	assert.Empty(t, wf.SourceNodeIDs())
}

func TestWorkflow_NodeByID(t *testing.T) {
	nodes := []NodeSpec{{ID: "a", Type: "http-request"}}
	wf, err := NewWorkflow("wf1", "single", nodes, nil, time.Now())
	require.NoError(t, err)

	spec, ok := wf.NodeByID("a")
	assert.True(t, ok)
	assert.Equal(t, "http-request", spec.Type)

	_, ok = wf.NodeByID("missing")
	assert.False(t, ok)
}
