package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExecution_RecordResultAndErrorAreDisjoint(t *testing.T) {
	exec := NewExecution("exec1", "wf1", map[string]any{"x": 1}, time.Now())

	exec.RecordError("n1", NodeError{Message: "boom", Attempts: 1})
	_, hasErr := exec.NodeErrors["n1"]
	assert.True(t, hasErr)

	exec.RecordResult("n1", "ok")
	_, hasErr = exec.NodeErrors["n1"]
	assert.False(t, hasErr, "recording a result must clear any prior error for the same node")
	assert.Equal(t, "ok", exec.NodeResults["n1"])
}

func TestExecution_ResultOrderTracksInsertion(t *testing.T) {
	exec := NewExecution("exec1", "wf1", nil, time.Now())
	exec.RecordResult("c", 1)
	exec.RecordResult("a", 2)
	exec.RecordResult("b", 3)
	exec.RecordResult("a", 4) // re-recording must not duplicate order entry

	assert.Equal(t, []string{"c", "a", "b"}, exec.ResultOrder())
}

func TestExecution_CloneIsIndependent(t *testing.T) {
	exec := NewExecution("exec1", "wf1", nil, time.Now())
	exec.RecordResult("n1", "v1")

	clone := exec.Clone()
	clone.RecordResult("n2", "v2")

	_, ok := exec.NodeResults["n2"]
	assert.False(t, ok, "mutating the clone must not affect the original")
}

func TestExecution_IsTerminal(t *testing.T) {
	exec := NewExecution("exec1", "wf1", nil, time.Now())
	assert.False(t, exec.IsTerminal())

	exec.Status = StatusCompleted
	assert.True(t, exec.IsTerminal())

	exec.Status = StatusRunning
	assert.False(t, exec.IsTerminal())
}
