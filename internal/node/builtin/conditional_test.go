package builtin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbflow/engine/internal/domain"
)

func TestConditionalNode_RequiresCondition(t *testing.T) {
	factory := NewConditionalFactory()
	_, err := factory(map[string]any{})
	require.Error(t, err)
	ee, ok := domain.AsEngineError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ErrInvalidNodeConfig, ee.Kind)
}

func TestConditionalNode_RejectsInvalidExpression(t *testing.T) {
	factory := NewConditionalFactory()
	_, err := factory(map[string]any{"condition": "this is not valid expr syntax((("})
	require.Error(t, err)
}

func TestConditionalNode_EvaluatesTrueBranch(t *testing.T) {
	factory := NewConditionalFactory()
	node, err := factory(map[string]any{"condition": "score > 10"})
	require.NoError(t, err)

	out, err := node.Execute(context.Background(), map[string]any{"score": 42})
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, "true", result["branch"])
}

func TestConditionalNode_EvaluatesFalseBranch(t *testing.T) {
	factory := NewConditionalFactory()
	node, err := factory(map[string]any{"condition": "score > 10"})
	require.NoError(t, err)

	out, err := node.Execute(context.Background(), map[string]any{"score": 1})
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, "false", result["branch"])
	assert.Equal(t, map[string]any{"score": 1}, result["input"])
}

func TestConditionalNode_ConditionCanReferenceRawInput(t *testing.T) {
	factory := NewConditionalFactory()
	node, err := factory(map[string]any{"condition": "input > 5"})
	require.NoError(t, err)

	out, err := node.Execute(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "true", out.(map[string]any)["branch"])
}
