package builtin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassthroughNode_ReturnsInputUnchanged(t *testing.T) {
	factory := NewPassthroughFactory()
	node, err := factory(nil)
	require.NoError(t, err)

	in := map[string]any{"a": 1, "b": "two"}
	out, err := node.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
