package builtin

import (
	"context"

	"github.com/mbflow/engine/internal/registry"
)

// PassthroughNode returns its input unchanged. Grounded on the
// teacher's internal/application/executor/node_types.go "passthrough"
// constant, which names the type but (like llm-completion) never
// implements it — the identity behavior here is the only behavior the
// name admits.
type PassthroughNode struct{}

func NewPassthroughFactory() registry.Factory {
	return func(_ map[string]any) (registry.Node, error) {
		return PassthroughNode{}, nil
	}
}

func (PassthroughNode) Execute(_ context.Context, input any) (any, error) {
	return input, nil
}
