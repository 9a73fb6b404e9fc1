package builtin

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/mbflow/engine/internal/domain"
	"github.com/mbflow/engine/internal/registry"
)

// ConditionalNode evaluates a boolean expr-lang expression against its
// input and produces a sentinel branch value: {"branch": "true"|
// "false", "input": <original input>}. Per spec.md §4.4.5 and §9's
// resolved open question, the scheduler runs every successor
// regardless of this value — it is the downstream node's job to
// inspect "branch" and decide whether to act or pass through.
//
// Grounded on the teacher's internal/application/executor/graph.go
// evaluateCondition (expr.Compile(condition, expr.Env(env),
// expr.AsBool())), repurposed from an edge-level gate (which pruned a
// successor) into a node that only produces a value — the pruning
// half of the teacher's behavior is exactly what spec.md's resolved
// open question rejects.
type ConditionalNode struct {
	program *vm.Program
}

func NewConditionalFactory() registry.Factory {
	return func(config map[string]any) (registry.Node, error) {
		condition, _ := config["condition"].(string)
		if condition == "" {
			return nil, domain.NewEngineError(domain.ErrInvalidNodeConfig, "conditional-router node requires a non-empty \"condition\"", nil)
		}
		program, err := expr.Compile(condition, expr.AsBool())
		if err != nil {
			return nil, domain.NewEngineError(domain.ErrInvalidNodeConfig, fmt.Sprintf("invalid condition expression %q", condition), err)
		}
		return &ConditionalNode{program: program}, nil
	}
}

func (n *ConditionalNode) Execute(_ context.Context, input any) (any, error) {
	env := map[string]any{"input": input}
	if m, ok := input.(map[string]any); ok {
		for k, v := range m {
			env[k] = v
		}
	}
	out, err := expr.Run(n.program, env)
	if err != nil {
		return nil, domain.NewEngineError(domain.ErrNodeTerminal, "condition expression failed to evaluate", err)
	}
	branch, _ := out.(bool)
	result := "false"
	if branch {
		result = "true"
	}
	return map[string]any{"branch": result, "input": input}, nil
}
