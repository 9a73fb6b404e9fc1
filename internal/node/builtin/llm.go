package builtin

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mbflow/engine/internal/domain"
	"github.com/mbflow/engine/internal/registry"
)

// LLMConfig is the llm-completion node's config shape. PromptTemplate
// may reference "{{input}}", substituted with a string rendering of
// the node's input value.
type LLMConfig struct {
	Model          string
	PromptTemplate string
	MaxTokens      int
	APIKey         string
}

// LLMNode calls an OpenAI-compatible chat completion endpoint.
// Grounded only on the node type's presence as a string constant
// ("openai-completion") in the teacher's
// internal/application/executor/node_types.go — the teacher never
// implements the node itself, so the config shape and call sequence
// here are original to this expansion, built directly against
// go-openai's own client API.
type LLMNode struct {
	client *openai.Client
	cfg    LLMConfig
}

func NewLLMFactory() registry.Factory {
	return func(config map[string]any) (registry.Node, error) {
		cfg, err := parseLLMConfig(config)
		if err != nil {
			return nil, err
		}
		return &LLMNode{client: openai.NewClient(cfg.APIKey), cfg: cfg}, nil
	}
}

func parseLLMConfig(config map[string]any) (LLMConfig, error) {
	cfg := LLMConfig{Model: openai.GPT3Dot5Turbo, MaxTokens: 512}
	if model, ok := config["model"].(string); ok && model != "" {
		cfg.Model = model
	}
	prompt, _ := config["prompt_template"].(string)
	if prompt == "" {
		return cfg, domain.NewEngineError(domain.ErrInvalidNodeConfig, "llm-completion node requires a non-empty \"prompt_template\"", nil)
	}
	cfg.PromptTemplate = prompt
	if mt, ok := config["max_tokens"].(float64); ok && mt > 0 {
		cfg.MaxTokens = int(mt)
	}
	apiKey, _ := config["api_key"].(string)
	if apiKey == "" {
		return cfg, domain.NewEngineError(domain.ErrInvalidNodeConfig, "llm-completion node requires a non-empty \"api_key\"", nil)
	}
	cfg.APIKey = apiKey
	return cfg, nil
}

func (n *LLMNode) Execute(ctx context.Context, input any) (any, error) {
	prompt := renderPrompt(n.cfg.PromptTemplate, input)
	resp, err := n.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     n.cfg.Model,
		MaxTokens: n.cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.NewEngineError(domain.ErrNodeTimeout, "completion deadline exceeded", err)
		}
		return nil, domain.NewEngineError(domain.ErrNodeTransient, "completion request failed", err)
	}
	if len(resp.Choices) == 0 {
		return nil, domain.NewEngineError(domain.ErrNodeTerminal, "completion returned no choices", nil)
	}
	return map[string]any{
		"content": resp.Choices[0].Message.Content,
		"model":   resp.Model,
	}, nil
}

// renderPrompt does a single literal substitution of "{{input}}" —
// deliberately not a general template engine; a Transformer-style
// node (spec.md §4.4.2) is the documented way to reshape input before
// it reaches a node with more specific formatting needs.
func renderPrompt(template string, input any) string {
	return strings.ReplaceAll(template, "{{input}}", fmt.Sprintf("%v", input))
}
