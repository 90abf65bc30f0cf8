// Package step implements the built-in step types and assembles them into a
// graph.Dispatcher.
//
// Built-in types and their branches:
//
//	http       success | redirect | error
//	script     success | failure
//	transform  data | no_data
//	condition  true | false
//	branch     the label of the first matching rule, else "default"
//	llm        success
//
// Every tool.Tool passed in Options.Tools becomes a step type named after
// the tool. Its config is the tool input (strings rendered as templates) and
// its output is the tool result.
package step

import (
	"context"

	"github.com/dshills/stepflow/graph"
	"github.com/dshills/stepflow/graph/model"
	"github.com/dshills/stepflow/graph/tool"
)

// Built-in step type tags.
const (
	TypeHTTP      = "http"
	TypeScript    = "script"
	TypeTransform = "transform"
	TypeCondition = "condition"
	TypeBranch    = "branch"
	TypeLLM       = "llm"
)

// Options configures the built-in handlers. The zero value registers every
// built-in type with default tools and no chat models, so llm steps fail
// until Models is set.
type Options struct {
	// HTTP performs http steps. Default: tool.NewHTTPTool().
	HTTP *tool.HTTPTool

	// Script runs script steps. Default: tool.NewScriptTool().
	Script *tool.ScriptTool

	// Models maps a provider name ("anthropic", "openai", "google") to the
	// chat model serving it.
	Models map[string]model.ChatModel

	// DefaultProvider is used by llm steps without a provider.
	DefaultProvider string

	// Costs receives usage of every llm call. Optional.
	Costs *model.CostTracker

	// Tools are registered as additional step types.
	Tools []tool.Tool
}

// NewRegistry builds a dispatcher with the built-in step types and the
// configured tools. It fails when a tool name collides with another type.
func NewRegistry(opts Options) (*graph.Dispatcher, error) {
	if opts.HTTP == nil {
		opts.HTTP = tool.NewHTTPTool()
	}
	if opts.Script == nil {
		opts.Script = tool.NewScriptTool()
	}

	d := graph.NewDispatcher()
	handlers := map[string]graph.Handler{
		TypeHTTP:      &httpStep{tool: opts.HTTP},
		TypeScript:    &scriptStep{tool: opts.Script},
		TypeTransform: graph.HandlerFunc(transformStep),
		TypeCondition: graph.HandlerFunc(conditionStep),
		TypeBranch:    graph.HandlerFunc(branchStep),
		TypeLLM: &llmStep{
			models:          opts.Models,
			defaultProvider: opts.DefaultProvider,
			costs:           opts.Costs,
		},
	}
	for typ, h := range handlers {
		if err := d.Register(typ, h); err != nil {
			return nil, err
		}
	}

	for _, t := range opts.Tools {
		if err := d.Register(t.Name(), &toolStep{tool: t}); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// toolStep exposes a tool.Tool as a step type.
type toolStep struct {
	tool tool.Tool
}

func (t *toolStep) Execute(ctx context.Context, sc graph.StepContext, input, config map[string]any) (graph.StepResult, error) {
	doc, err := newDocument(input, sc.Variables)
	if err != nil {
		return graph.StepResult{}, err
	}

	req := make(map[string]any, len(config))
	for k, v := range config {
		switch k {
		case "critical", "timeout", "retry":
			continue
		}
		req[k] = doc.renderValue(v)
	}
	if graph.ConfigBool(config, "send_input", false) {
		req["input"] = input
	}

	out, err := t.tool.Call(ctx, req)
	if err != nil {
		return graph.StepResult{}, err
	}
	branch, _ := out["branch"].(string)
	return graph.StepResult{Output: out, Branch: branch}, nil
}
