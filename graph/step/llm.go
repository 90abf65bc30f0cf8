package step

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dshills/stepflow/graph"
	"github.com/dshills/stepflow/graph/model"
)

// llmStep sends one prompt to a configured chat model.
//
// Config:
//   - provider: key into Options.Models (default Options.DefaultProvider)
//   - prompt (required) and system: {{path}} templates over the input
//   - max_tokens, temperature
//   - parse_json: decode the reply as JSON into "data"
//
// The reply is in "text"; usage and cost of every call go to the cost
// tracker. Provider errors fail the step and can be retried through the
// step's retry policy.
type llmStep struct {
	models          map[string]model.ChatModel
	defaultProvider string
	costs           *model.CostTracker
}

func (l *llmStep) Execute(ctx context.Context, sc graph.StepContext, input, config map[string]any) (graph.StepResult, error) {
	provider := graph.ConfigString(config, "provider", l.defaultProvider)
	m, ok := l.models[provider]
	if !ok {
		return graph.StepResult{}, fmt.Errorf("llm provider not configured: %q", provider)
	}

	doc, err := newDocument(input, sc.Variables)
	if err != nil {
		return graph.StepResult{}, err
	}
	prompt := doc.render(graph.ConfigString(config, "prompt", ""))
	if strings.TrimSpace(prompt) == "" {
		return graph.StepResult{}, fmt.Errorf("llm step requires a prompt")
	}

	var messages []model.Message
	if system := doc.render(graph.ConfigString(config, "system", "")); system != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: system})
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: prompt})

	params := model.Params{MaxTokens: graph.ConfigInt(config, "max_tokens", 0)}
	if t, ok := graph.ToFloat(config["temperature"]); ok {
		params.Temperature = &t
	}

	out, err := m.Chat(ctx, messages, params)
	if err != nil {
		return graph.StepResult{}, err
	}

	call := model.Call{
		ExecutionID: sc.ExecutionID,
		StepID:      sc.Step.ID,
		Provider:    provider,
		Model:       out.Model,
		Usage:       out.Usage,
	}
	if l.costs != nil {
		call = l.costs.Record(call)
	}

	output := map[string]any{
		"text":        out.Text,
		"model":       out.Model,
		"provider":    provider,
		"stop_reason": out.StopReason,
		"usage": map[string]any{
			"input_tokens":  out.Usage.InputTokens,
			"output_tokens": out.Usage.OutputTokens,
		},
		"cost_usd": call.CostUSD,
	}
	if graph.ConfigBool(config, "parse_json", false) {
		var data any
		if err := json.Unmarshal([]byte(stripFence(out.Text)), &data); err != nil {
			return graph.StepResult{}, fmt.Errorf("llm reply is not valid JSON: %w", err)
		}
		output["data"] = data
	}
	return graph.StepResult{Output: output, Branch: BranchSuccess}, nil
}

// stripFence removes a surrounding ```json fence, which models add often.
func stripFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		t = t[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(t), "```"))
}
