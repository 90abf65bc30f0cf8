// Package openai adapts the OpenAI Chat Completions API to model.ChatModel.
package openai

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/stepflow/graph/model"
)

// DefaultModel is used when no model name is configured.
const DefaultModel = "gpt-4o-mini"

type completionClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// ChatModel implements model.ChatModel on OpenAI chat completions.
//
// Transient failures are retried by the SDK itself (two retries by default,
// configurable with option.WithMaxRetries). Whatever still fails is returned
// as a classified *model.ProviderError, so a step retry policy can decide
// whether to try again.
type ChatModel struct {
	modelName string
	client    completionClient
}

// NewChatModel creates a ChatModel. An empty modelName selects DefaultModel.
func NewChatModel(apiKey, modelName string, opts ...option.RequestOption) (*ChatModel, error) {
	if apiKey == "" {
		return nil, model.ErrMissingAPIKey
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	client := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &ChatModel{modelName: modelName, client: &client.Chat.Completions}, nil
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, params model.Params) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	completion, err := m.client.New(ctx, m.buildParams(messages, params))
	if err != nil {
		return model.ChatOut{}, model.Classify("openai", err)
	}
	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		return model.ChatOut{}, model.ErrEmptyResponse
	}

	choice := completion.Choices[0]
	return model.ChatOut{
		Text:       choice.Message.Content,
		Model:      completion.Model,
		StopReason: choice.FinishReason,
		Usage: model.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}, nil
}

func (m *ChatModel) buildParams(messages []model.Message, params model.Params) openai.ChatCompletionNewParams {
	body := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.modelName),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	if params.MaxTokens > 0 {
		body.MaxCompletionTokens = openai.Int(int64(params.MaxTokens))
	}
	if params.Temperature != nil {
		body.Temperature = openai.Float(*params.Temperature)
	}

	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			body.Messages = append(body.Messages, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			body.Messages = append(body.Messages, openai.AssistantMessage(msg.Content))
		default:
			body.Messages = append(body.Messages, openai.UserMessage(msg.Content))
		}
	}
	return body
}
