// Package anthropic adapts the Anthropic Messages API to model.ChatModel.
package anthropic

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/stepflow/graph/model"
)

const (
	// DefaultModel is used when no model name is configured.
	DefaultModel = "claude-3-5-haiku-latest"

	defaultMaxTokens = 1024
)

// messageClient is the subset of the SDK's MessageService used here.
type messageClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// ChatModel implements model.ChatModel on Claude.
//
//	m, err := anthropic.NewChatModel(os.Getenv("ANTHROPIC_API_KEY"), "claude-3-5-sonnet-latest")
//	out, err := m.Chat(ctx, []model.Message{{Role: model.RoleUser, Content: "Summarize: ..."}}, model.Params{})
type ChatModel struct {
	modelName string
	client    messageClient
}

// NewChatModel creates a ChatModel. An empty modelName selects DefaultModel.
// Extra request options (base URL, retries, HTTP client) are passed to the SDK.
func NewChatModel(apiKey, modelName string, opts ...option.RequestOption) (*ChatModel, error) {
	if apiKey == "" {
		return nil, model.ErrMissingAPIKey
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	client := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &ChatModel{modelName: modelName, client: &client.Messages}, nil
}

// Chat implements model.ChatModel. System messages are sent through the
// dedicated system parameter.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, params model.Params) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	msg, err := m.client.New(ctx, m.buildParams(messages, params))
	if err != nil {
		return model.ChatOut{}, model.Classify("anthropic", err)
	}
	return convertResponse(msg)
}

func (m *ChatModel) buildParams(messages []model.Message, params model.Params) anthropic.MessageNewParams {
	system, conversation := model.SplitSystem(messages)

	maxTokens := int64(defaultMaxTokens)
	if params.MaxTokens > 0 {
		maxTokens = int64(params.MaxTokens)
	}

	body := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.modelName),
		MaxTokens: maxTokens,
		Messages:  make([]anthropic.MessageParam, 0, len(conversation)),
	}
	if system != "" {
		body.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if params.Temperature != nil {
		body.Temperature = anthropic.Float(*params.Temperature)
	}
	for _, msg := range conversation {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == model.RoleAssistant {
			body.Messages = append(body.Messages, anthropic.NewAssistantMessage(block))
		} else {
			body.Messages = append(body.Messages, anthropic.NewUserMessage(block))
		}
	}
	return body
}

func convertResponse(msg *anthropic.Message) (model.ChatOut, error) {
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return model.ChatOut{}, model.ErrEmptyResponse
	}
	return model.ChatOut{
		Text:       text.String(),
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: model.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}
