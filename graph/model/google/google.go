// Package google adapts the Gemini API to model.ChatModel.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/stepflow/graph/model"
)

// DefaultModel is used when no model name is configured.
const DefaultModel = "gemini-2.5-flash"

// request is one completion in Gemini terms: prior turns go to the chat
// history and the final user turn is sent as the message.
type request struct {
	model   string
	system  string
	history []*genai.Content
	prompt  string
	params  model.Params
}

type generator interface {
	generate(ctx context.Context, req request) (*genai.GenerateContentResponse, error)
}

// ChatModel implements model.ChatModel on Gemini.
//
// Content refused by Gemini's safety filters is reported as a
// *SafetyFilterError:
//
//	out, err := m.Chat(ctx, msgs, model.Params{})
//	var blocked *google.SafetyFilterError
//	if errors.As(err, &blocked) {
//	    log.Printf("blocked: %s", blocked.Category())
//	}
type ChatModel struct {
	modelName string
	client    generator
}

// NewChatModel creates a ChatModel. The underlying client is created on
// first use and released by Close.
func NewChatModel(apiKey, modelName string, opts ...option.ClientOption) (*ChatModel, error) {
	if apiKey == "" {
		return nil, model.ErrMissingAPIKey
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	return &ChatModel{
		modelName: modelName,
		client:    &sdkClient{opts: append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)},
	}, nil
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, params model.Params) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	req, err := m.buildRequest(messages, params)
	if err != nil {
		return model.ChatOut{}, err
	}

	resp, err := m.client.generate(ctx, req)
	if err != nil {
		return model.ChatOut{}, model.Classify("google", err)
	}
	out, err := convertResponse(resp)
	if err != nil {
		return model.ChatOut{}, err
	}
	out.Model = m.modelName
	return out, nil
}

// Close releases the SDK client, if one was created.
func (m *ChatModel) Close() error {
	if c, ok := m.client.(*sdkClient); ok {
		return c.close()
	}
	return nil
}

func (m *ChatModel) buildRequest(messages []model.Message, params model.Params) (request, error) {
	system, conversation := model.SplitSystem(messages)
	if len(conversation) == 0 {
		return request{}, errors.New("google: conversation has no user message")
	}
	last := conversation[len(conversation)-1]
	if last.Role != model.RoleUser {
		return request{}, fmt.Errorf("google: last message must come from the user, got %q", last.Role)
	}

	history := make([]*genai.Content, 0, len(conversation)-1)
	for _, msg := range conversation[:len(conversation)-1] {
		role := "user"
		if msg.Role == model.RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(msg.Content)}})
	}

	return request{
		model:   m.modelName,
		system:  system,
		history: history,
		prompt:  last.Content,
		params:  params,
	}, nil
}

func convertResponse(resp *genai.GenerateContentResponse) (model.ChatOut, error) {
	if resp == nil {
		return model.ChatOut{}, model.ErrEmptyResponse
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != genai.BlockReasonUnspecified {
		return model.ChatOut{}, &SafetyFilterError{reason: fb.BlockReason.String(), category: blockedCategory(fb.SafetyRatings)}
	}
	if len(resp.Candidates) == 0 {
		return model.ChatOut{}, model.ErrEmptyResponse
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return model.ChatOut{}, &SafetyFilterError{reason: "SAFETY", category: blockedCategory(candidate.SafetyRatings)}
	}

	var text strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
	}
	if text.Len() == 0 {
		return model.ChatOut{}, model.ErrEmptyResponse
	}

	out := model.ChatOut{Text: text.String(), StopReason: finishReason(candidate.FinishReason)}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = model.Usage{InputTokens: int(u.PromptTokenCount), OutputTokens: int(u.CandidatesTokenCount)}
	}
	return out, nil
}

func finishReason(r genai.FinishReason) string {
	switch r {
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "max_tokens"
	default:
		return strings.ToLower(strings.TrimPrefix(r.String(), "FinishReason"))
	}
}

func blockedCategory(ratings []*genai.SafetyRating) string {
	for _, r := range ratings {
		if r != nil && r.Blocked {
			return r.Category.String()
		}
	}
	return "unspecified"
}

// sdkClient owns a lazily created genai.Client.
type sdkClient struct {
	opts []option.ClientOption

	mu     sync.Mutex
	client *genai.Client
}

func (c *sdkClient) generate(ctx context.Context, req request) (*genai.GenerateContentResponse, error) {
	client, err := c.get(ctx)
	if err != nil {
		return nil, err
	}

	gm := client.GenerativeModel(req.model)
	if req.system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.system)}}
	}
	if req.params.MaxTokens > 0 {
		gm.SetMaxOutputTokens(int32(req.params.MaxTokens)) // #nosec G115 -- bounded by config
	}
	if req.params.Temperature != nil {
		gm.SetTemperature(float32(*req.params.Temperature))
	}

	cs := gm.StartChat()
	cs.History = req.history
	return cs.SendMessage(ctx, genai.Text(req.prompt))
}

func (c *sdkClient) get(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := genai.NewClient(ctx, c.opts...)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	c.client = client
	return client, nil
}

func (c *sdkClient) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// SafetyFilterError reports content blocked by Gemini's safety filters.
type SafetyFilterError struct {
	reason   string
	category string
}

func (e *SafetyFilterError) Error() string {
	return "content blocked by safety filter: " + e.category
}

// Category returns the harm category that triggered the block.
func (e *SafetyFilterError) Category() string {
	return e.category
}

// Reason returns why the content was blocked.
func (e *SafetyFilterError) Reason() string {
	return e.reason
}
