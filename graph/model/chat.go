// Package model provides the chat completion adapters used by the llm step.
//
// Each provider subpackage (anthropic, openai, google) wraps the vendor SDK
// behind ChatModel, so the step handler only deals with Message, Params and
// ChatOut. Token usage reported by the provider feeds a CostTracker.
package model

import "context"

// ChatModel is a single-turn chat completion provider.
//
// Implementations must respect ctx cancellation and report failures as
// *ProviderError where the cause is known, so callers can decide whether a
// retry makes sense.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, params Params) (ChatOut, error)
}

// Standard conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string
	Content string
}

// Params tunes a single completion. Zero values leave the provider default.
type Params struct {
	// MaxTokens caps the generated output.
	MaxTokens int

	// Temperature is applied only when non-nil, so 0 can be requested
	// explicitly.
	Temperature *float64
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ChatOut is the result of a completion.
type ChatOut struct {
	Text string

	// Model is the model that served the request as reported by the
	// provider, which may be more specific than the requested alias.
	Model string

	// StopReason is the provider's finish reason ("end_turn", "stop",
	// "max_tokens", ...).
	StopReason string

	Usage Usage
}

// SplitSystem separates system messages from the conversation. Multiple
// system messages are joined with a blank line.
func SplitSystem(messages []Message) (string, []Message) {
	var system string
	conversation := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role != RoleSystem {
			conversation = append(conversation, msg)
			continue
		}
		if system != "" {
			system += "\n\n"
		}
		system += msg.Content
	}
	return system, conversation
}
