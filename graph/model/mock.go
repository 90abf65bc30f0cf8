package model

import (
	"context"
	"sync"
)

// MockChatModel is a scripted ChatModel for tests.
//
// Each Chat call returns the next entry of Responses; once they are used up
// the last one repeats. Err, when set, is returned instead.
//
//	mock := &model.MockChatModel{
//	    Responses: []model.ChatOut{{Text: "approved", Usage: model.Usage{InputTokens: 12, OutputTokens: 3}}},
//	}
type MockChatModel struct {
	Responses []ChatOut
	Err       error

	mu        sync.Mutex
	calls     []MockChatCall
	callIndex int
}

// MockChatCall records one Chat invocation.
type MockChatCall struct {
	Messages []Message
	Params   Params
}

// Chat implements ChatModel.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message, params Params) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, MockChatCall{
		Messages: append([]Message(nil), messages...),
		Params:   params,
	})

	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Calls returns a copy of the recorded invocations.
func (m *MockChatModel) Calls() []MockChatCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockChatCall(nil), m.calls...)
}

// CallCount returns the number of Chat invocations.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears the call history and rewinds Responses.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callIndex = 0
}
