package tool

import (
	"context"
	"sync"
)

// MockTool is a scripted Tool for tests.
//
// Each Call returns the next entry of Responses; once they are used up the
// last one repeats. Err, when set, is returned instead.
//
//	mock := &tool.MockTool{
//	    ToolName:  "crm_lookup",
//	    Responses: []map[string]any{{"customer": "c-1", "tier": "gold"}},
//	}
type MockTool struct {
	ToolName  string
	Responses []map[string]any
	Err       error

	mu        sync.Mutex
	calls     []map[string]any
	callIndex int
}

// Name implements Tool.
func (m *MockTool) Name() string {
	return m.ToolName
}

// Call implements Tool.
func (m *MockTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, input)

	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return map[string]any{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Calls returns the recorded inputs.
func (m *MockTool) Calls() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]any(nil), m.calls...)
}

// CallCount returns the number of Call invocations.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears the history and rewinds Responses.
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callIndex = 0
}
