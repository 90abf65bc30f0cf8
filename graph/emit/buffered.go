package emit

import "sync"

// BufferedEmitter keeps every event in memory, grouped by execution.
//
// `stepflow run --history` uses it to print the events of a finished run.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter narrows GetHistoryWithFilter. Zero fields match everything.
type HistoryFilter struct {
	Type   string
	StepID string
	Level  string
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit implements Emitter.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.ExecutionID] = append(b.events[event.ExecutionID], event)
}

// GetHistory returns a copy of all events recorded for an execution in
// emission order.
func (b *BufferedEmitter) GetHistory(executionID string) []Event {
	return b.GetHistoryWithFilter(executionID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events of an execution matching filter.
func (b *BufferedEmitter) GetHistoryWithFilter(executionID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[executionID] {
		if filter.Type != "" && event.Type != filter.Type {
			continue
		}
		if filter.StepID != "" && event.StepID != filter.StepID {
			continue
		}
		if filter.Level != "" && event.Level != filter.Level {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Clear drops the history of one execution, or of all when executionID is empty.
func (b *BufferedEmitter) Clear(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if executionID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, executionID)
}
