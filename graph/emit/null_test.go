package emit

import "testing"

func TestNullEmitter(t *testing.T) {
	n := NewNullEmitter()
	for i := 0; i < 100; i++ {
		n.Emit(Event{ExecutionID: "e1", Type: EventLog, Metadata: map[string]any{"i": i}})
	}
}
