package emit

// Emitter receives a copy of every execution event for observability.
//
// Implementations should be:
//   - Non-blocking: avoid slowing down step execution
//   - Thread-safe: parallel steps emit concurrently
//   - Resilient: never panic, never fail the run
type Emitter interface {
	// Emit sends an event to the configured backend.
	Emit(event Event)
}

// MultiEmitter fans every event out to several emitters in order.
type MultiEmitter []Emitter

// Emit implements Emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
