package emit

// NullEmitter discards all events.
//
// Use it when no observability backend is configured. It is the Sink default.
type NullEmitter struct{}

// NewNullEmitter creates a new NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit implements Emitter.
func (n *NullEmitter) Emit(Event) {}
