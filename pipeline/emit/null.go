package emit

// NullEmitter discards every signal. Zero overhead, safe for concurrent use.
type NullEmitter struct{}

// NewNullEmitter returns the no-op emitter.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit implements Emitter.
func (*NullEmitter) Emit(Signal) {}
