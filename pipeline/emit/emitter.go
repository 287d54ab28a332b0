// Package emit carries progress signals out of the pipeline engine.
//
// The engine reports every job and step transition as a Signal; where those
// signals go is pluggable. Emitters must be non-blocking, thread-safe and
// resilient: a broken observability backend must never fail a render.
package emit

// Emitter receives progress signals from pipeline execution.
//
// Emit must not panic and must not block step execution. Errors are handled
// internally (logged or dropped), never returned.
type Emitter interface {
	Emit(sig Signal)
}

// Multi fans a signal out to several emitters in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(sig Signal) {
	for _, e := range m {
		e.Emit(sig)
	}
}
