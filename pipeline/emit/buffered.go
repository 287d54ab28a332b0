package emit

import "sync"

// BufferedEmitter stores signals in memory, keyed by job ID.
//
// Intended for tests and debugging: run a job, then assert on the captured
// signal sequence. Not for production use with long-lived processes, since
// nothing is ever evicted.
type BufferedEmitter struct {
	mu      sync.RWMutex
	signals map[string][]Signal
}

// NewBufferedEmitter creates an empty buffer. Safe for concurrent use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{signals: make(map[string][]Signal)}
}

// Emit implements Emitter.
func (b *BufferedEmitter) Emit(sig Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals[sig.JobID] = append(b.signals[sig.JobID], sig)
}

// History returns a copy of all signals for the job, in emission order.
func (b *BufferedEmitter) History(jobID string) []Signal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Signal, len(b.signals[jobID]))
	copy(out, b.signals[jobID])
	return out
}

// OfKind returns the job's signals matching the given kind, in order.
func (b *BufferedEmitter) OfKind(jobID string, kind Kind) []Signal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Signal
	for _, sig := range b.signals[jobID] {
		if sig.Kind == kind {
			out = append(out, sig)
		}
	}
	return out
}

// ForStep returns the job's signals for one step, in order.
func (b *BufferedEmitter) ForStep(jobID, step string) []Signal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Signal
	for _, sig := range b.signals[jobID] {
		if sig.Step == step {
			out = append(out, sig)
		}
	}
	return out
}

// Clear drops stored signals for the job, or everything when jobID is empty.
func (b *BufferedEmitter) Clear(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if jobID == "" {
		b.signals = make(map[string][]Signal)
		return
	}
	delete(b.signals, jobID)
}
