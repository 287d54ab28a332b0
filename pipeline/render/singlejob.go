package render

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// poolSlot tracks one sibling worker's occupancy.
type poolSlot struct {
	worker       *Worker
	isBusy       bool
	currentJobID string
}

// SingleJobPool routes whole jobs (not chunks) across N identical workers.
// Round-robin prefers idle workers and falls back to any worker when all are
// busy, letting the worker's internal queue absorb the job. Workers are
// released by MarkJobComplete when the webhook for their job arrives.
type SingleJobPool struct {
	mu     sync.Mutex
	slots  []*poolSlot
	next   int
	logger *log.Logger

	// AckTimeout bounds each submission; workers in this pool only ack.
	AckTimeout time.Duration
}

// NewSingleJobPool builds the pool over the given workers.
func NewSingleJobPool(workers []*Worker, logger *log.Logger) *SingleJobPool {
	if logger == nil {
		logger = log.Default()
	}
	slots := make([]*poolSlot, len(workers))
	for i, w := range workers {
		slots[i] = &poolSlot{worker: w}
	}
	return &SingleJobPool{
		slots:      slots,
		logger:     logger.With("component", "single-job-pool"),
		AckTimeout: 5 * time.Second,
	}
}

// Submit sends the payload to the next available worker. On submission
// failure it retries on each remaining idle worker before giving up.
func (p *SingleJobPool) Submit(ctx context.Context, payload Payload) (*Worker, error) {
	jobID := payload.JobID()
	if jobID == "" {
		return nil, fmt.Errorf("payload has no jobId")
	}

	tried := make(map[int]bool)
	for {
		idx, ok := p.claim(jobID, tried)
		if !ok {
			return nil, fmt.Errorf("all %d workers rejected job %s", len(p.slots), jobID)
		}
		worker := p.slots[idx].worker
		if _, err := worker.Submit(ctx, payload, p.AckTimeout); err != nil {
			p.logger.Warn("submission failed, trying next worker",
				"worker", worker.Name, "job_id", jobID, "err", err)
			p.release(idx)
			tried[idx] = true
			continue
		}
		p.logger.Info("job routed", "worker", worker.Name, "job_id", jobID)
		return worker, nil
	}
}

// claim picks the next worker round-robin, preferring idle slots, and marks
// it busy with jobID. Returns false when every slot has been tried.
func (p *SingleJobPool) claim(jobID string, tried map[int]bool) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.slots)
	if n == 0 || len(tried) >= n {
		return 0, false
	}

	// First pass: idle workers in round-robin order.
	for off := 0; off < n; off++ {
		idx := (p.next + off) % n
		if tried[idx] || p.slots[idx].isBusy {
			continue
		}
		p.take(idx, jobID)
		return idx, true
	}
	// All busy: hand the job to the next untried worker anyway.
	for off := 0; off < n; off++ {
		idx := (p.next + off) % n
		if tried[idx] {
			continue
		}
		p.take(idx, jobID)
		return idx, true
	}
	return 0, false
}

func (p *SingleJobPool) take(idx int, jobID string) {
	p.slots[idx].isBusy = true
	p.slots[idx].currentJobID = jobID
	p.next = (idx + 1) % len(p.slots)
}

func (p *SingleJobPool) release(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots[idx].isBusy = false
	p.slots[idx].currentJobID = ""
}

// MarkJobComplete releases whichever worker is holding jobID. Called by the
// webhook handler when the worker reports back.
func (p *SingleJobPool) MarkJobComplete(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, slot := range p.slots {
		if slot.isBusy && slot.currentJobID == jobID {
			slot.isBusy = false
			slot.currentJobID = ""
			return true
		}
	}
	return false
}

// Busy reports how many workers are currently occupied.
func (p *SingleJobPool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, slot := range p.slots {
		if slot.isBusy {
			n++
		}
	}
	return n
}
