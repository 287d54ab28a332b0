package emit

import "time"

// Kind classifies a progress signal.
type Kind string

const (
	KindJobStart     Kind = "job_start"
	KindJobComplete  Kind = "job_complete"
	KindJobError     Kind = "job_error"
	KindStepStart    Kind = "step_start"
	KindStepComplete Kind = "step_complete"
	KindStepSkipped  Kind = "step_skipped"
	KindStepRetry    Kind = "step_retry"
	KindStepError    Kind = "step_error"
	KindAsyncFired   Kind = "async_fired"
	KindAsyncMerged  Kind = "async_merged"
	KindCheckpoint   Kind = "checkpoint"
)

// Signal is one observability event emitted while a pipeline job executes.
//
// Signals flow to an Emitter, which may log them, buffer them for test
// assertions, publish them to Redis for progress displays, or record them as
// OpenTelemetry spans.
type Signal struct {
	// JobID identifies the pipeline job that emitted this signal.
	JobID string `json:"job_id"`

	// Step is the step name, empty for job-level signals.
	Step string `json:"step,omitempty"`

	// Kind classifies the signal.
	Kind Kind `json:"kind"`

	// Meta carries signal-specific data. Common keys:
	//   - "duration_ms": step or job duration
	//   - "error": failure details
	//   - "attempt": retry attempt number (1-indexed)
	//   - "total_steps": plan length on job_start
	//   - "output_url": delivered video URL on job_complete
	Meta map[string]any `json:"meta,omitempty"`

	// At is when the signal was created. Filled by Emit when zero.
	At time.Time `json:"at"`
}
