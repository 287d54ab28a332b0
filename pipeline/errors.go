// Package pipeline contains the step engine that drives a video-production
// job from raw inputs to a rendered artifact: the declarative step registry,
// the checkpointed execution engine with retry and fire-and-wait async
// subflows, the replay engine, and the auto-runner presets.
package pipeline

import (
	"errors"
	"fmt"
)

// ErrStepNotFound indicates a requested step name has no registration.
var ErrStepNotFound = errors.New("step not registered")

// ErrJobNotFound indicates the job has no row in the state store.
var ErrJobNotFound = errors.New("job not found")

// ErrReplayNotPossible indicates the checkpoint needed to reconstruct state
// before the target step is missing, so the tail cannot be replayed.
var ErrReplayNotPossible = errors.New("replay not possible: missing checkpoint")

// Error codes attached to StepError for programmatic handling.
const (
	CodeTimeout       = "STEP_TIMEOUT"
	CodeRetryExceeded = "RETRY_EXCEEDED"
	CodeStepFailed    = "STEP_FAILED"
	CodeAsyncFailed   = "ASYNC_FAILED"
	CodeStateStore    = "STATE_STORE"
	CodeInvalidInput  = "INVALID_INPUT"
)

// StepError wraps a failure with the step it occurred in and a stable code.
type StepError struct {
	Step string
	Code string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s [%s]: %v", e.Step, e.Code, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// NewStepError builds a StepError; code defaults to STEP_FAILED.
func NewStepError(step, code string, err error) *StepError {
	if code == "" {
		code = CodeStepFailed
	}
	return &StepError{Step: step, Code: code, Err: err}
}
