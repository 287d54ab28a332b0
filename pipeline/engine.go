package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/viniciusai/pipeline-go/pipeline/emit"
	"github.com/viniciusai/pipeline-go/pipeline/state"
	"github.com/viniciusai/pipeline-go/pipeline/store"
)

// InitialCheckpoint is the synthetic step name of the checkpoint written at
// job start, before the first step runs. Replay from the first real step
// reconstructs from it.
const InitialCheckpoint = "__initial__"

// AwaitCheckpointPrefix prefixes the synthetic checkpoint written after an
// async step's outputs are merged into the main state.
const AwaitCheckpointPrefix = "await_"

// asyncExtraFields are well-known side-effect fields merged from an async
// step's final state even when absent from its Produces list.
var asyncExtraFields = []string{"matted_video_url"}

// Options tunes engine behavior.
type Options struct {
	// DefaultTimeout bounds a step attempt when the definition declares no
	// timeout. Zero means 300s.
	DefaultTimeout time.Duration

	// BackoffUnit is the base of the 2^attempt retry backoff. Zero means one
	// second; tests shrink it to keep retries fast.
	BackoffUnit time.Duration

	// MaxBackoff caps the computed backoff. Zero means 60s.
	MaxBackoff time.Duration

	// EngineVersion is stamped into state for forensic debugging.
	EngineVersion string
}

func (o Options) withDefaults() Options {
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 300 * time.Second
	}
	if o.BackoffUnit <= 0 {
		o.BackoffUnit = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 60 * time.Second
	}
	if o.EngineVersion == "" {
		o.EngineVersion = "pipeline-go/1"
	}
	return o
}

// Config wires the engine's collaborators.
type Config struct {
	Registry    *Registry
	Store       store.JobStore
	Checkpoints store.CheckpointLog
	Emitter     emit.Emitter
	Notifier    Notifier
	Metrics     *Metrics
	Logger      *log.Logger
	Options     Options
}

// Engine executes a requested sequence of steps for a job, persisting state
// and a checkpoint after every successful step. The main sequence is serial;
// async-mode steps run on background goroutines and are merged at their await
// points.
type Engine struct {
	registry    *Registry
	store       store.JobStore
	checkpoints store.CheckpointLog
	emitter     emit.Emitter
	notifier    Notifier
	metrics     *Metrics
	logger      *log.Logger
	opts        Options

	mu       sync.Mutex
	inflight map[string]map[string]*asyncRun // jobID -> step name -> run
}

// asyncRun tracks one fired async step until its await point.
type asyncRun struct {
	def    StepDefinition
	done   chan struct{}
	final  state.State
	timing state.StepTiming
	err    error
}

// NewEngine builds an engine. Registry and Store are required; missing
// optional collaborators default to no-ops.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("engine requires a registry")
	}
	if cfg.Store == nil {
		return nil, errors.New("engine requires a job store")
	}
	if cfg.Emitter == nil {
		cfg.Emitter = emit.NewNullEmitter()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NullNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Engine{
		registry:    cfg.Registry,
		store:       cfg.Store,
		checkpoints: cfg.Checkpoints,
		emitter:     cfg.Emitter,
		notifier:    cfg.Notifier,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With("component", "engine"),
		opts:        cfg.Options.withDefaults(),
		inflight:    make(map[string]map[string]*asyncRun),
	}, nil
}

// Run executes the ordered sequence for jobID. When initial is non-nil it
// seeds the state (job intake); otherwise the current state is loaded from
// the store. When stopAfter names a step, execution stops cleanly after that
// step completes (human-review pause); the job is not marked completed and
// the driver owns the status transition.
func (e *Engine) Run(ctx context.Context, jobID string, steps []string, initial *state.State, stopAfter string) (state.State, error) {
	st, err := e.initialState(ctx, jobID, initial)
	if err != nil {
		return state.State{}, err
	}
	st.EngineVersion = e.opts.EngineVersion

	order := e.registry.ResolveOrder(steps)
	jobStart := time.Now()

	e.metrics.jobStarted()
	e.emitter.Emit(emit.Signal{JobID: jobID, Kind: emit.KindJobStart,
		Meta: map[string]any{"total_steps": len(order)}})

	// Snapshot before the first step so replay can target it.
	e.checkpoint(ctx, jobID, InitialCheckpoint, st, 0, 0)

	stopped := false
	for _, name := range order {
		def, ok := e.registry.Get(name)
		if !ok {
			continue
		}

		if st.HasCompleted(name) || st.HasSkipped(name) {
			e.logger.Info("step already done, skipping", "job_id", jobID, "step", name)
			continue
		}

		for _, awaited := range def.AwaitAsync {
			st, err = e.awaitAsync(ctx, jobID, awaited, st)
			if err != nil {
				return e.fail(ctx, jobID, awaited, st, err)
			}
		}

		if def.AsyncMode {
			e.fireAsync(ctx, jobID, def, st, nil)
			continue
		}

		st, err = e.runWithRetry(ctx, jobID, def, st, nil)
		if err != nil {
			return e.fail(ctx, jobID, name, st, err)
		}

		if stopAfter != "" && name == stopAfter {
			stopped = true
			break
		}
	}

	// Await anything still in flight before finishing.
	for _, name := range e.inflightNames(jobID) {
		st, err = e.awaitAsync(ctx, jobID, name, st)
		if err != nil {
			return e.fail(ctx, jobID, name, st, err)
		}
	}

	if stopped {
		e.metrics.jobFinished("paused")
		e.logger.Info("run paused", "job_id", jobID, "stop_after", stopAfter)
		return st, nil
	}

	if err := e.store.UpdateJobStatus(ctx, jobID, store.StatusCompleted, ""); err != nil {
		return e.fail(ctx, jobID, "", st, NewStepError("", CodeStateStore, err))
	}
	durationMS := time.Since(jobStart).Milliseconds()
	e.metrics.jobFinished("completed")
	e.emitter.Emit(emit.Signal{JobID: jobID, Kind: emit.KindJobComplete,
		Meta: map[string]any{"output_url": st.OutputVideoURL, "duration_ms": durationMS}})
	e.notifier.NotifyComplete(ctx, jobID, st.WebhookURL, st.OutputVideoURL)

	return st, nil
}

// StepResult reports one RunStep invocation to an external driver.
type StepResult struct {
	Name         string         `json:"name"`
	Success      bool           `json:"success"`
	DurationMS   int64          `json:"duration_ms"`
	Error        string         `json:"error,omitempty"`
	StateSummary map[string]any `json:"state_summary"`
}

// RunStep executes exactly one step against the job's current state. Used by
// agent drivers that choose steps dynamically instead of running a preset
// list.
func (e *Engine) RunStep(ctx context.Context, jobID, stepName string, params map[string]any) (StepResult, error) {
	def, ok := e.registry.Get(stepName)
	if !ok {
		return StepResult{Name: stepName}, fmt.Errorf("%w: %s", ErrStepNotFound, stepName)
	}

	st, err := e.store.Load(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return StepResult{Name: stepName}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return StepResult{Name: stepName}, err
	}

	start := time.Now()
	st, err = e.runWithRetry(ctx, jobID, def, st, params)
	result := StepResult{
		Name:         stepName,
		Success:      err == nil,
		DurationMS:   time.Since(start).Milliseconds(),
		StateSummary: e.summarize(st),
	}
	if err != nil {
		result.Error = err.Error()
		// Persist the failure annotation but keep the job alive: the
		// agent driver decides whether to abort.
		annotated := st.MarkFailed(stepName, err.Error())
		if saveErr := e.store.Save(ctx, jobID, annotated, stepName); saveErr != nil {
			e.logger.Error("persist step failure", "job_id", jobID, "err", saveErr)
		}
		return result, err
	}
	return result, nil
}

// GetState proxies to the state manager.
func (e *Engine) GetState(ctx context.Context, jobID string) (state.State, error) {
	st, err := e.store.Load(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return state.State{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return st, err
}

// DebugInfo is a compact projection of tracking fields for operators.
type DebugInfo struct {
	JobID           string                      `json:"job_id"`
	CompletedSteps  []string                    `json:"completed_steps"`
	SkippedSteps    []string                    `json:"skipped_steps"`
	FailedStep      string                      `json:"failed_step,omitempty"`
	ErrorMessage    string                      `json:"error_message,omitempty"`
	StepTimings     map[string]state.StepTiming `json:"step_timings"`
	EngineVersion   string                      `json:"engine_version"`
	PopulatedFields []string                    `json:"populated_fields"`
}

// GetDebugInfo returns tracking fields plus the set of populated state
// fields.
func (e *Engine) GetDebugInfo(ctx context.Context, jobID string) (DebugInfo, error) {
	st, err := e.GetState(ctx, jobID)
	if err != nil {
		return DebugInfo{}, err
	}
	fields, err := st.PopulatedFields()
	if err != nil {
		return DebugInfo{}, err
	}
	return DebugInfo{
		JobID:           jobID,
		CompletedSteps:  st.CompletedSteps,
		SkippedSteps:    st.SkippedSteps,
		FailedStep:      st.FailedStep,
		ErrorMessage:    st.ErrorMessage,
		StepTimings:     st.StepTimings,
		EngineVersion:   st.EngineVersion,
		PopulatedFields: fields,
	}, nil
}

func (e *Engine) initialState(ctx context.Context, jobID string, initial *state.State) (state.State, error) {
	if initial != nil {
		if err := e.store.Save(ctx, jobID, *initial, InitialCheckpoint); err != nil {
			return state.State{}, NewStepError("", CodeStateStore, err)
		}
		return *initial, nil
	}
	st, err := e.store.Load(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return state.State{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return state.State{}, err
	}
	return st, nil
}

// runWithRetry executes one synchronous step honoring its retry policy. On
// terminal failure of an optional step the state is returned with the step
// marked skipped and a nil error.
func (e *Engine) runWithRetry(ctx context.Context, jobID string, def StepDefinition, st state.State, params map[string]any) (state.State, error) {
	maxAttempts := 1
	if def.Retryable && def.MaxRetries > 0 {
		maxAttempts = 1 + def.MaxRetries
	}

	e.emitter.Emit(emit.Signal{JobID: jobID, Step: def.EventName(), Kind: emit.KindStepStart})

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		next, err := e.invoke(ctx, def, st, params)
		elapsed := time.Since(start)

		if err == nil {
			timing := state.StepTiming{
				StartedAt:  start.UTC(),
				DurationMS: elapsed.Milliseconds(),
				Attempt:    attempt,
			}
			if next == nil {
				e.logger.Warn("step returned no state, keeping previous",
					"job_id", jobID, "step", def.Name)
			} else {
				st = *next
			}
			st = st.MarkCompleted(def.Name, timing)

			if err := e.store.Save(ctx, jobID, st, def.Name); err != nil {
				return st, NewStepError(def.Name, CodeStateStore, err)
			}
			e.checkpoint(ctx, jobID, def.Name, st, timing.DurationMS, attempt)

			e.metrics.observeStep(def.Name, "success", elapsed.Seconds())
			e.emitter.Emit(emit.Signal{JobID: jobID, Step: def.EventName(), Kind: emit.KindStepComplete,
				Meta: map[string]any{"duration_ms": timing.DurationMS, "attempt": attempt}})
			return st, nil
		}

		lastErr = err
		e.metrics.observeStep(def.Name, "error", elapsed.Seconds())

		if attempt < maxAttempts {
			delay := computeBackoff(attempt, e.opts.BackoffUnit, e.opts.MaxBackoff, nil)
			e.metrics.countRetry(def.Name)
			e.emitter.Emit(emit.Signal{JobID: jobID, Step: def.EventName(), Kind: emit.KindStepRetry,
				Meta: map[string]any{"attempt": attempt, "error": err.Error(), "backoff_ms": delay.Milliseconds()}})
			e.logger.Warn("step failed, retrying",
				"job_id", jobID, "step", def.Name, "attempt", attempt, "backoff", delay, "err", err)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return st, NewStepError(def.Name, CodeStepFailed, ctx.Err())
			}
			continue
		}
	}

	e.emitter.Emit(emit.Signal{JobID: jobID, Step: def.EventName(), Kind: emit.KindStepError,
		Meta: map[string]any{"error": lastErr.Error()}})

	if def.Optional {
		e.metrics.countFailure(def.Name, "skipped")
		e.logger.Warn("optional step failed, skipping",
			"job_id", jobID, "step", def.Name, "err", lastErr)
		st = st.MarkSkipped(def.Name, state.StepTiming{
			StartedAt: time.Now().UTC(),
			Attempt:   maxAttempts,
			Error:     lastErr.Error(),
			Skipped:   true,
		})
		e.emitter.Emit(emit.Signal{JobID: jobID, Step: def.EventName(), Kind: emit.KindStepSkipped,
			Meta: map[string]any{"error": lastErr.Error()}})
		if err := e.store.Save(ctx, jobID, st, def.Name); err != nil {
			return st, NewStepError(def.Name, CodeStateStore, err)
		}
		return st, nil
	}

	e.metrics.countFailure(def.Name, "failed")
	code := CodeStepFailed
	if maxAttempts > 1 {
		code = CodeRetryExceeded
	}
	return st, NewStepError(def.Name, code, lastErr)
}

// invoke runs one attempt of the step body bounded by its declared timeout.
// The body runs on its own goroutine so a body that ignores its context
// cannot wedge the sequence; on timeout the goroutine is abandoned.
func (e *Engine) invoke(ctx context.Context, def StepDefinition, st state.State, params map[string]any) (*state.State, error) {
	timeout := time.Duration(def.timeoutOr(int(e.opts.DefaultTimeout/time.Second))) * time.Second
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		st  *state.State
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{nil, fmt.Errorf("step panicked: %v", r)}
			}
		}()
		next, err := def.Func(attemptCtx, st, params)
		done <- outcome{next, err}
	}()

	select {
	case out := <-done:
		return out.st, out.err
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, NewStepError(def.Name, CodeTimeout,
				fmt.Errorf("attempt exceeded %s", timeout))
		}
		return nil, attemptCtx.Err()
	}
}

// fireAsync dispatches an async step onto a background goroutine with a
// snapshot of the current state. The main sequence continues immediately.
func (e *Engine) fireAsync(ctx context.Context, jobID string, def StepDefinition, snapshot state.State, params map[string]any) {
	run := &asyncRun{def: def, done: make(chan struct{})}

	e.mu.Lock()
	if e.inflight[jobID] == nil {
		e.inflight[jobID] = make(map[string]*asyncRun)
	}
	e.inflight[jobID][def.Name] = run
	e.mu.Unlock()

	e.metrics.asyncFired()
	e.emitter.Emit(emit.Signal{JobID: jobID, Step: def.EventName(), Kind: emit.KindAsyncFired})
	e.logger.Info("async step fired", "job_id", jobID, "step", def.Name)

	go func() {
		defer close(run.done)
		start := time.Now()
		next, err := e.invoke(ctx, def, snapshot, params)
		run.timing = state.StepTiming{
			StartedAt:  start.UTC(),
			DurationMS: time.Since(start).Milliseconds(),
			Attempt:    1,
		}
		if err != nil {
			run.err = err
			run.timing.Error = err.Error()
			return
		}
		if next == nil {
			run.final = snapshot
			return
		}
		run.final = *next
	}()
}

// awaitAsync blocks until the named async step settles, then merges its
// outputs into st, persists, and writes the await_<name> checkpoint. A name
// with no in-flight run is a no-op (already merged, or never fired because
// the step was absent from the requested list).
func (e *Engine) awaitAsync(ctx context.Context, jobID, name string, st state.State) (state.State, error) {
	e.mu.Lock()
	run := e.inflight[jobID][name]
	if run != nil {
		delete(e.inflight[jobID], name)
	}
	e.mu.Unlock()
	if run == nil {
		return st, nil
	}
	defer e.metrics.asyncSettled()

	timeout := time.Duration(run.def.timeoutOr(int(e.opts.DefaultTimeout/time.Second))) * time.Second
	select {
	case <-run.done:
	case <-time.After(timeout):
		run.err = NewStepError(name, CodeTimeout, fmt.Errorf("await exceeded %s", timeout))
	case <-ctx.Done():
		return st, NewStepError(name, CodeAsyncFailed, ctx.Err())
	}

	if run.err != nil {
		e.emitter.Emit(emit.Signal{JobID: jobID, Step: run.def.EventName(), Kind: emit.KindStepError,
			Meta: map[string]any{"error": run.err.Error(), "async": true}})
		if run.def.Optional {
			e.logger.Warn("optional async step failed, skipping",
				"job_id", jobID, "step", name, "err", run.err)
			timing := run.timing
			timing.Skipped = true
			if timing.Attempt == 0 {
				timing.Attempt = 1
			}
			st = st.MarkSkipped(name, timing)
			if err := e.store.Save(ctx, jobID, st, name); err != nil {
				return st, NewStepError(name, CodeStateStore, err)
			}
			return st, nil
		}
		return st, NewStepError(name, CodeAsyncFailed, run.err)
	}

	merged, err := mergeAsyncOutputs(st, run.final, run.def.Produces)
	if err != nil {
		return st, NewStepError(name, CodeAsyncFailed, err)
	}
	st = merged.MarkCompleted(name, run.timing)

	if err := e.store.Save(ctx, jobID, st, name); err != nil {
		return st, NewStepError(name, CodeStateStore, err)
	}
	e.checkpoint(ctx, jobID, AwaitCheckpointPrefix+name, st, run.timing.DurationMS, run.timing.Attempt)

	e.emitter.Emit(emit.Signal{JobID: jobID, Step: run.def.EventName(), Kind: emit.KindAsyncMerged,
		Meta: map[string]any{"duration_ms": run.timing.DurationMS}})
	return st, nil
}

// mergeAsyncOutputs copies the produced fields (plus the well-known extras)
// from the async step's final state into the current state, leaving every
// other field at its current value.
func mergeAsyncOutputs(current, final state.State, produces []string) (state.State, error) {
	curMap, err := current.ToMap()
	if err != nil {
		return current, err
	}
	finalMap, err := final.ToMap()
	if err != nil {
		return current, err
	}
	fields := make([]string, 0, len(produces)+len(asyncExtraFields))
	fields = append(fields, produces...)
	fields = append(fields, asyncExtraFields...)
	for _, field := range fields {
		if v, ok := finalMap[field]; ok && v != nil {
			curMap[field] = v
		}
	}
	return state.FromMap(curMap)
}

// fail finalizes a job-level failure: annotate state, persist, set status,
// emit, notify. Notification failures never escalate.
func (e *Engine) fail(ctx context.Context, jobID, step string, st state.State, cause error) (state.State, error) {
	st = st.MarkFailed(step, cause.Error())
	if err := e.store.Save(ctx, jobID, st, step); err != nil {
		e.logger.Error("persist failed state", "job_id", jobID, "err", err)
	}
	if err := e.store.UpdateJobStatus(ctx, jobID, store.StatusFailed, cause.Error()); err != nil {
		e.logger.Error("set failed status", "job_id", jobID, "err", err)
	}
	e.metrics.jobFinished("failed")
	e.emitter.Emit(emit.Signal{JobID: jobID, Step: step, Kind: emit.KindJobError,
		Meta: map[string]any{"error": cause.Error()}})
	e.notifier.NotifyFailure(ctx, jobID, step, cause.Error())
	return st, cause
}

// checkpoint appends a post-step snapshot. Best effort: failures are logged
// and swallowed, the pipeline's correctness rests on the main state write.
func (e *Engine) checkpoint(ctx context.Context, jobID, stepName string, st state.State, durationMS int64, attempt int) {
	if e.checkpoints == nil {
		return
	}
	payload, err := json.Marshal(st)
	if err != nil {
		e.logger.Warn("marshal checkpoint", "job_id", jobID, "step", stepName, "err", err)
		return
	}
	entry := store.CheckpointEntry{
		JobID:      jobID,
		StepName:   stepName,
		Direction:  store.DirectionCheckpoint,
		State:      payload,
		DurationMS: durationMS,
		Attempt:    attempt,
	}
	if err := e.checkpoints.Append(ctx, entry); err != nil {
		e.logger.Warn("write checkpoint", "job_id", jobID, "step", stepName, "err", err)
		return
	}
	e.emitter.Emit(emit.Signal{JobID: jobID, Step: stepName, Kind: emit.KindCheckpoint})
}

func (e *Engine) inflightNames(jobID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var names []string
	for name := range e.inflight[jobID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) summarize(st state.State) map[string]any {
	return map[string]any{
		"completed_steps": st.CompletedSteps,
		"skipped_steps":   st.SkippedSteps,
		"failed_step":     st.FailedStep,
		"output_video_url": st.OutputVideoURL,
	}
}
