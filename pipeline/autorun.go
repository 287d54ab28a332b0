package pipeline

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/viniciusai/pipeline-go/pipeline/state"
	"github.com/viniciusai/pipeline-go/pipeline/store"
)

// ReviewGateStep is the step PHASE_1_ONLY stops after; the job then waits in
// awaiting_review until a human resumes it with PHASE_2.
const ReviewGateStep = "review_gate"

// StepsFull is the canonical complete pipeline, ordered. The replayer's
// "steps from X" computations reference this list.
var StepsFull = []string{
	"load_template",
	"normalize_videos",
	"concatenate_videos",
	"detect_silence",
	"cut_silence",
	"start_matting",
	"transcribe",
	"detect_content_type",
	"correct_transcription",
	"group_phrases",
	"generate_storytelling",
	"video_clipper",
	"generate_pngs",
	"apply_shadow",
	"animate_text",
	"position_text",
	"generate_backgrounds",
	"generate_cartela",
	"build_subtitles",
	ReviewGateStep,
	"prepare_render",
	"render",
}

// StepsPhase1 is the prefix of StepsFull through the review gate.
var StepsPhase1 = StepsFull[:indexOf(StepsFull, ReviewGateStep)+1]

// StepsPhase2 is the suffix of StepsFull after the review gate, used to
// resume a job a human has approved.
var StepsPhase2 = StepsFull[indexOf(StepsFull, ReviewGateStep)+1:]

// StepsTextVideo is the text-only mode: no input footage, so transcription
// is replaced by a script parser plus a virtual-timestamp generator.
var StepsTextVideo = []string{
	"load_template",
	"parse_script",
	"generate_virtual_timestamps",
	"detect_content_type",
	"group_phrases",
	"generate_storytelling",
	"generate_pngs",
	"apply_shadow",
	"animate_text",
	"position_text",
	"generate_backgrounds",
	"build_subtitles",
	"prepare_render",
	"render",
}

// StepsMotionGraphics is the agent-driven visual layout mode.
var StepsMotionGraphics = []string{
	"load_template",
	"normalize_videos",
	"transcribe",
	"detect_content_type",
	"motion_graphics_plan",
	"motion_graphics_render",
	"prepare_render",
	"render",
}

func indexOf(list []string, name string) int {
	for i, n := range list {
		if n == name {
			return i
		}
	}
	return -1
}

// AutoRunner is a thin driver holding the named step lists. Each method
// calls the engine with its preset; RunCustom is the escape hatch.
type AutoRunner struct {
	engine *Engine
	store  store.JobStore
	logger *log.Logger
}

// NewAutoRunner builds the driver.
func NewAutoRunner(engine *Engine, jobStore store.JobStore, logger *log.Logger) *AutoRunner {
	if logger == nil {
		logger = log.Default()
	}
	return &AutoRunner{
		engine: engine,
		store:  jobStore,
		logger: logger.With("component", "autorun"),
	}
}

// RunFull executes the complete pipeline.
func (a *AutoRunner) RunFull(ctx context.Context, jobID string, initial *state.State) (state.State, error) {
	return a.engine.Run(ctx, jobID, StepsFull, initial, "")
}

// RunPhase1 executes the prefix through the review gate and parks the job in
// awaiting_review for a human decision.
func (a *AutoRunner) RunPhase1(ctx context.Context, jobID string, initial *state.State) (state.State, error) {
	st, err := a.engine.Run(ctx, jobID, StepsPhase1, initial, ReviewGateStep)
	if err != nil {
		return st, err
	}
	if err := a.store.UpdateJobStatus(ctx, jobID, store.StatusAwaitingReview, ""); err != nil {
		return st, NewStepError(ReviewGateStep, CodeStateStore, err)
	}
	a.logger.Info("job awaiting review", "job_id", jobID)
	return st, nil
}

// RunPhase2 resumes a reviewed job through the rest of the pipeline.
func (a *AutoRunner) RunPhase2(ctx context.Context, jobID string) (state.State, error) {
	if err := a.store.UpdateJobStatus(ctx, jobID, store.StatusProcessing, ""); err != nil {
		return state.State{}, NewStepError("", CodeStateStore, err)
	}
	return a.engine.Run(ctx, jobID, StepsPhase2, nil, "")
}

// RunTextVideo executes the text-only mode.
func (a *AutoRunner) RunTextVideo(ctx context.Context, jobID string, initial *state.State) (state.State, error) {
	return a.engine.Run(ctx, jobID, StepsTextVideo, initial, "")
}

// RunMotionGraphics executes the agent-driven visual layout mode.
func (a *AutoRunner) RunMotionGraphics(ctx context.Context, jobID string, initial *state.State) (state.State, error) {
	return a.engine.Run(ctx, jobID, StepsMotionGraphics, initial, "")
}

// RunCustom executes an arbitrary step list, optionally stopping after a
// named step.
func (a *AutoRunner) RunCustom(ctx context.Context, jobID string, steps []string, stopAfter string) (state.State, error) {
	return a.engine.Run(ctx, jobID, steps, nil, stopAfter)
}
