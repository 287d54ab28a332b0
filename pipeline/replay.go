package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/viniciusai/pipeline-go/pipeline/state"
	"github.com/viniciusai/pipeline-go/pipeline/store"
)

// Replayer reconstructs historical state from checkpoints and prepares a
// tail re-execution from an arbitrary step of the canonical list. This makes
// experimentation cheap: change a color, re-run only from PNG generation
// forward, keep the expensive upstream compute.
type Replayer struct {
	registry    *Registry
	store       store.JobStore
	checkpoints store.CheckpointLog
	canonical   []string
	position    map[string]int
	logger      *log.Logger
}

// NewReplayer builds a replayer over the given canonical step list (the
// driver's FULL list).
func NewReplayer(registry *Registry, jobStore store.JobStore, checkpoints store.CheckpointLog, canonical []string, logger *log.Logger) *Replayer {
	if logger == nil {
		logger = log.Default()
	}
	position := make(map[string]int, len(canonical))
	for i, name := range canonical {
		position[name] = i
	}
	return &Replayer{
		registry:    registry,
		store:       jobStore,
		checkpoints: checkpoints,
		canonical:   canonical,
		position:    position,
		logger:      logger.With("component", "replay"),
	}
}

// StepsFrom returns the suffix of the canonical list starting at target.
func (r *Replayer) StepsFrom(target string) ([]string, error) {
	idx, ok := r.position[target]
	if !ok {
		return nil, fmt.Errorf("%w: %s not in canonical list", ErrStepNotFound, target)
	}
	out := make([]string, len(r.canonical)-idx)
	copy(out, r.canonical[idx:])
	return out, nil
}

// EstimateReplayTime sums the per-step duration estimates from target to the
// end of the canonical list.
func (r *Replayer) EstimateReplayTime(target string) (time.Duration, error) {
	steps, err := r.StepsFrom(target)
	if err != nil {
		return 0, err
	}
	var total time.Duration
	for _, name := range steps {
		if def, ok := r.registry.Get(name); ok {
			total += time.Duration(def.EstimatedSeconds) * time.Second
		}
	}
	return total, nil
}

// ReconstructStateUntil returns the state as it was immediately before
// target ran: the checkpoint of the preceding canonical step (or the initial
// checkpoint when target is the first step), with failure annotations
// cleared and every tracking entry at or after target's position removed.
func (r *Replayer) ReconstructStateUntil(ctx context.Context, jobID, target string) (state.State, error) {
	idx, ok := r.position[target]
	if !ok {
		return state.State{}, fmt.Errorf("%w: %s not in canonical list", ErrStepNotFound, target)
	}

	st, err := r.loadBaseline(ctx, jobID, idx)
	if err != nil {
		return state.State{}, err
	}

	st = st.ClearFailure()
	for _, name := range r.canonical[idx:] {
		st = st.DropTracking(name)
	}
	return st, nil
}

// loadBaseline finds the snapshot preceding canonical index idx.
func (r *Replayer) loadBaseline(ctx context.Context, jobID string, idx int) (state.State, error) {
	if idx == 0 {
		entry, err := r.checkpoints.ForStep(ctx, jobID, InitialCheckpoint)
		if err == nil {
			return decodeCheckpoint(entry)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return state.State{}, err
		}
		// Jobs predating the initial checkpoint: degrade to the current
		// row with all tracking stripped.
		r.logger.Warn("no initial checkpoint, degrading to stored state", "job_id", jobID)
		st, err := r.store.Load(ctx, jobID)
		if errors.Is(err, store.ErrNotFound) {
			return state.State{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return st, err
	}

	prev := r.canonical[idx-1]
	entry, err := r.checkpoints.ForStep(ctx, jobID, prev)
	if errors.Is(err, store.ErrNotFound) {
		// Async steps checkpoint under their await_<name> merge.
		entry, err = r.checkpoints.ForStep(ctx, jobID, AwaitCheckpointPrefix+prev)
	}
	if errors.Is(err, store.ErrNotFound) {
		return state.State{}, fmt.Errorf("%w: no checkpoint for %s", ErrReplayNotPossible, prev)
	}
	if err != nil {
		return state.State{}, err
	}
	return decodeCheckpoint(entry)
}

// mergeAsyncOutputsForReplay recovers the outputs of async steps that the
// steps-to-rerun depend on but that will not themselves be re-executed. A
// plain step checkpoint never contains async outputs (they merge only at the
// await point), so they are pulled from the await_<name> checkpoint, or the
// async step's own checkpoint failing that.
func (r *Replayer) mergeAsyncOutputsForReplay(ctx context.Context, jobID string, st state.State, stepsToRun []string) (state.State, error) {
	willRun := make(map[string]struct{}, len(stepsToRun))
	for _, name := range stepsToRun {
		willRun[name] = struct{}{}
	}

	for _, name := range stepsToRun {
		def, ok := r.registry.Get(name)
		if !ok {
			continue
		}
		for _, awaited := range def.AwaitAsync {
			if _, rerun := willRun[awaited]; rerun {
				continue
			}
			asyncDef, ok := r.registry.Get(awaited)
			if !ok {
				continue
			}

			entry, err := r.checkpoints.ForStep(ctx, jobID, AwaitCheckpointPrefix+awaited)
			if errors.Is(err, store.ErrNotFound) {
				entry, err = r.checkpoints.ForStep(ctx, jobID, awaited)
			}
			if errors.Is(err, store.ErrNotFound) {
				r.logger.Warn("async output unavailable for replay",
					"job_id", jobID, "async_step", awaited)
				continue
			}
			if err != nil {
				return st, err
			}

			snapshot, err := decodeCheckpoint(entry)
			if err != nil {
				return st, err
			}
			st, err = mergeAsyncOutputs(st, snapshot, asyncDef.Produces)
			if err != nil {
				return st, err
			}
			r.logger.Info("recovered async outputs for replay",
				"job_id", jobID, "async_step", awaited, "fields", asyncDef.Produces)
		}
	}
	return st, nil
}

// PrepareReplay validates the modifications, reconstructs the state before
// target, applies the modifications (keeping the two text-style projections
// in sync), recovers async outputs, and returns the state plus the steps to
// run.
func (r *Replayer) PrepareReplay(ctx context.Context, jobID, target string, mods map[string]any) (state.State, []string, error) {
	if err := ValidateModifications(mods); err != nil {
		return state.State{}, nil, err
	}

	st, err := r.ReconstructStateUntil(ctx, jobID, target)
	if err != nil {
		return state.State{}, nil, err
	}

	if len(mods) > 0 {
		stateMap, err := st.ToMap()
		if err != nil {
			return state.State{}, nil, err
		}
		stateMap, err = ApplyModifications(stateMap, mods)
		if err != nil {
			return state.State{}, nil, err
		}
		syncTextStyleProjections(stateMap, mods)
		st, err = state.FromMap(stateMap)
		if err != nil {
			return state.State{}, nil, err
		}
	}

	stepsToRun, err := r.StepsFrom(target)
	if err != nil {
		return state.State{}, nil, err
	}
	st, err = r.mergeAsyncOutputsForReplay(ctx, jobID, st, stepsToRun)
	if err != nil {
		return state.State{}, nil, err
	}
	return st, stepsToRun, nil
}

func decodeCheckpoint(entry store.CheckpointEntry) (state.State, error) {
	var st state.State
	if err := json.Unmarshal(entry.State, &st); err != nil {
		return state.State{}, fmt.Errorf("decode checkpoint %s/%s: %w", entry.JobID, entry.StepName, err)
	}
	return st, nil
}
