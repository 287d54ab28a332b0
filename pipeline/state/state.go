// Package state defines the pipeline state value that flows through every
// step of a video assembly job.
//
// State is logically immutable: steps receive the current value and yield a
// new one via WithUpdates or the tracking helpers, which copy the top-level
// record. Nested collections are shared by reference between versions; they
// are never mutated in place.
package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Storytelling modes supported by the pipeline.
const (
	ModeTalkingHead    = "talking_head"
	ModeTextVideo      = "text_video"
	ModeMotionGraphics = "motion_graphics"
)

// InputVideo describes a raw input clip supplied at job creation.
type InputVideo struct {
	URL             string  `json:"url"`
	Label           string  `json:"label,omitempty"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// TimeRange is a half-open interval in seconds within the source footage.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Word is a single transcribed word with its timing.
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// SpeechSegment is a contiguous span of detected speech.
type SpeechSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text,omitempty"`
}

// StepTiming records how a single step executed. One entry exists for every
// name in CompletedSteps and SkippedSteps; a failed required step also leaves
// a timing behind for diagnostics.
type StepTiming struct {
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Attempt    int       `json:"attempt"`
	Error      string    `json:"error,omitempty"`
	Skipped    bool      `json:"skipped,omitempty"`
}

// State carries every field any step may consume or produce for one job.
//
// Identity fields never change after creation. Tracking fields are managed
// exclusively by the engine. Everything else is optional and populated
// progressively as steps complete.
type State struct {
	// Identity (required at creation, immutable thereafter).
	JobID          string `json:"job_id"`
	ProjectID      string `json:"project_id"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	TemplateID     string `json:"template_id,omitempty"`

	// Configuration (immutable after creation).
	InputVideos []InputVideo   `json:"input_videos,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
	WebhookURL  string         `json:"webhook_url,omitempty"`

	// Template-derived (set once by the first step).
	TemplateConfig    map[string]any `json:"template_config,omitempty"`
	TextStyles        map[string]any `json:"text_styles,omitempty"`
	EnabledTextTypes  []string       `json:"enabled_text_types,omitempty"`
	CanvasWidth       int            `json:"canvas_width,omitempty"`
	CanvasHeight      int            `json:"canvas_height,omitempty"`
	UploadWidth       int            `json:"upload_width,omitempty"`
	UploadHeight      int            `json:"upload_height,omitempty"`
	TargetAspectRatio string         `json:"target_aspect_ratio,omitempty"`

	// Artifact URLs (populated progressively).
	OriginalVideoURL       string         `json:"original_video_url,omitempty"`
	NormalizedVideoURL     string         `json:"normalized_video_url,omitempty"`
	BaseNormalizedVideoURL string         `json:"base_normalized_video_url,omitempty"`
	ConcatenatedVideoURL   string         `json:"concatenated_video_url,omitempty"`
	Phase1VideoURL         string         `json:"phase1_video_url,omitempty"`
	Phase1AudioURL         string         `json:"phase1_audio_url,omitempty"`
	Phase2VideoURL         string         `json:"phase2_video_url,omitempty"`
	MattedVideoURL         string         `json:"matted_video_url,omitempty"`
	OutputVideoURL         string         `json:"output_video_url,omitempty"`
	MattingArtifacts       map[string]any `json:"matting_artifacts,omitempty"`

	// Processing results.
	NormalizationStats    map[string]any  `json:"normalization_stats,omitempty"`
	SilenceRanges         []TimeRange     `json:"silence_ranges,omitempty"`
	CutTimestamps         []float64       `json:"cut_timestamps,omitempty"`
	SpeechSegments        []SpeechSegment `json:"speech_segments,omitempty"`
	UntranscribedSegments []TimeRange     `json:"untranscribed_segments,omitempty"`
	TranscriptionText     string          `json:"transcription_text,omitempty"`
	TranscriptionWords    []Word          `json:"transcription_words,omitempty"`
	PhraseGroups          []any           `json:"phrase_groups,omitempty"`
	PNGResults            map[string]any  `json:"png_results,omitempty"`
	ShadowResults         map[string]any  `json:"shadow_results,omitempty"`
	AnimationResults      map[string]any  `json:"animation_results,omitempty"`
	PositioningResults    map[string]any  `json:"positioning_results,omitempty"`
	BackgroundResults     map[string]any  `json:"background_results,omitempty"`
	MotionGraphicsPlan    map[string]any  `json:"motion_graphics_plan,omitempty"`
	MotionGraphicsResults map[string]any  `json:"motion_graphics_results,omitempty"`
	MattingSegments       []any           `json:"matting_segments,omitempty"`
	ForegroundSegments    []any           `json:"foreground_segments,omitempty"`
	MattingConfigHash     string          `json:"matting_config_hash,omitempty"`
	CartelaResults        map[string]any  `json:"cartela_results,omitempty"`
	SubtitlePayload       map[string]any  `json:"subtitle_payload,omitempty"`
	TectonicPlates        []any           `json:"tectonic_plates,omitempty"`
	VisualAnalysis        map[string]any  `json:"visual_analysis,omitempty"`
	ShotList              []any           `json:"shot_list,omitempty"`
	EditDecisionList      []any           `json:"edit_decision_list,omitempty"`
	DetectedContentType   string          `json:"detected_content_type,omitempty"`
	VideoClipperTrack     map[string]any  `json:"video_clipper_track,omitempty"`
	TitleTrack            map[string]any  `json:"title_track,omitempty"`
	TitleOverrides        map[string]any  `json:"title_overrides,omitempty"`

	// Text-video mode.
	StorytellingMode string         `json:"storytelling_mode,omitempty"`
	CleanText        string         `json:"clean_text,omitempty"`
	SceneOverrides   map[string]any `json:"scene_overrides,omitempty"`

	// Tracking (engine-managed).
	CompletedSteps []string              `json:"completed_steps,omitempty"`
	SkippedSteps   []string              `json:"skipped_steps,omitempty"`
	FailedStep     string                `json:"failed_step,omitempty"`
	StepTimings    map[string]StepTiming `json:"step_timings,omitempty"`
	ErrorMessage   string                `json:"error_message,omitempty"`
	EngineVersion  string                `json:"engine_version,omitempty"`
	CreatedAt      time.Time             `json:"created_at,omitzero"`
}

// ToMap projects the state into its JSON object form. Zero-valued optional
// fields are omitted, so the key set doubles as "which fields are populated".
func (s State) ToMap() (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal state map: %w", err)
	}
	return m, nil
}

// FromMap rebuilds a State from its JSON object form. Unknown keys are
// ignored for forward compatibility.
func FromMap(m map[string]any) (State, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return State{}, fmt.Errorf("marshal state map: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("unmarshal state: %w", err)
	}
	return s, nil
}

// WithUpdates returns a copy of the state with the given fields overridden.
// Keys use the JSON field names; the merge is shallow, so
// s.WithUpdates(u).ToMap() equals s.ToMap() with u's entries written over it.
func (s State) WithUpdates(updates map[string]any) (State, error) {
	m, err := s.ToMap()
	if err != nil {
		return s, err
	}
	for k, v := range updates {
		m[k] = v
	}
	return FromMap(m)
}

// Clone returns a deep copy via a JSON round trip. Used where a caller must
// not share nested collections with the original, e.g. async snapshots that
// outlive the firing step.
func (s State) Clone() (State, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return State{}, fmt.Errorf("marshal state: %w", err)
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return State{}, fmt.Errorf("unmarshal state: %w", err)
	}
	return out, nil
}

// HasCompleted reports whether the named step already completed.
func (s State) HasCompleted(name string) bool {
	for _, n := range s.CompletedSteps {
		if n == name {
			return true
		}
	}
	return false
}

// HasSkipped reports whether the named step was skipped.
func (s State) HasSkipped(name string) bool {
	for _, n := range s.SkippedSteps {
		if n == name {
			return true
		}
	}
	return false
}

// MarkCompleted returns a copy with the step appended to CompletedSteps and
// its timing recorded. Idempotent on the name.
func (s State) MarkCompleted(name string, timing StepTiming) State {
	out := s
	out.CompletedSteps = appendUnique(s.CompletedSteps, name)
	out.SkippedSteps = remove(s.SkippedSteps, name)
	out.StepTimings = withTiming(s.StepTimings, name, timing)
	return out
}

// MarkSkipped returns a copy with the step recorded as skipped. The timing's
// Skipped flag is forced on.
func (s State) MarkSkipped(name string, timing StepTiming) State {
	timing.Skipped = true
	out := s
	out.SkippedSteps = appendUnique(s.SkippedSteps, name)
	out.StepTimings = withTiming(s.StepTimings, name, timing)
	return out
}

// MarkFailed returns a copy annotated with the failed step and error message.
func (s State) MarkFailed(step, message string) State {
	out := s
	out.FailedStep = step
	out.ErrorMessage = message
	return out
}

// RecordTiming returns a copy with a timing entry set without touching the
// completed or skipped lists. Used for failed required steps.
func (s State) RecordTiming(name string, timing StepTiming) State {
	out := s
	out.StepTimings = withTiming(s.StepTimings, name, timing)
	return out
}

// DropTracking returns a copy with every tracking trace of the named step
// removed: the completed and skipped lists, the failed-step annotation, and
// the timing record. Used by replay when the step will run again.
func (s State) DropTracking(name string) State {
	out := s
	out.CompletedSteps = remove(s.CompletedSteps, name)
	out.SkippedSteps = remove(s.SkippedSteps, name)
	if out.FailedStep == name {
		out.FailedStep = ""
		out.ErrorMessage = ""
	}
	if _, ok := s.StepTimings[name]; ok {
		timings := make(map[string]StepTiming, len(s.StepTimings))
		for k, v := range s.StepTimings {
			if k != name {
				timings[k] = v
			}
		}
		out.StepTimings = timings
	}
	return out
}

// ClearFailure returns a copy with failure annotations removed.
func (s State) ClearFailure() State {
	out := s
	out.FailedStep = ""
	out.ErrorMessage = ""
	return out
}

// PopulatedFields returns the sorted JSON names of all populated fields.
func (s State) PopulatedFields() ([]string, error) {
	m, err := s.ToMap()
	if err != nil {
		return nil, err
	}
	fields := make([]string, 0, len(m))
	for k := range m {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields, nil
}

// CheckInvariants verifies the tracking invariants: completed, skipped and
// failed names are pairwise disjoint, every completed or skipped name has a
// timing record, durations are non-negative and attempts at least 1.
func (s State) CheckInvariants() error {
	seen := make(map[string]string, len(s.CompletedSteps)+len(s.SkippedSteps)+1)
	for _, n := range s.CompletedSteps {
		seen[n] = "completed"
	}
	for _, n := range s.SkippedSteps {
		if prev, ok := seen[n]; ok {
			return fmt.Errorf("step %q is both %s and skipped", n, prev)
		}
		seen[n] = "skipped"
	}
	if s.FailedStep != "" {
		if prev, ok := seen[s.FailedStep]; ok {
			return fmt.Errorf("failed step %q is also %s", s.FailedStep, prev)
		}
	}
	for _, n := range append(append([]string{}, s.CompletedSteps...), s.SkippedSteps...) {
		t, ok := s.StepTimings[n]
		if !ok {
			return fmt.Errorf("step %q has no timing record", n)
		}
		if t.DurationMS < 0 {
			return fmt.Errorf("step %q has negative duration %d", n, t.DurationMS)
		}
		if t.Attempt < 1 {
			return fmt.Errorf("step %q has attempt %d < 1", n, t.Attempt)
		}
	}
	return nil
}

func appendUnique(list []string, name string) []string {
	for _, n := range list {
		if n == name {
			return list
		}
	}
	out := make([]string, 0, len(list)+1)
	out = append(out, list...)
	return append(out, name)
}

func remove(list []string, name string) []string {
	out := make([]string, 0, len(list))
	for _, n := range list {
		if n != name {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func withTiming(timings map[string]StepTiming, name string, t StepTiming) map[string]StepTiming {
	out := make(map[string]StepTiming, len(timings)+1)
	for k, v := range timings {
		out[k] = v
	}
	out[name] = t
	return out
}
