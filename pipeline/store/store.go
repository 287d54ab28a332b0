// Package store persists pipeline state and checkpoints.
//
// Two surfaces are defined: JobStore holds the single authoritative state row
// per job (JSON column plus a legacy scalar projection kept for readers that
// have not migrated), and CheckpointLog is the append-only per-step snapshot
// log that replay reads from.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/viniciusai/pipeline-go/pipeline/state"
)

// ErrNotFound is returned when a requested job or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// Job status values. A single orchestrator owns each job, so transitions are
// serialized; the store does not police them.
const (
	StatusPending        = "pending"
	StatusProcessing     = "processing"
	StatusAwaitingReview = "awaiting_review"
	StatusCompleted      = "completed"
	StatusFailed         = "failed"
)

// JobStore persists and loads pipeline state for jobs.
type JobStore interface {
	// Load returns the job's current state. The JSON state column is
	// authoritative; rows predating it are reconstructed from the legacy
	// scalar columns. Unknown JSON fields are ignored.
	Load(ctx context.Context, jobID string) (state.State, error)

	// Save writes the full state into the JSON column and projects the
	// curated legacy fields in a single transaction. Legacy columns are only
	// written when the new value is non-empty, so partial states never erase
	// earlier data. stepName records which step produced this write.
	Save(ctx context.Context, jobID string, st state.State, stepName string) error

	// UpdateJobStatus updates the status column (and error message, when
	// non-empty) without touching the state.
	UpdateJobStatus(ctx context.Context, jobID string, status string, errMsg string) error
}

// CheckpointEntry is one row of the append-only checkpoint log.
type CheckpointEntry struct {
	JobID      string          `json:"job_id"`
	StepName   string          `json:"step_name"`
	Direction  string          `json:"direction"`
	State      json.RawMessage `json:"payload_json"`
	DurationMS int64           `json:"duration_ms"`
	Attempt    int             `json:"attempt"`
	CreatedAt  time.Time       `json:"created_at"`
}

// DirectionCheckpoint is the log direction tag for post-step snapshots.
const DirectionCheckpoint = "checkpoint"

// CheckpointLog is the append-only snapshot log. Writes are best-effort from
// the engine's point of view: a failed append is logged and swallowed there,
// never here.
type CheckpointLog interface {
	// Append writes one entry. CreatedAt is assigned by the implementation
	// when zero.
	Append(ctx context.Context, entry CheckpointEntry) error

	// ForStep returns the most recent entry for (jobID, stepName), or
	// ErrNotFound.
	ForStep(ctx context.Context, jobID, stepName string) (CheckpointEntry, error)

	// List returns all entries for the job ordered by creation time.
	List(ctx context.Context, jobID string) ([]CheckpointEntry, error)
}

// legacyColumn pairs a legacy scalar column with the value the current state
// holds for it. Only set columns participate in the coalescing UPDATE.
type legacyColumn struct {
	name  string
	value any
}

// legacyProjection selects the curated legacy fields that are populated in
// the given state. Empty strings and zero dimensions are withheld so a
// partial state never overwrites earlier data with nulls.
func legacyProjection(st state.State) []legacyColumn {
	cols := make([]legacyColumn, 0, 16)
	addString := func(name, v string) {
		if v != "" {
			cols = append(cols, legacyColumn{name, v})
		}
	}
	addInt := func(name string, v int) {
		if v > 0 {
			cols = append(cols, legacyColumn{name, v})
		}
	}

	addString("template_id", st.TemplateID)
	addString("original_video_url", st.OriginalVideoURL)
	addString("normalized_video_url", st.NormalizedVideoURL)
	addString("phase1_video_url", st.Phase1VideoURL)
	addString("phase1_audio_url", st.Phase1AudioURL)
	addString("phase2_video_url", st.Phase2VideoURL)
	addString("matted_video_url", st.MattedVideoURL)
	addString("output_video_url", st.OutputVideoURL)
	addString("transcription_text", st.TranscriptionText)
	addString("storytelling_mode", st.StorytellingMode)
	addString("detected_content_type", st.DetectedContentType)
	addString("error_message", st.ErrorMessage)
	addInt("canvas_width", st.CanvasWidth)
	addInt("canvas_height", st.CanvasHeight)
	return cols
}

// progressStep is one entry of the derived steps array consumed by external
// progress displays.
type progressStep struct {
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// deriveSteps builds the steps array: one entry per completed step plus the
// failed step, in completion order.
func deriveSteps(st state.State) ([]byte, error) {
	steps := make([]progressStep, 0, len(st.CompletedSteps)+1)
	for _, name := range st.CompletedSteps {
		entry := progressStep{Name: name, Status: "completed"}
		if t, ok := st.StepTimings[name]; ok {
			entry.StartedAt = t.StartedAt
			entry.DurationMS = t.DurationMS
		}
		steps = append(steps, entry)
	}
	if st.FailedStep != "" {
		entry := progressStep{Name: st.FailedStep, Status: "failed", Error: st.ErrorMessage}
		if t, ok := st.StepTimings[st.FailedStep]; ok {
			entry.StartedAt = t.StartedAt
			entry.DurationMS = t.DurationMS
			if t.Error != "" {
				entry.Error = t.Error
			}
		}
		steps = append(steps, entry)
	}
	return json.Marshal(steps)
}

// legacyFallback reconstructs a state from legacy scalar columns for rows
// that predate the JSON state column (migration path).
type legacyRow struct {
	jobID               string
	projectID           string
	userID              string
	conversationID      string
	templateID          string
	status              string
	errorMessage        string
	originalVideoURL    string
	normalizedVideoURL  string
	phase1VideoURL      string
	phase1AudioURL      string
	phase2VideoURL      string
	mattedVideoURL      string
	outputVideoURL      string
	transcriptionText   string
	storytellingMode    string
	detectedContentType string
	canvasWidth         int
	canvasHeight        int
}

func (r legacyRow) toState() state.State {
	return state.State{
		JobID:               r.jobID,
		ProjectID:           r.projectID,
		UserID:              r.userID,
		ConversationID:      r.conversationID,
		TemplateID:          r.templateID,
		ErrorMessage:        r.errorMessage,
		OriginalVideoURL:    r.originalVideoURL,
		NormalizedVideoURL:  r.normalizedVideoURL,
		Phase1VideoURL:      r.phase1VideoURL,
		Phase1AudioURL:      r.phase1AudioURL,
		Phase2VideoURL:      r.phase2VideoURL,
		MattedVideoURL:      r.mattedVideoURL,
		OutputVideoURL:      r.outputVideoURL,
		TranscriptionText:   r.transcriptionText,
		StorytellingMode:    r.storytellingMode,
		DetectedContentType: r.detectedContentType,
		CanvasWidth:         r.canvasWidth,
		CanvasHeight:        r.canvasHeight,
	}
}
