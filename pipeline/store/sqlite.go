package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/viniciusai/pipeline-go/pipeline/state"
)

// SQLiteStore is a single-file implementation of JobStore and CheckpointLog.
//
// Zero-setup persistence for development and single-process deployments.
// WAL mode keeps readers unblocked during writes. Use ":memory:" for
// throwaway test databases.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if necessary) the database at path and
// migrates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	jobsTable := `
		CREATE TABLE IF NOT EXISTS video_jobs (
			job_id TEXT NOT NULL PRIMARY KEY,
			project_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			template_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			pipeline_state TEXT NULL,
			steps TEXT NULL,
			error_message TEXT NULL,
			original_video_url TEXT NULL,
			normalized_video_url TEXT NULL,
			phase1_video_url TEXT NULL,
			phase1_audio_url TEXT NULL,
			phase2_video_url TEXT NULL,
			matted_video_url TEXT NULL,
			output_video_url TEXT NULL,
			transcription_text TEXT NULL,
			storytelling_mode TEXT NULL,
			detected_content_type TEXT NULL,
			canvas_width INTEGER NULL,
			canvas_height INTEGER NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.ExecContext(ctx, jobsTable); err != nil {
		return fmt.Errorf("create video_jobs table: %w", err)
	}

	logsTable := `
		CREATE TABLE IF NOT EXISTS pipeline_debug_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			direction TEXT NOT NULL DEFAULT 'checkpoint',
			payload_json TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			attempt INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.ExecContext(ctx, logsTable); err != nil {
		return fmt.Errorf("create pipeline_debug_logs table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_debug_job_step ON pipeline_debug_logs (job_id, step_name)"); err != nil {
		return fmt.Errorf("create checkpoint index: %w", err)
	}
	return nil
}

// Load implements JobStore.
func (s *SQLiteStore) Load(ctx context.Context, jobID string) (state.State, error) {
	query := `
		SELECT pipeline_state,
		       job_id, project_id, user_id, conversation_id, template_id,
		       status, COALESCE(error_message, ''),
		       COALESCE(original_video_url, ''), COALESCE(normalized_video_url, ''),
		       COALESCE(phase1_video_url, ''), COALESCE(phase1_audio_url, ''),
		       COALESCE(phase2_video_url, ''), COALESCE(matted_video_url, ''),
		       COALESCE(output_video_url, ''), COALESCE(transcription_text, ''),
		       COALESCE(storytelling_mode, ''), COALESCE(detected_content_type, ''),
		       COALESCE(canvas_width, 0), COALESCE(canvas_height, 0)
		FROM video_jobs WHERE job_id = ?
	`
	var stateJSON sql.NullString
	var row legacyRow
	err := s.db.QueryRowContext(ctx, query, jobID).Scan(
		&stateJSON,
		&row.jobID, &row.projectID, &row.userID, &row.conversationID, &row.templateID,
		&row.status, &row.errorMessage,
		&row.originalVideoURL, &row.normalizedVideoURL,
		&row.phase1VideoURL, &row.phase1AudioURL,
		&row.phase2VideoURL, &row.mattedVideoURL,
		&row.outputVideoURL, &row.transcriptionText,
		&row.storytellingMode, &row.detectedContentType,
		&row.canvasWidth, &row.canvasHeight,
	)
	if err == sql.ErrNoRows {
		return state.State{}, ErrNotFound
	}
	if err != nil {
		return state.State{}, fmt.Errorf("load job %s: %w", jobID, err)
	}

	if stateJSON.Valid && stateJSON.String != "" {
		var st state.State
		if err := json.Unmarshal([]byte(stateJSON.String), &st); err != nil {
			return state.State{}, fmt.Errorf("decode pipeline_state for job %s: %w", jobID, err)
		}
		return st, nil
	}
	return row.toState(), nil
}

// Save implements JobStore.
func (s *SQLiteStore) Save(ctx context.Context, jobID string, st state.State, stepName string) error {
	stateJSON, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	stepsJSON, err := deriveSteps(st)
	if err != nil {
		return fmt.Errorf("derive steps: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sets := []string{"pipeline_state = ?", "steps = ?", "updated_at = CURRENT_TIMESTAMP"}
	args := []any{string(stateJSON), string(stepsJSON)}
	for _, col := range legacyProjection(st) {
		sets = append(sets, col.name+" = ?")
		args = append(args, col.value)
	}
	args = append(args, jobID)

	res, err := tx.ExecContext(ctx,
		"UPDATE video_jobs SET "+strings.Join(sets, ", ")+" WHERE job_id = ?", args...)
	if err != nil {
		return fmt.Errorf("save state for job %s (step %s): %w", jobID, stepName, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save state for job %s: %w", jobID, err)
	}
	if affected == 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO video_jobs (job_id, project_id, user_id, conversation_id, template_id, status, pipeline_state, steps)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (job_id) DO UPDATE SET pipeline_state = excluded.pipeline_state, steps = excluded.steps`,
			jobID, st.ProjectID, st.UserID, st.ConversationID, st.TemplateID,
			StatusProcessing, string(stateJSON), string(stepsJSON)); err != nil {
			return fmt.Errorf("insert state for job %s: %w", jobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save for job %s: %w", jobID, err)
	}
	return nil
}

// UpdateJobStatus implements JobStore.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, jobID string, status string, errMsg string) error {
	var err error
	if errMsg != "" {
		_, err = s.db.ExecContext(ctx,
			"UPDATE video_jobs SET status = ?, error_message = ? WHERE job_id = ?",
			status, errMsg, jobID)
	} else {
		_, err = s.db.ExecContext(ctx,
			"UPDATE video_jobs SET status = ? WHERE job_id = ?",
			status, jobID)
	}
	if err != nil {
		return fmt.Errorf("update status for job %s: %w", jobID, err)
	}
	return nil
}

// Append implements CheckpointLog.
func (s *SQLiteStore) Append(ctx context.Context, entry CheckpointEntry) error {
	if entry.Direction == "" {
		entry.Direction = DirectionCheckpoint
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_debug_logs (job_id, step_name, direction, payload_json, duration_ms, attempt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.JobID, entry.StepName, entry.Direction, string(entry.State),
		entry.DurationMS, entry.Attempt, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append checkpoint %s/%s: %w", entry.JobID, entry.StepName, err)
	}
	return nil
}

// ForStep implements CheckpointLog.
func (s *SQLiteStore) ForStep(ctx context.Context, jobID, stepName string) (CheckpointEntry, error) {
	var entry CheckpointEntry
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, step_name, direction, payload_json, duration_ms, attempt, created_at
		FROM pipeline_debug_logs
		WHERE job_id = ? AND step_name = ?
		ORDER BY id DESC
		LIMIT 1`, jobID, stepName).Scan(
		&entry.JobID, &entry.StepName, &entry.Direction, &payload,
		&entry.DurationMS, &entry.Attempt, &entry.CreatedAt)
	if err == sql.ErrNoRows {
		return CheckpointEntry{}, ErrNotFound
	}
	if err != nil {
		return CheckpointEntry{}, fmt.Errorf("load checkpoint %s/%s: %w", jobID, stepName, err)
	}
	entry.State = json.RawMessage(payload)
	return entry, nil
}

// List implements CheckpointLog.
func (s *SQLiteStore) List(ctx context.Context, jobID string) ([]CheckpointEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, step_name, direction, payload_json, duration_ms, attempt, created_at
		FROM pipeline_debug_logs
		WHERE job_id = ?
		ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var entries []CheckpointEntry
	for rows.Next() {
		var entry CheckpointEntry
		var payload string
		if err := rows.Scan(&entry.JobID, &entry.StepName, &entry.Direction, &payload,
			&entry.DurationMS, &entry.Attempt, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint row: %w", err)
		}
		entry.State = json.RawMessage(payload)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
