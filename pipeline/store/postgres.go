package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/viniciusai/pipeline-go/pipeline/state"
)

// PostgresStore implements JobStore and CheckpointLog on PostgreSQL via the
// pgx stdlib driver. The state column is JSONB, so the database can index
// into it for ad-hoc debugging queries.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects with the given DSN and migrates the schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

// NewPostgresStoreFromDB wraps an existing handle. The caller owns schema
// setup and the handle's lifetime. Used with sqlmock in tests.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) createTables(ctx context.Context) error {
	jobsTable := `
		CREATE TABLE IF NOT EXISTS video_jobs (
			job_id TEXT NOT NULL PRIMARY KEY,
			project_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			template_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			pipeline_state JSONB NULL,
			steps JSONB NULL,
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
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := s.db.ExecContext(ctx, jobsTable); err != nil {
		return fmt.Errorf("create video_jobs table: %w", err)
	}

	logsTable := `
		CREATE TABLE IF NOT EXISTS pipeline_debug_logs (
			id BIGSERIAL PRIMARY KEY,
			job_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			direction TEXT NOT NULL DEFAULT 'checkpoint',
			payload_json JSONB NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			attempt INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
func (s *PostgresStore) Load(ctx context.Context, jobID string) (state.State, error) {
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
		FROM video_jobs WHERE job_id = $1
	`
	var stateJSON []byte
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

	if len(stateJSON) > 0 {
		var st state.State
		if err := json.Unmarshal(stateJSON, &st); err != nil {
			return state.State{}, fmt.Errorf("decode pipeline_state for job %s: %w", jobID, err)
		}
		return st, nil
	}
	return row.toState(), nil
}

// Save implements JobStore.
func (s *PostgresStore) Save(ctx context.Context, jobID string, st state.State, stepName string) error {
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

	sets := []string{"pipeline_state = $1", "steps = $2", "updated_at = now()"}
	args := []any{string(stateJSON), string(stepsJSON)}
	for _, col := range legacyProjection(st) {
		args = append(args, col.value)
		sets = append(sets, fmt.Sprintf("%s = $%d", col.name, len(args)))
	}
	args = append(args, jobID)

	res, err := tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE video_jobs SET %s WHERE job_id = $%d",
			strings.Join(sets, ", "), len(args)), args...)
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
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (job_id) DO UPDATE SET pipeline_state = EXCLUDED.pipeline_state, steps = EXCLUDED.steps`,
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
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, status string, errMsg string) error {
	var err error
	if errMsg != "" {
		_, err = s.db.ExecContext(ctx,
			"UPDATE video_jobs SET status = $1, error_message = $2, updated_at = now() WHERE job_id = $3",
			status, errMsg, jobID)
	} else {
		_, err = s.db.ExecContext(ctx,
			"UPDATE video_jobs SET status = $1, updated_at = now() WHERE job_id = $2",
			status, jobID)
	}
	if err != nil {
		return fmt.Errorf("update status for job %s: %w", jobID, err)
	}
	return nil
}

// Append implements CheckpointLog.
func (s *PostgresStore) Append(ctx context.Context, entry CheckpointEntry) error {
	if entry.Direction == "" {
		entry.Direction = DirectionCheckpoint
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_debug_logs (job_id, step_name, direction, payload_json, duration_ms, attempt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.JobID, entry.StepName, entry.Direction, string(entry.State),
		entry.DurationMS, entry.Attempt, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append checkpoint %s/%s: %w", entry.JobID, entry.StepName, err)
	}
	return nil
}

// ForStep implements CheckpointLog.
func (s *PostgresStore) ForStep(ctx context.Context, jobID, stepName string) (CheckpointEntry, error) {
	var entry CheckpointEntry
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, step_name, direction, payload_json, duration_ms, attempt, created_at
		FROM pipeline_debug_logs
		WHERE job_id = $1 AND step_name = $2
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
func (s *PostgresStore) List(ctx context.Context, jobID string) ([]CheckpointEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, step_name, direction, payload_json, duration_ms, attempt, created_at
		FROM pipeline_debug_logs
		WHERE job_id = $1
		ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var entries []CheckpointEntry
	for rows.Next() {
		var entry CheckpointEntry
		var payload []byte
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
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
