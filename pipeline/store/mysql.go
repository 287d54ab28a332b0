package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/viniciusai/pipeline-go/pipeline/state"
)

// MySQLStore is a MySQL/MariaDB implementation of JobStore and CheckpointLog.
//
// Schema:
//   - video_jobs: one row per job with the JSON state column, the derived
//     steps array, and the legacy scalar columns kept for readers that have
//     not migrated to the JSON column.
//   - pipeline_debug_logs: the append-only checkpoint log.
//
// The DSN format follows go-sql-driver/mysql:
//
//	user:password@tcp(localhost:3306)/pipeline?parseTime=true
//
// Never hardcode credentials; read the DSN from the environment.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a MySQL-backed store, verifies connectivity, and
// creates the schema if missing.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

// NewMySQLStoreFromDB wraps an existing connection without touching the
// schema. Used by tests with sqlmock and by deployments that manage
// migrations externally.
func NewMySQLStoreFromDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	jobsTable := `
		CREATE TABLE IF NOT EXISTS video_jobs (
			job_id VARCHAR(255) NOT NULL PRIMARY KEY,
			project_id VARCHAR(255) NOT NULL DEFAULT '',
			user_id VARCHAR(255) NOT NULL DEFAULT '',
			conversation_id VARCHAR(255) NOT NULL DEFAULT '',
			template_id VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(64) NOT NULL DEFAULT 'pending',
			pipeline_state JSON NULL,
			steps JSON NULL,
			error_message TEXT NULL,
			original_video_url TEXT NULL,
			normalized_video_url TEXT NULL,
			phase1_video_url TEXT NULL,
			phase1_audio_url TEXT NULL,
			phase2_video_url TEXT NULL,
			matted_video_url TEXT NULL,
			output_video_url TEXT NULL,
			transcription_text MEDIUMTEXT NULL,
			storytelling_mode VARCHAR(64) NULL,
			detected_content_type VARCHAR(64) NULL,
			canvas_width INT NULL,
			canvas_height INT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, jobsTable); err != nil {
		return fmt.Errorf("create video_jobs table: %w", err)
	}

	logsTable := `
		CREATE TABLE IF NOT EXISTS pipeline_debug_logs (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			job_id VARCHAR(255) NOT NULL,
			step_name VARCHAR(255) NOT NULL,
			direction VARCHAR(32) NOT NULL DEFAULT 'checkpoint',
			payload_json JSON NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			attempt INT NOT NULL DEFAULT 0,
			created_at TIMESTAMP(3) DEFAULT CURRENT_TIMESTAMP(3),
			INDEX idx_job_step (job_id, step_name),
			INDEX idx_job_created (job_id, created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, logsTable); err != nil {
		return fmt.Errorf("create pipeline_debug_logs table: %w", err)
	}
	return nil
}

// Load implements JobStore.
func (s *MySQLStore) Load(ctx context.Context, jobID string) (state.State, error) {
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

// Save implements JobStore: the JSON column, the derived steps array and the
// coalescing legacy projection are written in a single transaction.
func (s *MySQLStore) Save(ctx context.Context, jobID string, st state.State, stepName string) error {
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

	sets := []string{"pipeline_state = ?", "steps = ?"}
	args := []any{string(stateJSON), string(stepsJSON)}
	for _, col := range legacyProjection(st) {
		sets = append(sets, col.name+" = ?")
		args = append(args, col.value)
	}
	args = append(args, jobID)

	query := "UPDATE video_jobs SET " + strings.Join(sets, ", ") + " WHERE job_id = ?"
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("save state for job %s (step %s): %w", jobID, stepName, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save state for job %s: %w", jobID, err)
	}
	if affected == 0 {
		insert := `
			INSERT INTO video_jobs (job_id, project_id, user_id, conversation_id, template_id, status, pipeline_state, steps)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE pipeline_state = VALUES(pipeline_state), steps = VALUES(steps)
		`
		if _, err := tx.ExecContext(ctx, insert,
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
func (s *MySQLStore) UpdateJobStatus(ctx context.Context, jobID string, status string, errMsg string) error {
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
func (s *MySQLStore) Append(ctx context.Context, entry CheckpointEntry) error {
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
func (s *MySQLStore) ForStep(ctx context.Context, jobID, stepName string) (CheckpointEntry, error) {
	query := `
		SELECT job_id, step_name, direction, payload_json, duration_ms, attempt, created_at
		FROM pipeline_debug_logs
		WHERE job_id = ? AND step_name = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	var entry CheckpointEntry
	var payload string
	err := s.db.QueryRowContext(ctx, query, jobID, stepName).Scan(
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
func (s *MySQLStore) List(ctx context.Context, jobID string) ([]CheckpointEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, step_name, direction, payload_json, duration_ms, attempt, created_at
		FROM pipeline_debug_logs
		WHERE job_id = ?
		ORDER BY created_at ASC, id ASC`, jobID)
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

// Close releases the underlying connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
