package render

import (
	"context"
	"database/sql"
	"fmt"
)

// UploadPlan tells the worker where to write the finished render.
type UploadPlan struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
	JobID     string `json:"job_id"`
	Phase     string `json:"phase"`
	Version   int    `json:"version"`

	// Structured selects the versioned per-user path; when false the legacy
	// flat name is used.
	Structured bool `json:"-"`
}

// Path returns the blob-store object key for this plan.
func (u UploadPlan) Path() string {
	if !u.Structured {
		return fmt.Sprintf("%s_final.mp4", u.JobID)
	}
	return fmt.Sprintf("users/%s/projects/%s/renders/%s_v%d.mp4",
		u.UserID, u.ProjectID, u.JobID, u.Version)
}

// VersionStore allocates monotonically increasing render version numbers
// scoped by (project_id, phase).
type VersionStore struct {
	db *sql.DB
}

// NewVersionStore wraps an existing database handle; the render_versions
// table is expected to exist (shared with the state store's migrations).
func NewVersionStore(db *sql.DB) *VersionStore {
	return &VersionStore{db: db}
}

// NextVersion returns MAX(version_number)+1 within the (projectID, phase)
// scope, starting at 1 for the first render.
func (v *VersionStore) NextVersion(ctx context.Context, projectID, phase string) (int, error) {
	var next int
	err := v.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version_number), 0) + 1 FROM render_versions WHERE project_id = ? AND phase = ?",
		projectID, phase).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next render version for %s/%s: %w", projectID, phase, err)
	}
	return next, nil
}

// Record persists an allocated version so later renders see it.
func (v *VersionStore) Record(ctx context.Context, projectID, phase string, version int) error {
	_, err := v.db.ExecContext(ctx,
		"INSERT INTO render_versions (project_id, phase, version_number) VALUES (?, ?, ?)",
		projectID, phase, version)
	if err != nil {
		return fmt.Errorf("record render version %d for %s/%s: %w", version, projectID, phase, err)
	}
	return nil
}
