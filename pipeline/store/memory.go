package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/viniciusai/pipeline-go/pipeline/state"
)

// MemStore is an in-memory JobStore and CheckpointLog.
//
// Designed for tests, development and single-process dry runs. Thread-safe.
// Data is lost when the process terminates; use one of the SQL-backed stores
// in production.
type MemStore struct {
	mu          sync.RWMutex
	jobs        map[string]memJob
	checkpoints map[string][]CheckpointEntry // jobID -> entries in append order
}

type memJob struct {
	stateJSON []byte
	status    string
	errMsg    string
	stepName  string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		jobs:        make(map[string]memJob),
		checkpoints: make(map[string][]CheckpointEntry),
	}
}

// Seed inserts a job row directly, bypassing Save's projection. Intended for
// test setup and job intake.
func (m *MemStore) Seed(jobID string, st state.State, status string) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID] = memJob{stateJSON: data, status: status}
	return nil
}

// Load implements JobStore.
func (m *MemStore) Load(_ context.Context, jobID string) (state.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return state.State{}, ErrNotFound
	}
	var st state.State
	if err := json.Unmarshal(job.stateJSON, &st); err != nil {
		return state.State{}, err
	}
	return st, nil
}

// Save implements JobStore. The in-memory store keeps only the JSON form;
// the legacy projection is exercised for error parity with the SQL stores.
func (m *MemStore) Save(_ context.Context, jobID string, st state.State, stepName string) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if _, err := deriveSteps(st); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[jobID]
	job.stateJSON = data
	job.stepName = stepName
	if job.status == "" {
		job.status = StatusProcessing
	}
	m.jobs[jobID] = job
	return nil
}

// UpdateJobStatus implements JobStore.
func (m *MemStore) UpdateJobStatus(_ context.Context, jobID string, status string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		job = memJob{stateJSON: []byte("{}")}
	}
	job.status = status
	if errMsg != "" {
		job.errMsg = errMsg
	}
	m.jobs[jobID] = job
	return nil
}

// Status returns the job's current status. Test helper.
func (m *MemStore) Status(jobID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	return job.status, ok
}

// Append implements CheckpointLog.
func (m *MemStore) Append(_ context.Context, entry CheckpointEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Direction == "" {
		entry.Direction = DirectionCheckpoint
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[entry.JobID] = append(m.checkpoints[entry.JobID], entry)
	return nil
}

// ForStep implements CheckpointLog, returning the latest entry for the step.
func (m *MemStore) ForStep(_ context.Context, jobID, stepName string) (CheckpointEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.checkpoints[jobID]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].StepName == stepName {
			return entries[i], nil
		}
	}
	return CheckpointEntry{}, ErrNotFound
}

// List implements CheckpointLog.
func (m *MemStore) List(_ context.Context, jobID string) ([]CheckpointEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.checkpoints[jobID]
	out := make([]CheckpointEntry, len(entries))
	copy(out, entries)
	return out, nil
}
