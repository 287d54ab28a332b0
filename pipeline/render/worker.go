package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Worker is an HTTP client for one render worker.
type Worker struct {
	// Name identifies the worker in logs and diagnostics.
	Name string

	// BaseURL is the worker's root address, e.g. "http://render-1:3000".
	BaseURL string

	client *http.Client
}

// NewWorker builds a worker client.
func NewWorker(name, baseURL string) *Worker {
	return &Worker{
		Name:    name,
		BaseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Healthy probes GET /health.
func (w *Worker) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// SubmitResponse is the worker's answer to a render submission. Synchronous
// workers return the final URL; asynchronous ones only acknowledge.
type SubmitResponse struct {
	Status    string `json:"status"`
	OutputURL string `json:"output_url"`
	B2URL     string `json:"b2_url"`
	Error     string `json:"error"`
}

// Submit posts the payload to /render-video. timeout distinguishes the
// synchronous flavor (~600s, final URL in body) from the ack flavor (~5s).
func (w *Worker) Submit(ctx context.Context, payload Payload, timeout time.Duration) (SubmitResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("marshal render payload: %w", err)
	}

	submitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(submitCtx, http.MethodPost, w.BaseURL+"/render-video", bytes.NewReader(body))
	if err != nil {
		return SubmitResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("submit to %s: %w", w.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return SubmitResponse{}, fmt.Errorf("submit to %s: status %d: %s", w.Name, resp.StatusCode, data)
	}

	var out SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// Some workers ack with an empty body.
		return SubmitResponse{Status: "accepted"}, nil
	}
	return out, nil
}

// JobStatus is one poll result from GET /job/{job_id}.
type JobStatus struct {
	Status     string  `json:"status"`
	Progress   float64 `json:"progress"`
	OutputPath string  `json:"output_path"`
	SharedPath string  `json:"shared_path"`
	B2URL      string  `json:"b2_url"`
	Error      string  `json:"error"`
}

// PollJob fetches the worker's view of jobID. The HTTP status code is
// returned alongside so the caller can apply the pre-ack/post-ack 404
// rules; err is non-nil only for transport failures.
func (w *Worker) PollJob(ctx context.Context, jobID string) (JobStatus, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.BaseURL+"/job/"+jobID, nil)
	if err != nil {
		return JobStatus{}, 0, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return JobStatus{}, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return JobStatus{}, resp.StatusCode, nil
	}
	var status JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return JobStatus{}, resp.StatusCode, fmt.Errorf("decode job status from %s: %w", w.Name, err)
	}
	return status, resp.StatusCode, nil
}
