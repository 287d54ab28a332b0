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

// ConcatClient calls the ffmpeg concat service that joins ordered chunk
// outputs into a single file.
type ConcatClient struct {
	client  *http.Client
	baseURL string
}

// NewConcatClient points at the concat service, e.g. "http://v-services:5000".
func NewConcatClient(baseURL string) *ConcatClient {
	return &ConcatClient{
		client:  &http.Client{Timeout: 10 * time.Minute},
		baseURL: baseURL,
	}
}

// ConcatResult is the service's response for a successful join.
type ConcatResult struct {
	OutputPath string `json:"output_path"`
	OutputURL  string `json:"output_url"`
}

// ConcatChunks joins chunkPaths (in chunk-index order) into outputFilename.
func (c *ConcatClient) ConcatChunks(ctx context.Context, jobID string, chunkPaths []string, outputFilename string) (ConcatResult, error) {
	if len(chunkPaths) == 0 {
		return ConcatResult{}, fmt.Errorf("concat: no chunk paths for job %s", jobID)
	}
	var out ConcatResult
	err := c.post(ctx, "/ffmpeg/concat-chunks", map[string]any{
		"chunk_paths":     chunkPaths,
		"output_filename": outputFilename,
		"job_id":          jobID,
	}, &out)
	if err != nil {
		return ConcatResult{}, err
	}
	if out.OutputPath == "" && out.OutputURL == "" {
		return ConcatResult{}, fmt.Errorf("concat: empty result for job %s", jobID)
	}
	return out, nil
}

// CleanupChunks purges chunk files of earlier renders of the same job, so a
// new dispatch never polls its way into a previous run's artifacts.
func (c *ConcatClient) CleanupChunks(ctx context.Context, jobID string) (int, error) {
	var out struct {
		DeletedCount int `json:"deleted_count"`
	}
	if err := c.post(ctx, "/ffmpeg/cleanup-chunks", map[string]any{"job_id": jobID}, &out); err != nil {
		return 0, err
	}
	return out.DeletedCount, nil
}

func (c *ConcatClient) post(ctx context.Context, path string, payload map[string]any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("concat service %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("concat service %s: status %d: %s", path, resp.StatusCode, data)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
