package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
)

// CloudDispatcher submits renders to a stateless cloud-function backend.
// The function has no job-status endpoint; the result always arrives via the
// webhook, so every dispatch is async-ack.
type CloudDispatcher struct {
	client      *http.Client
	functionURL string
	webhookURL  string
	signer      Signer
	logger      *log.Logger
}

// NewCloudDispatcher points at the deployed function.
func NewCloudDispatcher(functionURL, webhookURL string, signer Signer, logger *log.Logger) *CloudDispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &CloudDispatcher{
		client:      &http.Client{Timeout: 30 * time.Second},
		functionURL: functionURL,
		webhookURL:  webhookURL,
		signer:      signer,
		logger:      logger.With("component", "cloud-dispatcher"),
	}
}

// Dispatch re-signs the payload's video_url and submits the whole payload
// plus the webhook URL. A 2xx means the function accepted the job.
func (d *CloudDispatcher) Dispatch(ctx context.Context, payload Payload) error {
	jobID := payload.JobID()
	if jobID == "" {
		return fmt.Errorf("payload has no jobId")
	}

	prepared := payload.Clone()
	if url, ok := prepared["video_url"].(string); ok && url != "" && d.signer != nil {
		signed, err := d.signer.SignDownload(ctx, url, CrossServiceURLTTL)
		if err != nil {
			d.logger.Warn("re-sign video_url failed, keeping original", "job_id", jobID, "err", err)
		} else {
			prepared["video_url"] = signed
		}
	}
	prepared["webhook_url"] = d.webhookURL

	body, err := json.Marshal(prepared)
	if err != nil {
		return fmt.Errorf("marshal cloud render payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.functionURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("submit to cloud function: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("cloud function rejected job %s: status %d: %s", jobID, resp.StatusCode, data)
	}
	d.logger.Info("cloud render accepted, awaiting webhook", "job_id", jobID)
	return nil
}
