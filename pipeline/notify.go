package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
)

// Notifier delivers out-of-band notifications about job outcomes. All
// deliveries are best-effort: the engine logs failures and never escalates
// them.
type Notifier interface {
	// NotifyFailure reports a failed job to an admin channel.
	NotifyFailure(ctx context.Context, jobID, step, errMsg string)

	// NotifyComplete posts the final artifact to the job's webhook, when set.
	NotifyComplete(ctx context.Context, jobID, webhookURL, outputURL string)
}

// WebhookNotifier posts JSON payloads over HTTP.
type WebhookNotifier struct {
	client   *http.Client
	adminURL string
	logger   *log.Logger
}

// NewWebhookNotifier creates a notifier. adminURL may be empty, in which case
// failure notifications are logged only.
func NewWebhookNotifier(adminURL string, logger *log.Logger) *WebhookNotifier {
	if logger == nil {
		logger = log.Default()
	}
	return &WebhookNotifier{
		client:   &http.Client{Timeout: 10 * time.Second},
		adminURL: adminURL,
		logger:   logger.With("component", "notifier"),
	}
}

// NotifyFailure implements Notifier.
func (n *WebhookNotifier) NotifyFailure(ctx context.Context, jobID, step, errMsg string) {
	if n.adminURL == "" {
		n.logger.Warn("no admin webhook configured, failure not forwarded",
			"job_id", jobID, "step", step)
		return
	}
	n.post(ctx, n.adminURL, map[string]any{
		"event":   "job_failed",
		"job_id":  jobID,
		"step":    step,
		"error":   errMsg,
		"sent_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// NotifyComplete implements Notifier.
func (n *WebhookNotifier) NotifyComplete(ctx context.Context, jobID, webhookURL, outputURL string) {
	if webhookURL == "" {
		return
	}
	n.post(ctx, webhookURL, map[string]any{
		"event":      "job_complete",
		"job_id":     jobID,
		"output_url": outputURL,
		"sent_at":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (n *WebhookNotifier) post(ctx context.Context, url string, payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Warn("marshal notification", "err", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("build notification request", "url", url, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("deliver notification", "url", url, "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("notification rejected",
			"url", url, "status", fmt.Sprintf("%d", resp.StatusCode))
	}
}

// NullNotifier discards all notifications.
type NullNotifier struct{}

// NotifyFailure implements Notifier.
func (NullNotifier) NotifyFailure(context.Context, string, string, string) {}

// NotifyComplete implements Notifier.
func (NullNotifier) NotifyComplete(context.Context, string, string, string) {}
