package render

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
)

// DispatchMode selects how the render stage is executed.
type DispatchMode string

const (
	// ModeSync submits to one worker and waits for the final URL in the
	// response body.
	ModeSync DispatchMode = "sync"

	// ModeAsync submits to one worker, gets an acknowledgement, and leaves
	// finalization to the webhook handler.
	ModeAsync DispatchMode = "async"
)

// DispatchResult reports the outcome of a single-backend dispatch.
type DispatchResult struct {
	// OutputURL is set in synchronous mode; empty when the job is still
	// processing on an async backend.
	OutputURL string

	// Processing is true when the final artifact will arrive via webhook.
	Processing bool

	// Upload is the plan the worker was told to write to.
	Upload UploadPlan
}

// Dispatcher submits a full render payload to one external worker. Before
// dispatch it re-signs blob-store URLs, maps external hosts to internal DNS,
// computes the quality profile, and allocates the upload version.
type Dispatcher struct {
	worker   *Worker
	renewer  *URLRenewer
	versions *VersionStore
	logger   *log.Logger

	// Mode selects sync or async submission.
	Mode DispatchMode

	// WebhookURL is attached to async payloads so the worker can call back.
	WebhookURL string

	// SyncTimeout bounds a synchronous render end to end.
	SyncTimeout time.Duration

	// AckTimeout bounds an asynchronous acknowledgement.
	AckTimeout time.Duration

	// StructuredUploads selects the versioned per-user object path over the
	// legacy flat name.
	StructuredUploads bool
}

// NewDispatcher builds a single-backend dispatcher. versions may be nil when
// structured uploads are disabled.
func NewDispatcher(worker *Worker, renewer *URLRenewer, versions *VersionStore, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		worker:      worker,
		renewer:     renewer,
		versions:    versions,
		logger:      logger.With("component", "render-dispatcher"),
		Mode:        ModeSync,
		SyncTimeout: 600 * time.Second,
		AckTimeout:  5 * time.Second,
	}
}

// Dispatch prepares the payload and submits it.
func (d *Dispatcher) Dispatch(ctx context.Context, payload Payload, userID, projectID, phase string) (DispatchResult, error) {
	jobID := payload.JobID()
	if jobID == "" {
		return DispatchResult{}, fmt.Errorf("payload has no jobId")
	}

	prepared := payload.Clone()

	// Renew first so signing sees the original CDN hostnames, then map to
	// internal DNS.
	if d.renewer != nil {
		prepared = Payload(d.renewer.Renew(ctx, map[string]any(prepared)).(map[string]any))
	}
	prepared = Payload(RewriteToInternal(map[string]any(prepared)).(map[string]any))

	quality, _ := prepared["quality"].(string)
	preset, _ := prepared["quality_preset"].(string)
	profile := ComputeQualityProfile(quality, preset)
	prepared["crf"] = profile.CRF
	prepared["audio_bitrate"] = profile.AudioBitrate
	prepared["encoding_preset"] = profile.Preset

	upload := UploadPlan{
		UserID:     userID,
		ProjectID:  projectID,
		JobID:      jobID,
		Phase:      phase,
		Structured: d.StructuredUploads,
	}
	if d.StructuredUploads {
		if d.versions == nil {
			return DispatchResult{}, fmt.Errorf("structured uploads require a version store")
		}
		version, err := d.versions.NextVersion(ctx, projectID, phase)
		if err != nil {
			return DispatchResult{}, err
		}
		upload.Version = version
	}
	prepared["upload_path"] = upload.Path()

	switch d.Mode {
	case ModeAsync:
		if d.WebhookURL != "" {
			prepared["webhook_url"] = d.WebhookURL
		}
		if _, err := d.worker.Submit(ctx, prepared, d.AckTimeout); err != nil {
			return DispatchResult{}, err
		}
		d.logger.Info("render submitted, awaiting webhook", "job_id", jobID, "worker", d.worker.Name)
		return DispatchResult{Processing: true, Upload: upload}, nil

	default:
		resp, err := d.worker.Submit(ctx, prepared, d.SyncTimeout)
		if err != nil {
			return DispatchResult{}, err
		}
		url := resp.OutputURL
		if url == "" {
			url = resp.B2URL
		}
		if url == "" {
			return DispatchResult{}, fmt.Errorf("worker %s returned no output URL (status %q: %s)",
				d.worker.Name, resp.Status, resp.Error)
		}
		if d.StructuredUploads && d.versions != nil {
			if err := d.versions.Record(ctx, projectID, phase, upload.Version); err != nil {
				d.logger.Warn("record render version failed", "job_id", jobID, "err", err)
			}
		}
		d.logger.Info("render completed", "job_id", jobID, "worker", d.worker.Name)
		return DispatchResult{OutputURL: url, Upload: upload}, nil
	}
}
