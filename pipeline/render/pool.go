package render

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Uploader pushes the final concatenated file into the blob store and
// returns a delivery URL. The store itself is a black box.
type Uploader interface {
	UploadFile(ctx context.Context, sourcePath, objectKey string) (string, error)
}

// PoolConfig tunes the chunked worker-pool dispatch. Zero values take the
// production defaults; tests shrink the timings.
type PoolConfig struct {
	// InitialPollDelay is the wait before the first poll (job startup).
	InitialPollDelay time.Duration

	// PollInterval is the delay between polls.
	PollInterval time.Duration

	// MaxPreAck404 is how many 404 polls are tolerated before the worker
	// has ever acknowledged the job.
	MaxPreAck404 int

	// MaxConsecutive5xx is the consecutive server-error budget.
	MaxConsecutive5xx int

	// ChunkTimeout bounds one chunk end to end.
	ChunkTimeout time.Duration

	// SubmitTimeout bounds the chunk submission request.
	SubmitTimeout time.Duration

	// RotationOffset shifts which chunk index maps to which worker, for
	// diagnosing per-worker behavior.
	RotationOffset int
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.InitialPollDelay <= 0 {
		c.InitialPollDelay = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxPreAck404 <= 0 {
		c.MaxPreAck404 = 150
	}
	if c.MaxConsecutive5xx <= 0 {
		c.MaxConsecutive5xx = 5
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = 600 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 30 * time.Second
	}
	return c
}

// WorkerPool fans one render out across homogeneous workers by frame-range
// chunking, polls each chunk to completion, concatenates the ordered chunk
// outputs, and uploads the final file.
type WorkerPool struct {
	workers  []*Worker
	concat   *ConcatClient
	uploader Uploader
	cfg      PoolConfig
	logger   *log.Logger
}

// NewWorkerPool builds the pool.
func NewWorkerPool(workers []*Worker, concat *ConcatClient, uploader Uploader, cfg PoolConfig, logger *log.Logger) *WorkerPool {
	if logger == nil {
		logger = log.Default()
	}
	return &WorkerPool{
		workers:  workers,
		concat:   concat,
		uploader: uploader,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "worker-pool"),
	}
}

// Dispatch renders the payload across the pool and returns the delivery URL
// of the concatenated result. Any chunk failure fails the whole dispatch.
func (p *WorkerPool) Dispatch(ctx context.Context, payload Payload, upload UploadPlan) (string, error) {
	jobID := payload.JobID()
	if jobID == "" {
		return "", fmt.Errorf("payload has no jobId")
	}

	dispatchID := uuid.NewString()
	logger := p.logger.With("job_id", jobID, "dispatch_id", dispatchID)

	healthy := p.healthyWorkers(ctx)
	if len(healthy) == 0 {
		return "", fmt.Errorf("no healthy render workers")
	}

	// Stale chunks from an earlier render of this job would satisfy polls
	// prematurely.
	if deleted, err := p.concat.CleanupChunks(ctx, jobID); err != nil {
		logger.Warn("cleanup stale chunks", "err", err)
	} else if deleted > 0 {
		logger.Info("purged stale chunks", "count", deleted)
	}

	frames, err := payload.DurationInFrames()
	if err != nil {
		return "", err
	}
	ranges, err := PartitionFrames(frames, len(healthy))
	if err != nil {
		return "", err
	}
	logger.Info("dispatching chunked render",
		"frames", frames, "chunks", len(ranges), "workers", len(healthy))

	chunkPaths := make([]string, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	for i, frameRange := range ranges {
		worker := healthy[(i+p.cfg.RotationOffset)%len(healthy)]
		chunk := p.chunkPayload(payload, jobID, i, frameRange)
		g.Go(func() error {
			path, err := p.runChunk(gctx, worker, chunk, jobID, i)
			if err != nil {
				return fmt.Errorf("chunk %d on %s: %w", i, worker.Name, err)
			}
			chunkPaths[i] = path
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	result, err := p.concat.ConcatChunks(ctx, jobID, chunkPaths, upload.Path())
	if err != nil {
		return "", err
	}
	if p.uploader == nil {
		if result.OutputURL == "" {
			return "", fmt.Errorf("concat returned no URL and no uploader configured")
		}
		return result.OutputURL, nil
	}
	url, err := p.uploader.UploadFile(ctx, result.OutputPath, upload.Path())
	if err != nil {
		return "", fmt.Errorf("upload concatenated render: %w", err)
	}
	return url, nil
}

// chunkPayload builds the per-chunk payload copy: the chunk's frame range,
// chunk markers, and internal-DNS URL rewriting.
func (p *WorkerPool) chunkPayload(payload Payload, jobID string, index int, frameRange FrameRange) Payload {
	chunk := payload.Clone()
	chunk["jobId"] = fmt.Sprintf("%s_chunk_%d", jobID, index)
	chunk["frame_range"] = map[string]any{"start": frameRange.Start, "end": frameRange.End}
	chunk["is_chunk"] = true
	chunk["chunk_index"] = index
	chunk["skip_upload"] = true
	chunk["output_to_shared"] = true
	return RewriteToInternal(map[string]any(chunk)).(map[string]any)
}

func (p *WorkerPool) healthyWorkers(ctx context.Context) []*Worker {
	var healthy []*Worker
	for _, w := range p.workers {
		if w.Healthy(ctx) {
			healthy = append(healthy, w)
		} else {
			p.logger.Warn("worker unhealthy, excluding", "worker", w.Name)
		}
	}
	return healthy
}

// runChunk submits one chunk and polls it to a terminal status, returning
// the chunk's output path.
func (p *WorkerPool) runChunk(ctx context.Context, worker *Worker, chunk Payload, jobID string, index int) (string, error) {
	chunkCtx, cancel := context.WithTimeout(ctx, p.cfg.ChunkTimeout)
	defer cancel()

	if _, err := worker.Submit(chunkCtx, chunk, p.cfg.SubmitTimeout); err != nil {
		return "", err
	}
	chunkJobID, _ := chunk["jobId"].(string)

	select {
	case <-time.After(p.cfg.InitialPollDelay):
	case <-chunkCtx.Done():
		return "", fmt.Errorf("chunk timed out before first poll: %w", chunkCtx.Err())
	}

	acked := false
	notFound := 0
	consecutive5xx := 0
	for {
		status, code, err := worker.PollJob(chunkCtx, chunkJobID)
		switch {
		case err != nil:
			consecutive5xx++
			if consecutive5xx > p.cfg.MaxConsecutive5xx {
				return "", fmt.Errorf("poll error budget exhausted: %w", err)
			}
			p.logger.Warn("poll failed", "job_id", jobID, "chunk", index, "err", err)

		case code == 404 && !acked:
			notFound++
			if notFound > p.cfg.MaxPreAck404 {
				return "", fmt.Errorf("job never appeared on worker after %d polls", notFound)
			}
			consecutive5xx = 0

		case code == 404 && acked:
			return "", fmt.Errorf("job disappeared on worker after acknowledgement")

		case code >= 500:
			consecutive5xx++
			if consecutive5xx > p.cfg.MaxConsecutive5xx {
				return "", fmt.Errorf("worker returned %d %d times in a row", code, consecutive5xx)
			}

		case code == 200:
			acked = true
			consecutive5xx = 0
			switch status.Status {
			case "completed":
				if status.SharedPath != "" {
					return status.SharedPath, nil
				}
				if status.OutputPath != "" {
					return status.OutputPath, nil
				}
				return "", fmt.Errorf("chunk completed without an output path")
			case "failed", "error":
				return "", fmt.Errorf("worker reported %s: %s", status.Status, status.Error)
			}
			// queued / rendering: keep polling.

		default:
			// Unexpected 4xx other than 404: treat like a server error.
			consecutive5xx++
			if consecutive5xx > p.cfg.MaxConsecutive5xx {
				return "", fmt.Errorf("worker returned %d %d times in a row", code, consecutive5xx)
			}
		}

		select {
		case <-time.After(p.cfg.PollInterval):
		case <-chunkCtx.Done():
			return "", fmt.Errorf("chunk timed out: %w", chunkCtx.Err())
		}
	}
}
