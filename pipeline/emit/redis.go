package emit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

// RedisEmitter publishes signals as JSON onto a per-job Redis channel so
// external progress displays can subscribe without polling the database.
//
// Channel name: <prefix>:<job_id>, e.g. "pipeline:progress:job-123".
// Publishing is fire-and-forget with a short timeout; failures are logged
// and dropped.
type RedisEmitter struct {
	client *redis.Client
	prefix string
	logger *log.Logger
}

// NewRedisEmitter wraps a Redis client. An empty prefix defaults to
// "pipeline:progress".
func NewRedisEmitter(client *redis.Client, prefix string, logger *log.Logger) *RedisEmitter {
	if prefix == "" {
		prefix = "pipeline:progress"
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RedisEmitter{client: client, prefix: prefix, logger: logger}
}

// Emit implements Emitter.
func (r *RedisEmitter) Emit(sig Signal) {
	if sig.At.IsZero() {
		sig.At = time.Now().UTC()
	}
	payload, err := json.Marshal(sig)
	if err != nil {
		r.logger.Warn("drop progress signal", "job_id", sig.JobID, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	channel := r.prefix + ":" + sig.JobID
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		r.logger.Warn("publish progress signal", "channel", channel, "err", err)
	}
}
