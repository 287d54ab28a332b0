package emit

import (
	"time"

	"github.com/charmbracelet/log"
)

// LogEmitter writes signals through a structured logger.
//
// Step errors and job errors log at Error level, retries at Warn, everything
// else at Info. Meta keys become log fields.
type LogEmitter struct {
	logger *log.Logger
}

// NewLogEmitter wraps the given logger. A nil logger falls back to the
// package default.
func NewLogEmitter(logger *log.Logger) *LogEmitter {
	if logger == nil {
		logger = log.Default()
	}
	return &LogEmitter{logger: logger.With("component", "pipeline")}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(sig Signal) {
	if sig.At.IsZero() {
		sig.At = time.Now()
	}

	fields := make([]any, 0, 4+2*len(sig.Meta))
	fields = append(fields, "job_id", sig.JobID)
	if sig.Step != "" {
		fields = append(fields, "step", sig.Step)
	}
	for k, v := range sig.Meta {
		fields = append(fields, k, v)
	}

	switch sig.Kind {
	case KindStepError, KindJobError:
		l.logger.Error(string(sig.Kind), fields...)
	case KindStepRetry:
		l.logger.Warn(string(sig.Kind), fields...)
	case KindCheckpoint:
		l.logger.Debug(string(sig.Kind), fields...)
	default:
		l.logger.Info(string(sig.Kind), fields...)
	}
}
