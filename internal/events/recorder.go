package events

import (
	"context"
	"log/slog"
)

// Recorder is the single entry point every other component uses to emit a
// domain event: append to the durable log first, then best-effort fan out.
// A publish failure never undoes the append and is never surfaced to the
// caller as an error.
type Recorder struct {
	log       Log
	publisher Publisher
	logger    *slog.Logger
}

func NewRecorder(log Log, publisher Publisher, logger *slog.Logger) *Recorder {
	return &Recorder{log: log, publisher: publisher, logger: logger}
}

func (r *Recorder) Record(ctx context.Context, e Event) error {
	if err := r.log.Append(ctx, e); err != nil {
		return err
	}
	if err := r.publisher.Publish(ctx, e); err != nil {
		r.logger.Warn("event fan-out failed after durable append", "event_id", e.ID, "event_type", e.Type, "error", err)
	}
	return nil
}
