package notifier

import (
	"context"
	"log/slog"

	"fleetops/internal/models"
)

// LogSink writes notifications to the log instead of delivering them.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Deliver(ctx context.Context, actorId string, eventType models.EventType, payload []byte) error {
	s.log.InfoContext(ctx, "notification",
		slog.String("recipient", actorId),
		slog.String("event_type", string(eventType)),
		slog.String("payload", string(payload)),
	)
	return nil
}
