// Package sinks contains event consumers for the events hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/vnymr/PASS-ATS-sub004/internal/events"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.logger.Info("apply event",
			zap.String("request_id", evt.RequestID),
			zap.String("stage", string(evt.Stage)),
			zap.String("state", evt.State),
			zap.Int("attempt", evt.Attempt),
			zap.String("kind", string(evt.Kind)),
			zap.Duration("dur", evt.Dur),
			zap.Float64("cost", evt.Cost),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
