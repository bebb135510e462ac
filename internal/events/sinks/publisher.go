package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
	"github.com/vnymr/PASS-ATS-sub004/internal/events"
)

// PublisherSink forwards terminal events to a message topic so downstream
// services learn about outcomes.
type PublisherSink struct {
	pub    apply.Publisher
	topic  string
	logger *zap.Logger
}

// NewPublisherSink constructs a PublisherSink.
func NewPublisherSink(pub apply.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, topic: topic, logger: logger}
}

// Consume publishes terminal events and skips the rest.
func (s *PublisherSink) Consume(ctx context.Context, batch []events.Event) error {
	if s.pub == nil || s.topic == "" {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Terminal() {
			continue
		}
		id, err := s.pub.Publish(ctx, s.topic, evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s for %s: %w", evt.Stage, evt.RequestID, err))
			continue
		}
		s.logger.Debug("published outcome event", zap.String("request_id", evt.RequestID), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close is a no-op; the publisher is owned by the caller.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
