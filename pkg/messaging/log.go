package messaging

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes messages to the logger instead of a broker. Used in
// development and when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher constructs a LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs the message and always succeeds unless ctx is done.
func (p *LogPublisher) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.logger.Info("event published",
		zap.String("event_id", msg.ID),
		zap.String("event_type", msg.EventType),
		zap.String("exchange", msg.Exchange),
		zap.String("routing_key", msg.RoutingKey),
		zap.String("key", msg.Key),
		zap.String("correlation_id", msg.CorrelationID),
		zap.String("causation_id", msg.CausationID),
		zap.ByteString("body", msg.Body),
	)
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error {
	return nil
}
