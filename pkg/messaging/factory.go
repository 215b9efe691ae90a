package messaging

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-admission-api/pkg/config"
)

// New builds the publisher selected by cfg.Driver.
func New(ctx context.Context, cfg config.MessagingConfig, defaultTopic string, logger *zap.Logger) (Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case "", config.MessagingDriverLog:
		return NewLogPublisher(logger.Named("messaging")), nil
	case config.MessagingDriverRabbitMQ:
		return DialRabbitMQ(ctx, RabbitMQOptions{
			URL:             cfg.RabbitMQURL,
			ConnectTimeout:  cfg.ConnectTimeout,
			ConnectAttempts: cfg.ConnectAttempts,
			AppID:           cfg.ClientID,
			Logger:          logger.Named("rabbitmq"),
		})
	case config.MessagingDriverKafka:
		return NewKafkaPublisher(KafkaOptions{
			Brokers:      cfg.KafkaBrokers,
			ClientID:     cfg.ClientID,
			DefaultTopic: defaultTopic,
			Logger:       logger.Named("kafka"),
		})
	default:
		return nil, fmt.Errorf("unknown messaging driver %q", cfg.Driver)
	}
}
