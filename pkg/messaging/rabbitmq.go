package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var (
	// ErrNacked means the broker refused the message.
	ErrNacked = errors.New("messaging: broker nacked message")
	// ErrConfirmTimeout means no confirmation arrived before the context expired.
	ErrConfirmTimeout = errors.New("messaging: confirmation timed out")
)

// amqpChannel is the subset of *amqp.Channel the publisher needs.
type amqpChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQOptions configures DialRabbitMQ.
type RabbitMQOptions struct {
	URL             string
	ConnectTimeout  time.Duration
	ConnectAttempts int
	AppID           string
	Logger          *zap.Logger
}

// RabbitMQPublisher publishes with publisher confirms enabled. Publishes are
// serialised so each confirmation pairs with the message just sent.
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	ch       amqpChannel
	confirms chan amqp.Confirmation
	appID    string
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
	// delivery tags count up from 1 per channel in confirm mode
	lastTag uint64
}

// DialRabbitMQ connects with exponential backoff and opens a confirm-mode channel.
func DialRabbitMQ(ctx context.Context, opts RabbitMQOptions) (*RabbitMQPublisher, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	attempts := opts.ConnectAttempts
	if attempts <= 0 {
		attempts = 5
	}
	policy := backoff.NewExponentialBackOff()
	if opts.ConnectTimeout > 0 {
		policy.MaxElapsedTime = opts.ConnectTimeout
	}

	var conn *amqp.Connection
	operation := func() error {
		c, err := amqp.Dial(opts.URL)
		if err != nil {
			var amqpErr *amqp.Error
			if errors.As(err, &amqpErr) && amqpErr.Code == amqp.AccessRefused {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		opts.Logger.Warn("rabbitmq dial failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx)
	if err := backoff.RetryNotify(operation, retry, notify); err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	pub, err := newRabbitMQPublisher(ch, opts.AppID, opts.Logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	pub.conn = conn
	return pub, nil
}

func newRabbitMQPublisher(ch amqpChannel, appID string, logger *zap.Logger) (*RabbitMQPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 8))
	return &RabbitMQPublisher{ch: ch, confirms: confirms, appID: appID, logger: logger}, nil
}

// Publish sends msg to its exchange with its routing key and waits for the broker ack.
func (p *RabbitMQPublisher) Publish(ctx context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}

	if err := p.ch.PublishWithContext(ctx, msg.Exchange, msg.RoutingKey, false, false, toPublishing(msg, p.appID)); err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	p.lastTag++
	tag := p.lastTag

	for {
		select {
		case confirm, ok := <-p.confirms:
			if !ok {
				p.closed = true
				return ErrPublisherClosed
			}
			if confirm.DeliveryTag < tag {
				// late confirmation of an attempt that already timed out
				continue
			}
			if !confirm.Ack {
				return ErrNacked
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrConfirmTimeout, ctx.Err())
		}
	}
}

// Close closes the channel and connection.
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed && p.conn == nil {
		return nil
	}
	p.closed = true
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
		p.conn = nil
	}
	return errors.Join(errs...)
}

func toPublishing(msg Message, appID string) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = tableValue(v)
	}
	for k, v := range standardHeaders(msg) {
		headers[k] = v
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return amqp.Publishing{
		Headers:       headers,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Priority:      msg.Priority,
		CorrelationId: msg.CorrelationID,
		MessageId:     msg.ID,
		Timestamp:     ts,
		Type:          msg.EventType,
		AppId:         appID,
		Body:          msg.Body,
	}
}

// tableValue narrows header values to the types amqp.Table accepts.
func tableValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil, string, bool, float32, float64, int, int8, int16, int32, int64, []byte, time.Time:
		return val
	default:
		return headerString(val)
	}
}
