package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOptions configures NewKafkaPublisher.
type KafkaOptions struct {
	Brokers      []string
	ClientID     string
	DefaultTopic string
	Logger       *zap.Logger
}

// KafkaPublisher maps the exchange to a topic and keys messages by aggregate
// so events of one application stay ordered within a partition.
type KafkaPublisher struct {
	writer       kafkaWriter
	defaultTopic string
	logger       *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewKafkaPublisher builds a synchronous writer that waits for all replicas.
// Retries are left to the outbox, so the writer attempts each write once.
func NewKafkaPublisher(opts KafkaOptions) (*KafkaPublisher, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(opts.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		MaxAttempts:            1,
		BatchTimeout:           10 * time.Millisecond,
		Transport:              &kafka.Transport{ClientID: opts.ClientID},
	}
	return newKafkaPublisher(writer, opts.DefaultTopic, opts.Logger), nil
}

func newKafkaPublisher(w kafkaWriter, defaultTopic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{writer: w, defaultTopic: defaultTopic, logger: logger}
}

// Publish writes msg and returns after the brokers acknowledged it.
func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	km, err := p.toKafkaMessage(msg)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("kafka write %s: %w", km.Topic, err)
	}
	p.logger.Debug("kafka message sent", zap.String("topic", km.Topic), zap.String("key", msg.Key), zap.String("event_id", msg.ID))
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.writer.Close()
}

func (p *KafkaPublisher) toKafkaMessage(msg Message) (kafka.Message, error) {
	topic := msg.Exchange
	if topic == "" {
		topic = p.defaultTopic
	}
	if topic == "" {
		return kafka.Message{}, fmt.Errorf("kafka message %s has no topic", msg.ID)
	}
	headers := make([]kafka.Header, 0, len(msg.Headers)+6)
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(headerString(v))})
	}
	for k, v := range standardHeaders(msg) {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.Key),
		Value:   msg.Body,
		Headers: headers,
		Time:    ts,
	}, nil
}
