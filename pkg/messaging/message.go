// Package messaging delivers outbox events to a message broker.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrPublisherClosed is returned when publishing on a closed publisher.
var ErrPublisherClosed = errors.New("messaging: publisher closed")

// Message is a broker-agnostic envelope. Exchange and RoutingKey address it;
// Key is the partition/ordering key (the aggregate id).
type Message struct {
	ID             string
	Exchange       string
	RoutingKey     string
	Key            string
	EventType      string
	CorrelationID  string
	CausationID    string
	IdempotencyKey string
	Headers        map[string]interface{}
	Body           []byte
	Timestamp      time.Time
	Priority       uint8
}

// Publisher delivers a message and returns once the broker accepted it.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// JSONBody marshals v for Message.Body.
func JSONBody(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message body: %w", err)
	}
	return data, nil
}

// headerString renders a header value as text for transports that only carry bytes.
func headerString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	case bool, int, int32, int64, float32, float64, uint8, uint32, uint64:
		return fmt.Sprint(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// standardHeaders are the correlation fields every transport carries.
func standardHeaders(msg Message) map[string]string {
	out := map[string]string{
		"event-id":   msg.ID,
		"event-type": msg.EventType,
	}
	if msg.CorrelationID != "" {
		out["correlation-id"] = msg.CorrelationID
	}
	if msg.CausationID != "" {
		out["causation-id"] = msg.CausationID
	}
	if msg.IdempotencyKey != "" {
		out["idempotency-key"] = msg.IdempotencyKey
	}
	if msg.RoutingKey != "" {
		out["routing-key"] = msg.RoutingKey
	}
	return out
}
