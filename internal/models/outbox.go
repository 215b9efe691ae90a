package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultOutboxMaxRetries is the delivery budget before an event is quarantined.
	DefaultOutboxMaxRetries = 5

	AggregateTypeApplication         = "APPLICATION"
	EventApplicationStatusChanged    = "APPLICATION_STATUS_CHANGED"
	RoutingKeyApplicationStateChange = "application.state.changed"
)

// OutboxPriority orders dispatch. Higher values drain first.
type OutboxPriority int

const (
	PriorityLow OutboxPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var outboxPriorityNames = map[OutboxPriority]string{
	PriorityLow:      "LOW",
	PriorityNormal:   "NORMAL",
	PriorityHigh:     "HIGH",
	PriorityCritical: "CRITICAL",
}

// ParseOutboxPriority accepts the textual priority names.
func ParseOutboxPriority(raw string) (OutboxPriority, error) {
	upper := strings.ToUpper(strings.TrimSpace(raw))
	for p, name := range outboxPriorityNames {
		if name == upper {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown outbox priority %q", raw)
}

func (p OutboxPriority) String() string {
	if name, ok := outboxPriorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PRIORITY(%d)", int(p))
}

// MarshalText renders the priority by name in JSON.
func (p OutboxPriority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses the priority name.
func (p *OutboxPriority) UnmarshalText(text []byte) error {
	parsed, err := ParseOutboxPriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// OutboxState is the derived dispatch state of an event row.
type OutboxState string

const (
	OutboxStatePending           OutboxState = "PENDING"
	OutboxStateProcessing        OutboxState = "PROCESSING"
	OutboxStateProcessed         OutboxState = "PROCESSED"
	OutboxStatePermanentlyFailed OutboxState = "PERMANENTLY_FAILED"
)

// OutboxEvent is a durable record of an event that must reach the broker.
type OutboxEvent struct {
	ID             string         `db:"id" json:"id"`
	AggregateType  string         `db:"aggregate_type" json:"aggregateType"`
	AggregateID    string         `db:"aggregate_id" json:"aggregateId"`
	EventType      string         `db:"event_type" json:"eventType"`
	Payload        JSONMap        `db:"payload" json:"payload"`
	Processed      bool           `db:"processed" json:"processed"`
	Processing     bool           `db:"processing" json:"processing"`
	ClaimedBy      *string        `db:"claimed_by" json:"claimedBy,omitempty"`
	RetryCount     int            `db:"retry_count" json:"retryCount"`
	MaxRetries     int            `db:"max_retries" json:"maxRetries"`
	CreatedAt      time.Time      `db:"created_at" json:"createdAt"`
	ScheduledAt    time.Time      `db:"scheduled_at" json:"scheduledAt"`
	ProcessedAt    *time.Time     `db:"processed_at" json:"processedAt,omitempty"`
	LastRetryAt    *time.Time     `db:"last_retry_at" json:"lastRetryAt,omitempty"`
	Headers        JSONMap        `db:"headers" json:"headers,omitempty"`
	RoutingKey     string         `db:"routing_key" json:"routingKey"`
	ExchangeName   string         `db:"exchange_name" json:"exchangeName"`
	CorrelationID  *string        `db:"correlation_id" json:"correlationId,omitempty"`
	CausationID    *string        `db:"causation_id" json:"causationId,omitempty"`
	IdempotencyKey *string        `db:"idempotency_key" json:"idempotencyKey,omitempty"`
	LastError      *string        `db:"last_error" json:"lastError,omitempty"`
	ErrorDetails   *string        `db:"error_details" json:"errorDetails,omitempty"`
	EventVersion   int            `db:"event_version" json:"eventVersion"`
	Priority       OutboxPriority `db:"priority" json:"priority"`
}

// State derives the lifecycle state from the row flags.
func (e *OutboxEvent) State() OutboxState {
	switch {
	case e.Processed:
		return OutboxStateProcessed
	case e.Processing:
		return OutboxStateProcessing
	case e.IsPermanentlyFailed():
		return OutboxStatePermanentlyFailed
	default:
		return OutboxStatePending
	}
}

// IsPermanentlyFailed reports whether the retry budget is exhausted.
func (e *OutboxEvent) IsPermanentlyFailed() bool {
	return !e.Processed && e.RetryCount >= e.MaxRetries
}

// IsEligible mirrors the ready-set predicate used by the dispatcher query.
func (e *OutboxEvent) IsEligible(now time.Time) bool {
	return !e.Processed && !e.Processing && !e.ScheduledAt.After(now) && e.RetryCount < e.MaxRetries
}

// OutboxEventParams is the generic enqueue contract.
type OutboxEventParams struct {
	AggregateType  string
	AggregateID    string
	EventType      string
	Payload        JSONMap
	Headers        JSONMap
	RoutingKey     string
	ExchangeName   string
	Priority       OutboxPriority
	CorrelationID  string
	CausationID    string
	IdempotencyKey string
	ScheduledAt    *time.Time
	MaxRetries     int
	EventVersion   int
}

// NewOutboxEvent builds a pending event row. A nil ScheduledAt means immediately eligible.
func NewOutboxEvent(params OutboxEventParams, now time.Time) *OutboxEvent {
	scheduled := now
	if params.ScheduledAt != nil {
		scheduled = *params.ScheduledAt
	}
	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultOutboxMaxRetries
	}
	version := params.EventVersion
	if version <= 0 {
		version = 1
	}
	payload := params.Payload
	if payload == nil {
		payload = JSONMap{}
	}
	headers := params.Headers
	if headers == nil {
		headers = JSONMap{}
	}
	return &OutboxEvent{
		ID:             uuid.NewString(),
		AggregateType:  params.AggregateType,
		AggregateID:    params.AggregateID,
		EventType:      params.EventType,
		Payload:        payload,
		MaxRetries:     maxRetries,
		CreatedAt:      now,
		ScheduledAt:    scheduled,
		Headers:        headers,
		RoutingKey:     params.RoutingKey,
		ExchangeName:   params.ExchangeName,
		CorrelationID:  optionalString(params.CorrelationID),
		CausationID:    optionalString(params.CausationID),
		IdempotencyKey: optionalString(params.IdempotencyKey),
		EventVersion:   version,
		Priority:       params.Priority,
	}
}

// NewApplicationStatusChangedEvent derives the status-changed event from a ledger entry.
func NewApplicationStatusChangedEvent(entry *TransitionLogEntry, exchange, correlationID string) *OutboxEvent {
	priority := PriorityNormal
	if entry.ToState.IsTerminal() {
		priority = PriorityHigh
	}
	return NewOutboxEvent(OutboxEventParams{
		AggregateType: AggregateTypeApplication,
		AggregateID:   entry.ApplicationID,
		EventType:     EventApplicationStatusChanged,
		Payload: JSONMap{
			"applicationId": entry.ApplicationID,
			"fromState":     string(entry.FromState),
			"toState":       string(entry.ToState),
			"reasonCode":    string(entry.ReasonCode),
			"actorUserId":   entry.ActorUserID,
			"timestamp":     entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
		Headers: JSONMap{
			"actorRole": string(entry.ActorRole),
			"automated": entry.Automated,
		},
		RoutingKey:     RoutingKeyApplicationStateChange,
		ExchangeName:   exchange,
		Priority:       priority,
		CorrelationID:  correlationID,
		CausationID:    entry.ID,
		IdempotencyKey: "status-changed:" + entry.ID,
	}, entry.CreatedAt)
}

// OutboxStats summarises the outbox table for monitoring.
type OutboxStats struct {
	Total                int64            `json:"total"`
	Processed            int64            `json:"processed"`
	Pending              int64            `json:"pending"`
	Processing           int64            `json:"processing"`
	PermanentlyFailed    int64            `json:"permanentlyFailed"`
	ByAggregateType      map[string]int64 `json:"byAggregateType"`
	ByEventType          map[string]int64 `json:"byEventType"`
	ByPriority           map[string]int64 `json:"byPriority"`
	AvgProcessingSeconds float64          `json:"avgProcessingSeconds"`
	OldestPendingAt      *time.Time       `json:"oldestPendingAt,omitempty"`
	GeneratedAt          time.Time        `json:"generatedAt"`
}
