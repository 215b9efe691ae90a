package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-admission-api/internal/models"
)

const outboxColumns = `id, aggregate_type, aggregate_id, event_type, payload, processed, processing, claimed_by,
       retry_count, max_retries, created_at, scheduled_at, processed_at, last_retry_at, headers,
       routing_key, exchange_name, correlation_id, causation_id, idempotency_key, last_error,
       error_details, event_version, priority`

// eligibleClause is the ready-set predicate shared by selection and claim.
const eligibleClause = `processed = FALSE AND processing = FALSE AND retry_count < max_retries`

// OutboxFailureParams records a failed delivery attempt.
type OutboxFailureParams struct {
	ID           string
	Owner        string
	RetryCount   int
	LastError    string
	ErrorDetails string
	// NextAttempt is nil once the retry budget is exhausted.
	NextAttempt *time.Time
	At          time.Time
}

// ReprocessParams selects rows to put back into the ready set.
type ReprocessParams struct {
	IDs       []string
	AllFailed bool
	Now       time.Time
}

// OutboxRepository is the durable store behind the dispatcher.
type OutboxRepository struct {
	db *sqlx.DB
}

// NewOutboxRepository constructs the repository.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Insert enqueues an event. It reports false when a row with the same
// idempotency key already exists.
func (r *OutboxRepository) Insert(ctx context.Context, exec sqlx.ExtContext, event *models.OutboxEvent) (bool, error) {
	const query = `INSERT INTO outbox
	(id, aggregate_type, aggregate_id, event_type, payload, processed, processing, claimed_by,
	 retry_count, max_retries, created_at, scheduled_at, processed_at, last_retry_at, headers,
	 routing_key, exchange_name, correlation_id, causation_id, idempotency_key, last_error,
	 error_details, event_version, priority)
	VALUES (:id, :aggregate_type, :aggregate_id, :event_type, :payload, :processed, :processing, :claimed_by,
	 :retry_count, :max_retries, :created_at, :scheduled_at, :processed_at, :last_retry_at, :headers,
	 :routing_key, :exchange_name, :correlation_id, :causation_id, :idempotency_key, :last_error,
	 :error_details, :event_version, :priority)
	ON CONFLICT (idempotency_key) DO NOTHING`
	result, err := sqlx.NamedExecContext(ctx, exec, query, event)
	if err != nil {
		return false, fmt.Errorf("insert outbox event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check outbox insert rows: %w", err)
	}
	return rows == 1, nil
}

// GetByID fetches one event.
func (r *OutboxRepository) GetByID(ctx context.Context, id string) (*models.OutboxEvent, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox WHERE id = $1`
	var event models.OutboxEvent
	if err := r.db.GetContext(ctx, &event, query, id); err != nil {
		return nil, err
	}
	return &event, nil
}

// FetchReady returns up to limit eligible events, highest priority first.
func (r *OutboxRepository) FetchReady(ctx context.Context, now time.Time, limit int) ([]models.OutboxEvent, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox
	WHERE ` + eligibleClause + ` AND scheduled_at <= $1
	ORDER BY priority DESC, created_at ASC
	LIMIT $2`
	var events []models.OutboxEvent
	if err := r.db.SelectContext(ctx, &events, query, now, limit); err != nil {
		return nil, fmt.Errorf("fetch ready outbox events: %w", err)
	}
	return events, nil
}

// Claim marks the event as processing for owner. The full eligibility
// predicate is re-checked so a row that changed after selection is not
// claimed. It returns nil without error when another worker won.
func (r *OutboxRepository) Claim(ctx context.Context, id, owner string, now time.Time) (*models.OutboxEvent, error) {
	query := `UPDATE outbox SET processing = TRUE, claimed_by = $2, last_retry_at = $3
	WHERE id = $1 AND ` + eligibleClause + ` AND scheduled_at <= $3
	RETURNING ` + outboxColumns
	var event models.OutboxEvent
	if err := r.db.GetContext(ctx, &event, query, id, owner, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim outbox event: %w", err)
	}
	return &event, nil
}

// MarkProcessed finalises a delivered event still owned by owner.
func (r *OutboxRepository) MarkProcessed(ctx context.Context, id, owner string, now time.Time) error {
	const query = `UPDATE outbox SET processed = TRUE, processing = FALSE, processed_at = $3,
	last_error = NULL, error_details = NULL
	WHERE id = $1 AND processing = TRUE AND claimed_by = $2`
	return r.execOwned(ctx, "mark outbox processed", query, id, owner, now)
}

// MarkFailed records a failed attempt and releases the claim.
func (r *OutboxRepository) MarkFailed(ctx context.Context, params OutboxFailureParams) error {
	const query = `UPDATE outbox SET processing = FALSE, claimed_by = NULL, retry_count = $3,
	last_error = $4, error_details = $5, last_retry_at = $6, scheduled_at = COALESCE($7, scheduled_at)
	WHERE id = $1 AND processing = TRUE AND claimed_by = $2`
	return r.execOwned(ctx, "mark outbox failed", query,
		params.ID, params.Owner, params.RetryCount, params.LastError, nullableString(params.ErrorDetails), params.At, params.NextAttempt)
}

func (r *OutboxRepository) execOwned(ctx context.Context, op, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if rows == 0 {
		return ErrClaimLost
	}
	return nil
}

// ReleaseStale returns abandoned claims older than cutoff to the ready set.
// The retry count is left untouched.
func (r *OutboxRepository) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `UPDATE outbox SET processing = FALSE, claimed_by = NULL
	WHERE processing = TRUE AND processed = FALSE AND last_retry_at < $1`
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("release stale outbox claims: %w", err)
	}
	return result.RowsAffected()
}

// ForceReprocess resets the retry budget of the selected undelivered rows.
func (r *OutboxRepository) ForceReprocess(ctx context.Context, params ReprocessParams) (int64, error) {
	var (
		result sql.Result
		err    error
	)
	switch {
	case len(params.IDs) > 0:
		const query = `UPDATE outbox SET retry_count = 0, scheduled_at = $1
		WHERE processed = FALSE AND processing = FALSE AND id = ANY($2)`
		result, err = r.db.ExecContext(ctx, query, params.Now, pq.Array(params.IDs))
	case params.AllFailed:
		const query = `UPDATE outbox SET retry_count = 0, scheduled_at = $1
		WHERE processed = FALSE AND processing = FALSE AND retry_count >= max_retries`
		result, err = r.db.ExecContext(ctx, query, params.Now)
	default:
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("force reprocess outbox events: %w", err)
	}
	return result.RowsAffected()
}

// ListFailed returns permanently failed events, most recent attempt first.
func (r *OutboxRepository) ListFailed(ctx context.Context, limit, offset int) ([]models.OutboxEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + outboxColumns + ` FROM outbox
	WHERE processed = FALSE AND processing = FALSE AND retry_count >= max_retries
	ORDER BY last_retry_at DESC NULLS LAST, created_at DESC
	LIMIT $1 OFFSET $2`
	var events []models.OutboxEvent
	if err := r.db.SelectContext(ctx, &events, query, limit, offset); err != nil {
		return nil, fmt.Errorf("list failed outbox events: %w", err)
	}
	return events, nil
}

// PurgeProcessed deletes delivered rows processed before cutoff.
func (r *OutboxRepository) PurgeProcessed(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM outbox WHERE processed = TRUE AND processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge processed outbox events: %w", err)
	}
	return result.RowsAffected()
}

type outboxTotals struct {
	Total             int64      `db:"total"`
	Processed         int64      `db:"processed"`
	Pending           int64      `db:"pending"`
	Processing        int64      `db:"processing"`
	PermanentlyFailed int64      `db:"permanently_failed"`
	AvgSeconds        float64    `db:"avg_seconds"`
	OldestPending     *time.Time `db:"oldest_pending"`
}

type outboxBucket struct {
	Key   string `db:"bucket"`
	Count int64  `db:"count"`
}

// Stats aggregates the outbox table for monitoring.
func (r *OutboxRepository) Stats(ctx context.Context, now time.Time) (*models.OutboxStats, error) {
	const totalsQuery = `SELECT
		COUNT(*) AS total,
		COUNT(*) FILTER (WHERE processed) AS processed,
		COUNT(*) FILTER (WHERE NOT processed AND NOT processing AND retry_count < max_retries) AS pending,
		COUNT(*) FILTER (WHERE processing) AS processing,
		COUNT(*) FILTER (WHERE NOT processed AND NOT processing AND retry_count >= max_retries) AS permanently_failed,
		COALESCE(AVG(EXTRACT(EPOCH FROM (processed_at - created_at))) FILTER (WHERE processed), 0) AS avg_seconds,
		MIN(created_at) FILTER (WHERE NOT processed AND NOT processing AND retry_count < max_retries) AS oldest_pending
	FROM outbox`

	var totals outboxTotals
	if err := r.db.GetContext(ctx, &totals, totalsQuery); err != nil {
		return nil, fmt.Errorf("outbox totals: %w", err)
	}

	stats := &models.OutboxStats{
		Total:                totals.Total,
		Processed:            totals.Processed,
		Pending:              totals.Pending,
		Processing:           totals.Processing,
		PermanentlyFailed:    totals.PermanentlyFailed,
		AvgProcessingSeconds: totals.AvgSeconds,
		OldestPendingAt:      totals.OldestPending,
		GeneratedAt:          now,
	}

	var err error
	if stats.ByAggregateType, err = r.countBy(ctx, "aggregate_type", nil); err != nil {
		return nil, err
	}
	if stats.ByEventType, err = r.countBy(ctx, "event_type", nil); err != nil {
		return nil, err
	}
	priorityName := func(raw string) string {
		var n int
		if _, scanErr := fmt.Sscanf(raw, "%d", &n); scanErr != nil {
			return raw
		}
		return models.OutboxPriority(n).String()
	}
	if stats.ByPriority, err = r.countBy(ctx, "priority", priorityName); err != nil {
		return nil, err
	}
	return stats, nil
}

func (r *OutboxRepository) countBy(ctx context.Context, column string, label func(string) string) (map[string]int64, error) {
	query := fmt.Sprintf(`SELECT %s::text AS bucket, COUNT(*) AS count FROM outbox GROUP BY %s`, column, column)
	var buckets []outboxBucket
	if err := r.db.SelectContext(ctx, &buckets, query); err != nil {
		return nil, fmt.Errorf("outbox counts by %s: %w", column, err)
	}
	result := make(map[string]int64, len(buckets))
	for _, b := range buckets {
		key := b.Key
		if label != nil {
			key = label(key)
		}
		result[key] += b.Count
	}
	return result, nil
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
