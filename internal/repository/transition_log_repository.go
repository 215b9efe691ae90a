package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-admission-api/internal/models"
)

const transitionLogColumns = `id, application_id, from_state, to_state, reason_code, actor_user_id, actor_role, comment,
       idempotency_key, transition_data, automated, created_at, ip_address, user_agent`

// TransitionLogRepository reads and appends the immutable transition ledger.
type TransitionLogRepository struct {
	db *sqlx.DB
}

// NewTransitionLogRepository constructs the repository.
func NewTransitionLogRepository(db *sqlx.DB) *TransitionLogRepository {
	return &TransitionLogRepository{db: db}
}

// Insert appends a ledger row. Rows are never updated afterwards.
func (r *TransitionLogRepository) Insert(ctx context.Context, exec sqlx.ExtContext, entry *models.TransitionLogEntry) error {
	const query = `INSERT INTO transition_log
	(id, application_id, from_state, to_state, reason_code, actor_user_id, actor_role, comment,
	 idempotency_key, transition_data, automated, created_at, ip_address, user_agent)
	VALUES (:id, :application_id, :from_state, :to_state, :reason_code, :actor_user_id, :actor_role, :comment,
	 :idempotency_key, :transition_data, :automated, :created_at, :ip_address, :user_agent)`
	if _, err := sqlx.NamedExecContext(ctx, exec, query, entry); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert transition log: %w", err)
	}
	return nil
}

// FindByIdempotencyKey returns the ledger row recorded under key, or nil.
func (r *TransitionLogRepository) FindByIdempotencyKey(ctx context.Context, key string) (*models.TransitionLogEntry, error) {
	query := `SELECT ` + transitionLogColumns + ` FROM transition_log WHERE idempotency_key = $1`
	var entry models.TransitionLogEntry
	if err := r.db.GetContext(ctx, &entry, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find transition by idempotency key: %w", err)
	}
	return &entry, nil
}

// List returns ledger rows matching the filter, oldest first.
func (r *TransitionLogRepository) List(ctx context.Context, filter models.TransitionLogFilter) ([]models.TransitionLogEntry, error) {
	args := make([]interface{}, 0, 3)
	conditions := make([]string, 0, 3)
	if filter.ApplicationID != "" {
		args = append(args, filter.ApplicationID)
		conditions = append(conditions, fmt.Sprintf("application_id = $%d", len(args)))
	}
	if filter.ActorUserID != "" {
		args = append(args, filter.ActorUserID)
		conditions = append(conditions, fmt.Sprintf("actor_user_id = $%d", len(args)))
	}
	if filter.ReasonCode != "" {
		args = append(args, filter.ReasonCode)
		conditions = append(conditions, fmt.Sprintf("reason_code = $%d", len(args)))
	}

	builder := strings.Builder{}
	builder.WriteString(`SELECT ` + transitionLogColumns + ` FROM transition_log`)
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY created_at ASC, id ASC")

	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var entries []models.TransitionLogEntry
	if err := r.db.SelectContext(ctx, &entries, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	return entries, nil
}
