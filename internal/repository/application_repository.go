package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-admission-api/internal/models"
)

const applicationColumns = `id, applicant_id, status, version, submitted_at, approved_at, rejected_at, enrolled_at, created_at, updated_at`

// ApplicationRepository persists admission applications.
type ApplicationRepository struct {
	db *sqlx.DB
}

// NewApplicationRepository constructs the repository.
func NewApplicationRepository(db *sqlx.DB) *ApplicationRepository {
	return &ApplicationRepository{db: db}
}

// Create inserts a new application.
func (r *ApplicationRepository) Create(ctx context.Context, app *models.Application) error {
	const query = `INSERT INTO applications (` + applicationColumns + `)
	VALUES (:id, :applicant_id, :status, :version, :submitted_at, :approved_at, :rejected_at, :enrolled_at, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, app); err != nil {
		return fmt.Errorf("create application: %w", err)
	}
	return nil
}

// GetByID fetches an application by identifier.
func (r *ApplicationRepository) GetByID(ctx context.Context, id string) (*models.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE id = $1`
	var app models.Application
	if err := r.db.GetContext(ctx, &app, query, id); err != nil {
		return nil, err
	}
	return &app, nil
}

func applicationConditions(filter models.ApplicationFilter) (string, []interface{}) {
	args := make([]interface{}, 0, len(filter.Status)+1)
	conditions := make([]string, 0, 2)
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.ApplicantID != "" {
		args = append(args, filter.ApplicantID)
		conditions = append(conditions, fmt.Sprintf("applicant_id = $%d", len(args)))
	}
	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// List returns applications matching the filter, newest first.
func (r *ApplicationRepository) List(ctx context.Context, filter models.ApplicationFilter) ([]models.Application, error) {
	where, args := applicationConditions(filter)
	builder := strings.Builder{}
	builder.WriteString(`SELECT ` + applicationColumns + ` FROM applications`)
	builder.WriteString(where)
	builder.WriteString(" ORDER BY created_at DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var apps []models.Application
	if err := r.db.SelectContext(ctx, &apps, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	return apps, nil
}

// Count returns how many applications match the filter, ignoring paging.
func (r *ApplicationRepository) Count(ctx context.Context, filter models.ApplicationFilter) (int, error) {
	where, args := applicationConditions(filter)
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM applications`+where, args...); err != nil {
		return 0, fmt.Errorf("count applications: %w", err)
	}
	return total, nil
}

// UpdateStatus writes the advanced aggregate only if the stored version still
// equals expectedVersion. It runs on exec so it can join a transaction.
func (r *ApplicationRepository) UpdateStatus(ctx context.Context, exec sqlx.ExtContext, app *models.Application, expectedVersion int64) error {
	const query = `UPDATE applications SET
		status = :status,
		version = :version,
		submitted_at = :submitted_at,
		approved_at = :approved_at,
		rejected_at = :rejected_at,
		enrolled_at = :enrolled_at,
		updated_at = :updated_at
	WHERE id = :id AND version = :expected_version`
	result, err := sqlx.NamedExecContext(ctx, exec, query, map[string]interface{}{
		"id":               app.ID,
		"status":           app.Status,
		"version":          app.Version,
		"submitted_at":     app.SubmittedAt,
		"approved_at":      app.ApprovedAt,
		"rejected_at":      app.RejectedAt,
		"enrolled_at":      app.EnrolledAt,
		"updated_at":       app.UpdatedAt,
		"expected_version": expectedVersion,
	})
	if err != nil {
		return fmt.Errorf("update application status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check application update rows: %w", err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	return nil
}

// Exists reports whether an application row is present.
func (r *ApplicationRepository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM applications WHERE id = $1)`, id); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check application exists: %w", err)
	}
	return exists, nil
}
