package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-admission-api/internal/models"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

var applicationCols = []string{"id", "applicant_id", "status", "version", "submitted_at", "approved_at", "rejected_at", "enrolled_at", "created_at", "updated_at"}

func TestApplicationRepositoryCreateAndGet(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewApplicationRepository(db)

	now := time.Now().UTC()
	app := models.NewApplication("app-1", "applicant-1", now)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO applications")).WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, repo.Create(context.Background(), app))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, applicant_id, status, version")).
		WithArgs("app-1").
		WillReturnRows(sqlmock.NewRows(applicationCols).AddRow("app-1", "applicant-1", "DRAFT", 1, nil, nil, nil, nil, now, now))
	found, err := repo.GetByID(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, found.Status)
	assert.EqualValues(t, 1, found.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplicationRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewApplicationRepository(db)

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM applications WHERE status IN ($1,$2) AND applicant_id = $3 ORDER BY created_at DESC LIMIT 50 OFFSET 0")).
		WithArgs(models.StatusPending, models.StatusUnderReview, "applicant-1").
		WillReturnRows(sqlmock.NewRows(applicationCols).AddRow("app-1", "applicant-1", "PENDING", 2, now, nil, nil, nil, now, now))

	apps, err := repo.List(context.Background(), models.ApplicationFilter{
		Status:      []models.AdmissionStatus{models.StatusPending, models.StatusUnderReview},
		ApplicantID: "applicant-1",
	})
	require.NoError(t, err)
	require.Len(t, apps, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplicationRepositoryCountIgnoresPaging(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewApplicationRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM applications WHERE status IN ($1)")).
		WithArgs(models.StatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(137))

	total, err := repo.Count(context.Background(), models.ApplicationFilter{
		Status: []models.AdmissionStatus{models.StatusPending},
		Limit:  10,
		Offset: 20,
	})
	require.NoError(t, err)
	assert.Equal(t, 137, total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplicationRepositoryExists(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewApplicationRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM applications WHERE id = $1)")).
		WithArgs("app-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	ok, err := repo.Exists(context.Background(), "app-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.Exists(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplicationRepositoryUpdateStatusVersionConflict(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewApplicationRepository(db)

	app := models.NewApplication("app-1", "applicant-1", time.Now().UTC())
	app.Advance(models.StatusPending, time.Now().UTC())

	mock.ExpectExec(regexp.QuoteMeta("UPDATE applications SET")).WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.UpdateStatus(context.Background(), db, app, 1)
	require.ErrorIs(t, err, ErrVersionConflict)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE applications SET")).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.UpdateStatus(context.Background(), db, app, 1))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionLogRepositoryDuplicateKey(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTransitionLogRepository(db)

	entry := models.NewTransitionLogEntry("app-1", models.StatusDraft, models.StatusPending, models.ReasonFormSubmitted, "parent-1", models.RoleParent, models.TransitionContext{IdempotencyKey: "k1"}, time.Now().UTC())
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transition_log")).WillReturnError(&pq.Error{Code: "23505"})
	require.ErrorIs(t, repo.Insert(context.Background(), db, entry), ErrDuplicateIdempotencyKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionLogRepositoryFindByIdempotencyKey(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTransitionLogRepository(db)

	cols := []string{"id", "application_id", "from_state", "to_state", "reason_code", "actor_user_id", "actor_role", "comment", "idempotency_key", "transition_data", "automated", "created_at", "ip_address", "user_agent"}
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM transition_log WHERE idempotency_key = $1")).
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("log-1", "app-1", "DRAFT", "PENDING", "FORM_SUBMITTED", "parent-1", "PARENT", nil, "k1", []byte(`{"source":"web"}`), false, now, nil, nil))
	entry, err := repo.FindByIdempotencyKey(context.Background(), "k1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "web", entry.TransitionData.GetString("source"))

	mock.ExpectQuery(regexp.QuoteMeta("FROM transition_log WHERE idempotency_key = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))
	entry, err = repo.FindByIdempotencyKey(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, entry)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionLogRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTransitionLogRepository(db)

	cols := []string{"id", "application_id", "from_state", "to_state", "reason_code", "actor_user_id", "actor_role", "comment", "idempotency_key", "transition_data", "automated", "created_at", "ip_address", "user_agent"}
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM transition_log WHERE application_id = $1 AND reason_code = $2 ORDER BY created_at ASC, id ASC LIMIT 20 OFFSET 40")).
		WithArgs("app-1", models.ReasonDocsMissing).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("log-2", "app-1", "PENDING", "DOCUMENTS_REQUESTED", "DOCS_MISSING", "staff-1", "STAFF", nil, nil, nil, false, now, nil, nil))

	entries, err := repo.List(context.Background(), models.TransitionLogFilter{
		ApplicationID: "app-1",
		ReasonCode:    models.ReasonDocsMissing,
		Limit:         20,
		Offset:        40,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.StatusDocumentsRequested, entries[0].ToState)

	mock.ExpectQuery(regexp.QuoteMeta("FROM transition_log WHERE actor_user_id = $1 ORDER BY created_at ASC, id ASC LIMIT 200 OFFSET 0")).
		WithArgs("staff-1").
		WillReturnRows(sqlmock.NewRows(cols))
	entries, err = repo.List(context.Background(), models.TransitionLogFilter{ActorUserID: "staff-1"})
	require.NoError(t, err)
	assert.Empty(t, entries)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionRepositoryCommitsTripleWrite(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	uow := NewTransitionRepository(db, NewApplicationRepository(db), NewTransitionLogRepository(db), NewOutboxRepository(db))

	now := time.Now().UTC()
	app := models.NewApplication("app-1", "applicant-1", now)
	from := app.Advance(models.StatusPending, now)
	entry := models.NewTransitionLogEntry(app.ID, from, app.Status, models.ReasonFormSubmitted, "parent-1", models.RoleParent, models.TransitionContext{}, now)
	event := models.NewApplicationStatusChangedEvent(entry, "admissions", "")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE applications SET")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transition_log")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := uow.Commit(context.Background(), TransitionCommit{Application: app, ExpectedVersion: 1, Entry: entry, Events: []*models.OutboxEvent{event}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionRepositoryRollsBackOnConflict(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	uow := NewTransitionRepository(db, NewApplicationRepository(db), NewTransitionLogRepository(db), NewOutboxRepository(db))

	now := time.Now().UTC()
	app := models.NewApplication("app-1", "applicant-1", now)
	from := app.Advance(models.StatusPending, now)
	entry := models.NewTransitionLogEntry(app.ID, from, app.Status, models.ReasonFormSubmitted, "parent-1", models.RoleParent, models.TransitionContext{}, now)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE applications SET")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := uow.Commit(context.Background(), TransitionCommit{Application: app, ExpectedVersion: 1, Entry: entry})
	require.ErrorIs(t, err, ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionRepositoryRollsBackWhenOutboxFails(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	uow := NewTransitionRepository(db, NewApplicationRepository(db), NewTransitionLogRepository(db), NewOutboxRepository(db))

	now := time.Now().UTC()
	app := models.NewApplication("app-1", "applicant-1", now)
	from := app.Advance(models.StatusPending, now)
	entry := models.NewTransitionLogEntry(app.ID, from, app.Status, models.ReasonFormSubmitted, "parent-1", models.RoleParent, models.TransitionContext{}, now)
	event := models.NewApplicationStatusChangedEvent(entry, "admissions", "")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE applications SET")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transition_log")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox")).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := uow.Commit(context.Background(), TransitionCommit{Application: app, ExpectedVersion: 1, Entry: entry, Events: []*models.OutboxEvent{event}})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionRepositoryRollsBackWhenOutboxKeyCollides(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	uow := NewTransitionRepository(db, NewApplicationRepository(db), NewTransitionLogRepository(db), NewOutboxRepository(db))

	now := time.Now().UTC()
	app := models.NewApplication("app-1", "applicant-1", now)
	from := app.Advance(models.StatusPending, now)
	entry := models.NewTransitionLogEntry(app.ID, from, app.Status, models.ReasonFormSubmitted, "parent-1", models.RoleParent, models.TransitionContext{}, now)
	event := models.NewApplicationStatusChangedEvent(entry, "admissions", "")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE applications SET")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transition_log")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (idempotency_key) DO NOTHING")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := uow.Commit(context.Background(), TransitionCommit{Application: app, ExpectedVersion: 1, Entry: entry, Events: []*models.OutboxEvent{event}})
	require.ErrorIs(t, err, ErrDuplicateOutboxEvent)
	require.NoError(t, mock.ExpectationsWereMet())
}
