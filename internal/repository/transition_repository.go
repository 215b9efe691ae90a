package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-admission-api/internal/models"
)

// TransitionCommit carries everything a single state change writes.
type TransitionCommit struct {
	Application     *models.Application
	ExpectedVersion int64
	Entry           *models.TransitionLogEntry
	Events          []*models.OutboxEvent
}

// TransitionRepository writes the aggregate, its ledger row and its outbox
// events in one transaction.
type TransitionRepository struct {
	db           *sqlx.DB
	applications *ApplicationRepository
	ledger       *TransitionLogRepository
	outbox       *OutboxRepository
}

// NewTransitionRepository constructs the unit of work.
func NewTransitionRepository(db *sqlx.DB, applications *ApplicationRepository, ledger *TransitionLogRepository, outbox *OutboxRepository) *TransitionRepository {
	return &TransitionRepository{db: db, applications: applications, ledger: ledger, outbox: outbox}
}

// Commit persists the transition or nothing at all.
func (r *TransitionRepository) Commit(ctx context.Context, commit TransitionCommit) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = r.applications.UpdateStatus(ctx, tx, commit.Application, commit.ExpectedVersion); err != nil {
		return err
	}
	if err = r.ledger.Insert(ctx, tx, commit.Entry); err != nil {
		return err
	}
	for _, event := range commit.Events {
		var inserted bool
		if inserted, err = r.outbox.Insert(ctx, tx, event); err != nil {
			return err
		}
		if !inserted {
			err = fmt.Errorf("outbox event %s: %w", event.ID, ErrDuplicateOutboxEvent)
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transition tx: %w", err)
	}
	return nil
}
