package repository

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrVersionConflict means the optimistic version check failed.
	ErrVersionConflict = errors.New("repository: version conflict")
	// ErrDuplicateIdempotencyKey means a ledger row with the same key exists.
	ErrDuplicateIdempotencyKey = errors.New("repository: duplicate idempotency key")
	// ErrDuplicateOutboxEvent means an outbox row with the same idempotency key exists.
	ErrDuplicateOutboxEvent = errors.New("repository: duplicate outbox event")
	// ErrClaimLost means the caller no longer owns the outbox row.
	ErrClaimLost = errors.New("repository: outbox claim lost")
)

const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
