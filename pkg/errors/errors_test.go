package errors

import (
	"database/sql"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneKeepsIdentity(t *testing.T) {
	clone := Clone(ErrInvalidTransition, "DRAFT -> ENROLLED is not permitted")

	assert.True(t, errors.Is(clone, ErrInvalidTransition))
	assert.False(t, errors.Is(clone, ErrConflict))
	assert.Equal(t, "DRAFT -> ENROLLED is not permitted", clone.Error())
	assert.Equal(t, "transition not permitted", ErrInvalidTransition.Message)
	assert.Nil(t, Clone(nil, "x"))
}

func TestWrapUnwraps(t *testing.T) {
	err := Wrap(sql.ErrConnDone, ErrInternal.Code, ErrInternal.Status, "failed to load application")

	assert.True(t, errors.Is(err, sql.ErrConnDone))
	assert.True(t, errors.Is(err, ErrInternal))
	assert.Contains(t, err.Error(), "failed to load application")
}

func TestFromError(t *testing.T) {
	assert.Nil(t, FromError(nil))

	typed := FromError(ErrConcurrencyConflict)
	require.NotNil(t, typed)
	assert.Equal(t, http.StatusConflict, typed.Status)

	plain := FromError(errors.New("boom"))
	assert.Equal(t, ErrInternal.Code, plain.Code)
	assert.Equal(t, http.StatusInternalServerError, plain.Status)
}

func TestWorkflowStatuses(t *testing.T) {
	assert.Equal(t, http.StatusUnprocessableEntity, ErrInvalidTransition.Status)
	assert.Equal(t, http.StatusForbidden, ErrTransitionForbidden.Status)
	assert.Equal(t, http.StatusConflict, ErrIdempotencyKeyReused.Status)
}
