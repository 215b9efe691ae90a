package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-admission-api/internal/models"
	appErrors "github.com/noah-isme/sma-admission-api/pkg/errors"
)

func TestCacheRepositoryRoundTrip(t *testing.T) {
	mr, client := newMiniRedis(t)
	repo := NewCacheRepository(client, nil)
	ctx := context.Background()

	var stats models.OutboxStats
	require.ErrorIs(t, repo.Get(ctx, "stats", &stats), appErrors.ErrCacheMiss)

	require.NoError(t, repo.Set(ctx, "stats", models.OutboxStats{Total: 3, Pending: 2, ByEventType: map[string]int64{"X": 3}}, time.Minute))
	require.NoError(t, repo.Get(ctx, "stats", &stats))
	assert.EqualValues(t, 3, stats.Total)
	assert.EqualValues(t, 3, stats.ByEventType["X"])

	mr.FastForward(2 * time.Minute)
	require.ErrorIs(t, repo.Get(ctx, "stats", &stats), appErrors.ErrCacheMiss)

	require.NoError(t, repo.Set(ctx, "stats", stats, time.Minute))
	require.NoError(t, repo.Delete(ctx, "stats"))
	assert.False(t, mr.Exists("stats"))
}

func TestCacheRepositoryEvictsUndecodableEntries(t *testing.T) {
	mr, client := newMiniRedis(t)
	repo := NewCacheRepository(client, nil)
	require.NoError(t, mr.Set("stats", "not-json"))

	var stats models.OutboxStats
	require.Error(t, repo.Get(context.Background(), "stats", &stats))
	assert.False(t, mr.Exists("stats"))
}

func TestCacheRepositoryWithoutClient(t *testing.T) {
	repo := NewCacheRepository(nil, nil)
	var stats models.OutboxStats
	require.ErrorIs(t, repo.Get(context.Background(), "stats", &stats), appErrors.ErrCacheMiss)
	require.NoError(t, repo.Set(context.Background(), "stats", stats, time.Minute))
	require.NoError(t, repo.Delete(context.Background(), "stats"))
}
