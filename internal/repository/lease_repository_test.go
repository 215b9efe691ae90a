package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLeaseRepositoryExclusive(t *testing.T) {
	mr, client := newMiniRedis(t)
	repo := NewLeaseRepository(client)
	ctx := context.Background()

	ok, err := repo.Acquire(ctx, "lease", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Acquire(ctx, "lease", "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// holder may re-acquire
	ok, err = repo.Acquire(ctx, "lease", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// only the holder can release
	require.NoError(t, repo.Release(ctx, "lease", "node-b"))
	assert.True(t, mr.Exists("lease"))
	require.NoError(t, repo.Release(ctx, "lease", "node-a"))
	assert.False(t, mr.Exists("lease"))
}

func TestLeaseRepositoryExpires(t *testing.T) {
	mr, client := newMiniRedis(t)
	repo := NewLeaseRepository(client)
	ctx := context.Background()

	ok, err := repo.Acquire(ctx, "lease", "node-a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = repo.Acquire(ctx, "lease", "node-b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	extended, err := repo.Extend(ctx, "lease", "node-a", time.Second)
	require.NoError(t, err)
	assert.False(t, extended)
}

func TestLeaseRepositoryWithoutRedisGrantsEverything(t *testing.T) {
	repo := NewLeaseRepository(nil)
	ok, err := repo.Acquire(context.Background(), "lease", "node-a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, repo.Release(context.Background(), "lease", "node-a"))
}
