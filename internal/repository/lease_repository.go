package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var extendLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// LeaseRepository hands out short-lived exclusive leases stored in Redis.
// A nil client grants every lease, which suits single-instance deployments.
type LeaseRepository struct {
	client *redis.Client
}

// NewLeaseRepository constructs the repository.
func NewLeaseRepository(client *redis.Client) *LeaseRepository {
	return &LeaseRepository{client: client}
}

// Acquire takes key for owner when nobody else holds it.
func (r *LeaseRepository) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if r.client == nil {
		return true, nil
	}
	ok, err := r.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if ok {
		return true, nil
	}
	// re-entrant for the current holder
	return r.Extend(ctx, key, owner, ttl)
}

// Extend pushes the expiry forward if owner still holds key.
func (r *LeaseRepository) Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if r.client == nil {
		return true, nil
	}
	res, err := extendLeaseScript.Run(ctx, r.client, []string{key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("extend lease %s: %w", key, err)
	}
	return res == 1, nil
}

// Release drops key only if owner holds it.
func (r *LeaseRepository) Release(ctx context.Context, key, owner string) error {
	if r.client == nil {
		return nil
	}
	if err := releaseLeaseScript.Run(ctx, r.client, []string{key}, owner).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}
