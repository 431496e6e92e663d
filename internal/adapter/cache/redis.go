// Package cache holds the Redis-backed coordination primitives.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SweepLock serializes reconcile sweeps across instances.
type SweepLock interface {
	// Acquire takes the sweep lease for ttl. Returns false when another
	// sweep already holds it.
	Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error)
	// Release frees the lease if holder still owns it.
	Release(ctx context.Context, holder string) error
}

// OTPThrottle limits how often an OTP may be requested per phone.
type OTPThrottle interface {
	// Allow records an OTP request for phone and reports whether it was
	// within the allowed interval.
	Allow(ctx context.Context, phone string, interval time.Duration) (bool, error)
}

const (
	sweepLockKey   = "reconcile:sweep:lock"
	otpRequestFmt  = "otp:request:%s"
	releaseIfOwner = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
)

// RedisCoordinator implements SweepLock and OTPThrottle on Redis.
type RedisCoordinator struct {
	client redis.UniversalClient
}

var (
	_ SweepLock   = (*RedisCoordinator)(nil)
	_ OTPThrottle = (*RedisCoordinator)(nil)
)

// NewRedisCoordinator constructs the Redis-backed coordinator.
func NewRedisCoordinator(client redis.UniversalClient) *RedisCoordinator {
	return &RedisCoordinator{client: client}
}

func (c *RedisCoordinator) Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, sweepLockKey, holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire sweep lock: %w", err)
	}
	return ok, nil
}

func (c *RedisCoordinator) Release(ctx context.Context, holder string) error {
	if err := c.client.Eval(ctx, releaseIfOwner, []string{sweepLockKey}, holder).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release sweep lock: %w", err)
	}
	return nil
}

func (c *RedisCoordinator) Allow(ctx context.Context, phone string, interval time.Duration) (bool, error) {
	key := fmt.Sprintf(otpRequestFmt, phone)
	ok, err := c.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), interval).Result()
	if err != nil {
		return false, fmt.Errorf("mark otp request: %w", err)
	}
	return ok, nil
}
