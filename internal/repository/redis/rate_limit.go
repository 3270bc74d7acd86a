package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cedarline/identity-core/internal/core/port"
)

// RateLimitRepository tracks attempt timestamps per identifier in a Redis
// sorted set. Each member is the attempt's UnixNano, doubling as its score,
// which makes window queries plain ZCOUNT/ZRANGEBYSCORE range scans.
type RateLimitRepository struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration
}

// NewRateLimitRepository returns a store whose keys live under keyPrefix and
// expire after retention of inactivity. A zero retention keeps keys forever.
func NewRateLimitRepository(client *redis.Client, keyPrefix string, retention time.Duration) *RateLimitRepository {
	return &RateLimitRepository{client: client, keyPrefix: keyPrefix, retention: retention}
}

// RecordAttempt appends one attempt at the given instant and refreshes the
// key's expiry. Both commands ride one pipeline round trip.
func (r *RateLimitRepository) RecordAttempt(ctx context.Context, identifier string, at time.Time) error {
	key := r.key(identifier)
	nanos := at.UnixNano()

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(nanos), Member: strconv.FormatInt(nanos, 10)})
	if r.retention > 0 {
		pipe.Expire(ctx, key, r.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}

	return nil
}

// CountAttempts reports how many attempts fall inside the window that ends at
// reference.
func (r *RateLimitRepository) CountAttempts(ctx context.Context, identifier string, window time.Duration, reference time.Time) (int, error) {
	lo, hi, err := windowBounds(window, reference)
	if err != nil {
		return 0, err
	}

	count, err := r.client.ZCount(ctx, r.key(identifier), lo, hi).Result()
	if err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}

	return int(count), nil
}

// TrimWindow drops every attempt that slid out of the window ending at
// reference.
func (r *RateLimitRepository) TrimWindow(ctx context.Context, identifier string, window time.Duration, reference time.Time) error {
	lo, _, err := windowBounds(window, reference)
	if err != nil {
		return err
	}

	if err := r.client.ZRemRangeByScore(ctx, r.key(identifier), "-inf", "("+lo).Err(); err != nil {
		return fmt.Errorf("trim window: %w", err)
	}

	return nil
}

// OldestAttempt returns the earliest attempt still inside the window, which
// is what retry-after hints are computed from. The second return is false
// when the window holds nothing.
func (r *RateLimitRepository) OldestAttempt(ctx context.Context, identifier string, window time.Duration, reference time.Time) (time.Time, bool, error) {
	lo, hi, err := windowBounds(window, reference)
	if err != nil {
		return time.Time{}, false, err
	}

	members, err := r.client.ZRangeByScore(ctx, r.key(identifier), &redis.ZRangeBy{
		Min:   lo,
		Max:   hi,
		Count: 1,
	}).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("oldest attempt: %w", err)
	}
	if len(members) == 0 {
		return time.Time{}, false, nil
	}

	nanos, err := strconv.ParseInt(members[0], 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse attempt timestamp: %w", err)
	}

	return time.Unix(0, nanos), true, nil
}

func (r *RateLimitRepository) key(identifier string) string {
	if r.keyPrefix == "" {
		return identifier
	}
	return r.keyPrefix + ":" + identifier
}

// windowBounds renders the inclusive score range [reference-window, reference]
// as the integer strings Redis range commands expect.
func windowBounds(window time.Duration, reference time.Time) (string, string, error) {
	if window <= 0 {
		return "", "", errors.New("window must be positive")
	}
	lo := strconv.FormatInt(reference.Add(-window).UnixNano(), 10)
	hi := strconv.FormatInt(reference.UnixNano(), 10)
	return lo, hi, nil
}

var _ port.RateLimitStore = (*RateLimitRepository)(nil)
