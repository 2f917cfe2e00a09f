package custody

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultIndexKey is the sorted set holding pending deposit deadlines.
const DefaultIndexKey = "fieldguard:custody:deadlines"

// RedisIndex keeps deposit deadlines in a Redis sorted set scored by unix
// milliseconds.
type RedisIndex struct {
	client redis.UniversalClient
	key    string
}

// NewRedisIndex creates a deadline index on client.
func NewRedisIndex(client redis.UniversalClient, key string) *RedisIndex {
	if key == "" {
		key = DefaultIndexKey
	}
	return &RedisIndex{client: client, key: key}
}

var _ DeadlineIndex = (*RedisIndex)(nil)

func (r *RedisIndex) Schedule(ctx context.Context, paymentID string, at time.Time) error {
	return r.client.ZAdd(ctx, r.key, redis.Z{Score: float64(at.UnixMilli()), Member: paymentID}).Err()
}

func (r *RedisIndex) Remove(ctx context.Context, paymentID string) error {
	return r.client.ZRem(ctx, r.key, paymentID).Err()
}

func (r *RedisIndex) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = sweepBatchSize
	}
	return r.client.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
}

// Ping checks the connection for health reporting.
func (r *RedisIndex) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
