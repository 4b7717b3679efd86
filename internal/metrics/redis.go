package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink mirrors admission decisions to Redis as hash counters: a
// cumulative total plus per-minute buckets that expire after ttl. A nil sink
// is a no-op, so callers never have to branch on whether Redis is configured.
type RedisSink struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSink creates a sink writing under the given key prefix.
func NewRedisSink(rdb *redis.Client, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "imagegate:stats"
	}
	return &RedisSink{
		rdb:    rdb,
		prefix: prefix,
		ttl:    24 * time.Hour,
	}
}

// Record increments the counters for one outcome. The total key is
// cumulative and never expires; minute buckets carry the TTL.
func (s *RedisSink) Record(ctx context.Context, outcome Outcome) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	field := outcome.String()
	bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, time.Now().UTC().Format("200601021504"))

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)
	pipe.HIncrBy(ctx, bucketKey, field, 1)
	pipe.Expire(ctx, bucketKey, s.ttl)

	_, err := pipe.Exec(ctx)
	return err
}
