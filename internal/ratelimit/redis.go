package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "tenantgate:ratelimit:"
	resetScanCount = 500
)

// The counter expiry is set by the request that opens the window, so the key
// vanishes exactly when the window ends. A key found without expiry is
// repaired.
var fixedWindowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Redis shares fixed-window counters between replicas.
type Redis struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

var (
	_ Limiter  = (*Redis)(nil)
	_ Resetter = (*Redis)(nil)
)

// NewRedis constructs a Redis-backed limiter.
func NewRedis(client redis.UniversalClient, limit int, window time.Duration) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if err := validate(limit, window); err != nil {
		return nil, err
	}
	if window < time.Millisecond {
		return nil, errors.New("rate limit window must be at least 1ms")
	}
	return &Redis{client: client, limit: limit, window: window, prefix: redisKeyPrefix, now: time.Now}, nil
}

func (l *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := fixedWindowScript.Run(ctx, l.client, []string{l.prefix + key}, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %q: %w", key, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit %q: unexpected script reply %v", key, res)
	}
	resetAt := l.now().Add(time.Duration(res[1]) * time.Millisecond)
	return decide(res[0], l.limit, resetAt), nil
}

// Reset deletes every counter under the limiter's prefix.
func (l *Redis) Reset(ctx context.Context) error {
	iter := l.client.Scan(ctx, 0, l.prefix+"*", resetScanCount).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == resetScanCount {
			if err := l.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("rate limit reset: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("rate limit reset: %w", err)
	}
	if len(batch) > 0 {
		if err := l.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("rate limit reset: %w", err)
		}
	}
	return nil
}
