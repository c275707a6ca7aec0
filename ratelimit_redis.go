package bifrost

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript runs the sliding-window log on one sorted set. Redis
// executes scripts one at a time, which makes it the single authority for
// every key it holds.
//
// KEYS[1] bucket key
// ARGV    now (ms), window (ms), max, member
// Returns {1, 0} when admitted, {0, wait ms} when denied.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)
if count >= max then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	return {0, tonumber(oldest[2]) + window - now}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, 0}
`)

// RedisRateLimiter keeps buckets in Redis so several gateway processes
// share one authority per owner.
type RedisRateLimiter struct {
	client redis.Scripter
	prefix string
	now    func() time.Time
}

// NewRedisRateLimiter creates a RedisRateLimiter. Keys are written under
// prefix + "ratelimit:".
func NewRedisRateLimiter(client redis.Scripter, prefix string) *RedisRateLimiter {
	if prefix == "" {
		prefix = "bifrost:"
	}
	return &RedisRateLimiter{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (r *RedisRateLimiter) key(owner string, category Category) string {
	var b strings.Builder
	b.WriteString(r.prefix)
	b.WriteString("ratelimit:")
	b.WriteString(owner)
	b.WriteByte(':')
	b.WriteString(string(category))
	return b.String()
}

// Check implements RateLimiter.
func (r *RedisRateLimiter) Check(ctx context.Context, owner string, category Category, limit Limit) (Decision, error) {
	if limit.Max <= 0 {
		return Decision{Allowed: true}, nil
	}

	res, err := slidingWindowScript.Run(ctx, r.client,
		[]string{r.key(owner, category)},
		r.now().UnixMilli(),
		limit.Window.Milliseconds(),
		limit.Max,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrRateLimiterUnavailable, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("%w: unexpected script reply %v", ErrRateLimiterUnavailable, res)
	}

	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}

	retry := int((res[1] + 999) / 1000)
	if retry < 1 {
		retry = 1
	}
	return Decision{Allowed: false, RetryAfterSeconds: retry}, nil
}
