package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisKeyPrefix namespaces limiter state in Redis.
const redisKeyPrefix = "statclient:rate_limit:last_request:"

// throttleScript atomically checks the stored last-request time and claims
// the slot when the delay has elapsed. Returns 0 when the caller may proceed,
// otherwise the remaining wait in nanoseconds. The check and the stamp must
// be one atomic step or two processes can claim the same slot.
var throttleScript = redis.NewScript(`
local last = tonumber(redis.call('GET', KEYS[1]) or '0')
local now = tonumber(ARGV[1])
local delay = tonumber(ARGV[2])
if last == 0 or now - last >= delay then
	redis.call('SET', KEYS[1], now)
	return 0
end
return delay - (now - last)
`)

// RedisLimiter enforces the same contract as Limiter but keeps
// last_request_time in Redis, so separate OS processes fetching from the
// same source share one limit.
type RedisLimiter struct {
	redis  *redis.Client
	key    string
	policy Policy
	source string
	logger zerolog.Logger
}

// NewRedisLimiter creates a cross-process limiter for the named source.
func NewRedisLimiter(redisClient *redis.Client, source string, policy Policy, logger zerolog.Logger) *RedisLimiter {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if policy.Delay < MinDelay {
		policy.Delay = MinDelay
	}
	return &RedisLimiter{
		redis:  redisClient,
		key:    redisKeyPrefix + source,
		policy: policy,
		source: source,
		logger: logger.With().Str("source", source).Logger(),
	}
}

// Throttle blocks until this process wins a request slot for the source.
// Each losing round sleeps the (jittered) remaining wait and tries again.
func (l *RedisLimiter) Throttle(ctx context.Context) error {
	for {
		now := time.Now().UnixNano()
		res, err := throttleScript.Run(ctx, l.redis, []string{l.key},
			strconv.FormatInt(now, 10),
			strconv.FormatInt(l.policy.Delay.Nanoseconds(), 10),
		).Int64()
		if err != nil {
			return fmt.Errorf("rate limit check: %w", err)
		}

		if res == 0 {
			return nil
		}

		wait := jitteredWait(time.Duration(res), l.policy.JitterFraction)
		if wait <= 0 {
			continue
		}

		rateLimitWaitsTotal.WithLabelValues(l.source).Inc()
		rateLimitWaitSeconds.WithLabelValues(l.source).Observe(wait.Seconds())

		l.logger.Debug().
			Dur("wait", wait).
			Msg("Throttling request (shared state)")

		select {
		case <-ctx.Done():
			return fmt.Errorf("throttle wait: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

// Reset clears the shared limiter state.
func (l *RedisLimiter) Reset(ctx context.Context) error {
	if err := l.redis.Del(ctx, l.key).Err(); err != nil {
		return fmt.Errorf("reset rate limit state: %w", err)
	}
	return nil
}
