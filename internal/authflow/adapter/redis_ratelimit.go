package adapter

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/amlakpars/marketplace-auth/internal/authflow/app"
	redisclient "github.com/amlakpars/marketplace-auth/internal/redis"
)

// reserveScript atomically reserves one slot in a fixed window. It reads the
// counter first and only increments while the count is below the limit, so
// the stored count can never exceed the limit and denied calls do not extend
// the window. The TTL is set on the first increment; EXPIRE ... NX would
// need Redis 7.0+.
//
// Returns {1, 0} when the slot was reserved, {0, ttl} when the window is
// full (ttl is the remaining window in seconds).
const reserveScript = `
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= tonumber(ARGV[1]) then
  return {0, redis.call('TTL', KEYS[1])}
end
count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return {1, 0}
`

// Compile-time interface satisfaction check.
var _ app.RateLimiter = (*RateLimiter)(nil)

// RateLimiter implements fixed-window rate limiting backed by Redis.
// Redis errors result in denial (never silent allow).
type RateLimiter struct {
	cmd redisclient.Cmdable
}

// NewRateLimiter creates a RateLimiter that uses cmd for Redis operations.
func NewRateLimiter(cmd redisclient.Cmdable) *RateLimiter {
	return &RateLimiter{cmd: cmd}
}

// Reserve attempts to claim one slot for key within the fixed window.
// Returns (true, 0, nil) when the slot was reserved, (false, retryAfter, nil)
// when the window is full, and (false, 0, err) on Redis failure.
func (r *RateLimiter) Reserve(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.reserve")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "EVAL"),
	)

	windowSeconds := int(window / time.Second)

	vals, err := r.cmd.Eval(ctx, reserveScript, []string{key}, limit, windowSeconds).Int64Slice()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, 0, fmt.Errorf("reserve rate limit slot %q: %w", key, err)
	}
	if len(vals) != 2 {
		return false, 0, fmt.Errorf("reserve rate limit slot %q: unexpected script reply of length %d", key, len(vals))
	}

	if vals[0] == 1 {
		return true, 0, nil
	}

	// TTL is -1 (no expiry) or -2 (missing key) only if the key was
	// tampered with outside this script; report the full window then.
	retryAfter := time.Duration(vals[1]) * time.Second
	if retryAfter <= 0 {
		retryAfter = window
	}
	return false, retryAfter, nil
}
