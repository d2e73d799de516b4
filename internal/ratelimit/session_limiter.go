package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rl:session:"

// SessionLimiter is a distributed token bucket over Redis, keyed per session.
// Callers charge a cost per operation so that expensive work (render jobs,
// command sequences) drains the bucket faster than a single command does.
type SessionLimiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
}

// NewSessionLimiter constructs a limiter with the provided capacity/refill.
func NewSessionLimiter(client *redis.Client, capacity int, refillPerSecond float64) *SessionLimiter {
	return &SessionLimiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
	}
}

// ttl returns how long an idle bucket stays in Redis. Twice the time a drained
// bucket needs to refill completely, floored at a minute so bursts that empty
// the bucket quickly still leave a record behind.
func (l *SessionLimiter) ttl() time.Duration {
	if l.refill <= 0 {
		return time.Hour
	}
	secs := float64(l.capacity) / l.refill * 2
	if secs < 60 {
		secs = 60
	}
	return time.Duration(secs * float64(time.Second))
}

// Allow consumes one token for the session if available.
func (l *SessionLimiter) Allow(ctx context.Context, sessionID string) (bool, float64, error) {
	return l.AllowN(ctx, sessionID, 1)
}

// AllowN consumes cost tokens for the session if available, returning the
// allowed flag and the remaining token count. Costs below one are charged as
// one token.
func (l *SessionLimiter) AllowN(ctx context.Context, sessionID string, cost float64) (bool, float64, error) {
	if cost <= 0 {
		cost = 1
	}
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{keyPrefix + sessionID},
		l.capacity, l.refill, now, l.ttl().Milliseconds(), cost).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected bucket script reply: %v", res)
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local cost = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
