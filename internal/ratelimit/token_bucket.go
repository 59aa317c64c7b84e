package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Tokens are returned as a string so the fractional part survives the
// integer conversion redis applies to Lua numbers.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local clock = redis.call("TIME")
local now = (clock[1] * 1000) + math.floor(clock[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])

if tokens == nil then
  tokens = burst
else
  local elapsed = math.max(now - ts, 0)
  tokens = math.min(burst, tokens + (elapsed / 1000) * rate)
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HMSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tostring(tokens), now}
`

// Limit is a refill rate in tokens per second and a bucket capacity.
type Limit struct {
	Rate  float64
	Burst int
}

func (l Limit) validate() error {
	if l.Rate <= 0 {
		return errors.New("rate limiter rate must be positive")
	}
	if l.Burst <= 0 {
		return errors.New("rate limiter burst must be positive")
	}
	return nil
}

// ttl keeps an idle bucket around for twice the time it takes to refill.
func (l Limit) ttl() time.Duration {
	seconds := math.Max(math.Ceil(float64(l.Burst)/l.Rate*2), 1)
	return time.Duration(seconds) * time.Second
}

// TokenBucket is a redis-backed token bucket shared across replicas.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
	}
}

func (t *TokenBucket) Allow(ctx context.Context, key string, limit Limit) (*RateLimitResult, error) {
	if t == nil || t.client == nil {
		return &RateLimitResult{}, errors.New("rate limiter not configured")
	}
	if key == "" {
		return &RateLimitResult{}, errors.New("rate limiter key is empty")
	}
	if err := limit.validate(); err != nil {
		return &RateLimitResult{}, err
	}

	raw, err := t.script.Run(ctx, t.client, []string{key},
		limit.Rate,
		limit.Burst,
		limit.ttl().Milliseconds(),
	).Slice()
	if err != nil {
		return &RateLimitResult{}, err
	}
	reply, err := parseBucketReply(raw)
	if err != nil {
		return &RateLimitResult{}, err
	}

	var retryAfter time.Duration
	if !reply.allowed {
		retryAfter = time.Duration((1 - reply.tokens) / limit.Rate * float64(time.Second))
	}
	return &RateLimitResult{
		Allowed:    reply.allowed,
		Limit:      limit.Burst,
		Remaining:  int(reply.tokens),
		ResetTime:  reply.at.Add(retryAfter),
		RetryAfter: retryAfter,
	}, nil
}

type bucketReply struct {
	allowed bool
	tokens  float64
	at      time.Time
}

func parseBucketReply(raw []any) (bucketReply, error) {
	if len(raw) != 3 {
		return bucketReply{}, fmt.Errorf("token bucket reply: want 3 values, got %d", len(raw))
	}
	allowed, ok := raw[0].(int64)
	if !ok {
		return bucketReply{}, fmt.Errorf("token bucket reply: allowed is %T", raw[0])
	}
	tokensText, ok := raw[1].(string)
	if !ok {
		return bucketReply{}, fmt.Errorf("token bucket reply: tokens is %T", raw[1])
	}
	tokens, err := strconv.ParseFloat(tokensText, 64)
	if err != nil {
		return bucketReply{}, fmt.Errorf("token bucket reply: %w", err)
	}
	nowMS, ok := raw[2].(int64)
	if !ok {
		return bucketReply{}, fmt.Errorf("token bucket reply: timestamp is %T", raw[2])
	}
	return bucketReply{
		allowed: allowed == 1,
		tokens:  max(tokens, 0),
		at:      time.UnixMilli(nowMS),
	}, nil
}
