package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/recurra/internal/config"
)

const keyTrigger = "recurring:trigger:%s"

// TriggerLimiter bounds how often the recurring batch can be triggered over HTTP.
type TriggerLimiter struct {
	bucket *TokenBucket
	limit  Limit
}

func NewTriggerLimiter(cfg config.Config, client *redis.Client) (*TriggerLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled || client == nil {
		return nil, nil
	}
	if limitCfg.TriggerRate <= 0 || limitCfg.TriggerBurst <= 0 {
		return nil, errors.New("trigger rate limit must be positive")
	}
	return &TriggerLimiter{
		bucket: NewTokenBucket(client),
		limit:  Limit{Rate: limitCfg.TriggerRate, Burst: limitCfg.TriggerBurst},
	}, nil
}

func (l *TriggerLimiter) Allow(ctx context.Context, caller string) (*RateLimitResult, error) {
	if l == nil || l.bucket == nil {
		return &RateLimitResult{Allowed: true}, nil
	}
	caller = strings.TrimSpace(caller)
	if caller == "" {
		caller = "anonymous"
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyTrigger, caller), l.limit)
}
