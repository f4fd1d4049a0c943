package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/factora/internal/config"
)

const (
	keyLogin  = "factora:ratelimit:login:%s"
	keyInvest = "factora:ratelimit:invest:%s"
)

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// EndpointLimiter throttles login attempts per client IP and investments per user.
// A nil limiter allows everything.
type EndpointLimiter struct {
	bucket *TokenBucket
	cfg    config.RateLimitConfig
}

func NewEndpointLimiter(cfg config.Config, client redis.UniversalClient) *EndpointLimiter {
	if !cfg.RateLimit.Enabled || client == nil {
		return nil
	}
	return &EndpointLimiter{bucket: NewTokenBucket(client), cfg: cfg.RateLimit}
}

func (l *EndpointLimiter) AllowLogin(ctx context.Context, clientIP string) (Decision, error) {
	if l == nil {
		return Decision{Allowed: true}, nil
	}
	return l.allow(ctx, fmt.Sprintf(keyLogin, strings.TrimSpace(clientIP)), l.cfg.LoginRate, l.cfg.LoginBurst)
}

func (l *EndpointLimiter) AllowInvest(ctx context.Context, userID string) (Decision, error) {
	if l == nil {
		return Decision{Allowed: true}, nil
	}
	return l.allow(ctx, fmt.Sprintf(keyInvest, strings.TrimSpace(userID)), l.cfg.InvestRate, l.cfg.InvestBurst)
}

func (l *EndpointLimiter) allow(ctx context.Context, key string, rate float64, burst int) (Decision, error) {
	res, err := l.bucket.Allow(ctx, key, rate, burst)
	if err != nil {
		// fail open: a Redis outage must not lock users out
		return Decision{Allowed: true}, err
	}
	return Decision{Allowed: res.Allowed, RetryAfter: res.RetryAfter}, nil
}
