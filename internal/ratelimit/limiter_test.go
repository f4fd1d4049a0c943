package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/factora/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilLimiterAllows(t *testing.T) {
	l := NewEndpointLimiter(config.Config{RateLimit: config.RateLimitConfig{Enabled: true}}, nil)
	assert.Nil(t, l)

	d, err := l.AllowLogin(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.AllowInvest(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestNilLockerReportsNotConfigured(t *testing.T) {
	var l *Locker
	_, ok, err := l.TryLock(context.Background(), "k", time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrLockNotConfigured)
	assert.NoError(t, l.Release(context.Background(), "k", "t"))
}

func TestBucketTTLAndCasts(t *testing.T) {
	assert.Equal(t, 10*time.Second, bucketTTL(1, 5))
	assert.Equal(t, time.Second, bucketTTL(100, 1))
	assert.Equal(t, int64(1), toInt("1"))
	assert.Equal(t, 2.5, toFloat("2.5"))
	assert.Equal(t, float64(3), toFloat(int64(3)))
}
