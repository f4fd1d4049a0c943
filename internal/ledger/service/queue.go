package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/smallbiznis/factora/internal/ratelimit"
	"go.uber.org/zap"
)

const signerLockPrefix = "factora:ledger:signer:"

var errBusy = errors.New("signer lock busy")

// signerQueue serializes submissions per signing key: one in-process slot per
// key, plus a Redis lease when a distributed locker is configured.
type signerQueue struct {
	mu     sync.Mutex
	slots  map[string]chan struct{}
	locker *ratelimit.Locker
	ttl    time.Duration
	log    *zap.Logger
}

func newSignerQueue(locker *ratelimit.Locker, ttl time.Duration, log *zap.Logger) *signerQueue {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &signerQueue{
		slots:  make(map[string]chan struct{}),
		locker: locker,
		ttl:    ttl,
		log:    log,
	}
}

func (q *signerQueue) slot(key string) chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		q.slots[key] = ch
	}
	return ch
}

// acquire blocks until the caller owns key or ctx ends. The returned func releases it.
func (q *signerQueue) acquire(ctx context.Context, key string) (func(), error) {
	ch := q.slot(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if q.locker == nil {
		return func() { <-ch }, nil
	}

	lockKey := signerLockPrefix + key
	token, err := q.lease(ctx, lockKey)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, errBusy) {
			<-ch
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		// Redis unavailable: the process-local slot still holds
		q.log.Warn("distributed signer lock unavailable", zap.Error(err))
		return func() { <-ch }, nil
	}

	return func() {
		if err := q.locker.Release(context.Background(), lockKey, token); err != nil {
			q.log.Warn("release signer lock", zap.Error(err))
		}
		<-ch
	}, nil
}

func (q *signerQueue) lease(ctx context.Context, key string) (string, error) {
	var token string
	op := func() error {
		t, ok, err := q.locker.TryLock(ctx, key, q.ttl)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errBusy
		}
		token = t
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 25 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = q.ttl
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return "", err
	}
	return token, nil
}
