package utils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

var ErrLockNotObtained = errors.New("lock not obtained")

type Unlocker interface {
	Release(ctx context.Context) error
}

// Locker serializes work on one key across goroutines or processes.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Unlocker, error)
}

// RedisLocker is a Locker backed by redislock, shared by every replica.
type RedisLocker struct {
	client   *redislock.Client
	Wait     time.Duration
	Interval time.Duration
}

func NewRedisLocker(client *redislock.Client) *RedisLocker {
	return &RedisLocker{client: client, Wait: 30 * time.Second, Interval: 100 * time.Millisecond}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Unlocker, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("redis lock not ready")
	}
	retries := 0
	if l.Interval > 0 {
		retries = int(l.Wait / l.Interval)
	}
	lock, err := l.client.Obtain(ctx, key, ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(l.Interval), retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockNotObtained
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// LocalLocker is an in-process Locker for single-replica deployments and tests.
// The ttl is ignored; holders must release.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	Wait  time.Duration
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: map[string]chan struct{}{}, Wait: 30 * time.Second}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := l.slots[key]
	if ch == nil {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *LocalLocker) Obtain(ctx context.Context, key string, _ time.Duration) (Unlocker, error) {
	ch := l.slot(key)
	timer := time.NewTimer(l.Wait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return &localLock{ch: ch}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrLockNotObtained
	}
}

type localLock struct {
	once sync.Once
	ch   chan struct{}
}

func (l *localLock) Release(context.Context) error {
	l.once.Do(func() { <-l.ch })
	return nil
}

// WithLock runs fn while holding key.
func WithLock(ctx context.Context, locker Locker, key string, ttl time.Duration, fn func() error) error {
	lock, err := locker.Obtain(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer lock.Release(context.Background())
	return fn()
}
