// Package distlock elects a single holder for periodic work shared by
// several worker processes.
package distlock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is the interface for distributed locking.
// A lock instance must not be shared between goroutines.
type DistLock interface {
	// Acquire tries to take the lock without blocking.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock up if this instance still owns it.
	Release(ctx context.Context) error
}

// NewLock returns a Redis lock when client is non-nil and a local lock that
// always succeeds otherwise. Work guarded by the local lock must already be
// safe to run concurrently.
func NewLock(client redis.Cmdable, key string, ttl time.Duration) DistLock {
	if client != nil {
		return NewRedisLock(client, key, ttl)
	}
	return localLock{}
}

type localLock struct{}

func (localLock) Acquire(context.Context) (bool, error) { return true, nil }
func (localLock) Release(context.Context) error         { return nil }

// Do runs fn while holding lock. It reports false, without calling fn, when
// another holder has the lock. Release uses a context detached from ctx so
// the lock is freed even if ctx was cancelled during fn. A Redis lock is
// extended while fn runs so a long sweep keeps its lease.
func Do(ctx context.Context, lock DistLock, fn func(context.Context) error) (bool, error) {
	ok, err := lock.Acquire(ctx)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		lock.Release(releaseCtx)
	}()
	if rl, ok := lock.(*RedisLock); ok {
		stop := rl.hold(ctx)
		defer stop()
	}
	return true, fn(ctx)
}
