package distlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLock_MutualExclusion(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "ingest:reaper", time.Minute)
	b := NewRedisLock(client, "ingest:reaper", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// b does not own the lock, so its release is a no-op.
	require.NoError(t, b.Release(ctx))
	ok, _ = b.Acquire(ctx)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ExpiresAndExtends(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "ingest:reaper", 10*time.Second)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "lock:ingest:reaper", a.Key())

	extended, err := a.Extend(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, extended)
	assert.Equal(t, time.Minute, mr.TTL(a.Key()))

	mr.FastForward(2 * time.Minute)
	extended, err = a.Extend(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, extended)

	b := NewRedisLock(client, "ingest:reaper", time.Minute)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDo(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()

	holder := NewRedisLock(client, "job", time.Minute)
	ok, _ := holder.Acquire(ctx)
	require.True(t, ok)

	called := false
	ran, err := Do(ctx, NewLock(client, "job", time.Minute), func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
	assert.False(t, called)

	require.NoError(t, holder.Release(ctx))

	boom := errors.New("boom")
	ran, err = Do(ctx, NewLock(client, "job", time.Minute), func(context.Context) error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)

	// Released after fn returns.
	ok, _ = holder.Acquire(ctx)
	assert.True(t, ok)
}

func TestDo_ExtendsLeaseWhileRunning(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()

	lock := NewRedisLock(client, "sweep", 200*time.Millisecond)
	ran, err := Do(ctx, lock, func(context.Context) error {
		mr.FastForward(150 * time.Millisecond)
		require.Less(t, mr.TTL(lock.Key()), 100*time.Millisecond)
		assert.Eventually(t, func() bool {
			return mr.TTL(lock.Key()) > 100*time.Millisecond
		}, 2*time.Second, 10*time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists(lock.Key()))
}

func TestNewLock_WithoutRedis(t *testing.T) {
	lock := NewLock(nil, "job", time.Minute)
	ran, err := Do(context.Background(), lock, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}
