package lock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/switchboard/internal/lock"
)

func newRedisLocker(t *testing.T) (*lock.RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := lock.NewRedisLocker(client)
	l.RetryBackoff = 5 * time.Millisecond
	return l, mr
}

func lockers(t *testing.T) map[string]lock.Locker {
	rl, _ := newRedisLocker(t)
	return map[string]lock.Locker{
		"local": lock.NewLocalLocker(),
		"redis": rl,
	}
}

func TestWithLock_Serializes(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			var inside, maxInside int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := l.WithLock(ctx, "sess_1", func(context.Context) error {
						n := atomic.AddInt32(&inside, 1)
						for {
							m := atomic.LoadInt32(&maxInside)
							if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
								break
							}
						}
						time.Sleep(5 * time.Millisecond)
						atomic.AddInt32(&inside, -1)
						return nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), atomic.LoadInt32(&maxInside))
		})
	}
}

func TestWithLock_DifferentKeysDoNotBlock(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			err := l.WithLock(ctx, "sess_a", func(ctx context.Context) error {
				return l.WithLock(ctx, "sess_b", func(context.Context) error { return nil })
			})
			assert.NoError(t, err)
		})
	}
}

func TestWithLock_ContextCancelledWhileWaiting(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			held := make(chan struct{})
			release := make(chan struct{})
			done := make(chan struct{})
			go func() {
				defer close(done)
				_ = l.WithLock(context.Background(), "sess_1", func(context.Context) error {
					close(held)
					<-release
					return nil
				})
			}()
			<-held

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()
			err := l.WithLock(ctx, "sess_1", func(context.Context) error { return nil })
			assert.ErrorIs(t, err, context.DeadlineExceeded)

			close(release)
			<-done
		})
	}
}

func TestLocalLocker_ForgetsIdleKeys(t *testing.T) {
	l := lock.NewLocalLocker()
	require.NoError(t, l.WithLock(context.Background(), "sess_1", func(context.Context) error { return nil }))
	assert.Zero(t, l.Len())

	assert.ErrorIs(t, l.WithLock(context.Background(), "k", nil), lock.ErrNoCallback)
}

func TestRedisLocker_ReleasesKey(t *testing.T) {
	l, mr := newRedisLocker(t)

	err := l.WithLock(context.Background(), "sess_1", func(context.Context) error {
		assert.True(t, mr.Exists("checkout:lock:sess_1"))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("checkout:lock:sess_1"))
}
