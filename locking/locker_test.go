package locking

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T, wait time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, time.Minute, wait, logging.NewNopLogger()), mr
}

func lockers(t *testing.T, wait time.Duration) map[string]Locker {
	redisLocker, _ := newRedisLocker(t, wait)
	return map[string]Locker{
		"memory": NewMemoryLocker(wait, logging.NewNopLogger()),
		"redis":  redisLocker,
	}
}

func TestLocker_SerializesSameKey(t *testing.T) {
	for name, l := range lockers(t, 5*time.Second) {
		t.Run(name, func(t *testing.T) {
			var inside, maxInside int32
			var wg sync.WaitGroup

			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					release, err := l.Acquire(context.Background(), SessionKey("s1"))
					if !assert.NoError(t, err) {
						return
					}
					defer release()

					n := atomic.AddInt32(&inside, 1)
					for {
						m := atomic.LoadInt32(&maxInside)
						if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
							break
						}
					}
					time.Sleep(5 * time.Millisecond)
					atomic.AddInt32(&inside, -1)
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), maxInside)
		})
	}
}

func TestLocker_DistinctKeysDoNotContend(t *testing.T) {
	for name, l := range lockers(t, 100*time.Millisecond) {
		t.Run(name, func(t *testing.T) {
			release, err := l.Acquire(context.Background(), SessionKey("a"))
			require.NoError(t, err)
			defer release()

			other, err := l.Acquire(context.Background(), CatalogKey("a"))
			require.NoError(t, err)
			other()
		})
	}
}

func TestLocker_TimesOut(t *testing.T) {
	for name, l := range lockers(t, 50*time.Millisecond) {
		t.Run(name, func(t *testing.T) {
			release, err := l.Acquire(context.Background(), SessionKey("busy"))
			require.NoError(t, err)
			defer release()

			_, err = l.Acquire(context.Background(), SessionKey("busy"))
			assert.ErrorIs(t, err, apperror.ErrLockTimeout)
		})
	}
}

func TestLocker_ReleaseAllowsReacquire(t *testing.T) {
	for name, l := range lockers(t, time.Second) {
		t.Run(name, func(t *testing.T) {
			release, err := l.Acquire(context.Background(), SessionKey("s"))
			require.NoError(t, err)
			release()

			release, err = l.Acquire(context.Background(), SessionKey("s"))
			require.NoError(t, err)
			release()
		})
	}
}

func TestRedisLocker_ReleaseKeepsForeignToken(t *testing.T) {
	l, mr := newRedisLocker(t, time.Second)

	release, err := l.Acquire(context.Background(), SessionKey("s"))
	require.NoError(t, err)

	// Simulate expiry and takeover by another replica.
	mr.Set(redisKeyPrefix+SessionKey("s"), "someone-else")
	release()

	got, err := mr.Get(redisKeyPrefix + SessionKey("s"))
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisLocker_IsReady(t *testing.T) {
	l, mr := newRedisLocker(t, time.Second)
	assert.NoError(t, l.IsReady(context.Background()))

	mr.Close()
	assert.Error(t, l.IsReady(context.Background()))
}
