package locking

import (
	"context"
	"fmt"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix    = "uploads:lock:"
	redisPollInterval = 25 * time.Millisecond
	redisReleaseWait  = 2 * time.Second
)

// Deletes the key only while it still carries the holder's token, so an
// expired holder cannot release a lock taken over by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker shares locks between replicas. A holder that dies keeps the
// key until ttl expires.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	wait   time.Duration
	logger logging.Logger
}

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, wait time.Duration, l logging.Logger) *RedisLocker {
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		wait:   wait,
		logger: l,
	}
}

func (r *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := redisKeyPrefix + key
	token := uuid.NewString()

	if r.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.wait)
		defer cancel()
	}

	ticker := time.NewTicker(redisPollInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			r.logger.Warn("lock wait expired", "key", key)
			return nil, fmt.Errorf("%w: %s", apperror.ErrLockTimeout, key)
		case <-ticker.C:
		}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), redisReleaseWait)
		defer cancel()

		if err := releaseScript.Run(ctx, r.client, []string{redisKey}, token).Err(); err != nil {
			r.logger.Error("failed to release lock", "key", key, "error", err)
		}
	}, nil
}

func (r *RedisLocker) IsReady(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisLocker) Name() string {
	return "Locker[redis]"
}
