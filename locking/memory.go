package locking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/tus/tusd/v2/pkg/handler"
	"github.com/tus/tusd/v2/pkg/memorylocker"
)

// MemoryLocker serializes holders inside one process using tusd's lock table.
type MemoryLocker struct {
	locker *memorylocker.MemoryLocker
	wait   time.Duration
	logger logging.Logger
}

func NewMemoryLocker(wait time.Duration, l logging.Logger) *MemoryLocker {
	return &MemoryLocker{
		locker: memorylocker.New(),
		wait:   wait,
		logger: l,
	}
}

func (m *MemoryLocker) Acquire(ctx context.Context, key string) (func(), error) {
	lock, err := m.locker.NewLock(key)
	if err != nil {
		return nil, err
	}

	if m.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.wait)
		defer cancel()
	}

	// Holders run to completion, so release requests from waiters are ignored.
	if err := lock.Lock(ctx, func() {}); err != nil {
		if errors.Is(err, handler.ErrLockTimeout) {
			m.logger.Warn("lock wait expired", "key", key)
			return nil, fmt.Errorf("%w: %s", apperror.ErrLockTimeout, key)
		}
		return nil, err
	}

	return func() {
		if err := lock.Unlock(); err != nil {
			m.logger.Error("failed to release lock", "key", key, "error", err)
		}
	}, nil
}

func (m *MemoryLocker) IsReady(ctx context.Context) error {
	return nil
}

func (m *MemoryLocker) Name() string {
	return "Locker[memory]"
}
